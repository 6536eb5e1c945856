package chunkworker

import (
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/compose-network/proxy-validator/x/proxy"
)

const reasonAbsent = "absent from validator output"

func writeInputFile(path string, candidates []proxy.Candidate) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := proxy.WriteInput(f, candidates); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readOutputFile returns whatever the validator managed to flush. A missing
// file is the same as empty output.
func readOutputFile(log zerolog.Logger, path string) ([]proxy.OutputRecord, int) {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("failed to open validator output")
		}
		return nil, 0
	}
	defer f.Close()

	records, skipped, err := proxy.ReadOutput(f)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("validator output read stopped early")
	}
	return records, skipped
}

// buildVerdicts yields one verdict per candidate in input order. Candidates
// the validator did not report are unusable with the given reason.
func buildVerdicts(candidates []proxy.Candidate, records []proxy.OutputRecord, missingReason string) []proxy.Verdict {
	byKey := make(map[string]proxy.OutputRecord, len(records))
	for _, rec := range records {
		c, err := proxy.Parse(rec.Proxy)
		if err != nil {
			continue
		}
		byKey[c.Key()] = rec
	}

	out := make([]proxy.Verdict, len(candidates))
	for i, c := range candidates {
		rec, ok := byKey[c.Key()]
		if !ok {
			out[i] = proxy.Verdict{Candidate: c, Error: missingReason}
			continue
		}
		out[i] = proxy.Verdict{
			Candidate: c,
			Usable:    rec.Usable,
			Latency:   rec.Latency(),
			Error:     rec.Error,
		}
	}
	return out
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
