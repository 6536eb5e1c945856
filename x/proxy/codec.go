package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCandidate is returned when a candidate line cannot be parsed.
var ErrInvalidCandidate = errors.New("proxy: invalid candidate")

// Format renders a candidate in the validator input format:
// protocol://[user:pass@]host:port
func Format(c Candidate) string {
	u := url.URL{Scheme: string(c.Protocol), Host: c.Address}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

// Parse is the inverse of Format. A bare host:port is treated as http.
func Parse(s string) (Candidate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Candidate{}, fmt.Errorf("%w: empty", ErrInvalidCandidate)
	}
	if !strings.Contains(s, "://") {
		s = string(ProtocolHTTP) + "://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	c := Candidate{Address: u.Host, Protocol: Protocol(strings.ToLower(u.Scheme))}
	if !c.Protocol.Valid() {
		return Candidate{}, fmt.Errorf("%w: unsupported protocol %q", ErrInvalidCandidate, u.Scheme)
	}
	if err := validateAddress(c.Address); err != nil {
		return Candidate{}, err
	}
	if u.User != nil {
		c.Username = u.User.Username()
		c.Password, _ = u.User.Password()
	}
	return c, nil
}

// Validate checks the fields of an already structured candidate.
func (c Candidate) Validate() error {
	if !c.Protocol.Valid() {
		return fmt.Errorf("%w: unsupported protocol %q", ErrInvalidCandidate, c.Protocol)
	}
	return validateAddress(c.Address)
}

func validateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	if host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidCandidate, addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("%w: bad port in %q", ErrInvalidCandidate, addr)
	}
	return nil
}

// WriteInput writes candidates one per line.
func WriteInput(w io.Writer, candidates []Candidate) error {
	bw := bufio.NewWriter(w)
	for _, c := range candidates {
		if _, err := bw.WriteString(Format(c) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadInput reads the validator input format. Blank lines and lines starting
// with '#' are ignored.
func ReadInput(r io.Reader) ([]Candidate, error) {
	var out []Candidate
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, c)
	}
	return out, sc.Err()
}

// OutputRecord is one JSON line of validator output.
type OutputRecord struct {
	Proxy     string `json:"proxy"`
	Usable    bool   `json:"usable"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// NewOutputRecord builds the output line for a verdict.
func NewOutputRecord(v Verdict) OutputRecord {
	return OutputRecord{
		Proxy:     Format(v.Candidate),
		Usable:    v.Usable,
		LatencyMS: v.Latency.Milliseconds(),
		Error:     v.Error,
	}
}

// ReadOutput parses validator output leniently: a truncated or garbled line is
// counted and skipped so a partially flushed file still yields what it can.
func ReadOutput(r io.Reader) (records []OutputRecord, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec OutputRecord
		if jerr := json.Unmarshal([]byte(line), &rec); jerr != nil || rec.Proxy == "" {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, sc.Err()
}

// Latency converts the record latency back to a duration.
func (o OutputRecord) Latency() time.Duration {
	return time.Duration(o.LatencyMS) * time.Millisecond
}
