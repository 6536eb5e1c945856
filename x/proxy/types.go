package proxy

import (
	"time"
)

// Protocol is the proxy protocol a candidate claims to speak.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Valid reports whether p is one of the supported protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return true
	default:
		return false
	}
}

// Candidate is a proxy awaiting validation. It only lives for one validation run.
type Candidate struct {
	Address  string   `json:"address"  yaml:"address"`
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
}

// Key is the proxy identity used for deduplication. Credentials are not part of it.
func (c Candidate) Key() string {
	return string(c.Protocol) + "://" + c.Address
}

// Chunk is an ordered, immutable batch of candidates bound to a single worker.
type Chunk struct {
	JobID      string      `json:"job_id"`
	ChunkID    int         `json:"chunk_id"`
	Offset     int         `json:"offset"`
	Candidates []Candidate `json:"candidates"`
}

// Verdict is the validator's judgement on one candidate.
type Verdict struct {
	Candidate Candidate     `json:"candidate"`
	Usable    bool          `json:"usable"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// ChunkStatus is the outcome of validating a chunk.
type ChunkStatus string

const (
	ChunkSuccess ChunkStatus = "success"
	ChunkFailure ChunkStatus = "failure"
	ChunkTimeout ChunkStatus = "timeout"
)

// Rank orders statuses for deterministic selection between duplicates.
func (s ChunkStatus) Rank() int {
	switch s {
	case ChunkSuccess:
		return 3
	case ChunkTimeout:
		return 2
	case ChunkFailure:
		return 1
	default:
		return 0
	}
}

// ChunkResult is produced at most once per chunk id; a second write overwrites the first.
type ChunkResult struct {
	JobID       string      `json:"job_id"`
	ChunkID     int         `json:"chunk_id"`
	Status      ChunkStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	Partial     bool        `json:"partial,omitempty"`
	Verdicts    []Verdict   `json:"verdicts"`
	Error       string      `json:"error,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

// UsableCount returns the number of usable verdicts in the result.
func (r ChunkResult) UsableCount() int {
	n := 0
	for _, v := range r.Verdicts {
		if v.Usable {
			n++
		}
	}
	return n
}

// ValidatedProxy is what the next pipeline stage receives for each usable proxy.
type ValidatedProxy struct {
	Address  string        `json:"address"`
	Protocol Protocol      `json:"protocol"`
	Latency  time.Duration `json:"latency"`
}
