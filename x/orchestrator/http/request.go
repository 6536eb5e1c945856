package http

import (
	"time"

	"github.com/compose-network/proxy-validator/x/orchestrator"
	"github.com/compose-network/proxy-validator/x/proxy"
)

// submitReq is the JSON schema for POST routeJobs.
type submitReq struct {
	Candidates  []proxy.Candidate `json:"candidates"`
	ChunkSize   int               `json:"chunk_size,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
}

// submitResp acknowledges an accepted job.
type submitResp struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

// listResp is returned by GET routeJobs.
type listResp struct {
	Jobs []orchestrator.JobStatus `json:"jobs"`
}

// cancelResp acknowledges a cancel request.
type cancelResp struct {
	JobID    string    `json:"job_id"`
	Canceled bool      `json:"canceled"`
	At       time.Time `json:"at"`
}
