package http

import "time"

// Route patterns for the job HTTP surface.
const (
	routeJobs  = "/v1/jobs"
	routeJobID = "/v1/jobs/{jobID}"
)

// Route names for mux URL building.
const (
	routeNameSubmit = "jobs_submit"
	routeNameList   = "jobs_list"
	routeNameStatus = "jobs_status"
	routeNameCancel = "jobs_cancel"
)

// maxWait caps the ?wait= long-poll on job status.
const maxWait = 5 * time.Minute
