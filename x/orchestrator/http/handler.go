package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	apicommon "github.com/compose-network/proxy-validator/server/api"
	"github.com/compose-network/proxy-validator/x/dispatcher"
	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/orchestrator"
)

type Handler struct {
	orch         orchestrator.Orchestrator
	maxBodyBytes int64
	router       *mux.Router
	log          zerolog.Logger
}

func NewHandler(orch orchestrator.Orchestrator, maxBodyBytes int64, log zerolog.Logger) *Handler {
	return &Handler{
		orch:         orch,
		maxBodyBytes: maxBodyBytes,
		log:          log.With().Str("component", "jobs-http").Logger(),
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := apicommon.DecodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error(), nil)
		return
	}
	if req.ChunkSize < 0 || req.Concurrency < 0 {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_job", "chunk_size and concurrency must not be negative", nil)
		return
	}

	// The job outlives the request.
	jobID, err := h.orch.Submit(context.WithoutCancel(r.Context()), req.Candidates, dispatcher.Options{
		ChunkSize:   req.ChunkSize,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}

	statusURL := strings.Replace(routeJobID, "{jobID}", jobID, 1)
	if route := h.router.Get(routeNameStatus); route != nil {
		if u, err := route.URL("jobID", jobID); err == nil {
			statusURL = u.String()
		}
	}
	w.Header().Set("Location", statusURL)
	apicommon.WriteJSON(w, http.StatusAccepted, submitResp{JobID: jobID, StatusURL: statusURL})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := h.orch.History()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.State) == state {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	apicommon.WriteJSON(w, http.StatusOK, listResp{Jobs: jobs})
}

// handleStatus returns the job status. With ?wait=<duration> it blocks until
// the job is terminal or the wait elapses, whichever comes first.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(mux.Vars(r)["jobID"])
	if jobID == "" {
		apicommon.WriteError(w, r, http.StatusBadRequest, "missing_path_param", "provide /v1/jobs/{jobID}", nil)
		return
	}

	var (
		status orchestrator.JobStatus
		err    error
	)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait < 0 || wait > maxWait {
			apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_wait",
				fmt.Sprintf("wait must be a duration between 0s and %s", maxWait), nil)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		status, err = h.orch.Wait(ctx, jobID)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			status, err = h.orch.Status(r.Context(), jobID)
		}
	} else {
		status, err = h.orch.Status(r.Context(), jobID)
	}
	if err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}
	apicommon.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(mux.Vars(r)["jobID"])
	if err := h.orch.Cancel(jobID); err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}
	h.log.Info().Str("job_id", jobID).Msg("Job cancel requested")
	apicommon.WriteJSON(w, http.StatusAccepted, cancelResp{JobID: jobID, Canceled: true, At: time.Now().UTC()})
}

func (h *Handler) writeOrchestratorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrValidation):
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_job", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrJobNotFound):
		apicommon.WriteError(w, r, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrJobFinished):
		apicommon.WriteError(w, r, http.StatusConflict, "job_finished", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrStopped):
		apicommon.WriteError(w, r, http.StatusServiceUnavailable, "stopped", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		apicommon.WriteError(w, r, http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Job request failed")
		apicommon.WriteError(w, r, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}
