package job

import (
	"errors"
	"fmt"
)

// ErrorType classifies every fault the orchestrator can observe.
type ErrorType int

const (
	ErrorTypeValidation ErrorType = iota
	ErrorTypeChunkTimeout
	ErrorTypeChunkCrash
	ErrorTypeEventPathLost
	ErrorTypeJobTimeout
	ErrorTypeInsufficientResults
	ErrorTypeCanceled
)

// String returns the reason code reported to clients and downstream stages.
func (e ErrorType) String() string {
	switch e {
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeChunkTimeout:
		return "chunk_timeout"
	case ErrorTypeChunkCrash:
		return "chunk_crash"
	case ErrorTypeEventPathLost:
		return "event_path_lost"
	case ErrorTypeJobTimeout:
		return "job_timeout"
	case ErrorTypeInsufficientResults:
		return "insufficient_results"
	case ErrorTypeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether the fault may be retried at chunk granularity.
// Job-level faults are never retried for the same job instance.
func (e ErrorType) Retryable() bool {
	return e == ErrorTypeChunkTimeout || e == ErrorTypeChunkCrash
}

// Error is a structured error carrying its classification.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	JobID   string
	ChunkID int
	// HasChunk distinguishes chunk 0 from "no chunk".
	HasChunk bool
}

func (e *Error) Error() string {
	prefix := "job " + e.Type.String()
	if e.JobID != "" {
		prefix += " [" + e.JobID
		if e.HasChunk {
			prefix += fmt.Sprintf("/%d", e.ChunkID)
		}
		prefix += "]"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Type, so callers can test against the
// exported Err* values with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Type == e.Type && t.Message == "" && t.JobID == ""
}

// NewError creates a classified error.
func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap creates a classified error around cause.
func Wrap(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// WithJob attaches the job id.
func (e *Error) WithJob(jobID string) *Error {
	e.JobID = jobID
	return e
}

// WithChunk attaches the chunk id.
func (e *Error) WithChunk(chunkID int) *Error {
	e.ChunkID = chunkID
	e.HasChunk = true
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrChunkTimeout        = &Error{Type: ErrorTypeChunkTimeout}
	ErrChunkCrash          = &Error{Type: ErrorTypeChunkCrash}
	ErrEventPathLost       = &Error{Type: ErrorTypeEventPathLost}
	ErrJobTimeout          = &Error{Type: ErrorTypeJobTimeout}
	ErrInsufficientResults = &Error{Type: ErrorTypeInsufficientResults}
	ErrCanceled            = &Error{Type: ErrorTypeCanceled}
	ErrValidation          = &Error{Type: ErrorTypeValidation}
)

// TypeOf extracts the classification of err, reporting false for unclassified errors.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}
