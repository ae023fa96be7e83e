package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard success response envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeNotReady        = "NOT_READY"
	ErrCodeAlreadyTerminal = "ALREADY_TERMINAL"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// TestConnectionRequest is the request body for POST /v1/sources/{module}/test-connection.
type TestConnectionRequest struct {
	Credentials map[string]any `json:"credentials"`
}

// StartExtractionRequest is the request body for POST /v1/sources/{module}/runs.
// Credentials are used for the run and never persisted.
type StartExtractionRequest struct {
	Config      map[string]any `json:"config"`
	Credentials map[string]any `json:"credentials"`
}

// StartGenerationRequest is the request body for POST /v1/runs/{run_id}/generate.
type StartGenerationRequest struct {
	LLM  LLMConfig `json:"llm"`
	Wait bool      `json:"wait,omitempty"`
}

// BuildTreeRequest is the request body for POST /v1/trees.
type BuildTreeRequest struct {
	Sources []RunRef  `json:"sources"`
	LLM     LLMConfig `json:"llm"`
}

// RunAccepted is returned when a run has been durably created.
type RunAccepted struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Store      string `json:"store"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}
