package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
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
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeUnknownAction   = "UNKNOWN_ACTION"
	ErrCodeExecutionFailed = "EXECUTION_FAILED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// CreateTaskRequest is the request body for POST /v1/tasks.
// RequiresApproval is optional; when omitted the action policy decides.
type CreateTaskRequest struct {
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Action           string         `json:"action"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	RequiresApproval *bool          `json:"requires_approval,omitempty"`
}

// ApproveTaskRequest is the request body for POST /v1/tasks/{task_id}/approve.
type ApproveTaskRequest struct {
	Notes *string `json:"notes,omitempty"`
}

// RejectTaskRequest is the request body for POST /v1/tasks/{task_id}/reject.
type RejectTaskRequest struct {
	Reason string `json:"reason"`
}

// ExecuteTaskRequest is the request body for POST /v1/tasks/{task_id}/execute.
type ExecuteTaskRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	PrincipalID string `json:"principal_id"`
	APIKey      string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Storage   string `json:"storage"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

// PolicyRule is one row of the approval policy table.
type PolicyRule struct {
	Pattern          string `json:"pattern"`
	RequiresApproval bool   `json:"requires_approval"`
}

// PolicyResponse is the response for GET /v1/policy.
type PolicyResponse struct {
	DefaultRequiresApproval bool         `json:"default_requires_approval"`
	Rules                   []PolicyRule `json:"rules"`
	RegisteredActions       []string     `json:"registered_actions"`
}

// EventExport is the response for GET /v1/security-events/export. The
// Merkle root covers Events only. HasMore reports that matching events
// remain past this page; fetch them with Offset+Count.
type EventExport struct {
	Events     []SecurityEvent `json:"events"`
	Count      int             `json:"count"`
	Offset     int             `json:"offset"`
	HasMore    bool            `json:"has_more"`
	MerkleRoot string          `json:"merkle_root"`
	ExportedAt time.Time       `json:"exported_at"`
}

// NextOffset is the offset of the page after e.
func (e EventExport) NextOffset() int {
	return e.Offset + e.Count
}

// EventVerification is the response for GET /v1/security-events/{event_id}/verify.
type EventVerification struct {
	EventID      uuid.UUID `json:"event_id"`
	Valid        bool      `json:"valid"`
	StoredHash   string    `json:"stored_hash"`
	ComputedHash string    `json:"computed_hash"`
}
