package models

import (
	"encoding/json"
	"time"
)

// SchemaVersion is stamped on every audit entry so exported logs stay
// parseable across format changes.
const SchemaVersion = 1

// Tool-call statuses. The first four are terminal; pending_approval and
// approved are intermediate lifecycle states that only appear in the audit
// trail and in responses for calls awaiting a decision.
const (
	StatusExecuted        = "executed"
	StatusError           = "error"
	StatusDenied          = "denied"
	StatusDeniedByHuman   = "denied_by_human"
	StatusPendingApproval = "pending_approval"
	StatusApproved        = "approved"
)

// Approval record statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// Decision verbs accepted by the bulk endpoint.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// Risk levels. "unknown" is used when no policy rule matched.
const (
	RiskRead    = "read"
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskUnknown = "unknown"
)

// IsTerminalStatus reports whether a tool call in this status can still
// transition.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusExecuted, StatusError, StatusDenied, StatusDeniedByHuman:
		return true
	default:
		return false
	}
}

// ToolCallRequest is the immutable submission an agent sends. Params carry
// arbitrary JSON and are passed through to the executor untouched.
type ToolCallRequest struct {
	AgentID        string                 `json:"agent_id"`
	Tool           string                 `json:"tool"`
	Action         string                 `json:"action"`
	Repo           string                 `json:"repo"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// ToolCallResponse is the terminal (or pending) projection returned to the
// caller and cached by idempotency key.
type ToolCallResponse struct {
	Status           string          `json:"status"`
	Message          string          `json:"message"`
	Result           json.RawMessage `json:"result,omitempty"`
	ApprovalID       int64           `json:"approval_id,omitempty"`
	IdempotentReplay bool            `json:"idempotent_replay"`
}

// ApprovalRecord backs the pending-approvals console view. Status moves
// pending -> approved|denied exactly once; records are never deleted.
type ApprovalRecord struct {
	ID             int64           `json:"id"`
	Status         string          `json:"status"`
	Tool           string          `json:"tool"`
	Action         string          `json:"action"`
	Repo           string          `json:"repo"`
	RiskLevel      string          `json:"risk_level"`
	RequestPayload json.RawMessage `json:"request_payload"`
	Reason         string          `json:"reason"`
	Approver       string          `json:"approver,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AuditEntry is one append-only lifecycle event for a tool call.
type AuditEntry struct {
	ID              int64           `json:"id"`
	SchemaVersion   int             `json:"schema_version"`
	Timestamp       time.Time       `json:"timestamp"`
	AgentID         string          `json:"agent_id"`
	Tool            string          `json:"tool"`
	Action          string          `json:"action"`
	Repo            string          `json:"repo"`
	RiskLevel       string          `json:"risk_level"`
	Status          string          `json:"status"`
	ApprovalID      *int64          `json:"approval_id"`
	RequestPayload  json.RawMessage `json:"request_payload"`
	ResponsePayload json.RawMessage `json:"response_payload"`
	Message         string          `json:"message"`
}

// DecisionRequest is the body of the single-approval decision endpoints.
type DecisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

// BulkApprovalRequest fans out one decision over many approval ids.
// It is an input, never persisted.
type BulkApprovalRequest struct {
	IDs      []int64 `json:"ids"`
	Decision string  `json:"decision"`
	Approver string  `json:"approver"`
	Reason   string  `json:"reason"`
}

// BulkDecisionResult reports per-id outcomes; partial failure is the
// expected shape, not an error.
type BulkDecisionResult struct {
	Succeeded []int64          `json:"succeeded"`
	Failed    map[int64]string `json:"failed"`
}

// FieldError mirrors the 422 validation contract the SDK and console parse:
// a location path, a human message, and a machine type.
type FieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func missing(field string) FieldError {
	return FieldError{Loc: []string{"body", field}, Msg: "field required", Type: "value_error.missing"}
}

// Validate checks the request before it reaches the orchestrator.
func (r ToolCallRequest) Validate() []FieldError {
	var errs []FieldError
	if r.AgentID == "" {
		errs = append(errs, missing("agent_id"))
	}
	if r.Tool == "" {
		errs = append(errs, missing("tool"))
	}
	if r.Action == "" {
		errs = append(errs, missing("action"))
	}
	if r.Repo == "" {
		errs = append(errs, missing("repo"))
	}
	return errs
}

// Validate checks a bulk decision request.
func (r BulkApprovalRequest) Validate() []FieldError {
	var errs []FieldError
	if len(r.IDs) == 0 {
		errs = append(errs, FieldError{Loc: []string{"body", "ids"}, Msg: "at least one id required", Type: "value_error.empty"})
	}
	if r.Decision != DecisionApprove && r.Decision != DecisionDeny {
		errs = append(errs, FieldError{Loc: []string{"body", "decision"}, Msg: "decision must be approve or deny", Type: "value_error.choice"})
	}
	return errs
}

// Payload serializes the request the way it is stored on approvals and audit
// entries, with the idempotency key included so an approval can later rebind
// the caller's key to the terminal response.
func (r ToolCallRequest) Payload() json.RawMessage {
	b, _ := json.Marshal(r)
	return b
}
