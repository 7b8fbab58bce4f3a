package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/agent2allow/agent2allow/pkg/audit"
	"github.com/agent2allow/agent2allow/pkg/httpx"
	"github.com/agent2allow/agent2allow/pkg/models"
	"github.com/agent2allow/agent2allow/pkg/policy"
	"github.com/agent2allow/agent2allow/pkg/stream"
)

const headerIdempotencyKey = "X-Idempotency-Key"

// scopedIdempotencyKey namespaces the caller's key by agent so two agents
// reusing the same literal key never collide.
func scopedIdempotencyKey(agentID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	agent := strings.ToLower(strings.TrimSpace(agentID))
	if agent == "" {
		return key
	}
	return agent + "|" + key
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.ToolCallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if header := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); header != "" {
		req.IdempotencyKey = header
	}
	if errs := req.Validate(); len(errs) > 0 {
		httpx.WriteValidation(w, errs)
		return
	}
	req.IdempotencyKey = scopedIdempotencyKey(req.AgentID, req.IdempotencyKey)

	ctx := r.Context()
	if req.IdempotencyKey != "" {
		if resp, found, err := s.Idempotency.Lookup(ctx, req.IdempotencyKey); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "idempotency lookup failed")
			return
		} else if found {
			s.Metrics.IncIdempotentReplay()
			httpx.WriteJSON(w, 200, resp)
			return
		}
	}

	// One execution per key: concurrent duplicates wait on the leader and
	// share its response. Calls without a key never deduplicate.
	flightKey := req.IdempotencyKey
	if flightKey == "" {
		flightKey = "oneshot|" + uuid.NewString()
	}
	v, err, shared := s.flight.Do(flightKey, func() (interface{}, error) {
		if req.IdempotencyKey != "" {
			// another replica may have bound the key while we queued
			if resp, found, err := s.Idempotency.Lookup(ctx, req.IdempotencyKey); err == nil && found {
				return resp, nil
			}
		}
		return s.processToolCall(ctx, req)
	})
	if err != nil {
		if errors.Is(err, policy.ErrNotLoaded) {
			httpx.Error(w, http.StatusInternalServerError, "policy unavailable")
			return
		}
		log.Printf("tool call failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := v.(models.ToolCallResponse)
	if shared {
		resp.IdempotentReplay = true
		s.Metrics.IncIdempotentReplay()
	}
	httpx.WriteJSON(w, 200, resp)
}

// processToolCall runs the post-idempotency state machine: evaluate policy,
// then deny, execute, or enqueue for approval.
func (s *Server) processToolCall(ctx context.Context, req models.ToolCallRequest) (models.ToolCallResponse, error) {
	decision, err := s.Policy.Evaluate(req.Tool, req.Action, req.Repo)
	if err != nil {
		return models.ToolCallResponse{}, err
	}
	s.Metrics.IncDisposition(string(decision.Disposition))
	s.Metrics.IncRisk(decision.RiskLevel)

	switch decision.Disposition {
	case policy.AutoDeny:
		resp := models.ToolCallResponse{Status: models.StatusDenied, Message: decision.Message}
		s.appendAudit(ctx, auditEntry(req, decision.RiskLevel, models.StatusDenied, nil, nil, decision.Message))
		s.bind(ctx, req.IdempotencyKey, resp, true)
		return resp, nil

	case policy.AutoExecute:
		resp := s.executeCall(ctx, req, decision.RiskLevel, nil)
		s.bind(ctx, req.IdempotencyKey, resp, true)
		return resp, nil

	case policy.RequireApproval:
		rec, err := s.Approvals.Enqueue(ctx, req, decision.RiskLevel)
		if err != nil {
			return models.ToolCallResponse{}, fmt.Errorf("enqueue approval: %w", err)
		}
		resp := models.ToolCallResponse{
			Status:     models.StatusPendingApproval,
			Message:    decision.Message,
			ApprovalID: rec.ID,
		}
		s.appendAudit(ctx, auditEntry(req, decision.RiskLevel, models.StatusPendingApproval, &rec.ID, nil, decision.Message))
		s.bind(ctx, req.IdempotencyKey, resp, false)
		s.publish(stream.ApprovalCreated(rec))
		return resp, nil
	}
	return models.ToolCallResponse{}, fmt.Errorf("unknown disposition %q", decision.Disposition)
}

// executeCall invokes the tool and converts executor failures into an
// error-status response; the caller always gets a well-formed ToolCallResponse.
func (s *Server) executeCall(ctx context.Context, req models.ToolCallRequest, riskLevel string, approvalID *int64) models.ToolCallResponse {
	result, err := s.Executor.Execute(ctx, req)
	if err != nil {
		resp := models.ToolCallResponse{Status: models.StatusError, Message: err.Error()}
		s.appendAudit(ctx, auditEntry(req, riskLevel, models.StatusError, approvalID, nil, err.Error()))
		return resp
	}
	resp := models.ToolCallResponse{Status: models.StatusExecuted, Message: "executed", Result: result}
	s.appendAudit(ctx, auditEntry(req, riskLevel, models.StatusExecuted, approvalID, result, "executed"))
	return resp
}

type decisionResponse struct {
	Approval models.ApprovalRecord `json:"approval"`
	Status   string                `json:"status"`
	Message  string                `json:"message"`
	Result   json.RawMessage       `json:"result,omitempty"`
}

// finalizeDecision runs the post-CAS half of a decision: execute on approve,
// record the terminal audit entry, and rebind the idempotency key so replays
// see the outcome instead of the stale pending response.
func (s *Server) finalizeDecision(ctx context.Context, rec models.ApprovalRecord) decisionResponse {
	req := requestFromRecord(rec)
	out := decisionResponse{Approval: rec}

	switch rec.Status {
	case models.ApprovalApproved:
		s.appendAudit(ctx, auditEntry(req, rec.RiskLevel, models.StatusApproved, &rec.ID, nil, "approved by "+rec.Approver))
		resp := s.executeCall(ctx, req, rec.RiskLevel, &rec.ID)
		resp.ApprovalID = rec.ID
		s.rebind(ctx, rec.IdempotencyKey, resp)
		out.Status = resp.Status
		out.Message = resp.Message
		out.Result = resp.Result

	case models.ApprovalDenied:
		message := "denied by " + rec.Approver
		if rec.Reason != "" {
			message += ": " + rec.Reason
		}
		resp := models.ToolCallResponse{
			Status:     models.StatusDeniedByHuman,
			Message:    message,
			ApprovalID: rec.ID,
		}
		s.appendAudit(ctx, auditEntry(req, rec.RiskLevel, models.StatusDeniedByHuman, &rec.ID, nil, message))
		s.rebind(ctx, rec.IdempotencyKey, resp)
		out.Status = resp.Status
		out.Message = resp.Message
	}
	s.publish(stream.ApprovalDecided(rec))
	return out
}

func requestFromRecord(rec models.ApprovalRecord) models.ToolCallRequest {
	var req models.ToolCallRequest
	if err := json.Unmarshal(rec.RequestPayload, &req); err != nil {
		// fall back to the indexed columns; params are lost but identity holds
		req = models.ToolCallRequest{Tool: rec.Tool, Action: rec.Action, Repo: rec.Repo}
	}
	req.IdempotencyKey = rec.IdempotencyKey
	return req
}

func auditEntry(req models.ToolCallRequest, riskLevel, status string, approvalID *int64, result json.RawMessage, message string) models.AuditEntry {
	var responsePayload json.RawMessage
	if len(result) > 0 {
		responsePayload = result
	}
	return models.AuditEntry{
		AgentID:         req.AgentID,
		Tool:            req.Tool,
		Action:          req.Action,
		Repo:            req.Repo,
		RiskLevel:       riskLevel,
		Status:          status,
		ApprovalID:      approvalID,
		RequestPayload:  req.Payload(),
		ResponsePayload: responsePayload,
		Message:         message,
	}
}

func (s *Server) appendAudit(ctx context.Context, entry models.AuditEntry) {
	id, err := s.Audit.Append(ctx, entry)
	if err != nil {
		log.Printf("audit append failed: %v", err)
		return
	}
	entry.ID = id
	s.Metrics.IncStatus(entry.Status)
	audit.SafeEmit(ctx, s.AuditSink, entry)
	s.publish(stream.AuditAppended(entry))
}

func (s *Server) bind(ctx context.Context, key string, resp models.ToolCallResponse, terminal bool) {
	if key == "" {
		return
	}
	if err := s.Idempotency.Bind(ctx, key, resp, terminal); err != nil {
		log.Printf("idempotency bind failed for key %q: %v", key, err)
	}
}

func (s *Server) rebind(ctx context.Context, key string, resp models.ToolCallResponse) {
	if key == "" {
		return
	}
	if err := s.Idempotency.Rebind(ctx, key, resp); err != nil {
		log.Printf("idempotency rebind failed for key %q: %v", key, err)
	}
}

func (s *Server) publish(evt stream.Event) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(evt)
}
