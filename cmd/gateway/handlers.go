package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agent2allow/agent2allow/pkg/approvalfsm"
	"github.com/agent2allow/agent2allow/pkg/approvals"
	"github.com/agent2allow/agent2allow/pkg/audit"
	"github.com/agent2allow/agent2allow/pkg/auth"
	"github.com/agent2allow/agent2allow/pkg/httpx"
	"github.com/agent2allow/agent2allow/pkg/models"
)

func (s *Server) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Approvals.ListPending(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "list pending failed")
		return
	}
	if pending == nil {
		pending = []models.ApprovalRecord{}
	}
	httpx.WriteJSON(w, 200, pending)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := approvalID(w, r)
	if !ok {
		return
	}
	rec, err := s.Approvals.Get(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) approveApproval(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.DecisionApprove)
}

func (s *Server) denyApproval(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.DecisionDeny)
}

// decide is one-shot per approval id: the queue's compare-and-swap picks a
// single winner and everyone else gets AlreadyDecided.
func (s *Server) decide(w http.ResponseWriter, r *http.Request, decision string) {
	id, ok := approvalID(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.DecisionRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	approver := s.resolveApprover(r, req.Approver)
	if approver == "" {
		httpx.WriteValidation(w, []models.FieldError{{
			Loc: []string{"body", "approver"}, Msg: "field required", Type: "value_error.missing",
		}})
		return
	}

	ctx := r.Context()
	rec, err := s.Approvals.Get(ctx, id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if err := s.authorizeDecision(ctx, decision, rec.RiskLevel); err != nil {
		httpx.Error(w, http.StatusForbidden, err.Error())
		return
	}
	decided, err := s.Approvals.Decide(ctx, id, decision, approver, req.Reason)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, s.finalizeDecision(ctx, decided))
}

func (s *Server) bulkDecide(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.BulkApprovalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		httpx.WriteValidation(w, errs)
		return
	}
	approver := s.resolveApprover(r, req.Approver)
	if approver == "" {
		httpx.WriteValidation(w, []models.FieldError{{
			Loc: []string{"body", "approver"}, Msg: "field required", Type: "value_error.missing",
		}})
		return
	}

	ctx := r.Context()
	result := models.BulkDecisionResult{Failed: map[int64]string{}}

	// authorization is per record (high-risk approvals may need a stricter
	// role), so unauthorized ids fail individually instead of failing the batch
	authorized := make([]int64, 0, len(req.IDs))
	for _, id := range req.IDs {
		rec, err := s.Approvals.Get(ctx, id)
		if err != nil {
			result.Failed[id] = approvals.ErrName(err)
			continue
		}
		if err := s.authorizeDecision(ctx, req.Decision, rec.RiskLevel); err != nil {
			result.Failed[id] = "Forbidden"
			continue
		}
		authorized = append(authorized, id)
	}

	succeeded, failed := s.Approvals.BulkDecide(ctx, authorized, req.Decision, approver, req.Reason)
	for id, err := range failed {
		result.Failed[id] = approvals.ErrName(err)
	}
	for id, rec := range succeeded {
		s.finalizeDecision(ctx, rec)
		result.Succeeded = append(result.Succeeded, id)
	}
	sort.Slice(result.Succeeded, func(i, j int) bool { return result.Succeeded[i] < result.Succeeded[j] })
	httpx.WriteJSON(w, 200, result)
}

// resolveApprover prefers the authenticated identity over the body field so a
// key holder cannot attribute decisions to someone else.
func (s *Server) resolveApprover(r *http.Request, bodyApprover string) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && !s.Keyring.Empty() {
		return principal.Subject
	}
	return bodyApprover
}

func (s *Server) authorizeDecision(ctx context.Context, decision, riskLevel string) error {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		// decision routes always run behind auth.Middleware; an absent
		// principal means auth is off
		return nil
	}
	return s.Roles.Authorize(principal, decision, riskLevel)
}

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(w, r)
	if !ok {
		return
	}
	entries, err := s.Audit.Query(r.Context(), filter)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	httpx.WriteJSON(w, 200, entries)
}

func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(w, r)
	if !ok {
		return
	}
	entries, err := s.Audit.Query(r.Context(), filter)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	lines, err := audit.ExportLines(entries)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit export failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"format": "jsonl", "lines": lines})
}

func auditFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	q := r.URL.Query()
	filter := audit.Filter{
		Repo:   q.Get("repo"),
		Status: q.Get("status"),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "since must be RFC3339")
			return audit.Filter{}, false
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "until must be RFC3339")
			return audit.Filter{}, false
		}
		filter.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return audit.Filter{}, false
		}
		filter.Limit = n
	}
	return filter, true
}

func approvalID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "approval_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid approval id")
		return 0, false
	}
	return id, true
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approvalfsm.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, approvalfsm.ErrAlreadyDecided):
		httpx.Error(w, http.StatusConflict, "approval already decided")
	case errors.Is(err, approvalfsm.ErrUnknownVerb):
		httpx.Error(w, http.StatusBadRequest, "decision must be approve or deny")
	default:
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
