package main

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agent2allow/agent2allow/pkg/auth"
	"github.com/agent2allow/agent2allow/pkg/models"
	"github.com/agent2allow/agent2allow/pkg/ratelimit"
)

func enqueuePending(t *testing.T, ts *httptest.Server, key string) int64 {
	t.Helper()
	code, raw := postJSON(t, ts, "/v1/tool-calls", toolCall("repo.delete", "acme/x", key), nil)
	if code != 200 {
		t.Fatalf("enqueue = %d: %s", code, raw)
	}
	resp := decodeToolCallResponse(t, raw)
	if resp.Status != models.StatusPendingApproval {
		t.Fatalf("status = %q", resp.Status)
	}
	return resp.ApprovalID
}

func TestGetApprovalErrors(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	if code := getJSON(t, ts, "/v1/approvals/abc", nil); code != 400 {
		t.Fatalf("bad id = %d", code)
	}
	if code := getJSON(t, ts, "/v1/approvals/99", nil); code != 404 {
		t.Fatalf("missing = %d", code)
	}
}

func TestPendingListOrder(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	first := enqueuePending(t, ts, "")
	second := enqueuePending(t, ts, "")

	var queue []models.ApprovalRecord
	if code := getJSON(t, ts, "/v1/approvals/pending", &queue); code != 200 {
		t.Fatalf("pending = %d", code)
	}
	if len(queue) != 2 || queue[0].ID != first || queue[1].ID != second {
		t.Fatalf("queue = %+v", queue)
	}
}

func TestPendingListEmptyIsArray(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/v1/approvals/pending")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("body = %q", raw)
	}
}

func TestDecideConflictsAndValidation(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()
	enqueuePending(t, ts, "")

	if code, _ := postJSON(t, ts, "/v1/approvals/1/approve", models.DecisionRequest{Approver: "alex"}, nil); code != 200 {
		t.Fatalf("approve = %d", code)
	}
	if code, _ := postJSON(t, ts, "/v1/approvals/1/approve", models.DecisionRequest{Approver: "alex"}, nil); code != 409 {
		t.Fatalf("second approve = %d", code)
	}
	if code, _ := postJSON(t, ts, "/v1/approvals/1/deny", models.DecisionRequest{Approver: "alex"}, nil); code != 409 {
		t.Fatalf("deny after approve = %d", code)
	}
	if code, _ := postJSON(t, ts, "/v1/approvals/99/approve", models.DecisionRequest{Approver: "alex"}, nil); code != 404 {
		t.Fatalf("missing = %d", code)
	}
	if code, _ := postJSON(t, ts, "/v1/approvals/abc/approve", models.DecisionRequest{Approver: "alex"}, nil); code != 400 {
		t.Fatalf("bad id = %d", code)
	}
	// no authenticated identity and no body approver
	if code, raw := postJSON(t, ts, "/v1/approvals/2/approve", nil, nil); code != 422 {
		t.Fatalf("missing approver = %d: %s", code, raw)
	}
}

func TestBulkDecidePartialSuccess(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	a := enqueuePending(t, ts, "")
	b := enqueuePending(t, ts, "")
	postJSON(t, ts, "/v1/approvals/2/deny", models.DecisionRequest{Approver: "carol"}, nil)

	req := models.BulkApprovalRequest{IDs: []int64{a, b, 999}, Decision: models.DecisionApprove, Approver: "alex"}
	code, raw := postJSON(t, ts, "/v1/approvals/bulk", req, nil)
	if code != 200 {
		t.Fatalf("bulk = %d: %s", code, raw)
	}
	var result models.BulkDecisionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != a {
		t.Fatalf("succeeded = %v", result.Succeeded)
	}
	if result.Failed[b] != "AlreadyDecided" || result.Failed[999] != "NotFound" {
		t.Fatalf("failed = %v", result.Failed)
	}

	// the succeeded approval was finalized: executed entry lands in the trail
	var entries []models.AuditEntry
	getJSON(t, ts, "/v1/audit?status=executed", &entries)
	if len(entries) != 1 || entries[0].ApprovalID == nil || *entries[0].ApprovalID != a {
		t.Fatalf("executed entries = %+v", entries)
	}
}

func TestBulkDecideValidation(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	code, raw := postJSON(t, ts, "/v1/approvals/bulk", models.BulkApprovalRequest{Decision: "purge"}, nil)
	if code != 422 {
		t.Fatalf("status = %d: %s", code, raw)
	}
	var body struct {
		Detail []models.FieldError `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Detail) != 2 {
		t.Fatalf("detail = %+v", body.Detail)
	}
}

const testKeyring = `{
	"k-admin":  {"subject": "dana", "roles": ["admin", "approver"]},
	"k-triage": {"subject": "sam",  "roles": ["approver"]},
	"k-viewer": {"subject": "vic",  "roles": ["viewer"]}
}`

func newAuthedServer(t *testing.T) *Server {
	t.Helper()
	s := newTestServer(t)
	ring, err := auth.ParseKeyring(testKeyring)
	if err != nil {
		t.Fatal(err)
	}
	s.Keyring = ring
	s.Roles = auth.RolePolicy{
		ApproveRoles:         []string{"approver"},
		DenyRoles:            []string{"approver", "admin"},
		HighRiskApproveRoles: []string{"admin"},
	}
	return s
}

func TestDecisionsRequireAPIKey(t *testing.T) {
	ts := httptest.NewServer(newAuthedServer(t).Router())
	defer ts.Close()
	enqueuePending(t, ts, "")

	if code, _ := postJSON(t, ts, "/v1/approvals/1/approve", nil, nil); code != 401 {
		t.Fatalf("no key = %d", code)
	}
	headers := map[string]string{auth.HeaderAPIKey: "bogus"}
	if code, _ := postJSON(t, ts, "/v1/approvals/1/approve", nil, headers); code != 401 {
		t.Fatalf("bad key = %d", code)
	}
	// submitting tool calls needs no key
	if code, _ := postJSON(t, ts, "/v1/tool-calls", toolCall("issues.list", "acme/x", ""), nil); code != 200 {
		t.Fatal("tool-calls should stay open")
	}
}

func TestHighRiskApprovalNeedsAdminRole(t *testing.T) {
	ts := httptest.NewServer(newAuthedServer(t).Router())
	defer ts.Close()
	enqueuePending(t, ts, "") // repo.delete is high risk

	triage := map[string]string{auth.HeaderAPIKey: "k-triage"}
	if code, raw := postJSON(t, ts, "/v1/approvals/1/approve", nil, triage); code != 403 {
		t.Fatalf("triage approve = %d: %s", code, raw)
	}
	viewer := map[string]string{auth.HeaderAPIKey: "k-viewer"}
	if code, _ := postJSON(t, ts, "/v1/approvals/1/approve", nil, viewer); code != 403 {
		t.Fatal("viewer approve should be forbidden")
	}

	admin := map[string]string{auth.HeaderAPIKey: "k-admin"}
	code, raw := postJSON(t, ts, "/v1/approvals/1/approve", models.DecisionRequest{Approver: "mallory"}, admin)
	if code != 200 {
		t.Fatalf("admin approve = %d: %s", code, raw)
	}
	var decided struct {
		Approval models.ApprovalRecord `json:"approval"`
	}
	if err := json.Unmarshal(raw, &decided); err != nil {
		t.Fatal(err)
	}
	// the authenticated subject wins over the body field
	if decided.Approval.Approver != "dana" {
		t.Fatalf("approver = %q", decided.Approval.Approver)
	}
}

func TestBulkDecideForbiddenPerRecord(t *testing.T) {
	ts := httptest.NewServer(newAuthedServer(t).Router())
	defer ts.Close()
	id := enqueuePending(t, ts, "")

	viewer := map[string]string{auth.HeaderAPIKey: "k-viewer"}
	req := models.BulkApprovalRequest{IDs: []int64{id}, Decision: models.DecisionApprove}
	code, raw := postJSON(t, ts, "/v1/approvals/bulk", req, viewer)
	if code != 200 {
		t.Fatalf("bulk = %d: %s", code, raw)
	}
	var result models.BulkDecisionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Succeeded) != 0 || result.Failed[id] != "Forbidden" {
		t.Fatalf("result = %+v", result)
	}
}

func TestAuditQueryFilters(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	postJSON(t, ts, "/v1/tool-calls", toolCall("issues.list", "acme/x", ""), nil)
	postJSON(t, ts, "/v1/tool-calls", toolCall("issues.list", "acme/y", ""), nil)
	postJSON(t, ts, "/v1/tool-calls", models.ToolCallRequest{AgentID: "a", Tool: "slack", Action: "chat.post", Repo: "acme/x"}, nil)

	var entries []models.AuditEntry
	getJSON(t, ts, "/v1/audit", &entries)
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Fatalf("ids not increasing: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}

	getJSON(t, ts, "/v1/audit?repo=acme/y", &entries)
	if len(entries) != 1 || entries[0].Repo != "acme/y" {
		t.Fatalf("repo filter = %+v", entries)
	}
	getJSON(t, ts, "/v1/audit?status=denied", &entries)
	if len(entries) != 1 || entries[0].Tool != "slack" {
		t.Fatalf("status filter = %+v", entries)
	}
	getJSON(t, ts, "/v1/audit?limit=2", &entries)
	if len(entries) != 2 {
		t.Fatalf("limit = %d", len(entries))
	}
	until := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	getJSON(t, ts, "/v1/audit?until="+until, &entries)
	if len(entries) != 3 {
		t.Fatalf("until filter = %d", len(entries))
	}

	if code := getJSON(t, ts, "/v1/audit?since=yesterday", nil); code != 400 {
		t.Fatalf("bad since = %d", code)
	}
	if code := getJSON(t, ts, "/v1/audit?limit=-1", nil); code != 400 {
		t.Fatalf("bad limit = %d", code)
	}
}

func TestAuditExportMatchesQuery(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	postJSON(t, ts, "/v1/tool-calls", toolCall("issues.list", "acme/x", ""), nil)
	postJSON(t, ts, "/v1/tool-calls", models.ToolCallRequest{AgentID: "a", Tool: "slack", Action: "chat.post", Repo: "acme/x"}, nil)

	var entries []models.AuditEntry
	getJSON(t, ts, "/v1/audit", &entries)

	var export struct {
		Format string   `json:"format"`
		Lines  []string `json:"lines"`
	}
	if code := getJSON(t, ts, "/v1/audit/export", &export); code != 200 {
		t.Fatalf("export = %d", code)
	}
	if export.Format != "jsonl" {
		t.Fatalf("format = %q", export.Format)
	}
	if len(export.Lines) != len(entries) {
		t.Fatalf("lines = %d, entries = %d", len(export.Lines), len(entries))
	}
	for i, line := range export.Lines {
		var e models.AuditEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if e.ID != entries[i].ID || e.Status != entries[i].Status || e.SchemaVersion != models.SchemaVersion {
			t.Fatalf("line %d = %+v, want %+v", i, e, entries[i])
		}
	}
}

func TestRateLimitPerAgent(t *testing.T) {
	s := newTestServer(t)
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)
	s.RateLimitPerAgent = 2
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		if code, raw := postJSON(t, ts, "/v1/tool-calls", toolCall("issues.list", "acme/x", ""), nil); code != 200 {
			t.Fatalf("call %d = %d: %s", i, code, raw)
		}
	}
	code, raw := postJSON(t, ts, "/v1/tool-calls", toolCall("issues.list", "acme/x", ""), nil)
	if code != 429 {
		t.Fatalf("third call = %d: %s", code, raw)
	}

	other := toolCall("issues.list", "acme/x", "")
	other.AgentID = "agent-2"
	if code, _ := postJSON(t, ts, "/v1/tool-calls", other, nil); code != 200 {
		t.Fatal("other agent should not be limited")
	}
	// decision endpoints are not rate limited
	if code := getJSON(t, ts, "/v1/approvals/pending", nil); code != 200 {
		t.Fatal("pending list should not be limited")
	}
}

func TestRequestBodyLimit(t *testing.T) {
	s := newTestServer(t)
	s.MaxRequestBodyBytes = 128
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	big := toolCall("issues.list", "acme/x", "")
	big.Params = map[string]interface{}{"blob": strings.Repeat("x", 4096)}
	code, _ := postJSON(t, ts, "/v1/tool-calls", big, nil)
	if code != 413 {
		t.Fatalf("status = %d", code)
	}
}
