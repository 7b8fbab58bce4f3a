// Package agentsdk is the Go client agents embed to route tool calls through
// the gateway. It wraps the HTTP surface: submit a call, poll the approval
// queue, and replay an idempotency key until the outcome is terminal.
package agentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agent2allow/agent2allow/pkg/auth"
	"github.com/agent2allow/agent2allow/pkg/models"
)

const headerIdempotencyKey = "X-Idempotency-Key"

// APIError carries a non-2xx gateway response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.Status, e.Body)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// APIKey, when set, is sent as X-Approval-Api-Key on decision calls.
	APIKey string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// SubmitToolCall posts one tool call. The idempotency key travels in the
// header; resubmitting with the same key replays the recorded outcome.
func (c *Client) SubmitToolCall(ctx context.Context, req models.ToolCallRequest) (models.ToolCallResponse, error) {
	var out models.ToolCallResponse
	headers := map[string]string{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers[headerIdempotencyKey] = key
	}
	err := c.do(ctx, http.MethodPost, "/v1/tool-calls", req, headers, &out)
	return out, err
}

// WaitForOutcome submits the call and, while it is pending approval, replays
// the key at the given interval until a terminal status comes back. The
// request must carry an idempotency key; without one there is nothing to poll.
func (c *Client) WaitForOutcome(ctx context.Context, req models.ToolCallRequest, interval time.Duration) (models.ToolCallResponse, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return models.ToolCallResponse{}, fmt.Errorf("idempotency key required to wait for an outcome")
	}
	if interval <= 0 {
		interval = time.Second
	}
	for {
		resp, err := c.SubmitToolCall(ctx, req)
		if err != nil {
			return models.ToolCallResponse{}, err
		}
		if resp.Status != models.StatusPendingApproval {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) PendingApprovals(ctx context.Context) ([]models.ApprovalRecord, error) {
	var out []models.ApprovalRecord
	err := c.do(ctx, http.MethodGet, "/v1/approvals/pending", nil, nil, &out)
	return out, err
}

func (c *Client) GetApproval(ctx context.Context, id int64) (models.ApprovalRecord, error) {
	var out models.ApprovalRecord
	err := c.do(ctx, http.MethodGet, "/v1/approvals/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

// DecisionOutcome is the gateway's response to approve/deny: the updated
// record plus, on approval, the execution result.
type DecisionOutcome struct {
	Approval models.ApprovalRecord `json:"approval"`
	Status   string                `json:"status"`
	Message  string                `json:"message"`
	Result   json.RawMessage       `json:"result,omitempty"`
}

func (c *Client) Approve(ctx context.Context, id int64, approver, reason string) (DecisionOutcome, error) {
	return c.decide(ctx, id, "approve", approver, reason)
}

func (c *Client) Deny(ctx context.Context, id int64, approver, reason string) (DecisionOutcome, error) {
	return c.decide(ctx, id, "deny", approver, reason)
}

func (c *Client) decide(ctx context.Context, id int64, verb, approver, reason string) (DecisionOutcome, error) {
	var out DecisionOutcome
	path := "/v1/approvals/" + strconv.FormatInt(id, 10) + "/" + verb
	err := c.do(ctx, http.MethodPost, path, models.DecisionRequest{Approver: approver, Reason: reason}, c.authHeaders(), &out)
	return out, err
}

func (c *Client) BulkDecide(ctx context.Context, req models.BulkApprovalRequest) (models.BulkDecisionResult, error) {
	var out models.BulkDecisionResult
	err := c.do(ctx, http.MethodPost, "/v1/approvals/bulk", req, c.authHeaders(), &out)
	return out, err
}

// AuditQuery narrows QueryAudit. Zero values are omitted.
type AuditQuery struct {
	Repo   string
	Status string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (q AuditQuery) encode() string {
	v := url.Values{}
	if q.Repo != "" {
		v.Set("repo", q.Repo)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *Client) QueryAudit(ctx context.Context, q AuditQuery) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	err := c.do(ctx, http.MethodGet, "/v1/audit"+q.encode(), nil, nil, &out)
	return out, err
}

// ExportAudit returns the JSONL export lines for the given filter.
func (c *Client) ExportAudit(ctx context.Context, q AuditQuery) ([]string, error) {
	var out struct {
		Format string   `json:"format"`
		Lines  []string `json:"lines"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/audit/export"+q.encode(), nil, nil, &out)
	return out.Lines, err
}

func (c *Client) ReasonPresets(ctx context.Context) ([]string, error) {
	var out struct {
		Presets []string `json:"presets"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/config/reason-presets", nil, nil, &out)
	return out.Presets, err
}

func (c *Client) authHeaders() map[string]string {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil
	}
	return map[string]string{auth.HeaderAPIKey: c.APIKey}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}
