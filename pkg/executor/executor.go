// Package executor carries out approved tool calls against downstream
// systems. The gateway never fails a request transport-wise because a tool
// failed; executor errors surface as an error-status response.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agent2allow/agent2allow/pkg/httpx"
	"github.com/agent2allow/agent2allow/pkg/models"
)

// Executor performs one tool call and returns the raw downstream result.
type Executor interface {
	Execute(ctx context.Context, req models.ToolCallRequest) (json.RawMessage, error)
}

// Error marks a failure inside the tool itself (as opposed to a gateway
// fault). The orchestrator converts it into an error-status audit entry.
type Error struct {
	Tool string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("execute %s: %v", e.Tool, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// HTTPExecutor posts the request to a tool backend and returns its body.
type HTTPExecutor struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h HTTPExecutor) Execute(ctx context.Context, req models.ToolCallRequest) (json.RawMessage, error) {
	if h.Endpoint == "" {
		return nil, errors.New("endpoint is empty")
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodPost, h.Endpoint, payload, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("upstream status %d", status)
	}
	return body, nil
}

// Func adapts a function to Executor, mostly for tests and local tools.
type Func func(ctx context.Context, req models.ToolCallRequest) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, req models.ToolCallRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Echo acknowledges the call without contacting anything. It backs
// dry-run deployments where the gateway only gates and audits.
type Echo struct{}

func (Echo) Execute(ctx context.Context, req models.ToolCallRequest) (json.RawMessage, error) {
	out, err := json.Marshal(map[string]string{
		"tool":   req.Tool,
		"action": req.Action,
		"repo":   req.Repo,
		"result": "ok",
	})
	return out, err
}

// Registry routes each tool name to its executor. A Default executor, when
// set, catches tools without a dedicated entry.
type Registry struct {
	Default   Executor
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(tool string, ex Executor) {
	r.executors[tool] = ex
}

// Execute dispatches to the tool's executor. Unknown tools fail with *Error
// so the caller records them as execution failures, not policy ones.
func (r *Registry) Execute(ctx context.Context, req models.ToolCallRequest) (json.RawMessage, error) {
	ex, ok := r.executors[req.Tool]
	if !ok {
		ex = r.Default
	}
	if ex == nil {
		return nil, &Error{Tool: req.Tool, Err: errors.New("no executor registered")}
	}
	out, err := ex.Execute(ctx, req)
	if err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, &Error{Tool: req.Tool, Err: err}
	}
	return out, nil
}
