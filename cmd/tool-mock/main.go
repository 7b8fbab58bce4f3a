// Command tool-mock is a stand-in tool backend for local gateway runs: point
// TOOL_EXECUTOR_URL (or a TOOL_ENDPOINTS entry) at its /execute endpoint and
// it echoes each call back as the execution result. FAIL_ACTIONS lists
// actions that should fail, for exercising the error path end to end.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agent2allow/agent2allow/pkg/httpx"
	"github.com/agent2allow/agent2allow/pkg/models"
	"github.com/agent2allow/agent2allow/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runToolMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("tool-mock: %v", err)
	}
}

func handleExecute(failActions map[string]struct{}, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ToolCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if _, fail := failActions[strings.ToLower(req.Action)]; fail {
			httpx.Error(w, http.StatusInternalServerError, "simulated failure for "+req.Action)
			return
		}
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"status": "ok",
			"tool":   req.Tool,
			"action": req.Action,
			"repo":   req.Repo,
			"params": req.Params,
		})
	}
}

func failActionSet(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}

func runToolMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "tool-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	failActions := failActionSet(env("FAIL_ACTIONS", ""))
	delay := time.Millisecond * time.Duration(envInt("DELAY_MS", 0))

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("tool-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "tool-mock"})
	})
	r.Post("/execute", handleExecute(failActions, delay))

	addr := env("ADDR", ":8085")
	log.Printf("tool-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
