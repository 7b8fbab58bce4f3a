package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/agent2allow/agent2allow/pkg/approvals"
	"github.com/agent2allow/agent2allow/pkg/audit"
	"github.com/agent2allow/agent2allow/pkg/auth"
	"github.com/agent2allow/agent2allow/pkg/executor"
	"github.com/agent2allow/agent2allow/pkg/httpx"
	"github.com/agent2allow/agent2allow/pkg/idempotency"
	"github.com/agent2allow/agent2allow/pkg/metrics"
	"github.com/agent2allow/agent2allow/pkg/models"
	"github.com/agent2allow/agent2allow/pkg/policy"
	"github.com/agent2allow/agent2allow/pkg/ratelimit"
	"github.com/agent2allow/agent2allow/pkg/store"
	"github.com/agent2allow/agent2allow/pkg/stream"
	"github.com/agent2allow/agent2allow/pkg/telemetry"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type approvalQueue interface {
	Enqueue(ctx context.Context, req models.ToolCallRequest, riskLevel string) (models.ApprovalRecord, error)
	Get(ctx context.Context, id int64) (models.ApprovalRecord, error)
	Decide(ctx context.Context, id int64, decision, approver, reason string) (models.ApprovalRecord, error)
	BulkDecide(ctx context.Context, ids []int64, decision, approver, reason string) (map[int64]models.ApprovalRecord, map[int64]error)
	ListPending(ctx context.Context) ([]models.ApprovalRecord, error)
}

type auditLog interface {
	Append(ctx context.Context, entry models.AuditEntry) (int64, error)
	Query(ctx context.Context, filter audit.Filter) ([]models.AuditEntry, error)
}

// Server ties the gateway together: policy evaluation, the approval queue,
// the audit log, the idempotency store, and the executors behind them.
type Server struct {
	DB                  gatewayDB
	Approvals           approvalQueue
	Audit               auditLog
	AuditSink           audit.Sink
	Idempotency         idempotency.Binder
	Policy              *policy.Engine
	Executor            executor.Executor
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Keyring             *auth.Keyring
	Roles               auth.RolePolicy
	RateLimiter         ratelimit.Limiter
	RateLimitPerAgent   int
	ReasonPresets       []string
	MaxRequestBodyBytes int64

	flight singleflight.Group
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	keyring, err := auth.ParseKeyring(env("APPROVAL_API_KEYS", ""))
	if err != nil {
		return err
	}
	sink, err := audit.NewSink(audit.SinkConfig{
		Kind:          env("AUDIT_SINK", "none"),
		SyslogNetwork: env("AUDIT_SYSLOG_NETWORK", ""),
		SyslogAddr:    env("AUDIT_SYSLOG_ADDR", ""),
		SyslogTag:     env("AUDIT_SYSLOG_TAG", ""),
		KafkaBrokers:  env("AUDIT_KAFKA_BROKERS", ""),
		KafkaTopic:    env("AUDIT_KAFKA_TOPIC", ""),
	})
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}

	s := &Server{
		AuditSink:           sink,
		Policy:              policy.NewEngine(env("POLICY_FILE", "policy.yaml")),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Keyring:             keyring,
		Roles:               rolePolicyFromEnv(),
		RateLimitPerAgent:   envInt("RATE_LIMIT_PER_AGENT", 0),
		ReasonPresets:       reasonPresets(env("REASON_PRESETS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if err := s.Policy.Load(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	if env("STORAGE_MODE", "postgres") == "memory" {
		log.Printf("storage mode: memory (approvals, audit and idempotency are not durable)")
		s.Approvals = approvals.NewMemoryQueue()
		s.Audit = audit.NewMemoryLog()
		s.Idempotency = idempotency.NewMemoryStore()
	} else {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		s.DB = pool
		s.Approvals = &approvals.Queue{DB: pool}
		s.Audit = &audit.Writer{DB: pool}
		s.Idempotency = &idempotency.Store{
			DB:    pool,
			Cache: cache,
			TTL:   time.Second * time.Duration(envInt("IDEMPOTENCY_CACHE_TTL_SEC", 86400)),
		}
	}

	if s.RateLimitPerAgent > 0 {
		window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}
	s.Executor = buildExecutors(
		telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("EXECUTOR_TIMEOUT_MS", 10000))}),
		env("TOOL_EXECUTOR_URL", ""),
		env("TOOL_ENDPOINTS", ""),
		envInt("EXECUTOR_RETRIES", 1),
		time.Millisecond*time.Duration(envInt("EXECUTOR_RETRY_DELAY_MS", 100)),
	)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildExecutors routes tools to HTTP backends. endpointsJSON maps tool name
// to URL; defaultURL catches the rest; with neither, calls are acknowledged
// without side effects.
func buildExecutors(client *http.Client, defaultURL, endpointsJSON string, retries int, retryDelay time.Duration) executor.Executor {
	reg := executor.NewRegistry()
	if strings.TrimSpace(defaultURL) != "" {
		reg.Default = executor.HTTPExecutor{Client: client, Endpoint: defaultURL, Retries: retries, RetryDelay: retryDelay}
	} else {
		reg.Default = executor.Echo{}
	}
	if strings.TrimSpace(endpointsJSON) != "" {
		var endpoints map[string]string
		if err := json.Unmarshal([]byte(endpointsJSON), &endpoints); err != nil {
			log.Printf("TOOL_ENDPOINTS unparseable, using default executor only: %v", err)
		} else {
			for tool, url := range endpoints {
				reg.Register(tool, executor.HTTPExecutor{Client: client, Endpoint: url, Retries: retries, RetryDelay: retryDelay})
			}
		}
	}
	return reg
}

func rolePolicyFromEnv() auth.RolePolicy {
	return auth.RolePolicy{
		ApproveRoles:         splitCSV(env("RBAC_APPROVE_ROLES", "")),
		DenyRoles:            splitCSV(env("RBAC_DENY_ROLES", "")),
		HighRiskApproveRoles: splitCSV(env("RBAC_HIGH_RISK_APPROVE_ROLES", "")),
	}
}

var defaultReasonPresets = []string{
	"Within policy",
	"Routine maintenance",
	"Reviewed request payload",
	"Too risky",
	"Needs more context",
	"Out of scope for this agent",
}

func reasonPresets(raw string) []string {
	presets := splitCSV(raw)
	if len(presets) == 0 {
		return defaultReasonPresets
	}
	return presets
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Group(func(r chi.Router) {
		if s.RateLimiter != nil {
			r.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerAgent))
		}
		r.Post("/v1/tool-calls", s.handleToolCall)
	})

	r.Get("/v1/approvals/pending", s.listPendingApprovals)
	r.Get("/v1/approvals/{approval_id}", s.getApproval)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Keyring))
		r.Post("/v1/approvals/{approval_id}/approve", s.approveApproval)
		r.Post("/v1/approvals/{approval_id}/deny", s.denyApproval)
		r.Post("/v1/approvals/bulk", s.bulkDecide)
	})

	r.Get("/v1/audit", s.queryAudit)
	r.Get("/v1/audit/export", s.exportAudit)
	r.Get("/v1/config/reason-presets", s.listReasonPresets)
	r.Get("/v1/stream", s.streamEvents)
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"service":     true,
		"database":    s.databaseReady(r.Context()),
		"policy_file": s.Policy.Healthy(),
	}
	ready := true
	for _, ok := range checks {
		ready = ready && ok
	}
	code := 200
	if !ready {
		code = 503
	}
	httpx.WriteJSON(w, code, map[string]interface{}{"ready": ready, "checks": checks})
}

func (s *Server) databaseReady(ctx context.Context) bool {
	if s.DB == nil {
		// memory mode has no database to probe
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	return s.DB.QueryRow(ctx, `SELECT 1`).Scan(&one) == nil
}

func (s *Server) listReasonPresets(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string][]string{"presets": s.ReasonPresets})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitCSV(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.EventReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for the websocket
// upgrade on /v1/stream.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Approvals == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	pending, err := s.Approvals.ListPending(ctx)
	if err != nil {
		return
	}
	s.Metrics.SetGauge("approvals_pending", float64(len(pending)))
	var oldest float64
	if len(pending) > 0 {
		oldest = time.Since(pending[0].CreatedAt).Seconds()
	}
	s.Metrics.SetGauge("approvals_pending_oldest_seconds", oldest)
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
