// Package metrics exposes gateway counters two ways: a JSON snapshot for the
// console and a Prometheus text endpoint for scrapers.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	disposition       map[string]int64
	status            map[string]int64
	risk              map[string]int64
	gauges            map[string]float64
	idempotentReplays int64
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Dispositions      map[string]int64        `json:"dispositions"`
	Statuses          map[string]int64        `json:"statuses"`
	RiskLevels        map[string]int64        `json:"risk_levels"`
	Gauges            map[string]float64      `json:"gauges"`
	IdempotentReplays int64                   `json:"idempotent_replays_total"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		disposition: map[string]int64{},
		status:      map[string]int64{},
		risk:        map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDisposition counts policy outcomes: auto_execute, require_approval,
// auto_deny.
func (r *Registry) IncDisposition(disposition string) {
	if disposition == "" {
		return
	}
	r.mu.Lock()
	r.disposition[disposition]++
	r.mu.Unlock()
}

// IncStatus counts terminal and pending tool-call statuses.
func (r *Registry) IncStatus(status string) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.status[status]++
	r.mu.Unlock()
}

func (r *Registry) IncRisk(level string) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return
	}
	r.mu.Lock()
	r.risk[level]++
	r.mu.Unlock()
}

func (r *Registry) IncIdempotentReplay() {
	r.mu.Lock()
	r.idempotentReplays++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Dispositions:      make(map[string]int64, len(r.disposition)),
		Statuses:          make(map[string]int64, len(r.status)),
		RiskLevels:        make(map[string]int64, len(r.risk)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		IdempotentReplays: r.idempotentReplays,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.disposition {
		out.Dispositions[k] = v
	}
	for k, v := range r.status {
		out.Statuses[k] = v
	}
	for k, v := range r.risk {
		out.RiskLevels[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP agent2allow_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE agent2allow_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "agent2allow_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP agent2allow_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE agent2allow_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "agent2allow_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP agent2allow_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE agent2allow_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "agent2allow_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP agent2allow_disposition_total tool calls by policy disposition\n")
		b.WriteString("# TYPE agent2allow_disposition_total counter\n")
		for _, d := range SortedKeys(snap.Dispositions) {
			fmt.Fprintf(b, "agent2allow_disposition_total{disposition=%q} %d\n", d, snap.Dispositions[d])
		}
		b.WriteString("# HELP agent2allow_status_total tool calls by lifecycle status\n")
		b.WriteString("# TYPE agent2allow_status_total counter\n")
		for _, s := range SortedKeys(snap.Statuses) {
			fmt.Fprintf(b, "agent2allow_status_total{status=%q} %d\n", s, snap.Statuses[s])
		}
		b.WriteString("# HELP agent2allow_risk_total tool calls by evaluated risk level\n")
		b.WriteString("# TYPE agent2allow_risk_total counter\n")
		for _, lvl := range SortedKeys(snap.RiskLevels) {
			fmt.Fprintf(b, "agent2allow_risk_total{risk=%q} %d\n", lvl, snap.RiskLevels[lvl])
		}
		b.WriteString("# HELP agent2allow_idempotent_replays_total responses served from the idempotency store\n")
		b.WriteString("# TYPE agent2allow_idempotent_replays_total counter\n")
		fmt.Fprintf(b, "agent2allow_idempotent_replays_total %d\n", snap.IdempotentReplays)
		b.WriteString("# HELP agent2allow_gauge operational gauge metrics\n")
		b.WriteString("# TYPE agent2allow_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "agent2allow_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP agent2allow_latency_seconds latency histogram\n")
			b.WriteString("# TYPE agent2allow_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "agent2allow_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "agent2allow_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "agent2allow_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "agent2allow_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "agent2allow_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "agent2allow_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "agent2allow_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
