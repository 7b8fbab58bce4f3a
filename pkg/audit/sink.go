package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/syslog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/agent2allow/agent2allow/pkg/models"
)

// Sink mirrors appended entries to an external system for off-box retention.
// The durable log in Postgres remains the source of truth; sink failures are
// logged and never fail the request.
type Sink interface {
	Emit(ctx context.Context, entry models.AuditEntry) error
}

type NoopSink struct{}

func (NoopSink) Emit(ctx context.Context, entry models.AuditEntry) error { return nil }

// SyslogSink writes one compact JSON document per entry.
type SyslogSink struct {
	w *syslog.Writer
}

func NewSyslogSink(network, addr, tag string) (*SyslogSink, error) {
	w, err := syslog.Dial(network, addr, syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, fmt.Errorf("dial syslog: %w", err)
	}
	return &SyslogSink{w: w}, nil
}

func (s *SyslogSink) Emit(ctx context.Context, entry models.AuditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.w.Info(string(b))
}

// KafkaSink publishes entries to a topic, keyed by entry id so a partitioned
// topic preserves per-id ordering.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
	}}
}

func (s *KafkaSink) Emit(ctx context.Context, entry models.AuditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(entry.ID, 10)),
		Value: b,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// SinkConfig selects and parameterizes the external sink.
type SinkConfig struct {
	Kind          string // "", "none", "syslog", "kafka"
	SyslogNetwork string
	SyslogAddr    string
	SyslogTag     string
	KafkaBrokers  string // comma-separated
	KafkaTopic    string
}

func NewSink(cfg SinkConfig) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "none":
		return NoopSink{}, nil
	case "syslog":
		tag := cfg.SyslogTag
		if tag == "" {
			tag = "agent2allow"
		}
		return NewSyslogSink(cfg.SyslogNetwork, cfg.SyslogAddr, tag)
	case "kafka":
		brokers := splitCSV(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, fmt.Errorf("audit sink kafka requires brokers")
		}
		topic := cfg.KafkaTopic
		if topic == "" {
			topic = "agent2allow.audit"
		}
		return NewKafkaSink(brokers, topic), nil
	default:
		return nil, fmt.Errorf("unsupported audit sink %q", cfg.Kind)
	}
}

// SafeEmit shields the request path from sink failures.
func SafeEmit(ctx context.Context, sink Sink, entry models.AuditEntry) {
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, entry); err != nil {
		log.Printf("audit sink emit failed: %v", err)
	}
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
