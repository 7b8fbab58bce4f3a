package audit

import (
	"context"
	"sync"
	"time"

	"github.com/agent2allow/agent2allow/pkg/models"
)

// MemoryLog is the in-process implementation used by tests and by gateways
// running without Postgres. Same contract: append-only, monotonic ids.
type MemoryLog struct {
	mu      sync.Mutex
	nextID  int64
	entries []models.AuditEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{nextID: 1}
}

func (m *MemoryLog) Append(ctx context.Context, entry models.AuditEntry) (int64, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = models.SchemaVersion
	}
	if len(entry.RequestPayload) == 0 {
		entry.RequestPayload = []byte("{}")
	}
	if len(entry.ResponsePayload) == 0 {
		entry.ResponsePayload = []byte("{}")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.nextID
	m.nextID++
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

func (m *MemoryLog) Query(ctx context.Context, filter Filter) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.entries {
		if filter.Repo != "" && e.Repo != filter.Repo {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
