package approvals

import (
	"context"
	"sync"
	"time"

	"github.com/agent2allow/agent2allow/pkg/approvalfsm"
	"github.com/agent2allow/agent2allow/pkg/models"
)

// MemoryQueue holds approvals in process. The mutex linearizes decisions, so
// the CAS semantics match the Postgres queue.
type MemoryQueue struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*models.ApprovalRecord
	order   []int64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{nextID: 1, records: map[int64]*models.ApprovalRecord{}}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, req models.ToolCallRequest, riskLevel string) (models.ApprovalRecord, error) {
	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	rec := &models.ApprovalRecord{
		ID:             q.nextID,
		Status:         models.ApprovalPending,
		Tool:           req.Tool,
		Action:         req.Action,
		Repo:           req.Repo,
		RiskLevel:      riskLevel,
		RequestPayload: req.Payload(),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	q.nextID++
	q.records[rec.ID] = rec
	q.order = append(q.order, rec.ID)
	return *rec, nil
}

func (q *MemoryQueue) Get(ctx context.Context, id int64) (models.ApprovalRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return models.ApprovalRecord{}, approvalfsm.ErrNotFound
	}
	return *rec, nil
}

func (q *MemoryQueue) Decide(ctx context.Context, id int64, decision, approver, reason string) (models.ApprovalRecord, error) {
	target, err := approvalfsm.StatusForDecision(decision)
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return models.ApprovalRecord{}, approvalfsm.ErrNotFound
	}
	next, err := approvalfsm.Transition(rec.Status, target)
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	rec.Status = next
	rec.Approver = approver
	rec.Reason = reason
	rec.UpdatedAt = time.Now().UTC()
	return *rec, nil
}

func (q *MemoryQueue) BulkDecide(ctx context.Context, ids []int64, decision, approver, reason string) (map[int64]models.ApprovalRecord, map[int64]error) {
	succeeded := make(map[int64]models.ApprovalRecord)
	failed := make(map[int64]error)
	for _, id := range ids {
		rec, err := q.Decide(ctx, id, decision, approver, reason)
		if err != nil {
			failed[id] = err
			continue
		}
		succeeded[id] = rec
	}
	return succeeded, failed
}

func (q *MemoryQueue) ListPending(ctx context.Context) ([]models.ApprovalRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.ApprovalRecord
	for _, id := range q.order {
		rec := q.records[id]
		if rec.Status == models.ApprovalPending {
			out = append(out, *rec)
		}
	}
	return out, nil
}
