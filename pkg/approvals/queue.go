// Package approvals stores the durable approval queue. Records are created
// pending, decided exactly once via a compare-and-swap on status, and never
// deleted.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agent2allow/agent2allow/pkg/approvalfsm"
	"github.com/agent2allow/agent2allow/pkg/models"
)

type queueDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `id, status, tool, action, repo, risk_level, request_payload, reason, approver, idempotency_key, created_at, updated_at`

// Queue is the Postgres-backed approval queue.
type Queue struct {
	DB queueDB
}

func (q *Queue) Enqueue(ctx context.Context, req models.ToolCallRequest, riskLevel string) (models.ApprovalRecord, error) {
	now := time.Now().UTC()
	row := q.DB.QueryRow(ctx, `
		INSERT INTO approvals (status, tool, action, repo, risk_level, request_payload, reason, approver, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'','',$7,$8,$8)
		RETURNING `+recordColumns,
		models.ApprovalPending, req.Tool, req.Action, req.Repo, riskLevel, req.Payload(), req.IdempotencyKey, now)
	rec, err := scanRecord(row)
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("enqueue approval: %w", err)
	}
	return rec, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (models.ApprovalRecord, error) {
	row := q.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM approvals WHERE id=$1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ApprovalRecord{}, approvalfsm.ErrNotFound
	}
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("get approval: %w", err)
	}
	return rec, nil
}

// Decide performs the one-way pending -> approved|denied transition. The
// UPDATE is conditioned on status=pending so only one concurrent decision
// wins; losers get ErrAlreadyDecided.
func (q *Queue) Decide(ctx context.Context, id int64, decision, approver, reason string) (models.ApprovalRecord, error) {
	target, err := approvalfsm.StatusForDecision(decision)
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	row := q.DB.QueryRow(ctx, `
		UPDATE approvals
		SET status=$2, approver=$3, reason=$4, updated_at=$5
		WHERE id=$1 AND status=$6
		RETURNING `+recordColumns,
		id, target, approver, reason, time.Now().UTC(), models.ApprovalPending)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := q.Get(ctx, id); errors.Is(getErr, approvalfsm.ErrNotFound) {
			return models.ApprovalRecord{}, approvalfsm.ErrNotFound
		}
		return models.ApprovalRecord{}, approvalfsm.ErrAlreadyDecided
	}
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("decide approval: %w", err)
	}
	return rec, nil
}

// BulkDecide applies Decide to each id independently. A failure on one id
// never blocks or rolls back the others.
func (q *Queue) BulkDecide(ctx context.Context, ids []int64, decision, approver, reason string) (map[int64]models.ApprovalRecord, map[int64]error) {
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

// ListPending returns undecided records in creation order.
func (q *Queue) ListPending(ctx context.Context) ([]models.ApprovalRecord, error) {
	rows, err := q.DB.Query(ctx, `SELECT `+recordColumns+` FROM approvals WHERE status=$1 ORDER BY id ASC`, models.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	var out []models.ApprovalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (models.ApprovalRecord, error) {
	var rec models.ApprovalRecord
	err := row.Scan(&rec.ID, &rec.Status, &rec.Tool, &rec.Action, &rec.Repo, &rec.RiskLevel,
		&rec.RequestPayload, &rec.Reason, &rec.Approver, &rec.IdempotencyKey, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

// ErrName maps queue errors onto the wire names the bulk endpoint reports.
func ErrName(err error) string {
	switch {
	case errors.Is(err, approvalfsm.ErrNotFound):
		return "NotFound"
	case errors.Is(err, approvalfsm.ErrAlreadyDecided):
		return "AlreadyDecided"
	default:
		return "Internal"
	}
}
