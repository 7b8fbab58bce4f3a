// Package audit implements the append-only tool-call audit log. Entries are
// immutable once written and ids are assigned from a single monotonically
// increasing counter, so range queries never observe duplicates or reordering.
// Corrections are new entries, never mutations.
package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agent2allow/agent2allow/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Filter narrows a query. Zero values mean "no constraint".
type Filter struct {
	Repo   string
	Status string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Writer appends to and reads from the audit_entries table. The BIGSERIAL
// primary key is the shared monotonic counter across all writers.
type Writer struct {
	DB auditDB
}

func (w *Writer) Append(ctx context.Context, entry models.AuditEntry) (int64, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = models.SchemaVersion
	}
	row := w.DB.QueryRow(ctx, `
		INSERT INTO audit_entries
		(schema_version, ts, agent_id, tool, action, repo, risk_level, status, approval_id, request_payload, response_payload, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id
	`, entry.SchemaVersion, entry.Timestamp, entry.AgentID, entry.Tool, entry.Action, entry.Repo,
		entry.RiskLevel, entry.Status, entry.ApprovalID, payloadOrEmpty(entry.RequestPayload),
		payloadOrEmpty(entry.ResponsePayload), entry.Message)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	return id, nil
}

func (w *Writer) Query(ctx context.Context, filter Filter) ([]models.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Repo != "" {
		conds = append(conds, "repo="+arg(filter.Repo))
	}
	if filter.Status != "" {
		conds = append(conds, "status="+arg(filter.Status))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "ts>="+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "ts<="+arg(filter.Until))
	}
	query := `
		SELECT id, schema_version, ts, agent_id, tool, action, repo, risk_level, status, approval_id, request_payload, response_payload, message
		FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	rows, err := w.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()
	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.SchemaVersion, &e.Timestamp, &e.AgentID, &e.Tool, &e.Action, &e.Repo,
			&e.RiskLevel, &e.Status, &e.ApprovalID, &e.RequestPayload, &e.ResponsePayload, &e.Message); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func payloadOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
