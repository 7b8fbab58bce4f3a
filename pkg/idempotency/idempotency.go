// Package idempotency binds idempotency keys to tool-call responses.
//
// The first submission carrying a key binds it; every later submission with
// the same key replays the bound response instead of re-running the call.
// A key bound to a pending-approval response is rebound once the approval
// reaches a terminal outcome; a terminal binding is immutable.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/agent2allow/agent2allow/pkg/models"
	"github.com/agent2allow/agent2allow/pkg/store"
)

// Binder is the idempotency surface the gateway orchestrator uses.
type Binder interface {
	// Lookup returns the bound response for key with IdempotentReplay set,
	// or found=false when the key has never been bound.
	Lookup(ctx context.Context, key string) (resp models.ToolCallResponse, found bool, err error)
	// Bind records the response for key. The first writer wins; binding an
	// already-bound key is a no-op.
	Bind(ctx context.Context, key string, resp models.ToolCallResponse, terminal bool) error
	// Rebind upgrades a non-terminal binding to a terminal response.
	// Terminal bindings are never overwritten.
	Rebind(ctx context.Context, key string, resp models.ToolCallResponse) error
}

type storeDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists bindings in the decisions table and mirrors them in the
// cache so replays normally skip Postgres.
type Store struct {
	DB    storeDB
	Cache store.Cache
	TTL   time.Duration
}

// cacheEntry is the value mirrored into redis.
type cacheEntry struct {
	Terminal bool                    `json:"terminal"`
	Response models.ToolCallResponse `json:"response"`
}

func cacheKey(key string) string { return "idem:" + key }

func (s *Store) Lookup(ctx context.Context, key string) (models.ToolCallResponse, bool, error) {
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, cacheKey(key)); err == nil {
			var ce cacheEntry
			if json.Unmarshal([]byte(raw), &ce) == nil {
				ce.Response.IdempotentReplay = true
				return ce.Response, true, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			// cache trouble is not fatal; fall through to the database
		}
	}
	var raw []byte
	var terminal bool
	err := s.DB.QueryRow(ctx, `SELECT response_json, terminal FROM decisions WHERE idempotency_key=$1`, key).
		Scan(&raw, &terminal)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ToolCallResponse{}, false, nil
	}
	if err != nil {
		return models.ToolCallResponse{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	var resp models.ToolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.ToolCallResponse{}, false, fmt.Errorf("decode bound response: %w", err)
	}
	s.mirror(ctx, key, resp, terminal)
	resp.IdempotentReplay = true
	return resp, true, nil
}

func (s *Store) Bind(ctx context.Context, key string, resp models.ToolCallResponse, terminal bool) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	var approvalID *int64
	if resp.ApprovalID != 0 {
		approvalID = &resp.ApprovalID
	}
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO decisions (idempotency_key, approval_id, terminal, response_json, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, approvalID, terminal, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("bind idempotency key: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.mirror(ctx, key, resp, terminal)
	}
	return nil
}

func (s *Store) Rebind(ctx context.Context, key string, resp models.ToolCallResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE decisions SET terminal=true, response_json=$2
		WHERE idempotency_key=$1 AND terminal=false`,
		key, raw)
	if err != nil {
		return fmt.Errorf("rebind idempotency key: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.mirror(ctx, key, resp, true)
	}
	return nil
}

func (s *Store) mirror(ctx context.Context, key string, resp models.ToolCallResponse, terminal bool) {
	if s.Cache == nil {
		return
	}
	resp.IdempotentReplay = false
	raw, err := json.Marshal(cacheEntry{Terminal: terminal, Response: resp})
	if err != nil {
		return
	}
	_ = s.Cache.Set(ctx, cacheKey(key), string(raw), s.TTL)
}
