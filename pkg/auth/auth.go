// Package auth identifies the humans who decide approvals. Identity comes
// from static API keys handed to the approval console; authorization is a
// small role policy on top.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HeaderAPIKey carries the approval console's key.
const HeaderAPIKey = "X-Approval-Api-Key"

type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "agent2allow.principal"

// Keyring maps API keys to principals. An empty keyring means auth is off
// and every caller acts as the anonymous approver.
type Keyring struct {
	keys map[string]Principal
}

// ParseKeyring reads the APPROVAL_API_KEYS JSON object:
//
//	{"key-1": {"subject": "alex", "roles": ["approver"]}, ...}
func ParseKeyring(raw string) (*Keyring, error) {
	ring := &Keyring{keys: map[string]Principal{}}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ring, nil
	}
	var entries map[string]struct {
		Subject string   `json:"subject"`
		Roles   []string `json:"roles"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse approval api keys: %w", err)
	}
	for key, e := range entries {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(e.Subject) == "" {
			return nil, fmt.Errorf("approval api key for %q needs a non-empty key and subject", e.Subject)
		}
		ring.keys[key] = Principal{Subject: e.Subject, Roles: e.Roles}
	}
	return ring, nil
}

func (k *Keyring) Lookup(key string) (Principal, bool) {
	if k == nil {
		return Principal{}, false
	}
	p, ok := k.keys[key]
	return p, ok
}

func (k *Keyring) Empty() bool { return k == nil || len(k.keys) == 0 }

// Middleware resolves the caller's principal. With an empty keyring every
// request passes as anonymous; otherwise a missing or unknown key is a 401.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ring.Empty() {
				p := Principal{Subject: "anonymous", Roles: []string{"approver"}}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
			key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
			if key == "" {
				http.Error(w, "missing approval api key", http.StatusUnauthorized)
				return
			}
			p, ok := ring.Lookup(key)
			if !ok {
				http.Error(w, "invalid approval api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}
