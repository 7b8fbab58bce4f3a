package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agent2allow/agent2allow/pkg/models"
)

func TestParseKeyring(t *testing.T) {
	ring, err := ParseKeyring(`{"key-1": {"subject": "alex", "roles": ["approver", "admin"]}}`)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := ring.Lookup("key-1")
	if !ok || p.Subject != "alex" || len(p.Roles) != 2 {
		t.Fatalf("lookup = %+v, %v", p, ok)
	}
	if _, ok := ring.Lookup("nope"); ok {
		t.Fatal("unknown key must not resolve")
	}
}

func TestParseKeyringEmpty(t *testing.T) {
	ring, err := ParseKeyring("")
	if err != nil {
		t.Fatal(err)
	}
	if !ring.Empty() {
		t.Fatal("empty config should yield empty keyring")
	}
}

func TestParseKeyringRejectsBadEntries(t *testing.T) {
	if _, err := ParseKeyring(`not json`); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := ParseKeyring(`{"k": {"subject": ""}}`); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func echoPrincipal(t *testing.T) (http.Handler, *Principal) {
	t.Helper()
	var got Principal
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Error("no principal on context")
		}
		got = p
	})
	return h, &got
}

func TestMiddlewareOpenWhenNoKeys(t *testing.T) {
	inner, got := echoPrincipal(t)
	h := Middleware(&Keyring{})(inner)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/approvals/pending", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.Subject != "anonymous" {
		t.Fatalf("principal = %+v", got)
	}
}

func TestMiddlewareRequiresKey(t *testing.T) {
	ring, _ := ParseKeyring(`{"key-1": {"subject": "alex", "roles": ["approver"]}}`)
	inner, got := echoPrincipal(t)
	h := Middleware(ring)(inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "wrong")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "key-1")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.Subject != "alex" {
		t.Fatalf("good key: status = %d principal = %+v", rec.Code, got)
	}
}

func TestRolePolicyAuthorize(t *testing.T) {
	rp := RolePolicy{
		ApproveRoles:         []string{"approver"},
		HighRiskApproveRoles: []string{"admin"},
	}
	approver := Principal{Subject: "alex", Roles: []string{"approver"}}
	admin := Principal{Subject: "sam", Roles: []string{"approver", "admin"}}
	viewer := Principal{Subject: "kim", Roles: []string{"viewer"}}

	if err := rp.Authorize(approver, models.DecisionApprove, models.RiskMedium); err != nil {
		t.Fatalf("approver on medium: %v", err)
	}
	var forbidden *ErrForbidden
	if err := rp.Authorize(approver, models.DecisionApprove, models.RiskHigh); !errors.As(err, &forbidden) {
		t.Fatalf("approver on high should be forbidden, got %v", err)
	}
	if err := rp.Authorize(admin, models.DecisionApprove, models.RiskHigh); err != nil {
		t.Fatalf("admin on high: %v", err)
	}
	if err := rp.Authorize(viewer, models.DecisionApprove, models.RiskLow); !errors.As(err, &forbidden) {
		t.Fatalf("viewer approve should be forbidden, got %v", err)
	}
	// empty deny list means anyone may deny
	if err := rp.Authorize(viewer, models.DecisionDeny, models.RiskHigh); err != nil {
		t.Fatalf("open deny: %v", err)
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Roles: []string{"Approver", " admin "}}
	if !HasAnyRole(p, "approver") || !HasAnyRole(p, "ADMIN") {
		t.Fatal("role match should be case and space insensitive")
	}
	if HasAnyRole(p, "viewer") {
		t.Fatal("unexpected role match")
	}
	if !HasAnyRole(Principal{}) {
		t.Fatal("empty requirement always passes")
	}
}
