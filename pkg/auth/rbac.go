package auth

import (
	"fmt"

	"github.com/agent2allow/agent2allow/pkg/models"
)

// RolePolicy gates approval decisions by role. Empty role lists mean the
// action is open to any authenticated principal.
type RolePolicy struct {
	ApproveRoles         []string
	DenyRoles            []string
	HighRiskApproveRoles []string
}

// ErrForbidden is returned when a principal lacks the role a decision needs.
type ErrForbidden struct {
	Subject string
	Need    string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("%s lacks role for %s", e.Subject, e.Need)
}

// Authorize checks that p may apply decision to a record at the given risk
// level. Approving high-risk calls can require a stricter role set.
func (rp RolePolicy) Authorize(p Principal, decision, riskLevel string) error {
	switch decision {
	case models.DecisionApprove:
		if !HasAnyRole(p, rp.ApproveRoles...) {
			return &ErrForbidden{Subject: p.Subject, Need: "approve"}
		}
		if riskLevel == models.RiskHigh && !HasAnyRole(p, rp.HighRiskApproveRoles...) {
			return &ErrForbidden{Subject: p.Subject, Need: "approve high-risk"}
		}
	case models.DecisionDeny:
		if !HasAnyRole(p, rp.DenyRoles...) {
			return &ErrForbidden{Subject: p.Subject, Need: "deny"}
		}
	}
	return nil
}
