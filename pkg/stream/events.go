package stream

import "github.com/agent2allow/agent2allow/pkg/models"

// Event types pushed to the approval console.
const (
	EventReady           = "ready"
	EventApprovalCreated = "approval.created"
	EventApprovalDecided = "approval.decided"
	EventAuditAppended   = "audit.appended"
)

func ApprovalCreated(rec models.ApprovalRecord) Event {
	return NewEvent(EventApprovalCreated, rec)
}

func ApprovalDecided(rec models.ApprovalRecord) Event {
	return NewEvent(EventApprovalDecided, rec)
}

func AuditAppended(entry models.AuditEntry) Event {
	return NewEvent(EventAuditAppended, entry)
}
