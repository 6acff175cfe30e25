package tui

import (
	"time"

	"github.com/fentz26/warden/internal/models"
)

// ApprovalItem is a pending intent in the queue view.
type ApprovalItem struct {
	ID        string
	Type      string
	Summary   string
	SessionID string
	Rules     []string
	Warnings  []string
	Priority  string
	CreatedAt time.Time
}

func approvalItemFrom(p *models.PendingApproval) ApprovalItem {
	item := ApprovalItem{
		SessionID: p.SessionID,
		CreatedAt: p.CreatedAt,
	}
	if p.Intent != nil {
		item.ID = p.Intent.ID
		item.Type = string(p.Intent.Type)
		item.Summary = p.Intent.Describe()
		item.Priority = string(p.Intent.Priority)
	}
	if p.Validation != nil {
		item.Rules = p.Validation.AppliedRules
		item.Warnings = p.Validation.Warnings
	}
	return item
}

// ShortID returns the first eight characters of the intent id.
func (i ApprovalItem) ShortID() string {
	return shortID(i.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
