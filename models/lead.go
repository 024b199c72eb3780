package models

import (
	"time"

	"gorm.io/gorm"
)

type LeadStatus string

const (
	LeadPending      LeadStatus = "PENDING"
	LeadContacted    LeadStatus = "CONTACTED"
	LeadReplied      LeadStatus = "REPLIED"
	LeadUnsubscribed LeadStatus = "UNSUBSCRIBED"
	LeadBounced      LeadStatus = "BOUNCED"
	LeadCompleted    LeadStatus = "COMPLETED"
)

// Terminal reports whether no further sequence steps may be sent.
func (s LeadStatus) Terminal() bool {
	switch s {
	case LeadReplied, LeadUnsubscribed, LeadBounced, LeadCompleted:
		return true
	case LeadPending, LeadContacted:
		return false
	}
	return false
}

// Lead represents a single contact enrolled in a campaign
type Lead struct {
	gorm.Model
	CampaignID  uint `gorm:"not null;index" json:"campaign_id"`
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Email           string `gorm:"not null" json:"email"`
	NormalizedEmail string `gorm:"not null;index" json:"-"`

	// CurrentStep is the order of the last step delivered; 0 means none yet
	CurrentStep int        `gorm:"default:0" json:"current_step"`
	Status      LeadStatus `gorm:"default:'PENDING';index" json:"status"`

	// Template variables (firstName, company, ...)
	Variables map[string]any `gorm:"type:jsonb;serializer:json" json:"variables"`

	LastReadAt *time.Time `json:"last_read_at"`

	// Relations
	Campaign Campaign `json:"-"`
}

// TemplateVars returns the variables available to step templates.
func (l *Lead) TemplateVars() map[string]any {
	vars := make(map[string]any, len(l.Variables)+1)
	vars["email"] = l.Email
	for k, v := range l.Variables {
		vars[k] = v
	}
	return vars
}

// Prospect is a lead from a secondary pool (e.g. social scraping) that is
// not enrolled in a campaign but whose replies are still tracked.
type Prospect struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Email           string     `gorm:"not null" json:"email"`
	NormalizedEmail string     `gorm:"not null;index" json:"-"`
	Status          LeadStatus `gorm:"default:'PENDING'" json:"status"`
	Source          string     `json:"source"`
	LastReadAt      *time.Time `json:"last_read_at"`
}
