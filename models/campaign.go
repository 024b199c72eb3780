package models

import (
	"time"

	"gorm.io/gorm"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
)

// Campaign represents a drip sequence sent to its leads
type Campaign struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Name   string         `gorm:"not null" json:"name"`
	Status CampaignStatus `gorm:"default:'DRAFT'" json:"status"`

	// Sending window; nil means the campaign may send at any time
	Schedule *SendingWindow `gorm:"type:jsonb;serializer:json" json:"schedule,omitempty"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Relations
	Steps []CampaignStep `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
	Leads []Lead         `gorm:"foreignKey:CampaignID" json:"-"`
}

// SendingWindow describes the days and hours automated sends are allowed.
// Days use time.Weekday numbering (0 = Sunday). Start and End are "HH:MM".
type SendingWindow struct {
	Days     []int  `json:"days"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// CampaignStep is one email in a campaign sequence
type CampaignStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_campaign_step_order" json:"campaign_id"`

	Order    int    `gorm:"column:step_order;not null;uniqueIndex:idx_campaign_step_order" json:"order"`
	Subject  string `gorm:"not null" json:"subject"`
	Body     string `gorm:"type:text" json:"body"`
	WaitDays int    `gorm:"default:1" json:"wait_days"`

	// Relations
	Variants []StepVariant `gorm:"foreignKey:StepID" json:"variants,omitempty"`
}

// StepVariant is an A/B alternative for a step. Weights are relative.
type StepVariant struct {
	gorm.Model
	StepID uint `gorm:"not null;index" json:"step_id"`

	Name    string `gorm:"not null" json:"name"`
	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`
	Weight  int    `gorm:"not null;default:50" json:"weight"`
}

// StepByOrder returns the step with the given order, or nil.
func (c *Campaign) StepByOrder(order int) *CampaignStep {
	for i := range c.Steps {
		if c.Steps[i].Order == order {
			return &c.Steps[i]
		}
	}
	return nil
}

// NextStep returns the step with the smallest order greater than order, or nil.
func (c *Campaign) NextStep(order int) *CampaignStep {
	var next *CampaignStep
	for i := range c.Steps {
		s := &c.Steps[i]
		if s.Order > order && (next == nil || s.Order < next.Order) {
			next = s
		}
	}
	return next
}

// FirstStep returns the lowest-ordered step, or nil for an empty campaign.
func (c *Campaign) FirstStep() *CampaignStep {
	return c.NextStep(0)
}
