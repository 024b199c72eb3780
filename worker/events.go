package worker

import (
	"time"

	"coldreach/models"
)

// Event is a notable engine action, streamed to the activity feed.
type Event struct {
	Type        models.LogType `json:"type"`
	WorkspaceID uint           `json:"workspace_id"`
	LeadID      uint           `json:"lead_id,omitempty"`
	ProspectID  uint           `json:"prospect_id,omitempty"`
	CampaignID  uint           `json:"campaign_id,omitempty"`
	AccountID   uint           `json:"account_id,omitempty"`
	Email       string         `json:"email,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	At          time.Time      `json:"at"`
}

// Publisher receives events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

func publisherOrNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
