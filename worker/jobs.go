package worker

import (
	"fmt"
	"time"
)

const (
	JobCampaignStep = "campaign.step"
	JobAutoReply    = "autoreply.send"

	// minStepDelay floors the wait before any follow-up step
	minStepDelay = 60 * time.Second
	gateRetry    = time.Hour

	autoReplyCooldown = 5 * time.Minute
	autoReplyDelay    = 5 * time.Minute
)

// StepJob sends one campaign step to one lead.
type StepJob struct {
	LeadID     uint `json:"leadId" validate:"required"`
	CampaignID uint `json:"campaignId" validate:"required"`
	StepOrder  int  `json:"stepOrder" validate:"min=1"`
}

// StepDedupKey identifies the logical send of a step to a lead.
func StepDedupKey(campaignID, leadID uint, stepOrder int) string {
	return fmt.Sprintf("step:%d:%d:%d", campaignID, leadID, stepOrder)
}

// StepDelay is the wait before a step with the given waitDays fires.
func StepDelay(waitDays int) time.Duration {
	if waitDays < 1 {
		waitDays = 1
	}
	d := time.Duration(waitDays) * 24 * time.Hour
	if d < minStepDelay {
		return minStepDelay
	}
	return d
}

// AutoReplyJob carries an already generated reply waiting for the
// sending window to open.
type AutoReplyJob struct {
	LeadID     uint     `json:"leadId" validate:"required"`
	AccountID  uint     `json:"accountId" validate:"required"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body" validate:"required"`
	InReplyTo  string   `json:"inReplyTo,omitempty"`
	References []string `json:"references,omitempty"`
	InboundID  string   `json:"inboundId"`
}

func AutoReplyDedupKey(leadID uint, inboundID string) string {
	return fmt.Sprintf("autoreply:%d:%s", leadID, inboundID)
}
