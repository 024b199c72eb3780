package models

import "time"

type LogType string

const (
	LogSent       LogType = "SENT"
	LogOpened     LogType = "OPENED"
	LogClicked    LogType = "CLICKED"
	LogReplied    LogType = "REPLIED"
	LogAIReply    LogType = "AI_REPLY"
	LogBounced    LogType = "BOUNCED"
	LogWarmupSent LogType = "WARMUP_SENT"
	LogFailed     LogType = "FAILED"
)

// DedupLogTypes are the log types whose message ids make up the sync dedup set.
var DedupLogTypes = []LogType{LogSent, LogReplied, LogAIReply, LogBounced, LogWarmupSent}

// EmailLog is an append-only record of one email event.
// MessageID is unique system-wide; rows are never deleted.
type EmailLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	LeadID         *uint `gorm:"index" json:"lead_id,omitempty"`
	ProspectID     *uint `gorm:"index" json:"prospect_id,omitempty"`
	CampaignID     *uint `gorm:"index" json:"campaign_id,omitempty"`
	EmailAccountID *uint `gorm:"index" json:"email_account_id,omitempty"`
	VariantID      *uint `json:"variant_id,omitempty"`
	ParentLogID    *uint `gorm:"index" json:"parent_log_id,omitempty"`

	Type      LogType `gorm:"not null;index" json:"type"`
	MessageID *string `gorm:"uniqueIndex" json:"message_id,omitempty"`
	Subject   string  `json:"subject"`
	Snippet   string  `gorm:"type:text" json:"snippet"`
	URL       string  `json:"url,omitempty"`
	Error     string  `gorm:"type:text" json:"error,omitempty"`

	DeliveredAt *time.Time `json:"delivered_at"`
}
