package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailAccount represents one sending/receiving mailbox in a workspace
type EmailAccount struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `json:"-"`          // Encrypted in application layer
	Encryption   string `json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`

	// ========= OAuth Configuration =========
	OAuthProvider     string     `gorm:"column:oauth_provider" json:"oauth_provider"` // google, microsoft
	OAuthToken        string     `gorm:"column:oauth_token" json:"-"`                 // Encrypted
	OAuthRefreshToken string     `gorm:"column:oauth_refresh_token" json:"-"`         // Encrypted
	OAuthExpiry       *time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Warmup Configuration =========
	WarmupEnabled   bool `gorm:"default:false" json:"warmup_enabled"`
	WarmupPerDay    int  `gorm:"default:5" json:"warmup_per_day"`
	WarmupSentToday int  `gorm:"default:0" json:"warmup_sent_today"`

	// ========= Usage =========
	DailyLimit int        `gorm:"default:50" json:"daily_limit"`
	SentToday  int        `gorm:"default:0" json:"sent_today"`
	TotalSent  int        `gorm:"default:0" json:"total_sent"`
	LastSentAt *time.Time `json:"last_sent_at"`

	LastSyncedAt  *time.Time `json:"last_synced_at"`
	LastSyncError *string    `json:"last_sync_error"`
}

// HasCapacity reports whether the account may send another email today.
func (a *EmailAccount) HasCapacity() bool {
	return a.SentToday < a.DailyLimit
}

// UsesOAuth reports whether the account authenticates with a bearer token.
func (a *EmailAccount) UsesOAuth() bool {
	return a.OAuthProvider != "" && a.OAuthToken != ""
}

// CanSync reports whether the account has a mailbox to poll.
func (a *EmailAccount) CanSync() bool {
	return a.IMAPHost != ""
}

func (a *EmailAccount) Sanitize() {
	a.SMTPPassword = ""
	a.IMAPPassword = ""
	a.OAuthToken = ""
	a.OAuthRefreshToken = ""
}
