package models

import "gorm.io/gorm"

// BlockedEmail is a workspace-level suppression entry. Email is normalized.
type BlockedEmail struct {
	gorm.Model
	WorkspaceID uint   `gorm:"not null;uniqueIndex:idx_blocked_workspace_email" json:"workspace_id"`
	Email       string `gorm:"not null;uniqueIndex:idx_blocked_workspace_email" json:"email"`
	Reason      string `json:"reason"`
}

// ReplyGuyConfig controls automatic replies for a workspace
type ReplyGuyConfig struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;uniqueIndex" json:"workspace_id"`

	Enabled            bool   `gorm:"default:false" json:"enabled"`
	APIKey             string `json:"-"` // Encrypted
	ModelName          string `gorm:"column:model;default:'gpt-4o-mini'" json:"model"`
	BusinessContext    string `gorm:"type:text" json:"business_context"`
	CustomInstructions string `gorm:"type:text" json:"custom_instructions"`
}
