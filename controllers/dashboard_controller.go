package controller

import (
	"time"

	"coldreach/middleware"
	"coldreach/models"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type DashboardController struct {
	DB  *gorm.DB
	Log *logrus.Entry
	now func() time.Time
}

func NewDashboardController(db *gorm.DB, log *logrus.Entry) *DashboardController {
	return &DashboardController{
		DB:  db,
		Log: log.WithField("component", "dashboard"),
		now: time.Now,
	}
}

type DashboardStats struct {
	TotalEmailSent int64   `json:"total_email_sent"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ReplyRate      float64 `json:"reply_rate"`
	BounceRate     float64 `json:"bounce_rate"`
}

type AccountHealth struct {
	ID            uint       `json:"id"`
	FromEmail     string     `json:"from_email"`
	SentToday     int        `json:"sent_today"`
	DailyLimit    int        `json:"daily_limit"`
	WarmupEnabled bool       `json:"warmup_enabled"`
	LastSentAt    *time.Time `json:"last_sent_at"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	LastSyncError *string    `json:"last_sync_error"`
}

func timeFrameStart(now time.Time, frame string) time.Time {
	switch frame {
	case "hour":
		return now.Add(-time.Hour)
	case "day":
		return now.Add(-24 * time.Hour)
	case "month":
		return now.Add(-30 * 24 * time.Hour)
	default:
		return now.Add(-7 * 24 * time.Hour)
	}
}

// GetDashboardStats returns workspace-wide delivery rates for a time frame
// (hour, day, week or month).
func (dc *DashboardController) GetDashboardStats(c *fiber.Ctx) error {
	workspaceID := middleware.WorkspaceID(c)
	now := dc.now()
	start := timeFrameStart(now, c.Query("time_frame", "week"))

	var rows []struct {
		Type  models.LogType
		Count int64
	}
	err := dc.DB.WithContext(c.UserContext()).Model(&models.EmailLog{}).
		Select("email_logs.type, COUNT(*) AS count").
		Joins("JOIN email_accounts ON email_accounts.id = email_logs.email_account_id").
		Where("email_accounts.workspace_id = ? AND email_logs.created_at BETWEEN ? AND ?", workspaceID, start, now).
		Where("email_logs.campaign_id IS NOT NULL").
		Where("(email_logs.type <> ? OR email_logs.message_id IS NOT NULL)", models.LogSent).
		Group("email_logs.type").
		Scan(&rows).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get email stats", err)
	}

	counts := make(map[models.LogType]int64, len(rows))
	for _, r := range rows {
		counts[r.Type] = r.Count
	}

	stats := DashboardStats{TotalEmailSent: counts[models.LogSent]}
	if stats.TotalEmailSent > 0 {
		total := float64(stats.TotalEmailSent)
		stats.OpenRate = float64(counts[models.LogOpened]) / total * 100
		stats.ClickRate = float64(counts[models.LogClicked]) / total * 100
		stats.ReplyRate = float64(counts[models.LogReplied]) / total * 100
		stats.BounceRate = float64(counts[models.LogBounced]) / total * 100
	}

	return c.JSON(utils.SuccessResponse(stats))
}

// GetAccountHealth lists each mailbox's quota usage and last sync outcome.
func (dc *DashboardController) GetAccountHealth(c *fiber.Ctx) error {
	var accounts []AccountHealth
	err := dc.DB.WithContext(c.UserContext()).Model(&models.EmailAccount{}).
		Where("workspace_id = ?", middleware.WorkspaceID(c)).
		Order("id ASC").
		Scan(&accounts).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load accounts", err)
	}
	return c.JSON(utils.SuccessResponse(accounts))
}
