package controller

import (
	"context"
	"errors"

	"coldreach/middleware"
	"coldreach/models"
	"coldreach/utils"
	"coldreach/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CampaignEngine starts and stops campaign delivery.
type CampaignEngine interface {
	LaunchCampaign(ctx context.Context, campaignID uint) (int, error)
	PauseCampaign(ctx context.Context, campaignID uint) error
}

type CampaignController struct {
	DB     *gorm.DB
	Engine CampaignEngine
	Log    *logrus.Entry
}

func NewCampaignController(db *gorm.DB, engine CampaignEngine, log *logrus.Entry) *CampaignController {
	return &CampaignController{
		DB:     db,
		Engine: engine,
		Log:    log.WithField("component", "campaigns"),
	}
}

// findCampaign loads a campaign of the caller's workspace or writes a 404.
func (cc *CampaignController) findCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	var campaign models.Campaign
	err := cc.DB.WithContext(c.UserContext()).
		Where("id = ? AND workspace_id = ?", c.Params("id"), middleware.WorkspaceID(c)).
		First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Campaign not found"})
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", err)
	}
	return &campaign, nil
}

// LaunchCampaign activates a campaign and queues each lead's next step.
func (cc *CampaignController) LaunchCampaign(c *fiber.Ctx) error {
	campaign, errResp := cc.findCampaign(c)
	if campaign == nil {
		return errResp
	}
	if campaign.Status == models.CampaignCompleted {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Campaign is completed"})
	}

	queued, err := cc.Engine.LaunchCampaign(c.UserContext(), campaign.ID)
	if errors.Is(err, worker.ErrCampaignEmpty) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "Campaign has no steps"})
	}
	if err != nil {
		utils.LogError(cc.Log, "campaign_launch", err, map[string]interface{}{"campaign_id": campaign.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to launch campaign", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"status":      models.CampaignActive,
		"queued":      queued,
	}))
}

// PauseCampaign stops sending; queued steps are dropped when they run.
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	campaign, errResp := cc.findCampaign(c)
	if campaign == nil {
		return errResp
	}
	if campaign.Status != models.CampaignActive {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Campaign is not running"})
	}

	if err := cc.Engine.PauseCampaign(c.UserContext(), campaign.ID); err != nil {
		utils.LogError(cc.Log, "campaign_pause", err, map[string]interface{}{"campaign_id": campaign.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause campaign", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"status":      models.CampaignPaused,
	}))
}

type CampaignStats struct {
	Leads    map[models.LeadStatus]int64 `json:"leads"`
	Sent     int64                       `json:"sent"`
	Opened   int64                       `json:"opened"`
	Clicked  int64                       `json:"clicked"`
	Replied  int64                       `json:"replied"`
	AIReplied int64                       `json:"ai_replied"`
	Bounced  int64                       `json:"bounced"`
	Failed   int64                       `json:"failed"`
}

// GetCampaignStats counts lead states and log events for one campaign.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaign, errResp := cc.findCampaign(c)
	if campaign == nil {
		return errResp
	}
	db := cc.DB.WithContext(c.UserContext())

	var leadRows []struct {
		Status models.LeadStatus
		Count  int64
	}
	if err := db.Model(&models.Lead{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaign.ID).
		Group("status").
		Scan(&leadRows).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}

	var logRows []struct {
		Type  models.LogType
		Count int64
	}
	// SENT rows without a message id are attempts that never went out
	if err := db.Model(&models.EmailLog{}).
		Select("type, COUNT(*) AS count").
		Where("campaign_id = ? AND (type <> ? OR message_id IS NOT NULL)", campaign.ID, models.LogSent).
		Group("type").
		Scan(&logRows).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count events", err)
	}

	stats := CampaignStats{Leads: map[models.LeadStatus]int64{}}
	for _, r := range leadRows {
		stats.Leads[r.Status] = r.Count
	}
	for _, r := range logRows {
		switch r.Type {
		case models.LogSent:
			stats.Sent = r.Count
		case models.LogOpened:
			stats.Opened = r.Count
		case models.LogClicked:
			stats.Clicked = r.Count
		case models.LogReplied:
			stats.Replied = r.Count
		case models.LogAIReply:
			stats.AIReplied = r.Count
		case models.LogBounced:
			stats.Bounced = r.Count
		case models.LogFailed:
			stats.Failed = r.Count
		}
	}

	return c.JSON(utils.SuccessResponse(stats))
}
