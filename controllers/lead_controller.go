package controller

import (
	"context"
	"errors"
	"strings"

	"coldreach/middleware"
	"coldreach/models"
	"coldreach/utils"
	"coldreach/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReplySender sends an operator-written reply from a mailbox to a lead.
type ReplySender interface {
	SendManualReply(ctx context.Context, leadID, accountID uint, subject, body string) (*models.EmailLog, error)
}

type LeadController struct {
	DB      *gorm.DB
	Replies ReplySender
	Log     *logrus.Entry
}

func NewLeadController(db *gorm.DB, replies ReplySender, log *logrus.Entry) *LeadController {
	return &LeadController{
		DB:      db,
		Replies: replies,
		Log:     log.WithField("component", "leads"),
	}
}

func (lc *LeadController) findLead(c *fiber.Ctx) (*models.Lead, error) {
	var lead models.Lead
	err := lc.DB.WithContext(c.UserContext()).
		Where("id = ? AND workspace_id = ?", c.Params("id"), middleware.WorkspaceID(c)).
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Lead not found"})
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load lead", err)
	}
	return &lead, nil
}

// ReplyToLead sends a manual reply, threaded onto the lead's last inbound
// message.
func (lc *LeadController) ReplyToLead(c *fiber.Ctx) error {
	lead, errResp := lc.findLead(c)
	if lead == nil {
		return errResp
	}

	var input struct {
		AccountID uint   `json:"account_id" validate:"required"`
		Subject   string `json:"subject" validate:"omitempty,max=255"`
		Body      string `json:"body" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	input.Body = strings.TrimSpace(input.Body)
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	sent, err := lc.Replies.SendManualReply(c.UserContext(), lead.ID, input.AccountID, input.Subject, input.Body)
	switch {
	case errors.Is(err, worker.ErrAccountNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Email account not found", nil)
	case errors.Is(err, worker.ErrLeadNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	case err != nil:
		utils.LogError(lc.Log, "manual_reply", err, map[string]interface{}{
			"lead_id":    lead.ID,
			"account_id": input.AccountID,
		})
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to send reply", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sent))
}

// GetLeadActivity lists the lead's email log, newest first.
func (lc *LeadController) GetLeadActivity(c *fiber.Ctx) error {
	lead, errResp := lc.findLead(c)
	if lead == nil {
		return errResp
	}

	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var logs []models.EmailLog
	if err := lc.DB.WithContext(c.UserContext()).
		Where("lead_id = ?", lead.ID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load activity", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"lead":     lead,
		"activity": logs,
	}))
}
