package controller

import (
	"context"
	"errors"

	"coldreach/models"
	"coldreach/utils"
	"coldreach/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 1x1 transparent GIF
var transparentPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
	0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3b,
}

// TrackingController records opens and clicks against the SENT log the
// pixel or link was injected for.
type TrackingController struct {
	DB     *gorm.DB
	Events worker.Publisher
	Log    *logrus.Entry
}

func NewTrackingController(db *gorm.DB, events worker.Publisher, log *logrus.Entry) *TrackingController {
	return &TrackingController{
		DB:     db,
		Events: events,
		Log:    log.WithField("component", "tracking"),
	}
}

// Open serves the pixel. Unknown ids still get the image.
func (tc *TrackingController) Open(c *fiber.Ctx) error {
	if id := utils.ParseUint(c.Params("logID")); id != 0 {
		tc.record(c.UserContext(), id, models.LogOpened, "")
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate, max-age=0")
	c.Set(fiber.HeaderPragma, "no-cache")
	return c.Type("gif").Send(transparentPixel)
}

// Click records the click and redirects. Ids that are not a sent campaign
// message get a 404, never a redirect.
func (tc *TrackingController) Click(c *fiber.Ctx) error {
	target := c.Query("url")
	if !utils.IsTrackableURL(target) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid redirect url",
		})
	}

	id := utils.ParseUint(c.Params("logID"))
	if id == 0 || !tc.record(c.UserContext(), id, models.LogClicked, target) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown tracking link",
		})
	}
	return c.Redirect(target, fiber.StatusFound)
}

// record reports whether parentID is a trackable SENT log.
func (tc *TrackingController) record(ctx context.Context, parentID uint, logType models.LogType, url string) bool {
	log := tc.Log.WithFields(logrus.Fields{"log_id": parentID, "type": logType})

	var parent models.EmailLog
	if err := tc.DB.WithContext(ctx).First(&parent, parentID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.WithError(err).Error("Failed to load tracked log")
		}
		return false
	}
	if parent.Type != models.LogSent {
		log.Debug("Tracking hit for a non-campaign message, ignoring")
		return false
	}

	event := &models.EmailLog{
		LeadID:         parent.LeadID,
		ProspectID:     parent.ProspectID,
		CampaignID:     parent.CampaignID,
		EmailAccountID: parent.EmailAccountID,
		VariantID:      parent.VariantID,
		ParentLogID:    &parent.ID,
		Type:           logType,
		Subject:        parent.Subject,
		URL:            url,
	}
	if err := tc.DB.WithContext(ctx).Create(event).Error; err != nil {
		utils.LogError(tc.Log, "tracking", err, map[string]interface{}{"log_id": parentID, "type": string(logType)})
		return true
	}

	if tc.Events != nil {
		tc.Events.Publish(trackingEvent(tc.DB.WithContext(ctx), &parent, logType, event))
	}
	return true
}

func trackingEvent(db *gorm.DB, parent *models.EmailLog, logType models.LogType, event *models.EmailLog) worker.Event {
	e := worker.Event{
		Type:    logType,
		Subject: parent.Subject,
		At:      event.CreatedAt,
	}
	if parent.EmailAccountID != nil {
		e.AccountID = *parent.EmailAccountID
		var account models.EmailAccount
		if db.Select("id", "workspace_id").First(&account, *parent.EmailAccountID).Error == nil {
			e.WorkspaceID = account.WorkspaceID
		}
	}
	if parent.LeadID != nil {
		e.LeadID = *parent.LeadID
	}
	if parent.CampaignID != nil {
		e.CampaignID = *parent.CampaignID
	}
	return e
}
