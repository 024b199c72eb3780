package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coldreach/mailbox"
	"coldreach/models"
	"coldreach/queue"
	"coldreach/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrQuotaExhausted is returned when an account has no daily sends left.
var ErrQuotaExhausted = errors.New("account daily quota exhausted")

// Outbox transmits mail from an account. Every attempt takes a slot of the
// account's sent_today counter and is logged before it reaches the
// transport; a failed attempt gives the slot back, keeps that row and
// appends a FAILED row pointing at it.
type Outbox struct {
	db              *gorm.DB
	transport       mailbox.Transport
	trackingBaseURL string
	log             *logrus.Entry
	now             func() time.Time
}

func NewOutbox(db *gorm.DB, transport mailbox.Transport, trackingBaseURL string, log *logrus.Entry) *Outbox {
	return &Outbox{
		db:              db,
		transport:       transport,
		trackingBaseURL: trackingBaseURL,
		log:             log.WithField("component", "outbox"),
		now:             time.Now,
	}
}

type OutboxRequest struct {
	Account    *models.EmailAccount
	LeadID     *uint
	ProspectID *uint
	CampaignID *uint
	VariantID  *uint

	To         string
	Subject    string
	HTMLBody   string
	InReplyTo  string
	References []string

	// Track injects the open pixel and click redirects
	Track bool
	// WithinQuota refuses the send with ErrQuotaExhausted once sent_today
	// reaches daily_limit. Replies count against the quota without it.
	WithinQuota bool
	// Type is the log type once delivered; the row is SENT until then
	// unless Type is WARMUP_SENT.
	Type models.LogType
	// OnDelivered runs inside the delivery transaction
	OnDelivered func(tx *gorm.DB) error
}

func (o *Outbox) Send(ctx context.Context, req OutboxRequest) (*models.EmailLog, error) {
	finalType := req.Type
	if finalType == "" {
		finalType = models.LogSent
	}
	pendingType := models.LogSent
	if finalType == models.LogWarmupSent {
		pendingType = models.LogWarmupSent
	}

	entry := &models.EmailLog{
		LeadID:         req.LeadID,
		ProspectID:     req.ProspectID,
		CampaignID:     req.CampaignID,
		EmailAccountID: &req.Account.ID,
		VariantID:      req.VariantID,
		Type:           pendingType,
		Subject:        req.Subject,
		Snippet:        utils.Snippet(req.HTMLBody),
	}
	if err := o.reserve(ctx, req); err != nil {
		return nil, err
	}
	if err := o.db.WithContext(ctx).Create(entry).Error; err != nil {
		o.release(req.Account.ID)
		return nil, fmt.Errorf("failed to persist send log: %w", err)
	}

	body := req.HTMLBody
	if req.Track && o.trackingBaseURL != "" {
		body = utils.InjectTracking(body, o.trackingBaseURL, entry.ID)
	}

	messageID, err := o.transport.Send(ctx, req.Account, mailbox.OutboundMessage{
		To:         req.To,
		Subject:    req.Subject,
		HTMLBody:   body,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	})
	if err != nil {
		o.recordFailure(entry, err)
		o.release(req.Account.ID)
		return entry, err
	}

	now := o.now()
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.promote(tx, entry, finalType, messageID, now); err != nil {
			return err
		}

		if err := tx.Model(&models.EmailAccount{}).Where("id = ?", req.Account.ID).Updates(map[string]interface{}{
			"total_sent":   gorm.Expr("total_sent + ?", 1),
			"last_sent_at": now,
		}).Error; err != nil {
			return err
		}

		if req.OnDelivered != nil {
			return req.OnDelivered(tx)
		}
		return nil
	})
	if err != nil {
		// the mail already left; retrying would send it twice
		return entry, queue.Permanent(fmt.Errorf("sent %s but failed to record delivery: %w", messageID, err))
	}

	entry.Type = finalType
	entry.MessageID = &messageID
	entry.DeliveredAt = &now
	req.Account.SentToday++
	return entry, nil
}

// promote marks entry delivered under messageID. A mailbox sync can mirror
// the message from the Sent folder first; that row already owns the id, so
// it is adopted and given entry's type and links instead.
func (o *Outbox) promote(tx *gorm.DB, entry *models.EmailLog, finalType models.LogType, messageID string, now time.Time) error {
	var mirrored models.EmailLog
	err := tx.Where("message_id = ? AND id <> ?", messageID, entry.ID).Limit(1).Find(&mirrored).Error
	if err != nil {
		return err
	}
	if mirrored.ID == 0 {
		return tx.Model(entry).Updates(map[string]interface{}{
			"type":         finalType,
			"message_id":   messageID,
			"delivered_at": now,
		}).Error
	}

	o.log.WithFields(logrus.Fields{
		"log_id":      entry.ID,
		"mirrored_id": mirrored.ID,
		"message_id":  messageID,
	}).Warn("Sent message already mirrored by sync, adopting it")
	if err := tx.Model(&mirrored).Updates(map[string]interface{}{
		"type":        finalType,
		"lead_id":     entry.LeadID,
		"prospect_id": entry.ProspectID,
		"campaign_id": entry.CampaignID,
		"variant_id":  entry.VariantID,
	}).Error; err != nil {
		return err
	}
	// entry keeps its pending type without a message id so stats count the
	// mirrored row only
	return tx.Model(entry).Update("delivered_at", now).Error
}

// reserve takes one sent_today slot. The conditional update is the only
// quota check concurrent workers can rely on.
func (o *Outbox) reserve(ctx context.Context, req OutboxRequest) error {
	q := o.db.WithContext(ctx).Model(&models.EmailAccount{}).Where("id = ?", req.Account.ID)
	if req.WithinQuota {
		q = q.Where("sent_today < daily_limit")
	}
	res := q.UpdateColumn("sent_today", gorm.Expr("sent_today + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("failed to reserve send quota: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrQuotaExhausted
	}
	return nil
}

func (o *Outbox) release(accountID uint) {
	err := o.db.Model(&models.EmailAccount{}).
		Where("id = ? AND sent_today > 0", accountID).
		UpdateColumn("sent_today", gorm.Expr("sent_today - ?", 1)).Error
	if err != nil {
		o.log.WithError(err).WithField("account_id", accountID).Error("Failed to release send quota")
	}
}

func (o *Outbox) recordFailure(parent *models.EmailLog, sendErr error) {
	failed := &models.EmailLog{
		LeadID:         parent.LeadID,
		ProspectID:     parent.ProspectID,
		CampaignID:     parent.CampaignID,
		EmailAccountID: parent.EmailAccountID,
		VariantID:      parent.VariantID,
		ParentLogID:    &parent.ID,
		Type:           models.LogFailed,
		Subject:        parent.Subject,
		Error:          utils.Truncate(sendErr.Error(), 1000),
	}
	if err := o.db.Create(failed).Error; err != nil {
		o.log.WithError(err).WithField("log_id", parent.ID).Error("Failed to record send failure")
	}
}
