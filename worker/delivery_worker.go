package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coldreach/models"
	"coldreach/queue"
	"coldreach/utils"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeliveryWorker sends one campaign step to one lead per job and schedules
// the step after it.
type DeliveryWorker struct {
	db     *gorm.DB
	queue  queue.Enqueuer
	outbox *Outbox
	events Publisher
	log    *logrus.Entry
	now    func() time.Time
}

func NewDeliveryWorker(db *gorm.DB, q queue.Enqueuer, outbox *Outbox, events Publisher, log *logrus.Entry) *DeliveryWorker {
	return &DeliveryWorker{
		db:     db,
		queue:  q,
		outbox: outbox,
		events: publisherOrNop(events),
		log:    log.WithField("component", "delivery"),
		now:    time.Now,
	}
}

// Handle processes a campaign.step job.
func (w *DeliveryWorker) Handle(ctx context.Context, job *queue.Job) error {
	var p StepJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(err)
	}
	if err := utils.ValidateStruct(p); err != nil {
		return queue.Permanent(fmt.Errorf("invalid step job: %w", err))
	}

	log := w.log.WithFields(logrus.Fields{
		"lead_id":     p.LeadID,
		"campaign_id": p.CampaignID,
		"step":        p.StepOrder,
	})

	var lead models.Lead
	if err := w.db.WithContext(ctx).First(&lead, p.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Permanent(fmt.Errorf("lead %d not found", p.LeadID))
		}
		return fmt.Errorf("failed to load lead: %w", err)
	}

	var campaign models.Campaign
	err := w.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Preload("Steps.Variants").
		First(&campaign, p.CampaignID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Permanent(fmt.Errorf("campaign %d not found", p.CampaignID))
		}
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	if campaign.Status != models.CampaignActive {
		log.WithField("status", campaign.Status).Info("Campaign not active, dropping step")
		return nil
	}
	if lead.Status.Terminal() {
		log.WithField("status", lead.Status).Debug("Lead finished, dropping step")
		return nil
	}
	if lead.CurrentStep >= p.StepOrder {
		// delivered by an earlier run of this job; only scheduling may be missing
		return w.scheduleNext(ctx, &campaign, &lead, p.StepOrder)
	}

	if !utils.IsWindowOpen(campaign.Schedule, w.now()) {
		return queue.Reschedule(gateRetry, "sending window closed")
	}

	step := campaign.StepByOrder(p.StepOrder)
	if step == nil {
		log.Info("No step at this order, sequence complete")
		return nil
	}

	normalized := utils.NormalizeEmail(lead.Email)
	var blocked int64
	if err := w.db.WithContext(ctx).Model(&models.BlockedEmail{}).
		Where("workspace_id = ? AND email = ?", campaign.WorkspaceID, normalized).
		Count(&blocked).Error; err != nil {
		return fmt.Errorf("failed to check blocklist: %w", err)
	}
	if blocked > 0 {
		log.Info("Lead is blocklisted, unsubscribing")
		return w.setLeadStatus(ctx, &lead, models.LeadUnsubscribed)
	}
	if err := checkmail.ValidateFormat(lead.Email); err != nil {
		log.WithError(err).Warn("Lead address is malformed, marking bounced")
		return w.setLeadStatus(ctx, &lead, models.LeadBounced)
	}

	subject, body := step.Subject, step.Body
	var variantID *uint
	if v := utils.PickVariant(step.Variants); v != nil {
		if v.Subject != "" {
			subject = v.Subject
		}
		if v.Body != "" {
			body = v.Body
		}
		variantID = &v.ID
	}

	var accounts []models.EmailAccount
	if err := w.db.WithContext(ctx).Where("workspace_id = ?", campaign.WorkspaceID).Find(&accounts).Error; err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	vars := lead.TemplateVars()
	subject = utils.RenderTemplate(subject, vars)
	body = utils.RenderTemplate(body, vars)

	var (
		account *models.EmailAccount
		sent    *models.EmailLog
	)
	for {
		account = utils.PickAccount(accounts)
		if account == nil {
			return queue.Reschedule(gateRetry, "no account with remaining daily quota")
		}

		sent, err = w.outbox.Send(ctx, OutboxRequest{
			Account:     account,
			LeadID:      &lead.ID,
			CampaignID:  &campaign.ID,
			VariantID:   variantID,
			To:          lead.Email,
			Subject:     subject,
			HTMLBody:    body,
			Track:       true,
			WithinQuota: true,
			OnDelivered: func(tx *gorm.DB) error {
				return tx.Model(&models.Lead{}).
					Where("id = ? AND current_step < ?", lead.ID, p.StepOrder).
					Updates(map[string]interface{}{
						"current_step": p.StepOrder,
						"status":       models.LeadContacted,
					}).Error
			},
		})
		if errors.Is(err, ErrQuotaExhausted) {
			// another worker took the last slot since accounts was loaded
			account.SentToday = account.DailyLimit
			continue
		}
		break
	}
	if err != nil {
		var perm *queue.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		return fmt.Errorf("failed to send step %d to lead %d: %w", p.StepOrder, lead.ID, err)
	}

	log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"log_id":     sent.ID,
	}).Info("Step delivered")
	w.events.Publish(Event{
		Type:        models.LogSent,
		WorkspaceID: campaign.WorkspaceID,
		LeadID:      lead.ID,
		CampaignID:  campaign.ID,
		AccountID:   account.ID,
		Email:       lead.Email,
		Subject:     subject,
		At:          w.now(),
	})

	return w.scheduleNext(ctx, &campaign, &lead, p.StepOrder)
}

func (w *DeliveryWorker) scheduleNext(ctx context.Context, campaign *models.Campaign, lead *models.Lead, order int) error {
	next := campaign.NextStep(order)
	if next == nil {
		return nil
	}

	added, err := w.queue.Enqueue(ctx, JobCampaignStep, StepJob{
		LeadID:     lead.ID,
		CampaignID: campaign.ID,
		StepOrder:  next.Order,
	}, queue.EnqueueOptions{
		Delay:    StepDelay(next.WaitDays),
		DedupKey: StepDedupKey(campaign.ID, lead.ID, next.Order),
	})
	if err != nil {
		return fmt.Errorf("failed to schedule step %d: %w", next.Order, err)
	}
	if added {
		w.log.WithFields(logrus.Fields{
			"lead_id":     lead.ID,
			"campaign_id": campaign.ID,
			"step":        next.Order,
		}).Debug("Next step scheduled")
	}
	return nil
}

func (w *DeliveryWorker) setLeadStatus(ctx context.Context, lead *models.Lead, status models.LeadStatus) error {
	if err := w.db.WithContext(ctx).Model(lead).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update lead status: %w", err)
	}
	return nil
}
