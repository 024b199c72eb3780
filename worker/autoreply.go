package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coldreach/mailbox"
	"coldreach/models"
	"coldreach/queue"
	"coldreach/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InboundReply describes a reply detected by the mailbox sync.
type InboundReply struct {
	Lead         *models.Lead
	Account      *models.EmailAccount
	Message      *mailbox.Message
	InboundID    string
	InboundLogID uint
}

// Claimer grants a short exclusive claim on a key.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// AutoReplier answers lead replies with generated content, at most once per
// lead per cooldown period.
type AutoReplier struct {
	db        *gorm.DB
	queue     queue.Enqueuer
	cooldown  Claimer
	generator utils.ReplyGenerator
	outbox    *Outbox
	cipher    *utils.Cipher
	events    Publisher
	log       *logrus.Entry
	now       func() time.Time
}

func NewAutoReplier(db *gorm.DB, q queue.Enqueuer, cooldown Claimer, generator utils.ReplyGenerator, outbox *Outbox, cipher *utils.Cipher, events Publisher, log *logrus.Entry) *AutoReplier {
	return &AutoReplier{
		db:        db,
		queue:     q,
		cooldown:  cooldown,
		generator: generator,
		outbox:    outbox,
		cipher:    cipher,
		events:    publisherOrNop(events),
		log:       log.WithField("component", "autoreply"),
		now:       time.Now,
	}
}

func cooldownKey(leadID uint) string {
	return fmt.Sprintf("autoreply:lead:%d", leadID)
}

// Trigger drafts and sends, or schedules, a reply to an inbound message.
// A disabled workspace or an active cooldown ends it silently.
func (a *AutoReplier) Trigger(ctx context.Context, in InboundReply) error {
	lead := in.Lead
	log := a.log.WithFields(logrus.Fields{"lead_id": lead.ID, "account_id": in.Account.ID})

	var cfg models.ReplyGuyConfig
	err := a.db.WithContext(ctx).Where("workspace_id = ?", lead.WorkspaceID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load reply config: %w", err)
	}
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil
	}

	recent, err := a.recentlyReplied(ctx, lead.ID)
	if err != nil {
		return err
	}
	if recent {
		log.Debug("Auto-reply cooldown active")
		return nil
	}

	claimed, err := a.cooldown.Claim(ctx, cooldownKey(lead.ID))
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("Auto-reply already claimed by another pass")
		return nil
	}

	sent := false
	defer func() {
		if !sent {
			if err := a.cooldown.Release(context.Background(), cooldownKey(lead.ID)); err != nil {
				log.WithError(err).Warn("Failed to release auto-reply claim")
			}
		}
	}()

	apiKey, err := a.cipher.Decrypt(cfg.APIKey)
	if err != nil {
		return fmt.Errorf("failed to decrypt generation key: %w", err)
	}

	body, err := a.generator.Generate(ctx, utils.GenerateRequest{
		APIKey:             apiKey,
		Model:              cfg.ModelName,
		BusinessContext:    cfg.BusinessContext,
		CustomInstructions: cfg.CustomInstructions,
		LeadEmail:          lead.Email,
		LeadVariables:      lead.Variables,
		InboundSubject:     in.Message.Subject,
		InboundBody:        in.Message.Body(),
	})
	if err != nil {
		return fmt.Errorf("failed to generate reply: %w", err)
	}

	reply := AutoReplyJob{
		LeadID:     lead.ID,
		AccountID:  in.Account.ID,
		Subject:    replySubject(in.Message.Subject),
		Body:       body,
		InReplyTo:  in.Message.MessageID,
		References: threadReferences(in.Message),
		InboundID:  in.InboundID,
	}

	open, err := a.windowOpen(ctx, lead)
	if err != nil {
		return err
	}
	if !open {
		added, err := a.queue.Enqueue(ctx, JobAutoReply, reply, queue.EnqueueOptions{
			Delay:    autoReplyDelay,
			DedupKey: AutoReplyDedupKey(lead.ID, in.InboundID),
		})
		if err != nil {
			return fmt.Errorf("failed to schedule auto-reply: %w", err)
		}
		sent = true
		log.WithField("queued", added).Info("Sending window closed, auto-reply scheduled")
		return nil
	}

	if err := a.send(ctx, lead, in.Account, reply); err != nil {
		return err
	}
	sent = true
	return nil
}

// HandleSend processes an autoreply.send job.
func (a *AutoReplier) HandleSend(ctx context.Context, job *queue.Job) error {
	var p AutoReplyJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(err)
	}
	if err := utils.ValidateStruct(p); err != nil {
		return queue.Permanent(fmt.Errorf("invalid auto-reply job: %w", err))
	}

	var lead models.Lead
	if err := a.db.WithContext(ctx).First(&lead, p.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Permanent(fmt.Errorf("lead %d not found", p.LeadID))
		}
		return err
	}

	recent, err := a.recentlyReplied(ctx, lead.ID)
	if err != nil {
		return err
	}
	if recent {
		a.log.WithField("lead_id", lead.ID).Info("Lead answered within cooldown, dropping queued auto-reply")
		return nil
	}

	open, err := a.windowOpen(ctx, &lead)
	if err != nil {
		return err
	}
	if !open {
		return queue.Reschedule(autoReplyDelay, "sending window closed")
	}

	var account models.EmailAccount
	if err := a.db.WithContext(ctx).First(&account, p.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Permanent(fmt.Errorf("account %d not found", p.AccountID))
		}
		return err
	}

	return a.send(ctx, &lead, &account, p)
}

func (a *AutoReplier) send(ctx context.Context, lead *models.Lead, account *models.EmailAccount, reply AutoReplyJob) error {
	entry, err := a.outbox.Send(ctx, OutboxRequest{
		Account:    account,
		LeadID:     &lead.ID,
		CampaignID: &lead.CampaignID,
		To:         lead.Email,
		Subject:    reply.Subject,
		HTMLBody:   reply.Body,
		InReplyTo:  reply.InReplyTo,
		References: reply.References,
		Type:       models.LogAIReply,
	})
	if err != nil {
		return fmt.Errorf("failed to send auto-reply to lead %d: %w", lead.ID, err)
	}

	a.log.WithFields(logrus.Fields{
		"lead_id":    lead.ID,
		"account_id": account.ID,
		"log_id":     entry.ID,
	}).Info("Auto-reply sent")
	a.events.Publish(Event{
		Type:        models.LogAIReply,
		WorkspaceID: lead.WorkspaceID,
		LeadID:      lead.ID,
		CampaignID:  lead.CampaignID,
		AccountID:   account.ID,
		Email:       lead.Email,
		Subject:     reply.Subject,
		At:          a.now(),
	})
	return nil
}

func (a *AutoReplier) recentlyReplied(ctx context.Context, leadID uint) (bool, error) {
	var n int64
	err := a.db.WithContext(ctx).Model(&models.EmailLog{}).
		Where("lead_id = ? AND type = ? AND created_at > ?", leadID, models.LogAIReply, a.now().Add(-autoReplyCooldown)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check auto-reply cooldown: %w", err)
	}
	return n > 0, nil
}

func (a *AutoReplier) windowOpen(ctx context.Context, lead *models.Lead) (bool, error) {
	var campaign models.Campaign
	err := a.db.WithContext(ctx).Select("id", "schedule").First(&campaign, lead.CampaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load campaign schedule: %w", err)
	}
	return utils.IsWindowOpen(campaign.Schedule, a.now()), nil
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

func threadReferences(msg *mailbox.Message) []string {
	refs := append([]string{}, msg.References...)
	if msg.MessageID != "" {
		refs = append(refs, msg.MessageID)
	}
	return refs
}
