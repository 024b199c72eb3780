package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coldreach/mailbox"
	"coldreach/models"
	"coldreach/queue"
	"coldreach/utils"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCampaignEmpty    = errors.New("campaign has no steps")
	ErrLeadNotFound     = errors.New("lead not found")
	ErrAccountNotFound  = errors.New("account not found")
)

// Deps are the external handles the engine runs on.
type Deps struct {
	DB        *gorm.DB
	Redis     redis.UniversalClient
	Transport mailbox.Transport
	Retriever mailbox.Retriever
	Generator utils.ReplyGenerator
	Cipher    *utils.Cipher
	Events    Publisher
	Log       *logrus.Entry
}

type Settings struct {
	TrackingBaseURL string
	Concurrency     int
	Queue           queue.Options
	Sync            SyncConfig
	ResetLocation   *time.Location
	WarmupEnabled   bool
	WarmupInterval  time.Duration
}

// Scheduler wires the workers together and owns their lifecycles.
type Scheduler struct {
	db          *gorm.DB
	queue       *queue.RedisQueue
	outbox      *Outbox
	delivery    *DeliveryWorker
	sync        *SyncWorker
	autoReply   *AutoReplier
	reset       *ResetWorker
	warmup      *WarmupWorker
	concurrency int
	log         *logrus.Entry
}

func NewScheduler(d Deps, s Settings) *Scheduler {
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}

	q := queue.NewRedisQueue(d.Redis, s.Queue, log)
	cooldown := queue.NewCooldown(d.Redis, "coldreach:cooldown", autoReplyCooldown)
	outbox := NewOutbox(d.DB, d.Transport, s.TrackingBaseURL, log)
	autoReply := NewAutoReplier(d.DB, q, cooldown, d.Generator, outbox, d.Cipher, d.Events, log)

	sched := &Scheduler{
		db:          d.DB,
		queue:       q,
		outbox:      outbox,
		delivery:    NewDeliveryWorker(d.DB, q, outbox, d.Events, log),
		sync:        NewSyncWorker(d.DB, d.Retriever, autoReply, d.Events, s.Sync, log),
		autoReply:   autoReply,
		reset:       NewResetWorker(d.DB, s.ResetLocation, log),
		concurrency: s.Concurrency,
		log:         log.WithField("component", "scheduler"),
	}
	if s.WarmupEnabled {
		sched.warmup = NewWarmupWorker(d.DB, outbox, s.WarmupInterval, log)
	}
	return sched
}

func (s *Scheduler) Queue() *queue.RedisQueue { return s.queue }

func (s *Scheduler) Sync() *SyncWorker { return s.sync }

// Run starts every worker and blocks until ctx is cancelled and all of
// them have stopped.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(func(ctx context.Context) { s.queue.Consume(ctx, JobCampaignStep, s.concurrency, s.delivery.Handle) })
	run(func(ctx context.Context) { s.queue.Consume(ctx, JobAutoReply, 1, s.autoReply.HandleSend) })
	run(s.sync.Start)
	run(s.reset.Start)
	if s.warmup != nil {
		run(s.warmup.Start)
	}

	s.log.Info("Engine started")
	wg.Wait()
	s.log.Info("Engine stopped")
}

// LaunchCampaign activates a campaign and schedules the next step of every
// lead still in sequence. It returns how many jobs were newly queued.
func (s *Scheduler) LaunchCampaign(ctx context.Context, campaignID uint) (int, error) {
	var campaign models.Campaign
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		First(&campaign, campaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrCampaignNotFound
	}
	if err != nil {
		return 0, err
	}
	if len(campaign.Steps) == 0 {
		return 0, ErrCampaignEmpty
	}

	updates := map[string]interface{}{"status": models.CampaignActive}
	if campaign.StartedAt == nil {
		updates["started_at"] = time.Now()
	}
	if err := s.db.WithContext(ctx).Model(&campaign).Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("failed to activate campaign: %w", err)
	}

	var leads []models.Lead
	err = s.db.WithContext(ctx).
		Where("campaign_id = ? AND status IN ?", campaign.ID, []models.LeadStatus{models.LeadPending, models.LeadContacted}).
		Find(&leads).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load leads: %w", err)
	}

	queued := 0
	for _, lead := range leads {
		next := campaign.NextStep(lead.CurrentStep)
		if next == nil {
			continue
		}
		added, err := s.queue.Enqueue(ctx, JobCampaignStep, StepJob{
			LeadID:     lead.ID,
			CampaignID: campaign.ID,
			StepOrder:  next.Order,
		}, queue.EnqueueOptions{DedupKey: StepDedupKey(campaign.ID, lead.ID, next.Order)})
		if err != nil {
			return queued, fmt.Errorf("failed to queue lead %d: %w", lead.ID, err)
		}
		if added {
			queued++
		}
	}

	utils.LogEvent(s.log, "campaign_launched", map[string]interface{}{
		"campaign_id": campaign.ID,
		"leads":       len(leads),
		"queued":      queued,
	})
	return queued, nil
}

// PauseCampaign stops sends; queued steps are dropped when they come due.
func (s *Scheduler) PauseCampaign(ctx context.Context, campaignID uint) error {
	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Update("status", models.CampaignPaused)
	if res.Error != nil {
		return fmt.Errorf("failed to pause campaign: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	utils.LogEvent(s.log, "campaign_paused", map[string]interface{}{"campaign_id": campaignID})
	return nil
}

// SendManualReply sends an operator-written reply to a lead, threaded onto
// the lead's latest inbound message when there is one.
func (s *Scheduler) SendManualReply(ctx context.Context, leadID, accountID uint, subject, body string) (*models.EmailLog, error) {
	var lead models.Lead
	if err := s.db.WithContext(ctx).First(&lead, leadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLeadNotFound
		}
		return nil, err
	}

	var account models.EmailAccount
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", accountID, lead.WorkspaceID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	req := OutboxRequest{
		Account:    &account,
		LeadID:     &lead.ID,
		CampaignID: &lead.CampaignID,
		To:         lead.Email,
		Subject:    subject,
		HTMLBody:   body,
	}

	var inbound models.EmailLog
	err = s.db.WithContext(ctx).
		Where("lead_id = ? AND type = ? AND message_id IS NOT NULL", lead.ID, models.LogReplied).
		Order("id DESC").
		First(&inbound).Error
	if err == nil {
		req.InReplyTo = *inbound.MessageID
		req.References = []string{*inbound.MessageID}
		if req.Subject == "" {
			req.Subject = replySubject(inbound.Subject)
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return s.outbox.Send(ctx, req)
}
