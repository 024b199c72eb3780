package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"coldreach/models"
	"coldreach/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var warmupSubjects = []string{
	"{Quick|Short} {question|note}",
	"{Following up|Checking in} on {last week|our chat}",
	"{Thoughts|Ideas} for {next quarter|the roadmap}",
}

var warmupBodies = []string{
	"<p>{Hi|Hello|Hey},</p><p>{Hope your week is going well|Hope all is well}. {Do you have a minute to|Could you} {look over|review} the notes I {sent|shared}?</p><p>{Thanks|Cheers}</p>",
	"<p>{Hi|Hello} there,</p><p>{Just wanted to|Wanted to quickly} {check in|follow up} on {the plan|our last conversation}. {Let me know what you think|Any thoughts}?</p>",
}

// WarmupWorker exchanges low-volume mail between a workspace's warmup
// accounts to build sender reputation.
type WarmupWorker struct {
	db       *gorm.DB
	outbox   *Outbox
	interval time.Duration
	batch    int
	log      *logrus.Entry
}

func NewWarmupWorker(db *gorm.DB, outbox *Outbox, interval time.Duration, log *logrus.Entry) *WarmupWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &WarmupWorker{
		db:       db,
		outbox:   outbox,
		interval: interval,
		batch:    5,
		log:      log.WithField("component", "warmup"),
	}
}

func (w *WarmupWorker) Start(ctx context.Context) {
	w.log.Info("Warmup worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Warmup worker shutting down")
			return
		case <-ticker.C:
			w.ProcessActiveWarmups(ctx)
		}
	}
}

// ProcessActiveWarmups sends one batch for every warmup account.
func (w *WarmupWorker) ProcessActiveWarmups(ctx context.Context) {
	var accounts []models.EmailAccount
	if err := w.db.WithContext(ctx).Where("warmup_enabled = ?", true).Order("id ASC").Find(&accounts).Error; err != nil {
		w.log.WithError(err).Error("Error fetching warmup accounts")
		return
	}

	byWorkspace := map[uint][]*models.EmailAccount{}
	for i := range accounts {
		byWorkspace[accounts[i].WorkspaceID] = append(byWorkspace[accounts[i].WorkspaceID], &accounts[i])
	}

	for _, pool := range byWorkspace {
		if len(pool) < 2 {
			continue
		}
		for _, sender := range pool {
			if ctx.Err() != nil {
				return
			}
			if err := w.processAccount(ctx, sender, pool); err != nil {
				utils.LogError(w.log, "warmup", err, map[string]interface{}{"account_id": sender.ID})
			}
		}
	}
}

func (w *WarmupWorker) processAccount(ctx context.Context, sender *models.EmailAccount, pool []*models.EmailAccount) error {
	remaining := sender.WarmupPerDay - sender.WarmupSentToday
	if quota := sender.DailyLimit - sender.SentToday; quota < remaining {
		remaining = quota
	}
	if remaining <= 0 {
		return nil
	}
	if remaining > w.batch {
		remaining = w.batch
	}

	peers := make([]*models.EmailAccount, 0, len(pool)-1)
	for _, p := range pool {
		if p.ID != sender.ID {
			peers = append(peers, p)
		}
	}

	for i := 0; i < remaining; i++ {
		peer := peers[rand.Intn(len(peers))]
		_, err := w.outbox.Send(ctx, OutboxRequest{
			Account:     sender,
			To:          peer.FromEmail,
			Subject:     utils.ReplaceSpintax(warmupSubjects[rand.Intn(len(warmupSubjects))]),
			HTMLBody:    utils.ReplaceSpintax(warmupBodies[rand.Intn(len(warmupBodies))]),
			Type:        models.LogWarmupSent,
			WithinQuota: true,
			OnDelivered: func(tx *gorm.DB) error {
				return tx.Model(&models.EmailAccount{}).Where("id = ?", sender.ID).
					Update("warmup_sent_today", gorm.Expr("warmup_sent_today + ?", 1)).Error
			},
		})
		if errors.Is(err, ErrQuotaExhausted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("warmup send to %s failed: %w", peer.FromEmail, err)
		}
		sender.WarmupSentToday++
	}
	return nil
}
