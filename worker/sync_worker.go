package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"coldreach/mailbox"
	"coldreach/models"
	"coldreach/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSyncInProgress = errors.New("mailbox sync already running")

type SyncConfig struct {
	Interval    time.Duration
	Lookback    time.Duration
	MaxMessages int
	Parallelism int
}

// ReplyTrigger reacts to an inbound reply from a campaign lead.
type ReplyTrigger interface {
	Trigger(ctx context.Context, in InboundReply) error
}

// SyncWorker polls every account's mailbox to record replies, bounces and
// mail sent outside the engine.
type SyncWorker struct {
	db        *gorm.DB
	retriever mailbox.Retriever
	replies   ReplyTrigger
	events    Publisher
	cfg       SyncConfig
	log       *logrus.Entry
	now       func() time.Time
	running   int32
}

func NewSyncWorker(db *gorm.DB, retriever mailbox.Retriever, replies ReplyTrigger, events Publisher, cfg SyncConfig, log *logrus.Entry) *SyncWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 5
	}
	return &SyncWorker{
		db:        db,
		retriever: retriever,
		replies:   replies,
		events:    publisherOrNop(events),
		cfg:       cfg,
		log:       log.WithField("component", "sync"),
		now:       time.Now,
	}
}

func (w *SyncWorker) Start(ctx context.Context) {
	w.log.WithField("interval", w.cfg.Interval.String()).Info("Starting mailbox sync worker")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.SyncAll(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				w.log.WithError(err).Error("Mailbox sync pass failed")
			}
		case <-ctx.Done():
			w.log.Info("Stopping mailbox sync worker")
			return
		}
	}
}

type contact struct {
	lead     *models.Lead
	prospect *models.Prospect
}

// contactIndex maps workspace -> normalized email -> contact. Campaign
// leads take precedence over prospects; among leads the newest wins.
type contactIndex map[uint]map[string]contact

func (idx contactIndex) lookup(workspaceID uint, email string) (contact, bool) {
	c, ok := idx[workspaceID][utils.NormalizeEmail(email)]
	return c, ok
}

func (idx contactIndex) put(workspaceID uint, email string, c contact) {
	m, ok := idx[workspaceID]
	if !ok {
		m = map[string]contact{}
		idx[workspaceID] = m
	}
	m[utils.NormalizeEmail(email)] = c
}

// seenSet holds message ids already recorded.
type seenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *seenSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

// SyncAll runs one pass over every account with a mailbox configured.
// Account failures are logged and never stop the pass.
func (w *SyncWorker) SyncAll(ctx context.Context) error {
	return w.syncPass(ctx, nil)
}

// SyncWorkspace runs a pass over one workspace's accounts. It shares the
// single-pass guard with SyncAll.
func (w *SyncWorker) SyncWorkspace(ctx context.Context, workspaceID uint) error {
	return w.syncPass(ctx, &workspaceID)
}

func (w *SyncWorker) syncPass(ctx context.Context, workspaceID *uint) error {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return ErrSyncInProgress
	}
	defer atomic.StoreInt32(&w.running, 0)

	start := w.now()

	idx, err := w.buildIndex(ctx)
	if err != nil {
		return err
	}
	seen, err := w.loadSeen(ctx)
	if err != nil {
		return err
	}

	q := w.db.WithContext(ctx).Where("imap_host IS NOT NULL AND imap_host != ''")
	if workspaceID != nil {
		q = q.Where("workspace_id = ?", *workspaceID)
	}
	var accounts []models.EmailAccount
	if err := q.Find(&accounts).Error; err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	var failed int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Parallelism)
	for i := range accounts {
		account := &accounts[i]
		g.Go(func() error {
			if err := w.syncAccount(gctx, account, idx, seen); err != nil {
				atomic.AddInt32(&failed, 1)
				w.markSynced(account, err)
				utils.LogError(w.log, "mailbox_sync", err, map[string]interface{}{
					"account_id": account.ID,
					"email":      account.FromEmail,
				})
				return nil
			}
			w.markSynced(account, nil)
			return nil
		})
	}
	_ = g.Wait()

	log := w.log.WithFields(logrus.Fields{
		"accounts": len(accounts),
		"failed":   failed,
		"duration": time.Since(start).String(),
	})
	if workspaceID != nil {
		log = log.WithField("workspace_id", *workspaceID)
	}
	log.Info("Mailbox sync pass finished")
	return nil
}

func (w *SyncWorker) buildIndex(ctx context.Context) (contactIndex, error) {
	idx := contactIndex{}

	var prospects []models.Prospect
	if err := w.db.WithContext(ctx).Order("id ASC").Find(&prospects).Error; err != nil {
		return nil, fmt.Errorf("failed to load prospects: %w", err)
	}
	for i := range prospects {
		idx.put(prospects[i].WorkspaceID, prospects[i].Email, contact{prospect: &prospects[i]})
	}

	var leads []models.Lead
	if err := w.db.WithContext(ctx).Order("id ASC").Find(&leads).Error; err != nil {
		return nil, fmt.Errorf("failed to load leads: %w", err)
	}
	for i := range leads {
		idx.put(leads[i].WorkspaceID, leads[i].Email, contact{lead: &leads[i]})
	}
	return idx, nil
}

func (w *SyncWorker) loadSeen(ctx context.Context) (*seenSet, error) {
	var ids []string
	err := w.db.WithContext(ctx).Model(&models.EmailLog{}).
		Where("type IN ? AND message_id IS NOT NULL", models.DedupLogTypes).
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load known message ids: %w", err)
	}
	s := &seenSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s, nil
}

func (w *SyncWorker) syncAccount(ctx context.Context, account *models.EmailAccount, idx contactIndex, seen *seenSet) error {
	session, err := w.retriever.Open(ctx, account)
	if err != nil {
		return err
	}
	defer session.Close()

	since := w.now().Add(-w.cfg.Lookback)

	inbox, err := session.Fetch(mailbox.InboxFolder, mailbox.FetchCriteria{
		Since:      since,
		UnseenOnly: true,
		Limit:      w.cfg.MaxMessages,
	})
	if err != nil {
		return err
	}
	for _, msg := range inbox {
		if err := w.processInbound(ctx, account, msg, idx, seen); err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{
				"account_id": account.ID,
				"uid":        msg.UID,
			}).Warn("Failed to process inbound message")
		}
	}
	if err := session.MarkSeen(mailbox.InboxFolder, uidsOf(inbox)); err != nil {
		return err
	}

	sentFolder, err := session.SentFolder()
	if err != nil {
		return err
	}
	if sentFolder == "" {
		return nil
	}
	sent, err := session.Fetch(sentFolder, mailbox.FetchCriteria{
		Since: since,
		Limit: w.cfg.MaxMessages,
	})
	if err != nil {
		return err
	}
	for _, msg := range sent {
		if err := w.processSent(ctx, account, msg, idx, seen); err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{
				"account_id": account.ID,
				"uid":        msg.UID,
			}).Warn("Failed to process sent message")
		}
	}
	return session.MarkSeen(sentFolder, uidsOf(sent))
}

func uidsOf(msgs []*mailbox.Message) []uint32 {
	uids := make([]uint32, 0, len(msgs))
	for _, m := range msgs {
		uids = append(uids, m.UID)
	}
	return uids
}

// messageIdentity is the Message-ID, or a per-account synthetic id.
func messageIdentity(account *models.EmailAccount, msg *mailbox.Message) string {
	if msg.MessageID != "" {
		return msg.MessageID
	}
	return fmt.Sprintf("%d-%d", account.ID, msg.UID)
}

func (w *SyncWorker) processInbound(ctx context.Context, account *models.EmailAccount, msg *mailbox.Message, idx contactIndex, seen *seenSet) error {
	id := messageIdentity(account, msg)
	if seen.has(id) {
		return nil
	}

	if msg.IsBounce() {
		return w.processBounce(ctx, account, msg, id, idx, seen)
	}

	c, ok := idx.lookup(account.WorkspaceID, msg.From)
	if !ok {
		return nil
	}
	now := w.now()

	entry := &models.EmailLog{
		EmailAccountID: &account.ID,
		Type:           models.LogReplied,
		MessageID:      &id,
		Subject:        msg.Subject,
		Snippet:        utils.Snippet(msg.Body()),
		DeliveredAt:    &now,
	}

	if c.lead != nil {
		lead := c.lead
		entry.LeadID = &lead.ID
		entry.CampaignID = &lead.CampaignID

		inserted, err := w.recordOnce(ctx, entry, func(tx *gorm.DB) error {
			return tx.Model(&models.Lead{}).Where("id = ?", lead.ID).Updates(map[string]interface{}{
				"status":       models.LeadReplied,
				"last_read_at": now,
			}).Error
		})
		seen.add(id)
		if err != nil || !inserted {
			return err
		}

		w.log.WithFields(logrus.Fields{"lead_id": lead.ID, "account_id": account.ID}).Info("Reply detected")
		w.events.Publish(Event{
			Type:        models.LogReplied,
			WorkspaceID: account.WorkspaceID,
			LeadID:      lead.ID,
			CampaignID:  lead.CampaignID,
			AccountID:   account.ID,
			Email:       lead.Email,
			Subject:     msg.Subject,
			At:          now,
		})

		if w.replies != nil {
			if err := w.replies.Trigger(ctx, InboundReply{
				Lead:         lead,
				Account:      account,
				Message:      msg,
				InboundID:    id,
				InboundLogID: entry.ID,
			}); err != nil {
				w.log.WithError(err).WithField("lead_id", lead.ID).Warn("Auto-reply attempt aborted")
			}
		}
		return nil
	}

	prospect := c.prospect
	entry.ProspectID = &prospect.ID
	inserted, err := w.recordOnce(ctx, entry, func(tx *gorm.DB) error {
		return tx.Model(&models.Prospect{}).Where("id = ?", prospect.ID).Updates(map[string]interface{}{
			"status":       models.LeadReplied,
			"last_read_at": now,
		}).Error
	})
	seen.add(id)
	if err != nil || !inserted {
		return err
	}
	w.events.Publish(Event{
		Type:        models.LogReplied,
		WorkspaceID: account.WorkspaceID,
		ProspectID:  prospect.ID,
		AccountID:   account.ID,
		Email:       prospect.Email,
		Subject:     msg.Subject,
		At:          now,
	})
	return nil
}

func (w *SyncWorker) processBounce(ctx context.Context, account *models.EmailAccount, msg *mailbox.Message, id string, idx contactIndex, seen *seenSet) error {
	defer seen.add(id)

	for _, addr := range msg.FailedRecipients {
		c, ok := idx.lookup(account.WorkspaceID, addr)
		if !ok || c.lead == nil {
			continue
		}
		lead := c.lead
		now := w.now()

		inserted, err := w.recordOnce(ctx, &models.EmailLog{
			LeadID:         &lead.ID,
			CampaignID:     &lead.CampaignID,
			EmailAccountID: &account.ID,
			Type:           models.LogBounced,
			MessageID:      &id,
			Subject:        msg.Subject,
			Snippet:        utils.Snippet(msg.Body()),
			DeliveredAt:    &now,
		}, func(tx *gorm.DB) error {
			return tx.Model(&models.Lead{}).Where("id = ?", lead.ID).Update("status", models.LeadBounced).Error
		})
		if err != nil || !inserted {
			return err
		}

		w.log.WithFields(logrus.Fields{"lead_id": lead.ID, "account_id": account.ID}).Info("Bounce detected")
		w.events.Publish(Event{
			Type:        models.LogBounced,
			WorkspaceID: account.WorkspaceID,
			LeadID:      lead.ID,
			CampaignID:  lead.CampaignID,
			AccountID:   account.ID,
			Email:       lead.Email,
			At:          now,
		})
		// one log per message id
		return nil
	}
	return nil
}

func (w *SyncWorker) processSent(ctx context.Context, account *models.EmailAccount, msg *mailbox.Message, idx contactIndex, seen *seenSet) error {
	id := messageIdentity(account, msg)
	if seen.has(id) {
		return nil
	}

	for _, to := range msg.To {
		c, ok := idx.lookup(account.WorkspaceID, to)
		if !ok {
			continue
		}

		delivered := msg.Date
		if delivered.IsZero() {
			delivered = w.now()
		}
		entry := &models.EmailLog{
			EmailAccountID: &account.ID,
			Type:           models.LogSent,
			MessageID:      &id,
			Subject:        msg.Subject,
			Snippet:        utils.Snippet(msg.Body()),
			DeliveredAt:    &delivered,
		}
		if c.lead != nil {
			entry.LeadID = &c.lead.ID
			entry.CampaignID = &c.lead.CampaignID
		} else {
			entry.ProspectID = &c.prospect.ID
		}

		_, err := w.recordOnce(ctx, entry, nil)
		seen.add(id)
		return err
	}
	return nil
}

// recordOnce inserts entry unless its message id already exists, running
// then in the same transaction. It reports whether the row was new.
func (w *SyncWorker) recordOnce(ctx context.Context, entry *models.EmailLog, then func(tx *gorm.DB) error) (bool, error) {
	inserted := false
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).Create(entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true
		if then != nil {
			return then(tx)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record %s log: %w", entry.Type, err)
	}
	return inserted, nil
}

func (w *SyncWorker) markSynced(account *models.EmailAccount, syncErr error) {
	updates := map[string]interface{}{"last_synced_at": w.now()}
	if syncErr != nil {
		updates["last_sync_error"] = utils.Truncate(syncErr.Error(), 500)
	} else {
		updates["last_sync_error"] = nil
	}
	if err := w.db.Model(&models.EmailAccount{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		w.log.WithError(err).WithField("account_id", account.ID).Warn("Failed to update sync status")
	}
}
