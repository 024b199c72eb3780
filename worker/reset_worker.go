package worker

import (
	"context"
	"fmt"
	"time"

	"coldreach/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ResetWorker zeroes per-account daily counters at midnight in loc.
type ResetWorker struct {
	db  *gorm.DB
	loc *time.Location
	log *logrus.Entry
	now func() time.Time
}

func NewResetWorker(db *gorm.DB, loc *time.Location, log *logrus.Entry) *ResetWorker {
	if loc == nil {
		loc = time.UTC
	}
	return &ResetWorker{
		db:  db,
		loc: loc,
		log: log.WithField("component", "reset"),
		now: time.Now,
	}
}

func (w *ResetWorker) Start(ctx context.Context) {
	w.log.WithField("timezone", w.loc.String()).Info("Daily counter reset worker started")
	for {
		timer := time.NewTimer(w.untilMidnight())
		select {
		case <-ctx.Done():
			timer.Stop()
			w.log.Info("Daily counter reset worker stopped")
			return
		case <-timer.C:
			if n, err := w.ResetCounters(ctx); err != nil {
				w.log.WithError(err).Error("Failed to reset account counters")
			} else {
				w.log.WithField("accounts", n).Info("Reset account daily counters")
			}
		}
	}
}

func (w *ResetWorker) untilMidnight() time.Duration {
	now := w.now().In(w.loc)
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, w.loc)
	return next.Sub(now)
}

// ResetCounters clears sent_today and warmup_sent_today on every account.
func (w *ResetWorker) ResetCounters(ctx context.Context) (int64, error) {
	res := w.db.WithContext(ctx).Model(&models.EmailAccount{}).
		Where("sent_today > 0 OR warmup_sent_today > 0").
		Updates(map[string]interface{}{
			"sent_today":        0,
			"warmup_sent_today": 0,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}
