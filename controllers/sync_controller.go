package controller

import (
	"context"
	"errors"
	"time"

	"coldreach/middleware"
	"coldreach/queue"
	"coldreach/utils"
	"coldreach/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// MailboxSyncer runs one reconciliation pass over a workspace's mailboxes.
type MailboxSyncer interface {
	SyncWorkspace(ctx context.Context, workspaceID uint) error
}

// QueueInspector reports per job type queue depth.
type QueueInspector interface {
	Stats(ctx context.Context, jobType string) (queue.Stats, error)
}

type SyncController struct {
	Syncer  MailboxSyncer
	Queue   QueueInspector
	Log     *logrus.Entry
	Timeout time.Duration
}

func NewSyncController(syncer MailboxSyncer, q QueueInspector, log *logrus.Entry) *SyncController {
	return &SyncController{
		Syncer:  syncer,
		Queue:   q,
		Log:     log.WithField("component", "sync"),
		Timeout: 10 * time.Minute,
	}
}

// TriggerSync starts a pass over the caller's workspace in the background
// and answers 202 straight away. A pass already running answers 409.
func (sc *SyncController) TriggerSync(c *fiber.Ctx) error {
	workspaceID := middleware.WorkspaceID(c)
	started := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sc.Timeout)
		defer cancel()

		err := sc.Syncer.SyncWorkspace(ctx, workspaceID)
		select {
		case started <- err:
		default:
		}
		if err != nil && !errors.Is(err, worker.ErrSyncInProgress) {
			utils.LogError(sc.Log, "manual_sync", err, map[string]interface{}{"workspace_id": workspaceID})
		}
	}()

	// SyncWorkspace rejects an overlapping pass before doing any work, so a
	// short wait is enough to tell the two outcomes apart.
	select {
	case err := <-started:
		if errors.Is(err, worker.ErrSyncInProgress) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Sync already in progress", nil)
		}
	case <-time.After(50 * time.Millisecond):
	}

	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"status": "started",
	}))
}

// GetQueueStats reports pending, active and dead jobs per job type.
func (sc *SyncController) GetQueueStats(c *fiber.Ctx) error {
	out := fiber.Map{}
	for _, jobType := range []string{worker.JobCampaignStep, worker.JobAutoReply} {
		stats, err := sc.Queue.Stats(c.UserContext(), jobType)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to read queue", err)
		}
		out[jobType] = fiber.Map{
			"pending": stats.Pending,
			"active":  stats.Active,
			"dead":    stats.Dead,
		}
	}
	return c.JSON(utils.SuccessResponse(out))
}
