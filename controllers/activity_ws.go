package controller

import (
	"sync"
	"time"

	"coldreach/middleware"
	"coldreach/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const (
	clientBuffer = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type subscriber struct {
	workspaceID uint
	events      chan worker.Event
}

// ActivityHub fans engine events out to connected websocket clients of the
// event's workspace. A client that falls behind loses events rather than
// stalling the workers.
type ActivityHub struct {
	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	log     *logrus.Entry
}

func NewActivityHub(log *logrus.Entry) *ActivityHub {
	return &ActivityHub{
		clients: make(map[*subscriber]struct{}),
		log:     log.WithField("component", "activity"),
	}
}

// Publish implements worker.Publisher.
func (h *ActivityHub) Publish(e worker.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.clients {
		if s.workspaceID != e.WorkspaceID {
			continue
		}
		select {
		case s.events <- e:
		default:
			h.log.WithField("workspace_id", s.workspaceID).Warn("Activity client too slow, dropping event")
		}
	}
}

func (h *ActivityHub) subscribe(workspaceID uint) *subscriber {
	s := &subscriber{workspaceID: workspaceID, events: make(chan worker.Event, clientBuffer)}
	h.mu.Lock()
	h.clients[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *ActivityHub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.clients, s)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *ActivityHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Upgrade rejects plain HTTP requests on the websocket route.
func (h *ActivityHub) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream is the websocket handler. It expects middleware.Protected to have
// resolved the workspace.
func (h *ActivityHub) Stream() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		workspaceID, _ := conn.Locals(middleware.LocalWorkspaceID).(uint)
		log := h.log.WithField("workspace_id", workspaceID)

		s := h.subscribe(workspaceID)
		defer func() {
			h.unsubscribe(s)
			conn.Close()
		}()
		log.Debug("Activity client connected")

		// the client never sends anything useful; reading detects a close
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			select {
			case <-done:
				log.Debug("Activity client disconnected")
				return
			case e := <-s.events:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(e); err != nil {
					log.WithError(err).Debug("Activity write failed")
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
