package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/events"
	"github.com/labdev/labdev/internal/events/bus"
	"github.com/labdev/labdev/internal/lab/lifecycle"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Watcher streams a session's lifecycle and health events over a
// WebSocket connection.
type Watcher struct {
	manager  *lifecycle.Manager
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewWatcher creates a session event watcher.
func NewWatcher(manager *lifecycle.Manager, eventBus bus.EventBus, log *logger.Logger) *Watcher {
	return &Watcher{
		manager:  manager,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-watcher")),
	}
}

// Watch upgrades the connection and forwards the session's events. The
// current snapshot is sent first so the client does not miss state that
// changed before it connected.
// GET /api/v1/sessions/:sessionId/watch
func (w *Watcher) Watch(c *gin.Context) {
	sessionID := c.Param("sessionId")

	snapshot, err := w.manager.GetStatus(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan []byte, 32)

	sub, err := w.eventBus.Subscribe(events.SessionWildcard, func(ctx context.Context, event *bus.Event) error {
		if id, _ := event.Data["session_id"].(string); id != sessionID {
			return nil
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		select {
		case send <- payload:
		default:
			// Slow consumer; drop rather than block the bus.
		}
		return nil
	})
	if err != nil {
		w.logger.Error("failed to subscribe to session events",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	if payload, err := json.Marshal(snapshot); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, payload)
	}

	// Reader drains control frames and detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case payload := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
