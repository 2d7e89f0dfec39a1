package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/notify"
	"github.com/context-engine/backend/pkg/logger"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type WebSocketHandler struct {
	hub *notify.Hub
}

func NewWebSocketHandler(hub *notify.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// Upgrade rejects plain HTTP requests on websocket routes.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection streams a project's document events to one client until
// it disconnects. Client messages are read only to notice the close.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	projectID := c.Params("projectId")
	sub := h.hub.Subscribe(projectID)
	log := logger.With(zap.String("project_id", projectID))
	log.Info("WebSocket connection established")

	defer func() {
		sub.Close()
		c.Close()
		log.Info("WebSocket connection closed")
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteJSON(ev); err != nil {
				log.Warn("Failed to push event", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
