package handler

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/changeset-api/internal/middleware"
	"github.com/noah-isme/changeset-api/internal/realtime"
)

const realtimePingInterval = 30 * time.Second

// Subscriber hands out per-tenant event streams.
type Subscriber interface {
	Subscribe(tenantID string) (<-chan realtime.Event, func())
}

// RealtimeHandler upgrades clients to a websocket that streams their tenant's change events.
type RealtimeHandler struct {
	hub    Subscriber
	logger zerolog.Logger
}

// NewRealtimeHandler constructs the handler.
func NewRealtimeHandler(hub Subscriber, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		hub:    hub,
		logger: logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket upgrade route.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	tenantID, _ := conn.Locals(middleware.LocalTenantID).(string)
	userID, _ := conn.Locals(middleware.LocalUserID).(string)
	if tenantID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "tenant missing"))
		_ = conn.Close()
		return
	}

	events, cancel := h.hub.Subscribe(tenantID)
	defer cancel()

	logger := h.logger.With().Str("tenant_id", tenantID).Str("user_id", userID).Logger()
	logger.Info().Msg("realtime websocket connected")
	defer logger.Info().Msg("realtime websocket disconnected")

	closed := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(closed)
			_ = conn.Close()
		})
	}
	defer stop()

	// Clients only listen; the read loop exists to notice disconnects.
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-time.After(realtimePingInterval):
			if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				logger.Debug().Err(err).Msg("realtime ping failed")
				return
			}
		case <-closed:
			return
		}
	}
}
