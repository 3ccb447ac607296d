package handler_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/changeset-api/internal/handler"
	"github.com/noah-isme/changeset-api/internal/realtime"
)

func TestRealtimeHandler_StreamsTenantEvents(t *testing.T) {
	hub := realtime.NewHub(zerolog.Nop())
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		return withIdentity("alice", c.Query("tenant"), "")(c)
	})
	handler.NewRealtimeHandler(hub, zerolog.New(io.Discard)).Register(app.Group("/api/v1/realtime"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	url := "ws://" + ln.Addr().String() + "/api/v1/realtime/ws?tenant=t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(context.Background(), realtime.Event{Type: realtime.EventChangeCreated, TenantID: "t2", Data: "other"})
	hub.Broadcast(context.Background(), realtime.Event{Type: realtime.EventEntityUpdated, TenantID: "t1", Data: map[string]string{"entity_id": "42"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event realtime.Event
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, realtime.EventEntityUpdated, event.Type)
	require.Equal(t, "t1", event.TenantID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestRealtimeHandler_RequiresUpgrade(t *testing.T) {
	app := fiber.New()
	handler.NewRealtimeHandler(realtime.NewHub(zerolog.Nop()), zerolog.Nop()).Register(app.Group("/realtime"))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/realtime/ws", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
