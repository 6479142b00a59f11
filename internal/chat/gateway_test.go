package chat

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/mossy-p/webrtc-chat/internal/gateway"
	"github.com/mossy-p/webrtc-chat/internal/handlers"
	"github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/registry"
	"github.com/mossy-p/webrtc-chat/internal/signal"
	"github.com/mossy-p/webrtc-chat/internal/store/sqlite"
	"github.com/mossy-p/webrtc-chat/internal/tracker"
)

func (e *testEnv) gatewayURL(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(e.client, e.cfg.RoomExpiry, log.Nop())
	signals := signal.NewChannel(e.client, e.cfg.SignalBlock, e.cfg.RoomExpiry, log.Nop())
	t.Cleanup(func() { signals.Close() })

	router := gin.New()
	handlers.New(reg, signals, log.Nop()).Mount(router, config.Default())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv.URL
}

func (e *testEnv) newGatewayClient(t *testing.T, url, userID string) *Client {
	t.Helper()

	gw, err := gateway.New(url, log.Nop())
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	if _, err := gw.Identify(context.Background(), userID); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := New(Deps{
		UserID:       userID,
		Registry:     gw,
		Signals:      gw,
		Tracker:      tracker.New(st, log.Nop()),
		NewTransport: e.net.factory(),
		Config:       e.cfg,
		Logger:       log.Nop(),
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChatThroughGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	url := env.gatewayURL(t)

	alice := env.newGatewayClient(t, url, "alice")
	bob := env.newGatewayClient(t, url, "bob")

	roomID, err := alice.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := bob.JoinRoom(ctx, roomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if n := activeUsers(t, env, roomID); n != 2 {
		t.Errorf("activeUsers = %d, want 2", n)
	}

	waitState(t, alice, models.StateConnected)
	waitState(t, bob, models.StateConnected)

	sent, err := bob.Send(ctx, "hi alice")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := waitMessage(t, alice); got.ID != sent.ID || got.SenderID != "bob" {
		t.Errorf("received = %+v", got)
	}

	if err := bob.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if n := activeUsers(t, env, roomID); n != 1 {
		t.Errorf("activeUsers after leave = %d, want 1", n)
	}
}
