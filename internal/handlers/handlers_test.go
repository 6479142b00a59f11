package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/middleware"
	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/registry"
	"github.com/mossy-p/webrtc-chat/internal/signal"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testGateway struct {
	router  *gin.Engine
	cfg     *config.Config
	reg     *registry.Registry
	signals *signal.Channel
	clock   *clock
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"

	clk := &clock{now: time.Now()}
	reg := registry.New(client, cfg.Chat.RoomExpiry, log.Nop()).WithClock(clk.Now)
	signals := signal.NewChannel(client, 50*time.Millisecond, time.Hour, log.Nop())
	t.Cleanup(func() { signals.Close() })

	h := New(reg, signals, log.Nop())
	h.now = clk.Now

	router := gin.New()
	h.Mount(router, cfg)

	return &testGateway{router: router, cfg: cfg, reg: reg, signals: signals, clock: clk}
}

func (g *testGateway) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.IssueToken(g.cfg.JWTSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func (g *testGateway) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+g.token(t, userID))
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestIdentify(t *testing.T) {
	g := newTestGateway(t)

	w := g.do(t, http.MethodPost, "/api/identity", "", models.IdentityRequest{UserID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[models.IdentityResponse](t, w)
	if resp.UserID != "alice" {
		t.Errorf("user = %q, want alice", resp.UserID)
	}
	claims, err := middleware.ParseToken(g.cfg.JWTSecret, resp.Token)
	if err != nil || claims.UserID != "alice" {
		t.Errorf("token does not bind alice: %v", err)
	}

	w = g.do(t, http.MethodPost, "/api/identity", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("empty body status = %d", w.Code)
	}
	if generated := decode[models.IdentityResponse](t, w); generated.UserID == "" {
		t.Error("expected a generated user ID")
	}

	w = g.do(t, http.MethodPost, "/api/identity", "", models.IdentityRequest{UserID: strings.Repeat("x", 65)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("long user ID status = %d, want 400", w.Code)
	}
}

func TestRoomLifecycle(t *testing.T) {
	g := newTestGateway(t)

	w := g.do(t, http.MethodPost, "/api/rooms", "alice", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[models.CreateRoomResponse](t, w)
	if !models.IsValidRoomCode(created.RoomID) {
		t.Fatalf("generated code %q is not valid", created.RoomID)
	}

	w = g.do(t, http.MethodGet, "/api/rooms/"+created.RoomID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	status := decode[models.RoomStatus](t, w)
	if !status.Active || status.ActiveUsers != 1 || status.CreatorID != "alice" {
		t.Errorf("unexpected room status %+v", status)
	}

	if w := g.do(t, http.MethodPost, "/api/rooms/"+created.RoomID+"/join", "bob", nil); w.Code != http.StatusOK {
		t.Fatalf("join status = %d", w.Code)
	}
	room, _ := g.reg.Get(context.Background(), created.RoomID)
	if room.ActiveUsers != 2 {
		t.Errorf("active users after join = %d, want 2", room.ActiveUsers)
	}

	if w := g.do(t, http.MethodPost, "/api/rooms/"+created.RoomID+"/leave", "bob", nil); w.Code != http.StatusOK {
		t.Fatalf("leave status = %d", w.Code)
	}
	if w := g.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, "bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("delete by non-creator status = %d, want 403", w.Code)
	}
	if w := g.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, "alice", nil); w.Code != http.StatusOK {
		t.Errorf("delete by creator status = %d", w.Code)
	}
	if w := g.do(t, http.MethodGet, "/api/rooms/"+created.RoomID, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestRoomErrors(t *testing.T) {
	g := newTestGateway(t)

	if w := g.do(t, http.MethodPost, "/api/rooms", "alice", models.CreateRoomRequest{RoomID: "ROOM01"}); w.Code != http.StatusCreated {
		t.Fatalf("create named room status = %d", w.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
	}{
		{"create without token", http.MethodPost, "/api/rooms", "", nil, http.StatusUnauthorized},
		{"create taken code", http.MethodPost, "/api/rooms", "bob", models.CreateRoomRequest{RoomID: "ROOM01"}, http.StatusConflict},
		{"create invalid code", http.MethodPost, "/api/rooms", "bob", models.CreateRoomRequest{RoomID: "room1"}, http.StatusBadRequest},
		{"join missing room", http.MethodPost, "/api/rooms/NOPE00/join", "bob", nil, http.StatusNotFound},
		{"leave missing room", http.MethodPost, "/api/rooms/NOPE00/leave", "bob", nil, http.StatusNotFound},
		{"get missing room", http.MethodGet, "/api/rooms/NOPE00", "", nil, http.StatusNotFound},
		{"delete missing room", http.MethodDelete, "/api/rooms/NOPE00", "alice", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := g.do(t, tt.method, tt.path, tt.user, tt.body); w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestJoinExpiredRoom(t *testing.T) {
	g := newTestGateway(t)

	if w := g.do(t, http.MethodPost, "/api/rooms", "alice", models.CreateRoomRequest{RoomID: "ROOM01"}); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	g.clock.Advance(g.cfg.Chat.RoomExpiry)

	if w := g.do(t, http.MethodPost, "/api/rooms/ROOM01/join", "bob", nil); w.Code != http.StatusGone {
		t.Errorf("join expired status = %d, want 410", w.Code)
	}
	w := g.do(t, http.MethodGet, "/api/rooms/ROOM01", "", nil)
	if status := decode[models.RoomStatus](t, w); status.Active {
		t.Error("expired room reported active")
	}
}

func TestPostSignalStampsSender(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if err := g.reg.CreateRoom(ctx, "ROOM01", "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	sub, err := g.signals.Subscribe(ctx, "ROOM01", "bob")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	forged := models.SignalMessage{Kind: models.SignalKindOffer, SenderID: "mallory", SDP: "v=0"}
	if w := g.do(t, http.MethodPost, "/api/rooms/ROOM01/signals", "alice", forged); w.Code != http.StatusAccepted {
		t.Fatalf("post status = %d: %s", w.Code, w.Body.String())
	}

	select {
	case msg := <-sub.C():
		if msg.SenderID != "alice" || msg.RoomID != "ROOM01" || msg.SDP != "v=0" {
			t.Errorf("unexpected relayed signal %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed signal")
	}

	empty := models.SignalMessage{Kind: models.SignalKindAnswer}
	if w := g.do(t, http.MethodPost, "/api/rooms/ROOM01/signals", "alice", empty); w.Code != http.StatusBadRequest {
		t.Errorf("invalid signal status = %d, want 400", w.Code)
	}
	if w := g.do(t, http.MethodPost, "/api/rooms/NOPE00/signals", "alice", forged); w.Code != http.StatusNotFound {
		t.Errorf("signal to missing room status = %d, want 404", w.Code)
	}
}

func TestOriginFilter(t *testing.T) {
	g := newTestGateway(t)

	tests := []struct {
		name   string
		method string
		origin string
		status int
	}{
		{"no origin", http.MethodGet, "", http.StatusOK},
		{"allowed origin", http.MethodGet, "http://localhost:3000", http.StatusOK},
		{"preflight", http.MethodOptions, "http://localhost:3000", http.StatusNoContent},
		{"foreign origin", http.MethodGet, "https://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			g.router.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status == http.StatusOK && tt.origin != "" && w.Header().Get("Access-Control-Allow-Origin") != tt.origin {
				t.Error("missing CORS header for allowed origin")
			}
		})
	}
}

func TestWebSocketFeed(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	if err := g.reg.CreateRoom(ctx, "ROOM01", "alice"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal/ROOM01?token="
	bob, _, err := websocket.DefaultDialer.Dial(wsURL+g.token(t, "bob"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bob.Close()

	// A second feed for the same user is refused
	_, resp, err := websocket.DefaultDialer.Dial(wsURL+g.token(t, "bob"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for a duplicate feed, got %v", err)
	}

	if err := g.signals.Send(ctx, "ROOM01", models.SignalMessage{Kind: models.SignalKindOffer, SenderID: "alice", SDP: "offer-sdp"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.SignalMessage
	if err := bob.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SDP != "offer-sdp" || got.SenderID != "alice" {
		t.Errorf("unexpected signal %+v", got)
	}

	// Signals written on the socket reach the other side, stamped with the sender
	aliceSub, err := g.signals.Subscribe(ctx, "ROOM01", "alice")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer aliceSub.Close()

	answer := models.SignalMessage{Kind: models.SignalKindAnswer, SenderID: "mallory", SDP: "answer-sdp"}
	if err := bob.WriteJSON(answer); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-aliceSub.C():
		if msg.SDP != "answer-sdp" || msg.SenderID != "bob" {
			t.Errorf("unexpected signal %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for socket-written signal")
	}
}

func TestWebSocketRejectsUnknownRoom(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal/NOPE00?token=" + g.token(t, "bob")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown room, got %v", err)
	}
}
