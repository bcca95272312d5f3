package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MatthiasValvekens/bench-orchestrator/state"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestWelcomeHistorySnapshotBurstOnConnect(t *testing.T) {
	store := state.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	hub := NewHub(store, NewCommandRouter(nil), NewLogFilter("", "debug", ""), Config{HeartbeatInterval: time.Hour}, nil, nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(hub, ServerConfig{}, nil, nil))
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	seen := map[FrameType]bool{}
	for i := 0; i < 3; i++ {
		var f OutFrame
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		seen[f.Type] = true
	}
	for _, want := range []FrameType{FrameWelcome, FrameLogsHistory, FrameSnapshot} {
		if !seen[want] {
			t.Fatalf("expected to see frame %q in initial burst, got %v", want, seen)
		}
	}
}

func TestPingReceivesPong(t *testing.T) {
	store := state.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	hub := NewHub(store, NewCommandRouter(nil), NewLogFilter("", "debug", ""), Config{HeartbeatInterval: time.Hour}, nil, nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(hub, ServerConfig{}, nil, nil))
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	// drain the initial welcome/history/snapshot burst
	for i := 0; i < 3; i++ {
		var f OutFrame
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_ = conn.ReadJSON(&f)
	}

	if err := conn.WriteJSON(InFrame{Type: FramePing}); err != nil {
		t.Fatal(err)
	}
	var f OutFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != FramePong {
		t.Fatalf("expected pong, got %q", f.Type)
	}
}
