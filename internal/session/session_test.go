package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/collabcore/collabd/internal/room"
)

// serveOne accepts a single websocket connection on a test server and
// runs a Session over it with cfg, returning Serve's error on a
// channel once the connection ends.
func serveOne(t *testing.T, manager *room.Manager, cfg Config) (*httptest.Server, <-chan error) {
	t.Helper()
	errCh := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		s := New(conn, manager, cfg)
		errCh <- s.Serve(r.Context())
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, errCh
}

func dialSocket(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// TestAwaitJoinTimesOutWithoutJoinFrame is spec §4.5: a connection that
// never sends JOIN_ROOM within the join deadline is closed with a
// validation-failure error rather than left open indefinitely.
func TestAwaitJoinTimesOutWithoutJoinFrame(t *testing.T) {
	manager := room.NewManager(nil, 0, 0, 16, time.Hour, false, 0, 0)
	cfg := DefaultConfig()
	cfg.JoinDeadline = 100 * time.Millisecond
	ts, errCh := serveOne(t, manager, cfg)
	conn := dialSocket(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != "ERROR" {
		t.Fatalf("got %v, want ERROR", msg["type"])
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Serve to return an error after the join deadline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the join deadline")
	}
}

// TestHeartbeatTimeoutClosesIdleSession is spec §4.4: a joined
// connection that stops sending any frames (including PING) is closed
// once HeartbeatMisses consecutive intervals elapse without activity.
func TestHeartbeatTimeoutClosesIdleSession(t *testing.T) {
	manager := room.NewManager(nil, 0, 0, 16, time.Hour, false, 0, 0)
	cfg := DefaultConfig()
	cfg.JoinDeadline = 5 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatMisses = 2
	ts, errCh := serveOne(t, manager, cfg)
	conn := dialSocket(t, ts)

	writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, map[string]any{
		"type": "JOIN_ROOM", "roomId": "r1", "clientId": "c1", "userId": "u1",
	}); err != nil {
		t.Fatalf("write join: %v", err)
	}

	readCtx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	var ack map[string]any
	if err := wsjson.Read(readCtx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["type"] != "JOIN_ROOM_ACK" {
		t.Fatalf("got %v, want JOIN_ROOM_ACK", ack["type"])
	}

	timeoutCtx, cancel3 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel3()
	var errMsg map[string]any
	if err := wsjson.Read(timeoutCtx, conn, &errMsg); err != nil {
		t.Fatalf("read heartbeat error: %v", err)
	}
	if errMsg["type"] != "ERROR" || errMsg["reason"] != "heartbeat_timeout" {
		t.Fatalf("got %v, want ERROR with reason heartbeat_timeout", errMsg)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Serve to return an error after the heartbeat timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the heartbeat timeout")
	}
}

// TestPingKeepsSessionAlivePastHeartbeatInterval confirms that regular
// PING frames count as activity and prevent the heartbeat timeout from
// firing (spec §4.4, §6).
func TestPingKeepsSessionAlivePastHeartbeatInterval(t *testing.T) {
	manager := room.NewManager(nil, 0, 0, 16, time.Hour, false, 0, 0)
	cfg := DefaultConfig()
	cfg.JoinDeadline = 5 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatMisses = 2
	ts, _ := serveOne(t, manager, cfg)
	conn := dialSocket(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{
		"type": "JOIN_ROOM", "roomId": "r1", "clientId": "c1", "userId": "u1",
	}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	var ack map[string]any
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := wsjson.Write(ctx, conn, map[string]any{"type": "PING", "timestamp": i}); err != nil {
			t.Fatalf("write ping: %v", err)
		}
		var pong map[string]any
		if err := wsjson.Read(ctx, conn, &pong); err != nil {
			t.Fatalf("read pong: %v", err)
		}
		if pong["type"] != "PONG" {
			t.Fatalf("got %v, want PONG", pong["type"])
		}
	}
}
