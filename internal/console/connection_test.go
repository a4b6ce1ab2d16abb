package console

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeConsoleServer reads the raw-token first frame, replies with the
// "Connection Succeeded" info log, then answers every {id,content} command
// with a CommandResult carrying the same id (which also acknowledges
// "websocket subscribe" commands). It never pushes events.
type fakeConsoleServer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *fakeConsoleServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		// first frame: raw token, not JSON.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		succeeded, _ := json.Marshal(wireFrame{
			Type: "SystemMessage", EventType: "InfoLog",
			Data: rawString("Connection Succeeded"),
		})
		_ = conn.WriteMessage(websocket.TextMessage, succeeded)

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in outboundCommand
			if json.Unmarshal(raw, &in) != nil {
				continue
			}
			resp, _ := json.Marshal(wireFrame{CommandID: in.ID, Data: rawString("ok:" + in.Content)})
			_ = conn.WriteMessage(websocket.TextMessage, resp)
		}
	}
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func newTestConnection(t *testing.T) (*Connection, *fakeConsoleServer, chan struct{}) {
	t.Helper()
	fake := &fakeConsoleServer{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	port, _ := strconv.Atoi(portStr)

	opened := make(chan struct{})
	conn, err := Dial(Config{
		Address: host,
		Port:    port,
		Token:   "tok",
		OnOpen:  func() { close(opened) },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(conn.Dispose)
	return conn, fake, opened
}

func TestConnectionOpensOnAuthConfirmation(t *testing.T) {
	_, _, opened := newTestConnection(t)
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("onOpen never fired")
	}
}

func TestSendRejectsSubscribeShapedCommand(t *testing.T) {
	conn, _, opened := newTestConnection(t)
	<-opened

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := conn.Send(ctx, "subscribe foo"); err == nil {
		t.Fatal("expected InvalidUsage for subscribe-shaped command")
	}
	if _, err := conn.Send(ctx, "websocket unsubscribe foo"); err == nil {
		t.Fatal("expected InvalidUsage for unsubscribe-shaped command")
	}
}

func TestSendRoundTrips(t *testing.T) {
	conn, _, opened := newTestConnection(t)
	<-opened

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := conn.Send(ctx, "status")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != "ok:status" {
		t.Fatalf("got %q, want ok:status", got)
	}
}

func TestSubscribeThenDuplicateFails(t *testing.T) {
	conn, _, opened := newTestConnection(t)
	<-opened

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Subscribe(ctx, "chat", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := conn.Subscribe(ctx, "chat", func(json.RawMessage) {}); err == nil {
		t.Fatal("expected AlreadySubscribed")
	}
}

func TestUnsubscribeUnknownFails(t *testing.T) {
	conn, _, opened := newTestConnection(t)
	<-opened

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Unsubscribe(ctx, "chat"); err == nil {
		t.Fatal("expected NotSubscribed")
	}
}

func TestDisposeFiresOnCloseWithNormalCode(t *testing.T) {
	conn, _, opened := newTestConnection(t)
	<-opened

	closed := make(chan int, 1)
	conn.mu.Lock()
	conn.onClose = func(code int) { closed <- code }
	conn.mu.Unlock()

	conn.Dispose()

	select {
	case code := <-closed:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("close code = %d, want %d", code, websocket.CloseNormalClosure)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onClose never fired")
	}
}
