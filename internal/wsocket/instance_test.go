package wsocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeAccountServer answers every "POST /ws/subscription/..." or
// "DELETE /ws/subscription/..." RPC with responseCode 200 and echoes
// "GET /ws/migrate" with a token, matching the wire contract closely enough
// to exercise Instance without a real platform.
type fakeAccountServer struct {
	mu    sync.Mutex
	conns []*websocket.Conn
}

func (s *fakeAccountServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in outboundFrame
			if json.Unmarshal(raw, &in) != nil {
				continue
			}

			key := in.Method + " " + in.Path
			if in.Path == "/ws/migrate" && in.Method == http.MethodGet {
				resp := inboundFrame{ID: in.ID, Content: `{"token":"migrate-token"}`, ResponseCode: 200}
				b, _ := json.Marshal(resp)
				_ = conn.WriteMessage(websocket.TextMessage, b)
				continue
			}
			if in.Path == "/ws/migrate" && in.Method == http.MethodPost {
				if in.Content != `{"token":"migrate-token"}` {
					t.Errorf("POST /ws/migrate content = %q, want the token the GET handshake returned", in.Content)
				}
				resp := inboundFrame{Event: "response", ResponseCode: 200, Key: "POST /ws/migrate"}
				b, _ := json.Marshal(resp)
				_ = conn.WriteMessage(websocket.TextMessage, b)
				continue
			}
			if strings.HasPrefix(key, "POST /ws/subscription/") || strings.HasPrefix(key, "DELETE /ws/subscription/") {
				resp := inboundFrame{ID: in.ID, ResponseCode: 200}
				b, _ := json.Marshal(resp)
				_ = conn.WriteMessage(websocket.TextMessage, b)
				continue
			}
		}
	}
}

func newTestInstance(t *testing.T, srv *httptest.Server) *Instance {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := Config{
		URL:                 wsURL,
		XAPIKey:             "k",
		UserAgent:           "test/0.1",
		Bearer:              func() (string, bool) { return "T", true },
		PingInterval:        time.Hour,
		MigrationInterval:   time.Hour,
		MigrationHandover:   50 * time.Millisecond,
		MigrationRetryDelay: 50 * time.Millisecond,
		RecoveryRetryDelay:  50 * time.Millisecond,
		RecoveryTimeout:     2 * time.Second,
		RequestAttempts:     2,
		RequestRetryDelay:   20 * time.Millisecond,
		MaxSubscriptions:    500,
	}
	inst := NewInstance(1, cfg, nil)
	t.Cleanup(inst.Dispose)
	return inst
}

func waitForOpen(t *testing.T, inst *Instance) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inst.State() == StateOpen {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance never reached Open, stuck at %v", inst.State())
}

func TestSubscribeThenDuplicateFails(t *testing.T) {
	fake := &fakeAccountServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	inst := newTestInstance(t, srv)
	waitForOpen(t, inst)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := inst.Subscribe(ctx, "group-update", "42", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := inst.Subscribe(ctx, "group-update", "42", func(json.RawMessage) {}); err == nil {
		t.Fatalf("expected AlreadySubscribed on duplicate subscribe")
	}
}

func TestUnsubscribeUnknownFails(t *testing.T) {
	fake := &fakeAccountServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	inst := newTestInstance(t, srv)
	waitForOpen(t, inst)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := inst.Unsubscribe(ctx, "group-update", "nonexistent"); err == nil {
		t.Fatalf("expected NotSubscribed")
	}
}

func TestSubscriptionCountTracksTable(t *testing.T) {
	fake := &fakeAccountServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	inst := newTestInstance(t, srv)
	waitForOpen(t, inst)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := inst.Subscribe(ctx, "group-update", "1", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := inst.Subscribe(ctx, "group-update", "2", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := inst.SubscriptionCount(); got != 2 {
		t.Fatalf("SubscriptionCount = %d, want 2", got)
	}

	if err := inst.Unsubscribe(ctx, "group-update", "1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if got := inst.SubscriptionCount(); got != 1 {
		t.Fatalf("SubscriptionCount = %d, want 1", got)
	}
}
