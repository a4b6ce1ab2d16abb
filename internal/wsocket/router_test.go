package wsocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestRouter(t *testing.T, capacity int) (*Router, *httptest.Server) {
	t.Helper()
	fake := &fakeAccountServer{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	base := Config{
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
	}
	r := NewRouter(capacity, base, nil, nil)
	t.Cleanup(r.Dispose)
	return r, srv
}

func TestRouterDuplicateSubscribeFails(t *testing.T) {
	r, _ := newTestRouter(t, 500)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Subscribe(ctx, "group-update", "1", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := r.Subscribe(ctx, "group-update", "1", func(json.RawMessage) {}); err == nil {
		t.Fatalf("expected AlreadySubscribed")
	}
}

func TestRouterSpillsOverCapacity(t *testing.T) {
	r, _ := newTestRouter(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Subscribe(ctx, "group-update", "1", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	if err := r.Subscribe(ctx, "group-update", "2", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}

	if got := r.InstanceCount(); got != 2 {
		t.Fatalf("InstanceCount = %d, want 2 (capacity 1 should force a second instance)", got)
	}
}

func TestRouterUnsubscribeDiscardsEmptyInstance(t *testing.T) {
	r, _ := newTestRouter(t, 500)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Subscribe(ctx, "group-update", "1", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := r.InstanceCount(); got != 1 {
		t.Fatalf("InstanceCount = %d, want 1", got)
	}

	if err := r.Unsubscribe(ctx, "group-update", "1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.InstanceCount() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.InstanceCount(); got != 0 {
		t.Fatalf("InstanceCount = %d, want 0 after last unsubscribe", got)
	}
}
