package groupmgr

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Voskan/gsfleet/internal/restapi"
	"github.com/Voskan/gsfleet/internal/servermgr"
	"github.com/Voskan/gsfleet/internal/wsocket"
)

type fakeRouter struct {
	mu   sync.Mutex
	subs map[string]wsocket.SubscribeCallback
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{subs: make(map[string]wsocket.SubscribeCallback)}
}

func (r *fakeRouter) Subscribe(ctx context.Context, event, key string, cb wsocket.SubscribeCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[event+"/"+key] = cb
	return nil
}

func (r *fakeRouter) Unsubscribe(ctx context.Context, event, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, event+"/"+key)
	return nil
}

func (r *fakeRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *fakeRouter) fire(t *testing.T, event, key string, payload interface{}) {
	t.Helper()
	r.mu.Lock()
	cb := r.subs[event+"/"+key]
	r.mu.Unlock()
	if cb == nil {
		t.Fatalf("no subscriber for %s/%s", event, key)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cb(b)
}

func testGroup() restapi.Group {
	return restapi.Group{
		ID:          7,
		Name:        "Alpha",
		Description: "desc",
		Servers:     []int64{100, 200},
		Roles: []restapi.Role{
			{RoleID: 1, Name: "owner", Permissions: []string{ConsolePermission, "Kick"}},
			{RoleID: 2, Name: "member", Permissions: []string{}},
		},
	}
}

func testMember(roleID int64) restapi.Member {
	return restapi.Member{UserID: "u-1", RoleID: roleID}
}

func newTestManager(t *testing.T, roleID int64) (*Manager, *fakeRouter) {
	t.Helper()
	router := newFakeRouter()
	opts := Options{
		HeartbeatInterval:        time.Hour,
		MaxMissedHeartbeats:      3,
		ServerConnectionRecovery: time.Second,
		SupportedServerFleets:    []string{"att-release"},
		Router:                   router,
		Gateway:                  restapi.NewGateway("http://unused.invalid", "k", "test/0.1", 1, time.Millisecond, time.Second, nil),
	}
	m := New(testGroup(), testMember(roleID), opts)
	t.Cleanup(m.Dispose)
	return m, router
}

func TestNewComputesEffectivePermissions(t *testing.T) {
	m, _ := newTestManager(t, 1)
	if !m.permissions[ConsolePermission] {
		t.Fatal("expected owner role to carry Console permission")
	}

	m2, _ := newTestManager(t, 2)
	if m2.permissions[ConsolePermission] {
		t.Fatal("member role should not carry Console permission")
	}
}

func TestNewAddsServerManagerPerInitialServer(t *testing.T) {
	m, _ := newTestManager(t, 1)
	if _, ok := m.Server(100); !ok {
		t.Fatal("expected server 100 to be present")
	}
	if _, ok := m.Server(200); !ok {
		t.Fatal("expected server 200 to be present")
	}
}

func TestInitSubscribesSixChannels(t *testing.T) {
	m, router := newTestManager(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := router.count(); got != 6 {
		t.Fatalf("subscribed channel count = %d, want 6", got)
	}
}

func TestGroupUpdateDoesNotRecomputePermissions(t *testing.T) {
	m, router := newTestManager(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	before := m.permissions[ConsolePermission]
	router.fire(t, "group-update", "7", groupUpdatePayload{
		Name: "Beta", Description: "new desc", Roles: testGroup().Roles,
	})
	if m.permissions[ConsolePermission] != before {
		t.Fatal("group-update must not recompute permissions")
	}
	if m.name != "Beta" {
		t.Fatalf("name = %q, want Beta", m.name)
	}
}

func TestServerCreateAndDelete(t *testing.T) {
	m, router := newTestManager(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	router.fire(t, "group-server-create", "7", serverCreatePayload{ID: 300, Name: "srv-300", Fleet: "att-release"})
	if _, ok := m.Server(300); !ok {
		t.Fatal("expected server 300 to be added")
	}

	router.fire(t, "group-server-delete", "7", serverDeletePayload{ID: 300})
	if _, ok := m.Server(300); ok {
		t.Fatal("expected server 300 to be removed")
	}
}

func TestManageServerConnectionSkipsWithoutConsolePermission(t *testing.T) {
	m, router := newTestManager(t, 2) // member role, no Console permission
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	router.fire(t, "group-server-status", "7", servermgr.HeartbeatStatus{
		ID: 100, IsOnline: true, OnlinePlayers: []string{"p1"}, Fleet: "att-release",
	})

	time.Sleep(50 * time.Millisecond)
	sm, _ := m.Server(100)
	if sm.Status() != servermgr.Disconnected {
		t.Fatalf("status = %v, want Disconnected without Console permission", sm.Status())
	}
}
