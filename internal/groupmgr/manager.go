// Package groupmgr implements the Group Manager: it tracks a group's
// roles/permissions and membership, owns a Server Manager per server, and
// subscribes to the group's six streamed event channels.
package groupmgr

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/gsfleet/internal/metrics"
	"github.com/Voskan/gsfleet/internal/restapi"
	"github.com/Voskan/gsfleet/internal/servermgr"
	"github.com/Voskan/gsfleet/internal/workerpool"
	"github.com/Voskan/gsfleet/internal/wsocket"
)

// ConsolePermission is the role permission name gating console connections.
const ConsolePermission = "Console"

// Router is the subset of *wsocket.Router the Group Manager depends on.
type Router interface {
	Subscribe(ctx context.Context, event, key string, cb wsocket.SubscribeCallback) error
	Unsubscribe(ctx context.Context, event, key string) error
}

// Options collects construction-time tunables sourced from config.Config.
type Options struct {
	HeartbeatInterval         time.Duration
	MaxMissedHeartbeats       int
	ServerConnectionRecovery  time.Duration
	SupportedServerFleets     []string

	Router  Router
	Gateway *restapi.Gateway
	Pool    *workerpool.Pool
	Log     *zap.Logger

	// OnServerAdd fires synchronously whenever a Server Manager is created
	// (initial descriptor or group-server-create), letting the Supervisor's
	// openServerConnection await a specific server id's arrival.
	OnServerAdd func(*servermgr.Manager)

	// OnServerConnect fires whenever a Server Manager's Console Connection
	// completes its auth handshake, so the Supervisor can emit its public
	// "connect" event.
	OnServerConnect func(*servermgr.Manager)
}

type groupUpdatePayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Roles       []restapi.Role  `json:"roles"`
}

type memberUpdatePayload struct {
	UserID string `json:"user_id"`
	RoleID int64  `json:"role_id"`
}

type serverCreatePayload struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Fleet string `json:"fleet"`
}

type serverDeletePayload struct {
	ID int64 `json:"id"`
}

// Manager tracks one group's roles, membership and its collection of Server
// Managers.
type Manager struct {
	id     int64
	userID string

	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	name        string
	description string
	roles       []restapi.Role
	permissions map[string]bool
	servers     map[int64]*servermgr.Manager
	hbTimers    map[int64]*time.Timer
	missed      map[int64]int

	supportedFleets map[string]bool
}

// New constructs a Manager from an initial {group, member} descriptor,
// computing effective permissions and synchronously adding a Server Manager
// per server already listed on the group.
func New(group restapi.Group, member restapi.Member, opts Options) *Manager {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	supported := make(map[string]bool, len(opts.SupportedServerFleets))
	for _, f := range opts.SupportedServerFleets {
		supported[f] = true
	}

	m := &Manager{
		id:              group.ID,
		userID:          member.UserID,
		opts:            opts,
		log:             log,
		name:            group.Name,
		description:     group.Description,
		roles:           group.Roles,
		servers:         make(map[int64]*servermgr.Manager),
		hbTimers:        make(map[int64]*time.Timer),
		missed:          make(map[int64]int),
		supportedFleets: supported,
	}
	m.permissions = computePermissions(group.Roles, member.RoleID)
	if !m.permissions[ConsolePermission] {
		log.Warn("group member lacks console permission", zap.Int64("groupId", group.ID))
	}

	for _, serverID := range group.Servers {
		m.addServerLocked(serverID, "", "")
	}
	return m
}

func computePermissions(roles []restapi.Role, roleID int64) map[string]bool {
	for _, r := range roles {
		if r.RoleID == roleID {
			perms := make(map[string]bool, len(r.Permissions))
			for _, p := range r.Permissions {
				perms[p] = true
			}
			return perms
		}
	}
	return map[string]bool{}
}

func (m *Manager) key() string { return strconv.FormatInt(m.id, 10) }

// Init subscribes the group's six channels via the Router.
func (m *Manager) Init(ctx context.Context) error {
	subs := []struct {
		event string
		cb    wsocket.SubscribeCallback
	}{
		{"group-update", m.handleGroupUpdate},
		{"group-member-update", m.handleMemberUpdate},
		{"group-server-status", m.handleServerStatus},
		{"group-server-heartbeat", m.handleServerHeartbeat},
		{"group-server-create", m.handleServerCreate},
		{"group-server-delete", m.handleServerDelete},
	}
	for _, s := range subs {
		if err := m.opts.Router.Subscribe(ctx, s.event, m.key(), s.cb); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handleGroupUpdate(content json.RawMessage) {
	var p groupUpdatePayload
	if err := json.Unmarshal(content, &p); err != nil {
		m.log.Warn("group-update decode failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.name = p.Name
	m.description = p.Description
	m.roles = p.Roles
	m.mu.Unlock()
	// Permissions are intentionally NOT recomputed here; only
	// group-member-update triggers a refresh.
}

func (m *Manager) handleMemberUpdate(content json.RawMessage) {
	var p memberUpdatePayload
	if err := json.Unmarshal(content, &p); err != nil {
		m.log.Warn("group-member-update decode failed", zap.Error(err))
		return
	}
	if p.UserID != m.userID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	group, err := m.opts.Gateway.GetGroupInfo(ctx, m.id)
	if err != nil {
		m.log.Warn("refresh group info failed after member update", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.roles = group.Roles
	m.permissions = computePermissions(group.Roles, p.RoleID)
	m.mu.Unlock()
}

func (m *Manager) handleServerStatus(content json.RawMessage) {
	var status servermgr.HeartbeatStatus
	if err := json.Unmarshal(content, &status); err != nil {
		m.log.Warn("group-server-status decode failed", zap.Error(err))
		return
	}
	m.manageServerConnection(status)
}

func (m *Manager) handleServerHeartbeat(content json.RawMessage) {
	var status servermgr.HeartbeatStatus
	if err := json.Unmarshal(content, &status); err != nil {
		m.log.Warn("group-server-heartbeat decode failed", zap.Error(err))
		return
	}
	m.handleHeartbeat(status)
}

// handleHeartbeat implements the fixed-period missed-heartbeat budget: every
// online heartbeat resets the timer, each tick without a fresh heartbeat
// increments the miss count, and crossing the configured budget disconnects
// the console connection.
func (m *Manager) handleHeartbeat(status servermgr.HeartbeatStatus) {
	if status.IsOnline {
		m.mu.Lock()
		m.missed[status.ID] = 0
		if t, ok := m.hbTimers[status.ID]; ok {
			t.Stop()
		}
		sm := m.resolveServerLocked(status.ID, status.Name, status.Fleet)
		m.hbTimers[status.ID] = time.AfterFunc(m.opts.HeartbeatInterval, func() { m.tickHeartbeat(status.ID) })
		m.mu.Unlock()
		_ = sm
	}
	m.manageServerConnection(status)
}

func (m *Manager) tickHeartbeat(serverID int64) {
	m.mu.Lock()
	m.missed[serverID]++
	missed := m.missed[serverID]
	sm := m.servers[serverID]
	max := m.opts.MaxMissedHeartbeats
	if missed >= max {
		if t, ok := m.hbTimers[serverID]; ok {
			t.Stop()
			delete(m.hbTimers, serverID)
		}
	} else if sm != nil {
		m.hbTimers[serverID] = time.AfterFunc(m.opts.HeartbeatInterval, func() { m.tickHeartbeat(serverID) })
	}
	m.mu.Unlock()

	if missed >= max && sm != nil {
		metrics.HeartbeatMissesTotal.Inc()
		sm.Disconnect()
	}
}

// manageServerConnection decides whether the server should be connected or
// disconnected given its fleet, permissions and online status, then always
// refreshes its descriptor fields.
func (m *Manager) manageServerConnection(status servermgr.HeartbeatStatus) {
	m.mu.Lock()
	hasConsole := m.permissions[ConsolePermission]
	mayConnect := hasConsole && m.supportedFleets[status.Fleet]
	sm := m.resolveServerLocked(status.ID, status.Name, status.Fleet)
	m.mu.Unlock()

	switch {
	case sm.Status() == servermgr.Disconnected && mayConnect && status.IsOnline && len(status.OnlinePlayers) > 0:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := sm.Connect(ctx); err != nil {
				m.log.Warn("server connect failed", zap.Int64("serverId", status.ID), zap.Error(err))
			}
		}()
	case sm.Status() != servermgr.Disconnected && (!mayConnect || !status.IsOnline):
		m.mu.Lock()
		if t, ok := m.hbTimers[status.ID]; ok {
			t.Stop()
			delete(m.hbTimers, status.ID)
		}
		m.mu.Unlock()
		sm.Disconnect()
	}

	sm.Update(status)
}

// handleServerCreate reacts to a group-server-create event. This path is
// never validated upstream by the platform, so every invocation — not just
// decode failures — is logged prominently.
func (m *Manager) handleServerCreate(content json.RawMessage) {
	var p serverCreatePayload
	if err := json.Unmarshal(content, &p); err != nil {
		m.log.Warn("group-server-create decode failed", zap.Error(err))
		return
	}
	m.log.Warn("group-server-create received", zap.Int64("groupId", m.id), zap.Int64("serverId", p.ID), zap.String("name", p.Name), zap.String("fleet", p.Fleet))
	m.mu.Lock()
	m.addServerLocked(p.ID, p.Name, p.Fleet)
	m.mu.Unlock()
}

// handleServerDelete reacts to a group-server-delete event. This path is
// never validated upstream by the platform, so every invocation — not just
// decode failures — is logged prominently.
func (m *Manager) handleServerDelete(content json.RawMessage) {
	var p serverDeletePayload
	if err := json.Unmarshal(content, &p); err != nil {
		m.log.Warn("group-server-delete decode failed", zap.Error(err))
		return
	}
	m.log.Warn("group-server-delete received", zap.Int64("groupId", m.id), zap.Int64("serverId", p.ID))
	m.mu.Lock()
	sm, ok := m.servers[p.ID]
	if ok {
		delete(m.servers, p.ID)
	}
	if t, ok := m.hbTimers[p.ID]; ok {
		t.Stop()
		delete(m.hbTimers, p.ID)
	}
	m.mu.Unlock()
	if ok {
		metrics.ManagedServers.Dec()
		sm.Dispose()
	}
}

// resolveServerLocked must be called with m.mu held; it returns the existing
// Server Manager for serverID or creates one.
func (m *Manager) resolveServerLocked(serverID int64, name, fleet string) *servermgr.Manager {
	if sm, ok := m.servers[serverID]; ok {
		return sm
	}
	return m.addServerLocked(serverID, name, fleet)
}

func (m *Manager) addServerLocked(serverID int64, name, fleet string) *servermgr.Manager {
	sm := servermgr.New(serverID, name, fleet, m.opts.Gateway, m.opts.ServerConnectionRecovery, m.log, m.opts.OnServerConnect, nil)
	m.servers[serverID] = sm
	metrics.ManagedServers.Inc()
	if m.opts.OnServerAdd != nil {
		m.opts.OnServerAdd(sm)
	}
	return sm
}

// Server returns the Server Manager for id, if any.
func (m *Manager) Server(id int64) (*servermgr.Manager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.servers[id]
	return sm, ok
}

// Dispose unsubscribes all six channels and disposes every Server Manager.
func (m *Manager) Dispose() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, event := range []string{
		"group-update", "group-member-update", "group-server-status",
		"group-server-heartbeat", "group-server-create", "group-server-delete",
	} {
		_ = m.opts.Router.Unsubscribe(ctx, event, m.key())
	}

	m.mu.Lock()
	servers := make([]*servermgr.Manager, 0, len(m.servers))
	for _, sm := range m.servers {
		servers = append(servers, sm)
	}
	for _, t := range m.hbTimers {
		t.Stop()
	}
	m.servers = make(map[int64]*servermgr.Manager)
	m.hbTimers = make(map[int64]*time.Timer)
	m.mu.Unlock()

	for _, sm := range servers {
		metrics.ManagedServers.Dec()
		sm.Dispose()
	}
}
