// Package gsfleet is the Client Supervisor: it federates a set of
// game-server-group accounts against a remote gaming platform, bootstrapping
// over REST, then tracking group/server membership and console connections
// over an authenticated account WebSocket plus per-server console
// WebSockets.
package gsfleet

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/gsfleet/internal/config"
	"github.com/Voskan/gsfleet/internal/dedup"
	"github.com/Voskan/gsfleet/internal/groupmgr"
	"github.com/Voskan/gsfleet/internal/metrics"
	"github.com/Voskan/gsfleet/internal/restapi"
	"github.com/Voskan/gsfleet/internal/servermgr"
	"github.com/Voskan/gsfleet/internal/token"
	"github.com/Voskan/gsfleet/internal/workerpool"
	"github.com/Voskan/gsfleet/internal/wsocket"
	"github.com/Voskan/gsfleet/pkg/gserr"
)

// ReadyState is the Supervisor's top-level lifecycle state.
type ReadyState int32

const (
	Stopped ReadyState = iota
	Starting
	Ready
)

func (s ReadyState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Supervisor is the top-level, user-facing entry point: one per credential
// set. Construct with New, then Start.
type Supervisor struct {
	cfg config.Config
	log *zap.Logger

	gateway  *restapi.Gateway
	tokenMgr *token.Manager
	router   *wsocket.Router
	pool     *workerpool.Pool

	state atomic.Int32

	mu        sync.Mutex
	groups    map[int64]*groupmgr.Manager
	allowList map[int64]bool
	denyList  map[int64]bool

	onReady   func()
	onConnect func(*servermgr.Manager)

	disposeOnce sync.Once
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// OnReady registers a callback fired exactly once, when the Supervisor
// transitions Starting -> Ready.
func OnReady(cb func()) Option {
	return func(s *Supervisor) { s.onReady = cb }
}

// OnConnect registers a callback fired each time a server's console
// connection completes its auth handshake.
func OnConnect(cb func(*servermgr.Manager)) Option {
	return func(s *Supervisor) { s.onConnect = cb }
}

// New constructs a Supervisor from cfg. It performs the Token Manager's
// initial, blocking authentication round-trip (retried internally forever
// on transient failure) before returning.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*Supervisor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LogPrefix != "" {
		log = log.With(zap.String("prefix", cfg.LogPrefix))
	}
	log = log.WithOptions(zap.IncreaseLevel(cfg.LogVerbosity.Level()))
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}
	metrics.Register()

	gateway := restapi.NewGateway(cfg.RestBaseURL, cfg.XAPIKey, cfg.UserAgent,
		cfg.APIRequestAttempts, cfg.APIRequestRetryDelay, cfg.APIRequestTimeout, log)
	if cfg.RedisURL != "" {
		cache, err := dedup.NewCache(cfg.RedisURL, cfg.RedisDedupTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis dedup cache: %v", gserr.ErrConfig, err)
		}
		gateway.SetDedupCache(cache)
	}

	tokenMgr, err := token.NewManager(ctx, cfg.Credentials, cfg.TokenURL, cfg.XAPIKey, cfg.UserAgent, gateway, log)
	if err != nil {
		return nil, err
	}

	if cfg.MaxWorkerConcurrency > config.OverWorkerCapacityWarning {
		log.Warn("maxWorkerConcurrency exceeds the recommended ceiling",
			zap.Int("maxWorkerConcurrency", cfg.MaxWorkerConcurrency),
			zap.Int("recommended", config.OverWorkerCapacityWarning))
	}
	pool := workerpool.New(cfg.MaxWorkerConcurrency)

	router := wsocket.NewRouter(cfg.MaxSubscriptionsPerWebSocket, wsocket.Config{
		URL:                 cfg.WebSocketURL,
		XAPIKey:             cfg.XAPIKey,
		UserAgent:           cfg.UserAgent,
		Bearer:              func() (string, bool) { t, ok := tokenMgr.Current(); return t.Bearer, ok },
		Log:                 log,
		PingInterval:        cfg.WebSocketPingInterval,
		MigrationInterval:   cfg.WebSocketMigrationInterval,
		MigrationHandover:   cfg.WebSocketMigrationHandoverPeriod,
		MigrationRetryDelay: cfg.WebSocketMigrationRetryDelay,
		RecoveryRetryDelay:  cfg.WebSocketRecoveryRetryDelay,
		RecoveryTimeout:     cfg.WebSocketRecoveryTimeout,
		RequestAttempts:     cfg.WebSocketRequestAttempts,
		RequestRetryDelay:   cfg.WebSocketRequestRetryDelay,
		MaxSubscriptions:    cfg.MaxSubscriptionsPerWebSocket,
	}, pool, log)

	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		gateway:   gateway,
		tokenMgr:  tokenMgr,
		router:    router,
		pool:      pool,
		groups:    make(map[int64]*groupmgr.Manager),
		allowList: make(map[int64]bool),
		denyList:  make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, g := range cfg.IncludedGroups {
		if id, err := strconv.ParseInt(g, 10, 64); err == nil {
			s.allowList[id] = true
		}
	}
	for _, g := range cfg.ExcludedGroups {
		if id, err := strconv.ParseInt(g, 10, 64); err == nil {
			s.denyList[id] = true
		}
	}

	return s, nil
}

// Start transitions Stopped -> Starting, forces a token refresh, and
// dispatches bootstrap by principal type. It is a no-op if the Supervisor is
// not Stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return nil
	}

	if err := s.tokenMgr.Refresh(ctx); err != nil {
		return err
	}
	tok, _ := s.tokenMgr.Current()

	if tok.Claims.IsBot {
		if err := s.bootstrapBot(ctx, tok.Claims.PrincipalID); err != nil {
			return err
		}
	}

	s.state.Store(int32(Ready))
	if s.onReady != nil {
		s.onReady()
	}
	return nil
}

func (s *Supervisor) bootstrapBot(ctx context.Context, principalID string) error {
	if err := s.router.Subscribe(ctx, "me-group-invite-create", principalID, s.handleInviteCreate); err != nil {
		return err
	}
	if err := s.router.Subscribe(ctx, "me-group-create", principalID, s.handleGroupCreate); err != nil {
		return err
	}
	if err := s.router.Subscribe(ctx, "me-group-delete", principalID, s.handleGroupDelete); err != nil {
		return err
	}

	groups, err := s.gateway.ListJoinedGroups(ctx)
	if err != nil {
		return err
	}
	for _, gm := range groups {
		gm := gm
		s.logAsyncFailure("addGroup", gm.Group.ID, s.pool.SubmitAsync(func(ctx context.Context) error {
			return s.addGroup(ctx, gm.Group, gm.Member)
		}))
	}

	invites, err := s.gateway.ListPendingGroupInvites(ctx)
	if err != nil {
		return err
	}
	for _, inv := range invites {
		inv := inv
		s.logAsyncFailure("acceptGroupInvite", inv.GroupID, s.pool.SubmitAsync(func(ctx context.Context) error {
			return s.gateway.AcceptGroupInvite(ctx, inv.GroupID)
		}))
	}
	return nil
}

// logAsyncFailure drains result on its own goroutine and logs a non-nil
// error; bootstrap fan-out tasks have no caller left to report to.
func (s *Supervisor) logAsyncFailure(op string, groupID int64, result <-chan error) {
	go func() {
		if err := <-result; err != nil {
			s.log.Warn("bootstrap task failed", zap.String("op", op), zap.Int64("groupId", groupID), zap.Error(err))
		}
	}()
}

type meGroupInviteCreate struct {
	GroupID int64 `json:"group_id"`
}

type meGroupCreate struct {
	Group  restapi.Group  `json:"group"`
	Member restapi.Member `json:"member"`
}

type meGroupDelete struct {
	GroupID int64 `json:"group_id"`
}

func (s *Supervisor) handleInviteCreate(content json.RawMessage) {
	var p meGroupInviteCreate
	if err := unmarshal(content, &p); err != nil {
		s.log.Warn("me-group-invite-create decode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.gateway.AcceptGroupInvite(ctx, p.GroupID); err != nil {
		s.log.Warn("accept group invite failed", zap.Int64("groupId", p.GroupID), zap.Error(err))
	}
}

func (s *Supervisor) handleGroupCreate(content json.RawMessage) {
	var p meGroupCreate
	if err := unmarshal(content, &p); err != nil {
		s.log.Warn("me-group-create decode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.addGroup(ctx, p.Group, p.Member); err != nil {
		s.log.Warn("addGroup failed", zap.Int64("groupId", p.Group.ID), zap.Error(err))
	}
}

func (s *Supervisor) handleGroupDelete(content json.RawMessage) {
	var p meGroupDelete
	if err := unmarshal(content, &p); err != nil {
		s.log.Warn("me-group-delete decode failed", zap.Error(err))
		return
	}
	s.RemoveGroup(p.GroupID)
}

// addGroup enforces id uniqueness and allow/deny policy, then initialises
// the Group Manager.
func (s *Supervisor) addGroup(ctx context.Context, group restapi.Group, member restapi.Member) error {
	s.mu.Lock()
	if _, exists := s.groups[group.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	if !s.mayAutomateLocked(group.ID) {
		s.mu.Unlock()
		return nil
	}

	gm := groupmgr.New(group, member, groupmgr.Options{
		HeartbeatInterval:        s.cfg.ServerHeartbeatInterval,
		MaxMissedHeartbeats:      s.cfg.MaxMissedServerHeartbeats,
		ServerConnectionRecovery: s.cfg.ServerConnectionRecoveryDelay,
		SupportedServerFleets:    s.cfg.SupportedServerFleets,
		Router:                   s.router,
		Gateway:                  s.gateway,
		Pool:                     s.pool,
		Log:                      s.log,
		OnServerConnect:          s.onConnect,
	})
	s.groups[group.ID] = gm
	s.mu.Unlock()
	metrics.ManagedGroups.Inc()

	return gm.Init(ctx)
}

// mayAutomateLocked must be called with s.mu held; it implements "allowList
// non-empty => allow-only-if-in-list; else deny-if-in-denyList".
func (s *Supervisor) mayAutomateLocked(groupID int64) bool {
	if len(s.allowList) > 0 {
		return s.allowList[groupID]
	}
	return !s.denyList[groupID]
}

// principalID returns the current token's decoded principal id (bot
// client_sub or user id).
func (s *Supervisor) principalID() string {
	tok, _ := s.tokenMgr.Current()
	return tok.Claims.PrincipalID
}

// RemoveGroup disposes and forgets the Group Manager for id, if present.
func (s *Supervisor) RemoveGroup(id int64) {
	s.mu.Lock()
	gm, ok := s.groups[id]
	if ok {
		delete(s.groups, id)
	}
	s.mu.Unlock()
	if ok {
		metrics.ManagedGroups.Dec()
		gm.Dispose()
	}
}

// AllowGroup removes id from the deny list and, if the allow list is
// non-empty or force is true, adds it to the allow list, then attempts to
// add the group. The empty-allowlist "allow all" semantics are preserved
// unless force is set.
func (s *Supervisor) AllowGroup(ctx context.Context, id int64, force bool) error {
	s.mu.Lock()
	delete(s.denyList, id)
	if len(s.allowList) > 0 || force {
		s.allowList[id] = true
	}
	s.mu.Unlock()

	group, err := s.gateway.GetGroupInfo(ctx, id)
	if err != nil {
		return err
	}
	member, err := s.gateway.GetGroupMember(ctx, id, s.principalID())
	if err != nil {
		return err
	}
	return s.addGroup(ctx, group, member)
}

// DenyGroup is the symmetric operation to AllowGroup: it removes id from the
// allow list, adds it to the deny list, and removes any existing Group
// Manager for it.
func (s *Supervisor) DenyGroup(id int64) {
	s.mu.Lock()
	delete(s.allowList, id)
	s.denyList[id] = true
	s.mu.Unlock()
	s.RemoveGroup(id)
}

// OpenServerConnection is the manual, user-principal path: it fetches the
// server's static info, its owning group and the caller's membership,
// constructs a transient Group Manager scoped to that one server, and
// returns once the resulting Server Manager has been created.
func (s *Supervisor) OpenServerConnection(ctx context.Context, serverID int64) (*servermgr.Manager, error) {
	if ReadyState(s.state.Load()) != Ready {
		return nil, gserr.ErrNotReady
	}

	server, err := s.gateway.GetServerInfo(ctx, serverID)
	if err != nil {
		return nil, err
	}
	group, err := s.gateway.GetGroupInfo(ctx, server.GroupID)
	if err != nil {
		return nil, err
	}
	member, err := s.gateway.GetGroupMember(ctx, server.GroupID, s.principalID())
	if err != nil {
		return nil, err
	}

	added := make(chan *servermgr.Manager, 1)
	transient := restapi.Group{ID: group.ID, Name: group.Name, Description: group.Description, Roles: group.Roles, Servers: []int64{serverID}}
	gm := groupmgr.New(transient, member, groupmgr.Options{
		HeartbeatInterval:        s.cfg.ServerHeartbeatInterval,
		MaxMissedHeartbeats:      s.cfg.MaxMissedServerHeartbeats,
		ServerConnectionRecovery: s.cfg.ServerConnectionRecoveryDelay,
		SupportedServerFleets:    s.cfg.SupportedServerFleets,
		Router:                   s.router,
		Gateway:                  s.gateway,
		Pool:                     s.pool,
		Log:                      s.log,
		OnServerConnect:          s.onConnect,
		OnServerAdd: func(sm *servermgr.Manager) {
			if sm.ID() == serverID {
				select {
				case added <- sm:
				default:
				}
			}
		},
	})

	select {
	case sm := <-added:
		if sm.Status() == servermgr.Disconnected {
			if err := sm.Connect(ctx); err != nil {
				return nil, err
			}
		}
		return sm, nil
	case <-ctx.Done():
		gm.Dispose()
		return nil, ctx.Err()
	}
}

// ReadyState reports the Supervisor's current lifecycle state.
func (s *Supervisor) ReadyState() ReadyState { return ReadyState(s.state.Load()) }

// Dispose tears down every owned Group Manager, the Subscription Router, the
// Worker Pool and the Token Manager. Idempotent.
func (s *Supervisor) Dispose() {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		groups := make([]*groupmgr.Manager, 0, len(s.groups))
		for _, gm := range s.groups {
			groups = append(groups, gm)
		}
		s.groups = make(map[int64]*groupmgr.Manager)
		s.mu.Unlock()

		for _, gm := range groups {
			gm.Dispose()
		}
		s.router.Dispose()
		s.pool.Stop()
		s.tokenMgr.Close()
	})
}

func unmarshal(content json.RawMessage, v interface{}) error {
	if len(content) == 0 {
		return nil
	}
	return json.Unmarshal(content, v)
}
