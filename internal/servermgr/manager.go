// Package servermgr implements the Server Manager: it tracks one server's
// identity and online status, and owns at most one Console Connection,
// reconnecting on any abnormal close. The reconnect delay is not fixed: it
// comes from reconnectBackoff, a random delay in [0, bound] where bound
// starts at the recovery delay and doubles per attempt up to 20 times it.
package servermgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Voskan/gsfleet/internal/console"
	"github.com/Voskan/gsfleet/internal/metrics"
	"github.com/Voskan/gsfleet/internal/restapi"
	"github.com/Voskan/gsfleet/pkg/gserr"
)

// Status is the Server Manager's connection state machine.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// HeartbeatStatus is the payload carried by a group-server-status /
// group-server-heartbeat event.
type HeartbeatStatus struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Fleet          string   `json:"fleet"`
	IsOnline       bool     `json:"isOnline"`
	OnlinePlayers  []string `json:"onlinePlayers"`
	Playability    string   `json:"playability"`
}

// Manager owns at most one console.Connection for a single server.
type Manager struct {
	id    int64
	name  string
	fleet string

	gateway          *restapi.Gateway
	recoveryDelay    time.Duration
	reconnectBackoff *reconnectBackoff
	log              *zap.Logger

	status atomic.Int32

	mu          sync.Mutex
	conn        *console.Connection
	playability string
	players     []string

	onConnect func(*Manager)
	onUpdate  func(*Manager)

	disposeOnce sync.Once
	doneCh      chan struct{}
}

// New constructs a Manager in the Disconnected state. onConnect fires once
// the Console Connection's auth handshake completes; onUpdate fires on every
// update() call.
func New(id int64, name, fleet string, gateway *restapi.Gateway, recoveryDelay time.Duration, log *zap.Logger, onConnect, onUpdate func(*Manager)) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		id:               id,
		name:             name,
		fleet:            fleet,
		gateway:          gateway,
		recoveryDelay:    recoveryDelay,
		reconnectBackoff: newReconnectBackoff(recoveryDelay, 20*recoveryDelay),
		log:              log,
		onConnect:        onConnect,
		onUpdate:         onUpdate,
		doneCh:           make(chan struct{}),
	}
}

func (m *Manager) ID() int64      { return m.id }
func (m *Manager) Name() string   { return m.name }
func (m *Manager) Fleet() string  { return m.fleet }
func (m *Manager) Status() Status { return Status(m.status.Load()) }

// Console returns the currently active Console Connection, or nil if the
// Manager isn't connected.
func (m *Manager) Console() *console.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Connect obtains connection details from the REST Gateway and, if allowed,
// transitions Disconnected -> Connecting and opens a Console Connection. It
// is a no-op if the Manager is already Connecting or Connected.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.status.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return nil
	}

	details, err := m.gateway.GetServerConnectionDetails(ctx, m.id)
	if err != nil {
		m.status.Store(int32(Disconnected))
		return err
	}
	if !details.Allowed || details.Connection.Address == "" {
		m.status.Store(int32(Disconnected))
		return fmt.Errorf("%w: server %d", gserr.ErrConsoleRefused, m.id)
	}

	conn, err := console.Dial(console.Config{
		Address: details.Connection.Address,
		Port:    details.Connection.WebSocketPort,
		Token:   details.Token,
		Log:     m.log,
		OnOpen:  m.handleConsoleOpen,
		OnClose: m.handleConsoleClose,
	})
	if err != nil {
		m.log.Warn("console dial failed, will retry", zap.Int64("serverId", m.id), zap.Error(err))
		m.scheduleReconnect()
		return nil
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleConsoleOpen() {
	m.status.Store(int32(Connected))
	m.reconnectBackoff.reset()
	metrics.ConnectedServers.Inc()
	metrics.ConsoleConnections.Inc()
	if m.onConnect != nil {
		m.onConnect(m)
	}
}

func (m *Manager) handleConsoleClose(code int) {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()

	if code == websocket.CloseNormalClosure {
		m.Disconnect()
		return
	}

	m.status.Store(int32(Disconnected))
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	time.AfterFunc(m.reconnectBackoff.next(), func() {
		select {
		case <-m.doneCh:
			return
		default:
		}
		if err := m.Connect(context.Background()); err != nil {
			m.log.Warn("reconnect attempt failed, retrying", zap.Int64("serverId", m.id), zap.Error(err))
			m.scheduleReconnect()
		}
	})
}

// Update refreshes descriptor fields from a status payload and emits
// onUpdate.
func (m *Manager) Update(status HeartbeatStatus) {
	m.mu.Lock()
	m.playability = status.Playability
	m.players = status.OnlinePlayers
	m.mu.Unlock()
	if m.onUpdate != nil {
		m.onUpdate(m)
	}
}

// Players returns the last known online-players list.
func (m *Manager) Players() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.players...)
}

// Disconnect closes the owned Console Connection, if any, and transitions to
// Disconnected. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	wasConnected := Status(m.status.Load()) == Connected
	m.status.Store(int32(Disconnected))
	if conn != nil {
		conn.Dispose()
	}
	if wasConnected {
		metrics.ConnectedServers.Dec()
		metrics.ConsoleConnections.Dec()
	}
}

// Dispose permanently tears down the Manager: it stops any pending reconnect
// retries and disconnects the console connection. Idempotent.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		close(m.doneCh)
		m.Disconnect()
	})
}
