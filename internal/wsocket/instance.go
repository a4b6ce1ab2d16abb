// Package wsocket implements the account-WebSocket pool: one duplex,
// authenticated connection per Instance, with periodic migration,
// abnormal-close recovery, RPC correlation, and a Subscription Router
// partitioning subscriptions across the pool.
//
// The single-reader/single-writer goroutine split, the buffered write
// channel, and the ping/pong keep-alive are the same shape as an outbound
// WebSocket client elsewhere in the stack: one goroutine owns
// conn.ReadMessage, all writers funnel through a channel read by a single
// writer goroutine, so concurrent callers never race on conn.WriteMessage.
// Exactly one goroutine (runLoop) ever owns the live connection at a time;
// migrate and recover only ever prepare the *next* connection and hand it
// back to that loop, they never spawn a second reader of their own.
package wsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Voskan/gsfleet/internal/metrics"
	"github.com/Voskan/gsfleet/internal/workerpool"
	"github.com/Voskan/gsfleet/pkg/gserr"
)

// State is the coarse lifecycle state of an Instance.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateMigrating
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateMigrating:
		return "migrating"
	case StateRecovering:
		return "recovering"
	default:
		return "closed"
	}
}

const (
	writeWait = 10 * time.Second
	pongWait  = 2 * time.Minute

	closeNormal         = 1000
	closeMigrationDone  = 3000
	closeMigrationAbort = 3001
)

// SubscribeCallback receives the decoded content of every event delivered
// for the (event,key) pair it was registered under.
type SubscribeCallback func(content json.RawMessage)

// BearerSource supplies the current bearer token. internal/token.Manager is
// adapted to this via a small closure at wiring time.
type BearerSource func() (bearer string, ok bool)

// Config configures an Instance. All duration fields are required; callers
// should populate them from internal/config.Config.
type Config struct {
	URL       string
	XAPIKey   string
	UserAgent string
	Bearer    BearerSource
	Pool      *workerpool.Pool
	Log       *zap.Logger

	PingInterval        time.Duration
	MigrationInterval   time.Duration
	MigrationHandover   time.Duration
	MigrationRetryDelay time.Duration
	RecoveryRetryDelay  time.Duration
	RecoveryTimeout     time.Duration
	RequestAttempts     int
	RequestRetryDelay   time.Duration

	MaxSubscriptions int
}

type pendingRPC struct {
	resultCh chan rpcResult
}

type rpcResult struct {
	content json.RawMessage
	code    int
	err     error
}

// Instance is one Account-Socket Instance.
type Instance struct {
	id  int64
	cfg Config

	state       atomic.Int32
	migrationID atomic.Int64
	messageID   atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]SubscribeCallback

	pendingMu sync.Mutex
	pending   map[int64]*pendingRPC

	writeCh   chan outboundFrame
	migrateCh chan inboundFrame

	// handoff carries a connection a background migration prepared, so the
	// single owning loop can pick it up instead of treating the old
	// connection's close as abnormal.
	handoffMu sync.Mutex
	handoff   *websocket.Conn

	gate *gate

	doneCh    chan struct{}
	closeOnce sync.Once

	onDispose func(id int64) // notifies the Router this Instance died/emptied
}

// NewInstance constructs an Instance and begins opening its socket in the
// background. id is assigned by the Router.
func NewInstance(id int64, cfg Config, onDispose func(int64)) *Instance {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	inst := &Instance{
		id:        id,
		cfg:       cfg,
		subs:      make(map[string]SubscribeCallback),
		pending:   make(map[int64]*pendingRPC),
		writeCh:   make(chan outboundFrame, 64),
		migrateCh: make(chan inboundFrame, 4),
		gate:      newGate(),
		doneCh:    make(chan struct{}),
		onDispose: onDispose,
	}
	inst.state.Store(int32(StateOpening))
	go inst.runLoop()
	return inst
}

func (inst *Instance) log() *zap.Logger {
	return inst.cfg.Log.With(zap.Int64("instanceId", inst.id), zap.Int64("migrationId", inst.migrationID.Load()))
}

// State reports the Instance's current coarse lifecycle state.
func (inst *Instance) State() State { return State(inst.state.Load()) }

// SubscriptionCount reports the current number of registered (event,key)
// callbacks, used by the Router's capacity check.
func (inst *Instance) SubscriptionCount() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.subs)
}

func subKey(event, key string) string { return event + "/" + key }

// Subscribe registers cb for (event,key) and issues the subscription RPC.
func (inst *Instance) Subscribe(ctx context.Context, event, key string, cb SubscribeCallback) error {
	sk := subKey(event, key)

	inst.mu.Lock()
	if _, exists := inst.subs[sk]; exists {
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s", gserr.ErrAlreadySubscribed, sk)
	}
	inst.subs[sk] = cb
	inst.mu.Unlock()

	_, err := inst.send(ctx, http.MethodPost, fmt.Sprintf("/ws/subscription/%s/%s", event, key), nil)
	if err != nil {
		inst.mu.Lock()
		delete(inst.subs, sk)
		inst.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe reverses Subscribe.
func (inst *Instance) Unsubscribe(ctx context.Context, event, key string) error {
	sk := subKey(event, key)

	inst.mu.Lock()
	if _, exists := inst.subs[sk]; !exists {
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s", gserr.ErrNotSubscribed, sk)
	}
	inst.mu.Unlock()

	_, err := inst.send(ctx, http.MethodDelete, fmt.Sprintf("/ws/subscription/%s/%s", event, key), nil)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	delete(inst.subs, sk)
	empty := len(inst.subs) == 0
	inst.mu.Unlock()
	if empty && inst.onDispose != nil {
		inst.onDispose(inst.id)
	}
	return nil
}

// send issues an RPC, waiting on the halted gate unless path is the migrate
// endpoint, and retries on non-2xx responses up to RequestAttempts times.
func (inst *Instance) send(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	isMigrate := path == "/ws/migrate"
	if !isMigrate {
		if !inst.gate.wait(inst.doneCh) {
			return nil, fmt.Errorf("%w: instance disposed", gserr.ErrClosed)
		}
	}

	content, err := encodeContent(payload)
	if err != nil {
		return nil, err
	}

	attempts := inst.cfg.RequestAttempts
	if attempts < 1 {
		attempts = 1
	}

	start := time.Now()
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			metrics.RPCRetriesTotal.Inc()
			select {
			case <-time.After(inst.cfg.RequestRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-inst.doneCh:
				return nil, fmt.Errorf("%w: instance disposed", gserr.ErrClosed)
			}
		}

		res, err := inst.sendOnce(ctx, method, path, content)
		if err == nil && res.code >= 200 && res.code < 300 {
			metrics.RPCLatencySeconds.Observe(time.Since(start).Seconds())
			return res.content, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("non-2xx response code %d for %s %s", res.code, method, path)
		}
	}
	metrics.RPCLatencySeconds.Observe(time.Since(start).Seconds())
	return nil, fmt.Errorf("%w: %v", gserr.ErrRetriesExhausted, lastErr)
}

func (inst *Instance) sendOnce(ctx context.Context, method, path, content string) (rpcResult, error) {
	bearer, _ := inst.cfg.Bearer()
	id := inst.messageID.Add(1)

	p := &pendingRPC{resultCh: make(chan rpcResult, 1)}
	inst.pendingMu.Lock()
	inst.pending[id] = p
	inst.pendingMu.Unlock()
	defer func() {
		inst.pendingMu.Lock()
		delete(inst.pending, id)
		inst.pendingMu.Unlock()
	}()

	frame := outboundFrame{
		Method:        method,
		Path:          path,
		Authorization: "Bearer " + bearer,
		ID:            id,
		Content:       content,
	}

	select {
	case inst.writeCh <- frame:
	case <-ctx.Done():
		return rpcResult{}, ctx.Err()
	case <-inst.doneCh:
		return rpcResult{}, fmt.Errorf("%w: instance disposed", gserr.ErrClosed)
	}

	select {
	case res := <-p.resultCh:
		return res, res.err
	case <-ctx.Done():
		return rpcResult{}, ctx.Err()
	case <-inst.doneCh:
		return rpcResult{}, fmt.Errorf("%w: instance disposed", gserr.ErrClosed)
	}
}

// Dispose tears the Instance down: it halts traffic, rejects outstanding
// RPCs, and closes the live socket (if any) with the normal close code.
func (inst *Instance) Dispose() {
	inst.closeOnce.Do(func() {
		inst.state.Store(int32(StateClosed))
		close(inst.doneCh)

		inst.pendingMu.Lock()
		for id, p := range inst.pending {
			p.resultCh <- rpcResult{err: fmt.Errorf("%w: instance disposed", gserr.ErrClosed)}
			delete(inst.pending, id)
		}
		inst.pendingMu.Unlock()

		inst.mu.Lock()
		conn := inst.conn
		inst.conn = nil
		inst.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeNormal, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
		}
	})
}

// runLoop is the Instance's sole connection owner: exactly one goroutine
// (this one) ever has a read loop in flight for a given physical
// connection. migrate only prepares the next connection and leaves it in
// the handoff slot; this loop starts its session once the old one ends.
// recoverConn starts its replacement session itself, because the
// resubscribe RPCs need the socket live, and hands that session's
// done-channel back here instead of this loop starting a second reader on
// the same conn.
func (inst *Instance) runLoop() {
	conn, ok := inst.dialRetrying()
	if !ok {
		return
	}
	sessionDone := inst.beginSession(conn)
	go inst.migrationWatchdog(conn)

	for {
		<-sessionDone

		select {
		case <-inst.doneCh:
			return
		default:
		}

		if next := inst.takeHandoff(); next != nil {
			conn = next
			sessionDone = inst.beginSession(conn)
			go inst.migrationWatchdog(conn)
			continue
		}

		next, sd, ok := inst.recoverConn()
		if !ok {
			return
		}
		conn, sessionDone = next, sd
		go inst.migrationWatchdog(conn)
	}
}

// beginSession starts conn's write pump and read loop in a new goroutine
// and returns a channel that closes once the read loop (and thus the
// session) ends.
func (inst *Instance) beginSession(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		inst.runSocket(conn)
		close(done)
	}()
	return done
}

func (inst *Instance) adopt(conn *websocket.Conn) {
	inst.mu.Lock()
	inst.conn = conn
	inst.mu.Unlock()
}

func (inst *Instance) takeHandoff() *websocket.Conn {
	inst.handoffMu.Lock()
	defer inst.handoffMu.Unlock()
	c := inst.handoff
	inst.handoff = nil
	return c
}

func (inst *Instance) setHandoff(conn *websocket.Conn) {
	inst.handoffMu.Lock()
	inst.handoff = conn
	inst.handoffMu.Unlock()
}

// dialRetrying dials until it succeeds or the Instance is disposed.
func (inst *Instance) dialRetrying() (*websocket.Conn, bool) {
	for {
		select {
		case <-inst.doneCh:
			return nil, false
		default:
		}
		conn, err := inst.dial()
		if err == nil {
			return conn, true
		}
		inst.log().Warn("account socket open failed, retrying", zap.Error(err))
		if !sleep(inst.cfg.RecoveryRetryDelay, inst.doneCh) {
			return nil, false
		}
	}
}

func (inst *Instance) dial() (*websocket.Conn, error) {
	bearer, _ := inst.cfg.Bearer()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearer)
	header.Set("x-api-key", inst.cfg.XAPIKey)
	header.Set("User-Agent", inst.cfg.UserAgent)

	conn, _, err := websocket.DefaultDialer.Dial(inst.cfg.URL, header)
	return conn, err
}

// migrationWatchdog arms the routine-rotation timer for one connection
// generation; it is not itself the owner of any socket, it only triggers
// migrate() once and then exits.
func (inst *Instance) migrationWatchdog(conn *websocket.Conn) {
	timer := time.NewTimer(inst.cfg.MigrationInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		inst.migrate(conn)
	case <-inst.doneCh:
	}
}

// runSocket owns one physical connection's read side end-to-end: it starts
// the writer goroutine, reads until the socket closes, and returns once
// that connection is fully retired.
func (inst *Instance) runSocket(conn *websocket.Conn) {
	stop := make(chan struct{})
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go inst.writePump(conn, stop, &writerWG)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.BinaryMessage {
			inst.log().Warn("dropping binary inbound frame")
			continue
		}
		inst.handleInbound(raw)
	}

	close(stop)
	writerWG.Wait()

	inst.mu.Lock()
	if inst.conn == conn {
		inst.conn = nil
	}
	inst.mu.Unlock()
}

func (inst *Instance) writePump(conn *websocket.Conn, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(inst.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-inst.writeCh:
			if !ok {
				return
			}
			b, err := json.Marshal(frame)
			if err != nil {
				inst.log().Error("encode outbound frame", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				inst.log().Warn("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		case <-inst.doneCh:
			return
		}
	}
}

// handleInbound parses one inbound frame and routes it: a migrate-shaped
// response goes to migrateCh, an event (id==0) dispatches to its
// subscription callback, anything else resolves a pending RPC. Frames that
// fail to parse as JSON are logged and dropped; binary frames are dropped by
// runSocket before they reach this function.
func (inst *Instance) handleInbound(raw []byte) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		inst.log().Warn("dropping malformed inbound frame", zap.Error(err))
		return
	}

	if f.isMigrateResponse() {
		select {
		case inst.migrateCh <- f:
		default:
			inst.log().Warn("migrate response dropped, channel full")
		}
		return
	}

	if f.isEvent() {
		inst.mu.Lock()
		cb := inst.subs[f.Key]
		inst.mu.Unlock()
		if cb == nil {
			return
		}
		if f.Content == "" {
			cb(nil)
			return
		}
		cb(json.RawMessage(f.Content))
		return
	}

	inst.pendingMu.Lock()
	p := inst.pending[f.ID]
	inst.pendingMu.Unlock()
	if p == nil {
		return
	}

	var content json.RawMessage
	if f.Content != "" {
		content = json.RawMessage(f.Content)
	}
	p.resultCh <- rpcResult{content: content, code: f.ResponseCode}
}

// migrate rotates off of conn onto a fresh socket without losing
// subscriptions, per the routine ~110-minute rotation the platform
// requires. It reads only the migrate response from the new connection and
// never runs that connection's read loop itself: on success it hands the
// new connection to runLoop via setHandoff and closes
// the old one (which unblocks runLoop's current runSocket call); on failure
// it falls back to full Recovery.
func (inst *Instance) migrate(conn *websocket.Conn) {
	if !inst.gate.wait(inst.doneCh) {
		return
	}
	inst.state.Store(int32(StateMigrating))

	ctx, cancel := context.WithTimeout(context.Background(), inst.cfg.RecoveryTimeout)
	defer cancel()

	migrateToken, err := inst.send(ctx, http.MethodGet, "/ws/migrate", nil)
	if err != nil {
		inst.log().Warn("migrate token request failed, retrying later", zap.Error(err))
		inst.state.Store(int32(StateOpen))
		time.AfterFunc(inst.cfg.MigrationRetryDelay, func() { inst.migrate(conn) })
		return
	}

	inst.gate.halt()
	inst.migrationID.Add(1)

	newConn, err := inst.dial()
	if err != nil {
		inst.log().Warn("migrate dial failed, falling back to recovery", zap.Error(err))
		inst.abortMigration(conn)
		return
	}

	b, _ := json.Marshal(outboundFrame{Method: http.MethodPost, Path: "/ws/migrate", ID: 0, Content: string(migrateToken)})
	if err := newConn.WriteMessage(websocket.TextMessage, b); err != nil {
		_ = newConn.Close()
		inst.abortMigration(conn)
		return
	}

	// The migrate response arrives on the new socket, which has no read
	// loop yet, so it is read here before the socket is handed to runLoop.
	_ = newConn.SetReadDeadline(time.Now().Add(inst.cfg.RecoveryTimeout))
	_, raw, err := newConn.ReadMessage()
	var resp inboundFrame
	if err != nil || json.Unmarshal(raw, &resp) != nil || !resp.isMigrateResponse() {
		_ = newConn.Close()
		inst.abortMigration(conn)
		return
	}
	_ = newConn.SetReadDeadline(time.Time{})

	// Success: hand the new connection to runLoop, then retire the old one
	// after the handover period so in-flight responses can still drain.
	inst.setHandoff(newConn)
	inst.gate.resume()
	inst.state.Store(int32(StateOpen))
	metrics.MigrationsTotal.Inc()

	time.AfterFunc(inst.cfg.MigrationHandover, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeMigrationDone, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	})
}

// abortMigration closes the new (failed) attempt's trail, reopens the gate,
// and closes the old connection with the abort code so runLoop's blocked
// runSocket(conn) call returns and Recovery takes over — matching the
// spec's "NOT retry-migration" rule for step-4 failures.
func (inst *Instance) abortMigration(oldConn *websocket.Conn) {
	inst.gate.resume()
	inst.state.Store(int32(StateOpen))
	_ = oldConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeMigrationAbort, ""), time.Now().Add(writeWait))
	_ = oldConn.Close()
}

// recoverConn performs abnormal-close / failed-migration recovery:
// snapshot and clear subscriptions, open a fresh socket, then re-subscribe
// everything through the worker pool, racing the whole batch against
// RecoveryTimeout. A failed round restores the snapshot and retries after
// RecoveryRetryDelay. Returns the new connection and its already-running
// session's done-channel, or false if disposed meanwhile.
func (inst *Instance) recoverConn() (*websocket.Conn, <-chan struct{}, bool) {
	for {
		select {
		case <-inst.doneCh:
			return nil, nil, false
		default:
		}

		inst.state.Store(int32(StateRecovering))
		inst.gate.halt()

		inst.mu.Lock()
		snapshot := make(map[string]SubscribeCallback, len(inst.subs))
		for k, v := range inst.subs {
			snapshot[k] = v
		}
		inst.subs = make(map[string]SubscribeCallback)
		inst.mu.Unlock()

		conn, err := inst.dial()
		if err != nil {
			inst.log().Warn("recovery dial failed, retrying", zap.Error(err))
			inst.restoreSnapshot(snapshot)
			if !sleep(inst.cfg.RecoveryRetryDelay, inst.doneCh) {
				return nil, nil, false
			}
			continue
		}

		inst.migrationID.Add(1)
		inst.adopt(conn)
		// Subscribe RPCs need the pumps running before they can complete,
		// so the session starts before resubscribeAll runs. If this round
		// fails, the session is torn down (conn closed) before retrying.
		sessionDone := inst.beginSession(conn)

		inst.gate.resume()

		if inst.resubscribeAll(snapshot) {
			inst.state.Store(int32(StateOpen))
			metrics.RecoveriesTotal.Inc()
			return conn, sessionDone, true
		}

		inst.log().Warn("recovery round failed, retrying")
		inst.restoreSnapshot(snapshot)
		inst.gate.halt()
		_ = conn.Close()
		<-sessionDone
		if !sleep(inst.cfg.RecoveryRetryDelay, inst.doneCh) {
			return nil, nil, false
		}
	}
}

func (inst *Instance) restoreSnapshot(snapshot map[string]SubscribeCallback) {
	inst.mu.Lock()
	for k, v := range snapshot {
		inst.subs[k] = v
	}
	inst.mu.Unlock()
}

// resubscribeAll races the whole resubscribe batch against RecoveryTimeout,
// fanning the individual RPCs out through the worker pool (concurrency =
// maxWorkerConcurrency).
func (inst *Instance) resubscribeAll(snapshot map[string]SubscribeCallback) bool {
	if len(snapshot) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), inst.cfg.RecoveryTimeout)
	defer cancel()

	results := make(chan error, len(snapshot))
	for sk, cb := range snapshot {
		event, key := splitSubKey(sk)
		cb := cb
		task := func(taskCtx context.Context) error {
			return inst.Subscribe(taskCtx, event, key, cb)
		}
		if inst.cfg.Pool != nil {
			go func() { results <- inst.cfg.Pool.Submit(func(context.Context) error { return task(ctx) }) }()
		} else {
			go func() { results <- task(ctx) }()
		}
	}

	for i := 0; i < len(snapshot); i++ {
		select {
		case err := <-results:
			if err != nil {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func splitSubKey(sk string) (event, key string) {
	for i := 0; i < len(sk); i++ {
		if sk[i] == '/' {
			return sk[:i], sk[i+1:]
		}
	}
	return sk, ""
}

func sleep(d time.Duration, done <-chan struct{}) bool {
	select {
	case <-time.After(d):
		return true
	case <-done:
		return false
	}
}
