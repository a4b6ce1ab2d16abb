// Package console implements the Console Connection: a one-shot, per-server
// plaintext WebSocket that authenticates with a raw bearer token instead of
// the bearer/api-key header pair the account socket uses, and carries
// command/CommandResult RPCs alongside named event subscriptions.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Voskan/gsfleet/pkg/gserr"
)

var subscribeCommandPattern = regexp.MustCompile(`(?i)^(websocket )?(un)?subscribe`)

// EventCallback receives the decoded payload of a named event frame.
type EventCallback func(data json.RawMessage)

// OpenCallback fires once authentication is confirmed by the
// "Connection Succeeded" info log.
type OpenCallback func()

// CloseCallback fires when the socket closes, reporting the WebSocket close
// code (1000 for a clean close triggered by dispose, anything else for an
// abnormal close the owning Server Manager should react to).
type CloseCallback func(code int)

type wireFrame struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	CommandID int64           `json:"commandId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type outboundCommand struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

type pendingCommand struct {
	resultCh chan commandResult
}

type commandResult struct {
	data json.RawMessage
	err  error
}

// Connection is a single Console Connection. It is one-shot: once disposed,
// it never reopens. Server Manager owns reconnection by constructing a fresh
// Connection per attempt.
type Connection struct {
	address string
	port    int
	token   string

	log *zap.Logger

	commandID atomic.Int64

	mu     sync.Mutex
	conn   *websocket.Conn
	opened bool

	subMu sync.Mutex
	subs  map[string]EventCallback

	pendingMu sync.Mutex
	pending   map[int64]*pendingCommand

	writeCh chan []byte

	onOpen  OpenCallback
	onClose CloseCallback

	closeOnce sync.Once
	doneCh    chan struct{}
}

// Config collects construction parameters for a Connection.
type Config struct {
	Address string
	Port    int
	Token   string
	Log     *zap.Logger
	OnOpen  OpenCallback
	OnClose CloseCallback
}

// Dial opens the plaintext WebSocket and sends the raw token as the first
// frame. It returns immediately; OnOpen fires asynchronously once the
// platform confirms authentication.
func Dial(cfg Config) (*Connection, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	url := fmt.Sprintf("ws://%s:%d", cfg.Address, cfg.Port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("console dial %s: %w", url, err)
	}

	c := &Connection{
		address: cfg.Address,
		port:    cfg.Port,
		token:   cfg.Token,
		log:     log,
		conn:    conn,
		subs:    make(map[string]EventCallback),
		pending: make(map[int64]*pendingCommand),
		writeCh: make(chan []byte, 32),
		onOpen:  cfg.OnOpen,
		onClose: cfg.OnClose,
		doneCh:  make(chan struct{}),
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(cfg.Token)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("console auth frame: %w", err)
	}

	go c.writePump()
	go c.readLoop()
	return c, nil
}

func (c *Connection) writePump() {
	for {
		select {
		case b, ok := <-c.writeCh:
			if !ok {
				return
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Warn("console write failed", zap.Error(err))
			}
		case <-c.doneCh:
			return
		}
	}
}

func (c *Connection) readLoop() {
	closeCode := websocket.CloseNormalClosure
	defer c.teardown(&closeCode)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
			}
			return
		}
		c.handleInbound(raw)
	}
}

func (c *Connection) handleInbound(raw []byte) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Warn("console frame decode failed", zap.Error(err))
		return
	}

	if !c.markOpenIfAuthConfirmed(f) {
		return
	}

	if f.CommandID != 0 {
		c.resolveCommand(f.CommandID, f.Data)
		return
	}

	name := f.Type
	if f.EventType != "" {
		name = f.Type + "/" + f.EventType
	}
	c.subMu.Lock()
	cb := c.subs[name]
	c.subMu.Unlock()
	if cb != nil {
		cb(f.Data)
	}
}

// markOpenIfAuthConfirmed absorbs the one-shot "Connection Succeeded" info
// log and notifies onOpen; it returns false when the frame IS that
// confirmation frame (already consumed) and true for every other frame, so
// callers can fall through to normal dispatch otherwise.
func (c *Connection) markOpenIfAuthConfirmed(f wireFrame) bool {
	if f.Type != "SystemMessage" || f.EventType != "InfoLog" {
		return true
	}
	var msg string
	_ = json.Unmarshal(f.Data, &msg)
	if len(msg) < len("Connection Succeeded") || msg[:len("Connection Succeeded")] != "Connection Succeeded" {
		return true
	}

	c.mu.Lock()
	already := c.opened
	c.opened = true
	c.mu.Unlock()
	if !already && c.onOpen != nil {
		c.onOpen()
	}
	return false
}

func (c *Connection) resolveCommand(id int64, data json.RawMessage) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		p.resultCh <- commandResult{data: data}
	}
}

func (c *Connection) teardown(closeCode *int) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, p := range c.pending {
		p.resultCh <- commandResult{err: gserr.ErrClosed}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	select {
	case <-c.doneCh:
	default:
		close(c.doneCh)
	}

	if c.onClose != nil {
		c.onClose(*closeCode)
	}
}

// Send issues a raw command string and awaits its CommandResult. Commands
// that look like a subscribe/unsubscribe directive are rejected synchronously
// — use Subscribe/Unsubscribe instead.
func (c *Connection) Send(ctx context.Context, command string) (json.RawMessage, error) {
	if subscribeCommandPattern.MatchString(command) {
		return nil, fmt.Errorf("%w: use Subscribe/Unsubscribe for %q", gserr.ErrInvalidUsage, command)
	}
	return c.sendRaw(ctx, command)
}

func (c *Connection) sendRaw(ctx context.Context, command string) (json.RawMessage, error) {
	id := c.commandID.Add(1)
	p := &pendingCommand{resultCh: make(chan commandResult, 1)}

	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	b, err := json.Marshal(outboundCommand{ID: id, Content: command})
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case c.writeCh <- b:
	case <-c.doneCh:
		return nil, gserr.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-p.resultCh:
		return res.data, res.err
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.doneCh:
		return nil, gserr.ErrClosed
	}
}

// Subscribe registers cb for the named event and issues the underlying
// "websocket subscribe <event>" command.
func (c *Connection) Subscribe(ctx context.Context, event string, cb EventCallback) error {
	name := "Subscription/" + event

	c.subMu.Lock()
	if _, exists := c.subs[name]; exists {
		c.subMu.Unlock()
		return fmt.Errorf("%w: %s", gserr.ErrAlreadySubscribed, event)
	}
	c.subs[name] = cb
	c.subMu.Unlock()

	if _, err := c.sendRaw(ctx, "websocket subscribe "+event); err != nil {
		c.subMu.Lock()
		delete(c.subs, name)
		c.subMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe reverses Subscribe.
func (c *Connection) Unsubscribe(ctx context.Context, event string) error {
	name := "Subscription/" + event

	c.subMu.Lock()
	if _, exists := c.subs[name]; !exists {
		c.subMu.Unlock()
		return fmt.Errorf("%w: %s", gserr.ErrNotSubscribed, event)
	}
	c.subMu.Unlock()

	if _, err := c.sendRaw(ctx, "websocket unsubscribe "+event); err != nil {
		return err
	}

	c.subMu.Lock()
	delete(c.subs, name)
	c.subMu.Unlock()
	return nil
}

// Dispose closes the socket with normal close code 1000 and clears all
// listeners. Idempotent.
func (c *Connection) Dispose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(writeWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		}
		close(c.writeCh)

		c.subMu.Lock()
		c.subs = make(map[string]EventCallback)
		c.subMu.Unlock()
	})
}

const writeWait = 5 * time.Second
