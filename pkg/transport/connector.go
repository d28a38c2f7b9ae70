package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"roomrelay/pkg/faults"
)

// DefaultReadLimit caps one inbound frame in bytes.
const DefaultReadLimit = 1 << 20

const (
	defaultWriteTimeout = 5 * time.Second
	BackoffFixed        = "fixed"
	BackoffExponential  = "exponential"
)

// FrameHandler receives every raw inbound frame. It runs on the receive loop
// and must not block on slow work.
type FrameHandler func(ctx context.Context, frame []byte)

// OutboundFrame is the wire shape of a message sent into the room.
type OutboundFrame struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	IsOfficial bool   `json:"is_official"`
	Timestamp  string `json:"timestamp"`
}

type heartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Options configures a Connector. A frame larger than ReadLimit is a
// transport error; zero means DefaultReadLimit.
type Options struct {
	RoomID            string
	URL               string
	Header            http.Header
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds the silence allowed between inbound frames or
	// pongs. Zero disables the liveness check.
	HeartbeatTimeout time.Duration
	MaxRetries       int
	ReconnectDelay   time.Duration
	Backoff          string
	MaxDelay         time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Dialer           Dialer
	Logger           *slog.Logger
	// OnStateChange runs under the connector lock and must not call back
	// into the connector.
	OnStateChange func(from, to State)
}

// Connector owns the single connection to one room.
type Connector struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	state State
	conn  Conn

	writeMu sync.Mutex

	attemptsMu sync.Mutex
	attempts   int

	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) (*Connector, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("room url is required")
	}
	if opts.MaxRetries < 0 {
		return nil, errors.New("max retries must not be negative")
	}
	switch opts.Backoff {
	case "":
		opts.Backoff = BackoffFixed
	case BackoffFixed, BackoffExponential:
	default:
		return nil, fmt.Errorf("unsupported backoff %q", opts.Backoff)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(10 * time.Second)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Connector{
		opts:  opts,
		log:   opts.Logger.With("component", "transport.connector", "room_id", opts.RoomID),
		now:   time.Now,
		state: StateDisconnected,
		done:  make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects returns how many reconnection attempts were made since the
// last successful connection.
func (c *Connector) Reconnects() int {
	c.attemptsMu.Lock()
	defer c.attemptsMu.Unlock()
	return c.attempts
}

// Connect dials the room once. It fails when a connection is already live
// or the connector is closed.
func (c *Connector) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return faults.Connection("already connected", nil)
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return faults.Connection("connector closed", nil)
	}
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL, c.opts.Header)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.state == StateConnecting {
			c.transitionLocked(StateDisconnected)
		}
		return faults.Connection("dial "+redactURL(c.opts.URL), err)
	}
	if c.state != StateConnecting {
		// Disconnect raced the dial.
		_ = conn.Close()
		return faults.Connection("connector closed", nil)
	}

	c.conn = conn
	c.transitionLocked(StateConnected)
	return nil
}

// Run connects, serves frames to handler and reconnects on transport errors.
// It returns nil after ctx ends or Disconnect, and a ConnectionExhausted
// error once the reconnect budget is spent.
func (c *Connector) Run(ctx context.Context, handler FrameHandler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if handler == nil {
		return errors.New("frame handler is required")
	}

	policy := c.newBackOff()
	var err error
	if c.State() != StateConnected {
		err = c.Connect(ctx)
	}
	for {
		if err == nil {
			policy.Reset()
			c.setAttempts(0)
			c.log.Info("Room connected")

			err = c.serve(ctx, handler)
			if c.stopped(ctx) {
				c.shutdown()
				return nil
			}
			c.log.Warn("Room connection lost", "error", err)
		} else if c.stopped(ctx) {
			c.shutdown()
			return nil
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			attempts := c.Reconnects()
			c.mu.Lock()
			_ = c.closeConnLocked()
			c.transitionLocked(StateClosing)
			c.transitionLocked(StateClosed)
			c.mu.Unlock()
			c.closeOnce.Do(func() { close(c.done) })
			c.log.Error("Reconnect budget exhausted", "attempts", attempts, "error", err)
			return faults.ConnectionExhausted(attempts, err)
		}

		if !c.wait(ctx, delay) {
			c.shutdown()
			return nil
		}

		attempt := c.incrementAttempts()
		c.log.Info("Reconnecting", "attempt", attempt, "max_retries", c.opts.MaxRetries, "delay", delay)
		err = c.Connect(ctx)
		if err != nil {
			c.log.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
		}
	}
}

// serve runs the receive loop and heartbeat for the live connection until a
// transport error occurs or the connector stops.
func (c *Connector) serve(ctx context.Context, handler FrameHandler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return faults.Connection("no live connection", nil)
	}

	conn.SetReadLimit(c.opts.ReadLimit)
	c.refreshDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.refreshDeadline(conn)
		return nil
	})

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeat(serveCtx, conn)
	go func() {
		select {
		case <-serveCtx.Done():
		case <-c.done:
		}
		_ = conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if c.stopped(ctx) {
				return nil
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				if c.state == StateConnected {
					c.transitionLocked(StateDisconnected)
				}
			}
			c.mu.Unlock()
			return faults.Connection("read frame", err)
		}

		c.refreshDeadline(conn)
		handler(ctx, frame)
	}
}

func (c *Connector) heartbeat(ctx context.Context, conn Conn) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(heartbeatFrame{Type: "heartbeat", Timestamp: c.now().UnixMilli()})
			err := c.write(ctx, conn, websocket.TextMessage, payload)
			if err == nil {
				c.writeMu.Lock()
				err = conn.WriteControl(websocket.PingMessage, nil, c.now().Add(c.opts.WriteTimeout))
				c.writeMu.Unlock()
			}
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("Heartbeat failed, dropping connection", "error", err)
				}
				_ = conn.Close()
				return
			}
		}
	}
}

// Send writes one outbound chat frame. flagged marks an official correction.
func (c *Connector) Send(ctx context.Context, content string, flagged bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return faults.Send("not connected", fmt.Errorf("state %s", state))
	}

	payload, err := json.Marshal(OutboundFrame{
		Type:       "chat",
		Content:    content,
		IsOfficial: flagged,
		Timestamp:  c.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return faults.Send("encode frame", err)
	}

	if err := c.write(ctx, conn, websocket.TextMessage, payload); err != nil {
		return faults.Send("write frame", err)
	}

	return nil
}

// Disconnect closes the connection and moves to CLOSED. Safe from any state.
func (c *Connector) Disconnect() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}

	c.transitionLocked(StateClosing)
	err := c.closeConnLocked()
	c.transitionLocked(StateClosed)
	return err
}

func (c *Connector) shutdown() {
	if err := c.Disconnect(); err != nil {
		c.log.Debug("Close connection failed", "error", err)
	}
}

func (c *Connector) write(ctx context.Context, conn Conn, messageType int, payload []byte) error {
	deadline := c.now().Add(c.opts.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, payload)
}

func (c *Connector) refreshDeadline(conn Conn) {
	if c.opts.HeartbeatTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(c.now().Add(c.opts.HeartbeatTimeout))
}

func (c *Connector) closeConnLocked() error {
	if c.conn == nil {
		return nil
	}

	conn := c.conn
	c.conn = nil

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), c.now().Add(time.Second))
	c.writeMu.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Connector) transitionLocked(to State) {
	from := c.state
	if from == to || !canTransition(from, to) {
		return
	}

	c.state = to
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

func (c *Connector) newBackOff() backoff.BackOff {
	var policy backoff.BackOff
	if c.opts.Backoff == BackoffExponential {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = c.opts.ReconnectDelay
		exp.Multiplier = 2
		exp.RandomizationFactor = 0.2
		exp.MaxElapsedTime = 0
		if c.opts.MaxDelay > 0 {
			exp.MaxInterval = c.opts.MaxDelay
		}
		exp.Reset()
		policy = exp
	} else {
		policy = backoff.NewConstantBackOff(c.opts.ReconnectDelay)
	}

	return backoff.WithMaxRetries(policy, uint64(c.opts.MaxRetries))
}

// wait sleeps for delay unless the connector stops first.
func (c *Connector) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connector) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connector) setAttempts(n int) {
	c.attemptsMu.Lock()
	c.attempts = n
	c.attemptsMu.Unlock()
}

func (c *Connector) incrementAttempts() int {
	c.attemptsMu.Lock()
	defer c.attemptsMu.Unlock()
	c.attempts++
	return c.attempts
}

// redactURL strips the query string, which often carries signatures.
func redactURL(raw string) string {
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
