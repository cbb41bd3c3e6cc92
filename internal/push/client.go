package push

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hrnotify/internal/eventbus"
	"hrnotify/internal/notification"
	logx "hrnotify/pkg/logx"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateRetrying
	StateExhausted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateRetrying:
		return "retrying"
	case StateExhausted:
		return "exhausted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connectivity as last reported to subscribers.
type connectivity int8

const (
	connUnknown connectivity = iota
	connDown
	connUp
)

type subscriber struct {
	onConn  func(bool)
	onMsg   func(notification.Message)
	removed atomic.Bool
}

// Snapshot is a point-in-time view of the client for status output.
type Snapshot struct {
	State          string    `json:"state"`
	Connected      bool      `json:"connected"`
	URL            string    `json:"url"`
	ConnID         string    `json:"conn_id,omitempty"`
	Attempts       int       `json:"attempts"`
	MaxRetries     int       `json:"max_retries"`
	LastError      string    `json:"last_error,omitempty"`
	LastChange     time.Time `json:"last_change"`
	ConnSubs       int       `json:"connection_subscribers"`
	MessageSubs    int       `json:"message_subscribers"`
	HeartbeatArmed bool      `json:"heartbeat_pending"`
}

// Client owns at most one push connection. It reconnects with bounded
// exponential backoff, detects dead connections by heartbeat and fans out
// connectivity flips and notification payloads to subscribers.
//
// No method blocks on the network. Subscriber callbacks run outside the
// client lock, in event order, one at a time.
type Client struct {
	cfg    Config
	dialer Dialer
	log    logx.Logger
	bus    eventbus.Bus

	mu          sync.Mutex
	state       State
	gen         uint64 // bumped whenever the current connection epoch ends
	attempts    int
	intentional bool
	reported    connectivity
	connID      string
	lastErr     string
	lastChange  time.Time

	cancel context.CancelFunc
	conn   Conn
	out    chan []byte

	retryTimer   *time.Timer
	pingTimer    *time.Timer
	timeoutTimer *time.Timer

	// copy-on-write; never mutated in place
	subs []*subscriber

	pending  []func()
	draining bool
}

func New(cfg Config, dialer Dialer, log logx.Logger, bus eventbus.Bus) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	return &Client{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		log:        log,
		bus:        bus,
		lastChange: time.Now(),
	}
}

// Connect starts a connection attempt unless one is already in flight, open,
// or scheduled. From Exhausted or Closed it starts over with a fresh retry budget.
func (c *Client) Connect() {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateOpen, StateClosing, StateRetrying:
		c.mu.Unlock()
		return
	case StateExhausted, StateClosed:
		c.attempts = 0
	}
	c.intentional = false
	c.dialLocked()
	c.mu.Unlock()
	c.drain()
}

// Close tears the connection down and suppresses reconnects. Every timer is
// stopped before it returns. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	c.intentional = true
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.setStateLocked(StateClosing)
	c.stopTimersLocked()
	c.gen++
	c.teardown(c.detachLocked())
	c.setStateLocked(StateClosed)
	c.reportLocked(false)
	eventbus.Emit(c.bus, eventbus.PushClosed, c.transitionLocked(from, "close"))
	c.mu.Unlock()

	c.log.Info("push client closed", logx.String("from", from.String()))
	c.drain()
}

// Send queues a control frame on the open connection. When not open it logs
// and drops the frame.
func (c *Client) Send(f notification.Frame) {
	b, err := notification.EncodeFrame(f)
	if err != nil {
		c.log.Warn("send: encode failed", logx.Err(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.out == nil {
		c.log.Warn("send while not connected; dropped", logx.String("type", string(f.Type)), logx.String("state", c.state.String()))
		return
	}
	c.enqueueWriteLocked(b)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reported returns the connectivity value subscribers last saw. known is
// false until the first flip has been reported.
func (c *Client) Reported() (connected, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reported == connUp, c.reported != connUnknown
}

// Attempts returns the current retry counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// OnConnectionChange registers fn for connectivity flips. The returned func
// removes it; calling it more than once is harmless.
func (c *Client) OnConnectionChange(fn func(connected bool)) (unsubscribe func()) {
	return c.subscribe(&subscriber{onConn: fn})
}

// OnMessage registers fn for notification payloads.
func (c *Client) OnMessage(fn func(notification.Message)) (unsubscribe func()) {
	return c.subscribe(&subscriber{onMsg: fn})
}

// SubscriberCount returns the number of connection and message callbacks.
func (c *Client) SubscriberCount() (conn, msg int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.onConn != nil {
			conn++
		}
		if s.onMsg != nil {
			msg++
		}
	}
	return conn, msg
}

func (c *Client) Snapshot() Snapshot {
	conn, msg := c.SubscriberCount()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:          c.state.String(),
		Connected:      c.state == StateOpen,
		URL:            c.cfg.URL,
		ConnID:         c.connID,
		Attempts:       c.attempts,
		MaxRetries:     c.cfg.MaxRetries,
		LastError:      c.lastErr,
		LastChange:     c.lastChange,
		ConnSubs:       conn,
		MessageSubs:    msg,
		HeartbeatArmed: c.timeoutTimer != nil,
	}
}

func (c *Client) subscribe(s *subscriber) func() {
	if s.onConn == nil && s.onMsg == nil {
		return func() {}
	}
	c.mu.Lock()
	c.subs = append(c.subs[:len(c.subs):len(c.subs)], s)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.removed.Store(true)
			c.mu.Lock()
			next := make([]*subscriber, 0, len(c.subs))
			for _, x := range c.subs {
				if x != s {
					next = append(next, x)
				}
			}
			c.subs = next
			c.mu.Unlock()
		})
	}
}

// ---- state machine (all *Locked methods require c.mu) ----

func (c *Client) setStateLocked(s State) {
	c.state = s
	c.lastChange = time.Now()
}

func (c *Client) transitionLocked(from State, reason string) eventbus.Transition {
	return eventbus.Transition{
		ConnID:  c.connID,
		From:    from.String(),
		To:      c.state.String(),
		Attempt: c.attempts,
		Reason:  reason,
	}
}

func (c *Client) dialLocked() {
	from := c.state
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.connID = uuid.NewString()
	c.setStateLocked(StateConnecting)
	eventbus.Emit(c.bus, eventbus.PushConnecting, c.transitionLocked(from, ""))
	c.log.Debug("push connecting", logx.String("conn_id", c.connID), logx.Int("attempt", c.attempts), logx.String("url", c.cfg.URL))

	go c.dial(ctx, gen, c.connID)
}

func (c *Client) dial(ctx context.Context, gen uint64, connID string) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(dctx, c.cfg.URL)
	cancel()

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("push handshake failed", logx.String("conn_id", connID), logx.Err(err))
		c.dropLocked("handshake: " + err.Error())
		c.mu.Unlock()
		c.drain()
		return
	}

	from := c.state
	out := make(chan []byte, 16)
	c.conn = conn
	c.out = out
	c.attempts = 0
	c.lastErr = ""
	c.setStateLocked(StateOpen)
	c.schedulePingLocked(gen)
	c.reportLocked(true)
	eventbus.Emit(c.bus, eventbus.PushConnected, c.transitionLocked(from, ""))
	c.mu.Unlock()

	c.log.Info("push connected", logx.String("conn_id", connID))
	go c.readLoop(ctx, gen, conn)
	go c.writeLoop(ctx, gen, conn, out)
	c.drain()
}

// dropLocked ends the current epoch after a failure and either schedules the
// next attempt or gives up.
func (c *Client) dropLocked(reason string) {
	from := c.state
	c.stopTimersLocked()
	c.gen++
	c.teardown(c.detachLocked())

	c.lastErr = reason
	c.reportLocked(false)
	eventbus.Emit(c.bus, eventbus.PushDisconnected, eventbus.Transition{ConnID: c.connID, From: from.String(), To: "closed", Attempt: c.attempts, Reason: reason})

	if c.intentional {
		c.setStateLocked(StateClosed)
		return
	}
	next := c.attempts + 1
	delay, ok := NextDelay(c.cfg, next)
	if !ok {
		c.setStateLocked(StateExhausted)
		eventbus.Emit(c.bus, eventbus.PushExhausted, c.transitionLocked(from, reason))
		c.log.Warn("push reconnect attempts exhausted", logx.Int("attempts", c.attempts), logx.String("reason", reason))
		return
	}
	c.attempts = next
	c.setStateLocked(StateRetrying)
	gen := c.gen
	c.retryTimer = time.AfterFunc(delay, func() { c.onRetry(gen) })

	tr := c.transitionLocked(from, reason)
	tr.Delay = delay
	eventbus.Emit(c.bus, eventbus.PushRetryScheduled, tr)
	c.log.Info("push reconnect scheduled", logx.Int("attempt", next), logx.Duration("delay", delay), logx.String("reason", reason))
}

func (c *Client) onRetry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateRetrying {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.dialLocked()
	c.mu.Unlock()
	c.drain()
}

func (c *Client) detachLocked() (context.CancelFunc, Conn) {
	cancel, conn := c.cancel, c.conn
	c.cancel = nil
	c.conn = nil
	c.out = nil
	return cancel, conn
}

// teardown cancels the epoch context right away; the close handshake runs in
// the background so callers never wait on the network.
func (c *Client) teardown(cancel context.CancelFunc, conn Conn) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		go func() { _ = conn.Close() }()
	}
}

func (c *Client) stopTimersLocked() {
	for _, t := range []**time.Timer{&c.retryTimer, &c.pingTimer, &c.timeoutTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// ---- heartbeat ----

func (c *Client) schedulePingLocked(gen uint64) {
	c.pingTimer = time.AfterFunc(c.cfg.HeartbeatInterval, func() { c.onPing(gen) })
}

func (c *Client) onPing(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateOpen {
		return
	}
	if b, err := notification.EncodeFrame(notification.Frame{Type: notification.FramePing}); err == nil {
		c.enqueueWriteLocked(b)
	}
	if c.timeoutTimer == nil {
		c.timeoutTimer = time.AfterFunc(c.cfg.HeartbeatTimeout, func() { c.onHeartbeatTimeout(gen) })
	}
	c.schedulePingLocked(gen)
}

func (c *Client) onHeartbeatTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.timeoutTimer = nil
	c.log.Warn("push heartbeat timeout; forcing close", logx.String("conn_id", c.connID), logx.Duration("timeout", c.cfg.HeartbeatTimeout))
	eventbus.Emit(c.bus, eventbus.PushHeartbeatTimeout, c.transitionLocked(c.state, "heartbeat timeout"))
	c.dropLocked("heartbeat timeout")
	c.mu.Unlock()
	c.drain()
}

// ---- I/O ----

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		b, err := conn.Read(ctx)
		if err != nil {
			c.onTransportError(gen, "read", err)
			return
		}
		c.onFrame(gen, b)
	}
}

func (c *Client) writeLoop(ctx context.Context, gen uint64, conn Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-out:
			wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := conn.Write(wctx, b)
			cancel()
			if err != nil {
				c.onTransportError(gen, "write", err)
				return
			}
		}
	}
}

func (c *Client) enqueueWriteLocked(b []byte) {
	select {
	case c.out <- b:
	default:
		c.log.Warn("push outbound queue full; frame dropped", logx.Int("queue_cap", cap(c.out)))
	}
}

func (c *Client) onTransportError(gen uint64, op string, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.log.Warn("push transport error", logx.String("op", op), logx.String("conn_id", c.connID), logx.Err(err))
	c.dropLocked(op + ": " + err.Error())
	c.mu.Unlock()
	c.drain()
}

func (c *Client) onFrame(gen uint64, b []byte) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	// Any inbound frame proves liveness.
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}

	f, err := notification.DecodeFrame(b)
	if err != nil {
		c.log.Warn("push frame ignored", logx.String("conn_id", c.connID), logx.Err(err), logx.Int("bytes", len(b)))
		eventbus.Emit(c.bus, eventbus.PushMalformed, eventbus.FrameInfo{ConnID: c.connID, Error: err.Error()})
		c.mu.Unlock()
		return
	}
	eventbus.Emit(c.bus, eventbus.PushFrame, eventbus.FrameInfo{ConnID: c.connID, Type: string(f.Type)})

	switch f.Type {
	case notification.FramePing:
		if pong, err := notification.EncodeFrame(notification.Frame{Type: notification.FramePong}); err == nil {
			c.enqueueWriteLocked(pong)
		}
	case notification.FrameNotification:
		msg := *f.Payload
		subs := c.subs
		c.pending = append(c.pending, func() {
			for _, s := range subs {
				if s.onMsg == nil || s.removed.Load() {
					continue
				}
				fn := s.onMsg
				c.safeCall("message", func() { fn(msg) })
			}
		})
	case notification.FramePong, notification.FrameConnected:
	default:
		c.log.Debug("push frame type not handled", logx.String("type", string(f.Type)))
	}
	c.mu.Unlock()
	c.drain()
}

// ---- dispatch ----

// reportLocked queues a connectivity callback round if v flips what
// subscribers last saw.
func (c *Client) reportLocked(v bool) {
	next := connDown
	if v {
		next = connUp
	}
	if c.reported == next {
		return
	}
	c.reported = next
	subs := c.subs
	c.pending = append(c.pending, func() {
		for _, s := range subs {
			if s.onConn == nil || s.removed.Load() {
				continue
			}
			fn := s.onConn
			c.safeCall("connection", func() { fn(v) })
		}
	})
}

// drain runs queued callback rounds. Only one goroutine drains at a time so
// rounds are delivered in the order they were queued.
func (c *Client) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		fn := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.pending = nil
	c.draining = false
	c.mu.Unlock()
}

func (c *Client) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("push subscriber panicked", logx.String("kind", kind), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}
