package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hrnotify/internal/notification"
	"hrnotify/internal/push"
	logx "hrnotify/pkg/logx"
)

var errPipeClosed = errors.New("pipe closed")

type pipeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, errPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, b []byte) error {
	select {
	case <-p.closed:
		return errPipeClosed
	default:
		return nil
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *pipeConn) deliver(t *testing.T, m notification.Message) {
	t.Helper()
	b, err := notification.EncodeFrame(notification.Frame{Type: notification.FrameNotification, Payload: &m})
	if err != nil {
		t.Fatal(err)
	}
	p.in <- b
}

// scriptDialer runs steps in order, one per dial; past the end it blocks
// until the attempt is canceled.
type scriptDialer struct {
	calls atomic.Int32
	steps []func(ctx context.Context) (push.Conn, error)
}

func (d *scriptDialer) Dial(ctx context.Context, url string) (push.Conn, error) {
	n := int(d.calls.Add(1))
	if n <= len(d.steps) {
		return d.steps[n-1](ctx)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func open(c *pipeConn) func(context.Context) (push.Conn, error) {
	return func(context.Context) (push.Conn, error) { return c, nil }
}

func refuse(context.Context) (push.Conn, error) {
	return nil, errors.New("connection refused")
}

// after blocks until release is closed, then opens c.
func after(release <-chan struct{}, c *pipeConn) func(context.Context) (push.Conn, error) {
	return func(ctx context.Context) (push.Conn, error) {
		select {
		case <-release:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newProvider(d push.Dialer) *push.Provider {
	cfg := push.Config{
		URL:               "ws://hr.test" + push.Endpoint,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		DialTimeout:       time.Second,
	}
	return push.NewProvider(func() *push.Client {
		return push.New(cfg, d, logx.Nop(), nil)
	})
}

type fakeSource struct {
	mu      sync.Mutex
	list    []notification.Message
	err     error
	lists   atomic.Int32
	actions []string
}

func (s *fakeSource) set(list []notification.Message) {
	s.mu.Lock()
	s.list = list
	s.mu.Unlock()
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSource) List(ctx context.Context) ([]notification.Message, error) {
	s.lists.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]notification.Message(nil), s.list...), nil
}

func (s *fakeSource) record(a string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.actions = append(s.actions, a)
	return nil
}

func (s *fakeSource) MarkRead(ctx context.Context, id int64) error { return s.record("read") }
func (s *fakeSource) MarkAllRead(ctx context.Context) error        { return s.record("read-all") }
func (s *fakeSource) Delete(ctx context.Context, id int64) error   { return s.record("delete") }

func msg(id int64, minutes int, read bool) notification.Message {
	return notification.Message{
		ID:        id,
		UserID:    1,
		Type:      "GENERAL",
		Message:   "hello",
		Read:      read,
		CreatedAt: notification.At(time.Date(2024, 5, 1, 9, minutes, 0, 0, time.UTC)),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
