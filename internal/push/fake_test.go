package push

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hrnotify/internal/eventbus"
	"hrnotify/internal/notification"
)

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	in     chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, b []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	select {
	case f.writes <- b:
	default:
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// drop simulates the peer going away.
func (f *fakeConn) drop() { _ = f.Close() }

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out results from next, one per call.
type fakeDialer struct {
	calls atomic.Int32
	next  func(n int, ctx context.Context) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	n := int(d.calls.Add(1))
	return d.next(n, ctx)
}

func failingDialer() *fakeDialer {
	return &fakeDialer{next: func(int, context.Context) (Conn, error) {
		return nil, errors.New("connection refused")
	}}
}

// connDialer returns conns in order; once exhausted it blocks until canceled.
func connDialer(conns ...*fakeConn) *fakeDialer {
	return &fakeDialer{next: func(n int, ctx context.Context) (Conn, error) {
		if n <= len(conns) {
			return conns[n-1], nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func fastConfig() Config {
	return Config{
		URL:               "ws://example.test" + Endpoint,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		DialTimeout:       time.Second,
	}
}

// recorder collects connectivity callbacks in order.
type recorder struct {
	mu   sync.Mutex
	seen []bool
}

func (r *recorder) add(v bool) {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
}

func (r *recorder) values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.seen...)
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

func collect(bus eventbus.Bus, typ string) (func() []eventbus.Event, func()) {
	ch, unsub := bus.Subscribe(256)
	var (
		mu  sync.Mutex
		out []eventbus.Event
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			if e.Type == typ {
				mu.Lock()
				out = append(out, e)
				mu.Unlock()
			}
		}
	}()
	get := func() []eventbus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]eventbus.Event(nil), out...)
	}
	return get, func() { unsub(); <-done }
}

func frame(t *testing.T, f notification.Frame) []byte {
	t.Helper()
	b, err := notification.EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}
