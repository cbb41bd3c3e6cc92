package push

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hrnotify/internal/eventbus"
	"hrnotify/internal/notification"
	logx "hrnotify/pkg/logx"
)

func newTestClient(t *testing.T, cfg Config, d Dialer) (*Client, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	c := New(cfg, d, logx.Nop(), bus)
	t.Cleanup(c.Close)
	return c, bus
}

func TestConnectIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	conn := newFakeConn()
	d := &fakeDialer{next: func(n int, ctx context.Context) (Conn, error) {
		<-gate
		return conn, nil
	}}
	c, _ := newTestClient(t, fastConfig(), d)

	c.Connect()
	c.Connect()
	if c.State() != StateConnecting {
		t.Fatalf("state = %v, want connecting", c.State())
	}
	close(gate)
	waitFor(t, "open", c.IsConnected)
	c.Connect()
	time.Sleep(20 * time.Millisecond)
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("dial calls = %d, want 1", n)
	}
}

func TestBackoffUntilExhausted(t *testing.T) {
	d := failingDialer()
	c, bus := newTestClient(t, fastConfig(), d)
	retries, stop := collect(bus, eventbus.PushRetryScheduled)
	defer stop()
	rec := &recorder{}
	c.OnConnectionChange(rec.add)

	c.Connect()
	waitFor(t, "exhausted", func() bool { return c.State() == StateExhausted })
	time.Sleep(30 * time.Millisecond)

	if n := d.calls.Load(); n != 6 {
		t.Fatalf("dial calls = %d, want 6 (1 + 5 retries)", n)
	}
	var delays []time.Duration
	for _, e := range retries() {
		delays = append(delays, e.Data.(eventbus.Transition).Delay)
	}
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	if !reflect.DeepEqual(delays, want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	if got := rec.values(); !reflect.DeepEqual(got, []bool{false}) {
		t.Fatalf("connectivity callbacks = %v, want [false]", got)
	}
	if c.IsConnected() {
		t.Fatalf("exhausted client reports connected")
	}

	// An explicit Connect starts over.
	c.Connect()
	waitFor(t, "new attempt", func() bool { return d.calls.Load() >= 7 })
}

func TestHandshakeSuccessResetsAttempts(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{next: func(n int, ctx context.Context) (Conn, error) {
		if n < 3 {
			return nil, errors.New("refused")
		}
		return conn, nil
	}}
	c, _ := newTestClient(t, fastConfig(), d)
	rec := &recorder{}
	c.OnConnectionChange(rec.add)

	c.Connect()
	waitFor(t, "open", c.IsConnected)
	if c.Attempts() != 0 {
		t.Fatalf("attempts = %d after handshake, want 0", c.Attempts())
	}
	waitFor(t, "callbacks", func() bool { return len(rec.values()) == 2 })
	if got := rec.values(); !reflect.DeepEqual(got, []bool{false, true}) {
		t.Fatalf("connectivity callbacks = %v", got)
	}
}

func TestDropTriggersReconnect(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	d := connDialer(c1, c2)
	c, _ := newTestClient(t, fastConfig(), d)
	rec := &recorder{}
	c.OnConnectionChange(rec.add)

	c.Connect()
	waitFor(t, "open", c.IsConnected)
	c1.drop()
	waitFor(t, "second dial", func() bool { return d.calls.Load() == 2 })
	waitFor(t, "reopen", c.IsConnected)
	waitFor(t, "callbacks", func() bool { return len(rec.values()) == 3 })
	if got := rec.values(); !reflect.DeepEqual(got, []bool{true, false, true}) {
		t.Fatalf("connectivity callbacks = %v", got)
	}
}

func TestHeartbeatTimeoutDropsOnce(t *testing.T) {
	conn := newFakeConn()
	d := connDialer(conn)
	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 20 * time.Millisecond
	c, bus := newTestClient(t, cfg, d)
	timeouts, stop := collect(bus, eventbus.PushHeartbeatTimeout)
	defer stop()
	rec := &recorder{}
	c.OnConnectionChange(rec.add)

	c.Connect()
	waitFor(t, "open", c.IsConnected)

	select {
	case b := <-conn.writes:
		f, err := notification.DecodeFrame(b)
		if err != nil || f.Type != notification.FramePing {
			t.Fatalf("first write = %s, want ping", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("no ping sent")
	}

	waitFor(t, "drop", func() bool { return len(rec.values()) == 2 })
	time.Sleep(80 * time.Millisecond)

	if got := rec.values(); !reflect.DeepEqual(got, []bool{true, false}) {
		t.Fatalf("connectivity callbacks = %v", got)
	}
	if n := len(timeouts()); n != 1 {
		t.Fatalf("heartbeat timeouts = %d, want 1", n)
	}
	if !conn.isClosed() {
		t.Fatalf("timed out connection was not closed")
	}
	if c.IsConnected() {
		t.Fatalf("client still connected")
	}
}

func TestInboundFrameCancelsHeartbeatTimeout(t *testing.T) {
	conn := newFakeConn()
	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	c, bus := newTestClient(t, cfg, connDialer(conn))
	timeouts, stop := collect(bus, eventbus.PushHeartbeatTimeout)
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		pong, _ := notification.EncodeFrame(notification.Frame{Type: notification.FramePong})
		for {
			select {
			case <-done:
				return
			case <-conn.writes:
				conn.in <- pong
			}
		}
	}()

	c.Connect()
	waitFor(t, "open", c.IsConnected)
	time.Sleep(150 * time.Millisecond)
	if !c.IsConnected() {
		t.Fatalf("connection dropped despite pongs")
	}
	if n := len(timeouts()); n != 0 {
		t.Fatalf("heartbeat timeouts = %d, want 0", n)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, fastConfig(), connDialer(conn))
	c.Connect()
	waitFor(t, "open", c.IsConnected)

	conn.in <- frame(t, notification.Frame{Type: notification.FramePing})
	select {
	case b := <-conn.writes:
		if string(b) != `{"type":"pong"}` {
			t.Fatalf("reply = %s", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("no pong")
	}
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	conn := newFakeConn()
	c, bus := newTestClient(t, fastConfig(), connDialer(conn))
	malformed, stop := collect(bus, eventbus.PushMalformed)
	defer stop()

	got := make(chan notification.Message, 1)
	c.OnMessage(func(m notification.Message) { got <- m })
	c.Connect()
	waitFor(t, "open", c.IsConnected)

	conn.in <- []byte("{{not json")
	conn.in <- []byte(`{"type":"notification"}`)
	conn.in <- frame(t, notification.Frame{Type: notification.FrameNotification, Payload: &notification.Message{ID: 11}})

	select {
	case m := <-got:
		if m.ID != 11 {
			t.Fatalf("id = %d", m.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("notification after malformed frames not delivered")
	}
	if !c.IsConnected() {
		t.Fatalf("malformed frame closed the connection")
	}
	waitFor(t, "malformed events", func() bool { return len(malformed()) == 2 })
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, fastConfig(), connDialer(conn))

	c.OnMessage(func(notification.Message) { panic("bad subscriber") })
	c.OnConnectionChange(func(bool) { panic("bad subscriber") })
	got := make(chan int64, 1)
	c.OnMessage(func(m notification.Message) { got <- m.ID })
	var up atomic.Bool
	c.OnConnectionChange(func(v bool) { up.Store(v) })

	c.Connect()
	waitFor(t, "second connection subscriber", up.Load)
	conn.in <- frame(t, notification.Frame{Type: notification.FrameNotification, Payload: &notification.Message{ID: 5}})
	select {
	case id := <-got:
		if id != 5 {
			t.Fatalf("id = %d", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("second subscriber starved by panicking one")
	}
	if cs, ms := c.SubscriberCount(); cs != 2 || ms != 2 {
		t.Fatalf("subscriber count = %d/%d, want 2/2", cs, ms)
	}
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, fastConfig(), connDialer(conn))

	var (
		mu     sync.Mutex
		aCount int
		bIDs   []int64
	)
	var unsubA func()
	unsubA = c.OnMessage(func(notification.Message) {
		mu.Lock()
		aCount++
		mu.Unlock()
		unsubA()
	})
	c.OnMessage(func(m notification.Message) {
		mu.Lock()
		bIDs = append(bIDs, m.ID)
		mu.Unlock()
	})

	c.Connect()
	waitFor(t, "open", c.IsConnected)
	for _, id := range []int64{1, 2} {
		conn.in <- frame(t, notification.Frame{Type: notification.FrameNotification, Payload: &notification.Message{ID: id}})
	}
	waitFor(t, "both deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bIDs) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if aCount != 1 {
		t.Fatalf("self-unsubscribed callback ran %d times, want 1", aCount)
	}
	if !reflect.DeepEqual(bIDs, []int64{1, 2}) {
		t.Fatalf("delivery order = %v", bIDs)
	}
}

func TestCloseWhileRetryingCancelsReconnect(t *testing.T) {
	d := failingDialer()
	cfg := fastConfig()
	cfg.BaseDelay = 50 * time.Millisecond
	c, _ := newTestClient(t, cfg, d)
	rec := &recorder{}
	c.OnConnectionChange(rec.add)

	c.Connect()
	waitFor(t, "retrying", func() bool { return c.State() == StateRetrying })
	c.Close()
	c.Close()
	time.Sleep(150 * time.Millisecond)

	if n := d.calls.Load(); n != 1 {
		t.Fatalf("dial calls after close = %d, want 1", n)
	}
	if c.IsConnected() || c.State() != StateClosed {
		t.Fatalf("state = %v connected=%v", c.State(), c.IsConnected())
	}
	if got := rec.values(); !reflect.DeepEqual(got, []bool{false}) {
		t.Fatalf("connectivity callbacks = %v", got)
	}
}

func TestCloseOpenConnectionThenReconnect(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	d := connDialer(c1, c2)
	c, _ := newTestClient(t, fastConfig(), d)
	rec := &recorder{}
	c.OnConnectionChange(rec.add)

	c.Connect()
	waitFor(t, "open", c.IsConnected)
	c.Close()
	waitFor(t, "conn closed", c1.isClosed)
	time.Sleep(30 * time.Millisecond)
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("intentional close triggered reconnect (calls=%d)", n)
	}

	c.Connect()
	waitFor(t, "reopen", c.IsConnected)
	waitFor(t, "callbacks", func() bool { return len(rec.values()) == 3 })
	if got := rec.values(); !reflect.DeepEqual(got, []bool{true, false, true}) {
		t.Fatalf("connectivity callbacks = %v", got)
	}
}

func TestSendOnlyWhenOpen(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, fastConfig(), connDialer(conn))

	c.Send(notification.Frame{Type: notification.FramePing})
	c.Connect()
	waitFor(t, "open", c.IsConnected)
	c.Send(notification.Frame{Type: notification.FramePing})

	select {
	case b := <-conn.writes:
		if string(b) != `{"type":"ping"}` {
			t.Fatalf("write = %s", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("frame not written")
	}
	select {
	case b := <-conn.writes:
		t.Fatalf("unexpected extra write %s", b)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestProviderLazyAndReset(t *testing.T) {
	built := 0
	p := NewProvider(func() *Client {
		built++
		return New(fastConfig(), failingDialer(), logx.Nop(), nil)
	})
	if p.Current() != nil {
		t.Fatalf("client created before first Get")
	}
	a := p.Get()
	if p.Get() != a || built != 1 {
		t.Fatalf("Get should reuse the client")
	}
	a.Connect()
	p.Reset()
	if a.State() != StateClosed {
		t.Fatalf("Reset did not close client, state=%v", a.State())
	}
	if p.Current() != nil {
		t.Fatalf("Reset did not clear the client")
	}
	if b := p.Get(); b == a || built != 2 {
		t.Fatalf("Get after Reset should build a new client")
	}
	p.Reset()
}
