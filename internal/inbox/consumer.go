package inbox

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"hrnotify/internal/eventbus"
	"hrnotify/internal/notification"
	"hrnotify/internal/push"
	rtsup "hrnotify/internal/runtime/supervisor"
	"hrnotify/internal/storage"
	logx "hrnotify/pkg/logx"
)

// Consumer presents one view of the current notifications and connection
// health, whether data arrives by push or by fallback fetch.
//
// Deactivate detaches from the push client but never closes it; the client
// outlives consumers and is only reset by logout.
type Consumer struct {
	cfg     Config
	clients ClientSource
	src     Source
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store

	mu        sync.Mutex
	active    bool
	ctx       context.Context
	tasks     *rtsup.Supervisor // saver; lives for one activation
	unsubConn func()
	unsubMsg  func()

	list      []notification.Message
	connected bool
	fetched   bool // a fetch completed since polling was last enabled
	lastFetch time.Time
	fetchErr  string

	poller *rtsup.Supervisor // non-nil while polling

	saveCh chan struct{}

	notifyMu    sync.Mutex
	dirty       bool
	dispatching bool

	subsMu sync.Mutex
	views  atomic.Pointer[[]*viewSub]
}

type viewSub struct {
	fn      func(View)
	removed atomic.Bool
}

func New(cfg Config, clients ClientSource, src Source, log logx.Logger, bus eventbus.Bus, store storage.Store) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{
		cfg:     cfg,
		clients: clients,
		src:     src,
		log:     log.With(logx.String("comp", "inbox")),
		bus:     bus,
		store:   store,
	}
}

// Activate attaches to the push client and asks it to connect. Calling it
// again while active is a no-op.
func (c *Consumer) Activate(ctx context.Context) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.connected = false
	tasks := rtsup.New(ctx, rtsup.WithLogger(c.log))
	c.tasks, c.ctx = tasks, tasks.Context()
	c.mu.Unlock()

	c.restore(tasks.Context())

	if c.persisting() {
		c.mu.Lock()
		c.saveCh = make(chan struct{}, 1)
		saveCh := c.saveCh
		c.mu.Unlock()
		tasks.Go0("inbox.save", func(ctx context.Context) { c.saver(ctx, saveCh) })
	}

	client := c.clients.Get()
	unsubConn := client.OnConnectionChange(c.onConnectivity)
	unsubMsg := client.OnMessage(c.onMessage)

	c.mu.Lock()
	c.unsubConn, c.unsubMsg = unsubConn, unsubMsg
	c.mu.Unlock()

	c.catchUp(client)
	client.Connect()
}

// testHookCatchUp runs between reading and replaying the client's reported
// connectivity.
var testHookCatchUp func()

// catchUp replays the connectivity a reused client already reported, since
// it will not repeat that flip. The client's drain may deliver a newer value
// while the replay runs, so replay until the reported value is stable.
func (c *Consumer) catchUp(client *push.Client) {
	connected, known := client.Reported()
	if !known {
		return
	}
	if testHookCatchUp != nil {
		testHookCatchUp()
	}
	for {
		c.onConnectivity(connected)
		now, _ := client.Reported()
		if now == connected {
			return
		}
		connected = now
	}
}

// Deactivate unsubscribes both listeners and stops polling.
func (c *Consumer) Deactivate() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	unsubConn, unsubMsg := c.unsubConn, c.unsubMsg
	c.unsubConn, c.unsubMsg = nil, nil
	tasks := c.tasks
	c.mu.Unlock()

	if unsubConn != nil {
		unsubConn()
	}
	if unsubMsg != nil {
		unsubMsg()
	}
	c.disablePolling()
	if tasks != nil {
		_ = tasks.Stop(context.Background())
	}

	c.mu.Lock()
	c.saveCh = nil
	c.mu.Unlock()
}

func (c *Consumer) Notifications() []notification.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notification.Message(nil), c.list...)
}

func (c *Consumer) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return notification.UnreadCount(c.list)
}

func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Consumer) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller != nil
}

func (c *Consumer) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Consumer) statusLocked() Status {
	switch {
	case c.connected:
		return StatusConnected
	case c.poller != nil && c.fetched:
		return StatusPolling
	default:
		return StatusDisconnected
	}
}

func (c *Consumer) viewLocked() View {
	return View{
		Notifications: append([]notification.Message(nil), c.list...),
		Unread:        notification.UnreadCount(c.list),
		Status:        c.statusLocked(),
		Polling:       c.poller != nil,
		LastFetch:     c.lastFetch,
		LastFetchErr:  c.fetchErr,
	}
}

// Subscribe registers fn for view changes. fn runs outside the consumer
// lock; a panic in fn is logged and does not affect other subscribers.
func (c *Consumer) Subscribe(fn func(View)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s := &viewSub{fn: fn}
	c.subsMu.Lock()
	var next []*viewSub
	if cur := c.views.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, s)
	c.views.Store(&next)
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.removed.Store(true)
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			cur := c.views.Load()
			if cur == nil {
				return
			}
			next := make([]*viewSub, 0, len(*cur))
			for _, v := range *cur {
				if v != s {
					next = append(next, v)
				}
			}
			c.views.Store(&next)
		})
	}
}

// ---- push callbacks ----

func (c *Consumer) onConnectivity(connected bool) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	c.mu.Unlock()

	if connected {
		c.disablePolling()
	} else {
		c.enablePolling()
	}
	c.changed()
}

func (c *Consumer) onMessage(m notification.Message) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	if notification.IndexOf(c.list, m.ID) >= 0 {
		info := eventbus.InboxInfo{ID: m.ID, Total: len(c.list), Unread: notification.UnreadCount(c.list)}
		c.mu.Unlock()
		c.log.Debug("duplicate notification dropped", logx.Int64("id", m.ID))
		eventbus.Emit(c.bus, eventbus.InboxDuplicate, info)
		return
	}
	next := make([]notification.Message, 0, len(c.list)+1)
	next = append(next, m)
	next = append(next, c.list...)
	c.list = next
	info := eventbus.InboxInfo{ID: m.ID, Total: len(c.list), Unread: notification.UnreadCount(c.list)}
	c.mu.Unlock()

	eventbus.Emit(c.bus, eventbus.InboxMerged, info)
	c.changed()
}

// ---- fallback polling ----

func (c *Consumer) enablePolling() {
	c.mu.Lock()
	if !c.active || c.connected || c.poller != nil {
		c.mu.Unlock()
		return
	}
	poller := rtsup.New(c.ctx, rtsup.WithLogger(c.log))
	c.poller = poller
	c.fetched = false
	interval := c.cfg.PollInterval
	c.mu.Unlock()

	c.log.Info("push unavailable; polling", logx.Duration("interval", interval))
	poller.Go0("inbox.poll", func(ctx context.Context) { c.poll(ctx, interval) })
}

// disablePolling stops the poller and waits for it to exit.
func (c *Consumer) disablePolling() {
	c.mu.Lock()
	poller := c.poller
	c.poller = nil
	c.mu.Unlock()
	if poller == nil {
		return
	}
	_ = poller.Stop(context.Background())
	c.log.Info("polling stopped")
}

func (c *Consumer) poll(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := c.fetch(ctx); err != nil && ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Refresh fetches the full list now and replaces the local copy.
func (c *Consumer) Refresh(ctx context.Context) error {
	return c.fetch(ctx)
}

func (c *Consumer) fetch(ctx context.Context) error {
	list, err := c.src.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.mu.Lock()
		c.fetchErr = err.Error()
		info := eventbus.InboxInfo{Total: len(c.list), Unread: notification.UnreadCount(c.list), Error: err.Error()}
		c.mu.Unlock()
		c.log.Warn("notification fetch failed", logx.Err(err))
		eventbus.Emit(c.bus, eventbus.InboxPollFailed, info)
		return err
	}

	notification.SortNewestFirst(list)
	c.mu.Lock()
	c.list = list
	c.fetched = true
	c.fetchErr = ""
	c.lastFetch = time.Now()
	info := eventbus.InboxInfo{Total: len(list), Unread: notification.UnreadCount(list)}
	c.mu.Unlock()

	eventbus.Emit(c.bus, eventbus.InboxPolled, info)
	c.changed()
	return nil
}

// ---- actions ----

func (c *Consumer) MarkRead(ctx context.Context, id int64) error {
	if err := c.src.MarkRead(ctx, id); err != nil {
		return err
	}
	c.mutate(func(list []notification.Message) []notification.Message {
		if i := notification.IndexOf(list, id); i >= 0 {
			list[i].Read = true
		}
		return list
	})
	return nil
}

func (c *Consumer) MarkAllRead(ctx context.Context) error {
	if err := c.src.MarkAllRead(ctx); err != nil {
		return err
	}
	c.mutate(func(list []notification.Message) []notification.Message {
		for i := range list {
			list[i].Read = true
		}
		return list
	})
	return nil
}

func (c *Consumer) Delete(ctx context.Context, id int64) error {
	if err := c.src.Delete(ctx, id); err != nil {
		return err
	}
	c.mutate(func(list []notification.Message) []notification.Message {
		if i := notification.IndexOf(list, id); i >= 0 {
			return append(list[:i:i], list[i+1:]...)
		}
		return list
	})
	return nil
}

// mutate applies fn to a private copy of the list.
func (c *Consumer) mutate(fn func([]notification.Message) []notification.Message) {
	c.mu.Lock()
	cp := append([]notification.Message(nil), c.list...)
	c.list = fn(cp)
	c.mu.Unlock()
	c.changed()
}

// ---- change feed & persistence ----

// changed publishes the current view. Only one goroutine dispatches at a
// time; changes made meanwhile (including from inside a subscriber) are
// coalesced into one more round with the latest view.
func (c *Consumer) changed() {
	c.notifyMu.Lock()
	c.dirty = true
	if c.dispatching {
		c.notifyMu.Unlock()
		return
	}
	c.dispatching = true
	for c.dirty {
		c.dirty = false
		c.notifyMu.Unlock()
		c.dispatch()
		c.notifyMu.Lock()
	}
	c.dispatching = false
	c.notifyMu.Unlock()
}

func (c *Consumer) dispatch() {
	c.mu.Lock()
	v := c.viewLocked()
	saveCh := c.saveCh
	c.mu.Unlock()

	eventbus.Emit(c.bus, eventbus.InboxChanged, eventbus.InboxInfo{Total: len(v.Notifications), Unread: v.Unread})
	if saveCh != nil {
		select {
		case saveCh <- struct{}{}:
		default:
		}
	}

	subs := c.views.Load()
	if subs == nil {
		return
	}
	for _, s := range *subs {
		if s.removed.Load() {
			continue
		}
		c.safeCall(s.fn, v)
	}
}

func (c *Consumer) safeCall(fn func(View), v View) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("inbox subscriber panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(v)
}

func (c *Consumer) persisting() bool {
	return c.store != nil && c.cfg.Persist
}

func (c *Consumer) restore(ctx context.Context) {
	if !c.persisting() {
		return
	}
	list, err := c.store.LoadInbox(ctx)
	if err != nil {
		c.log.Warn("restore inbox failed", logx.Err(err))
		return
	}
	if len(list) == 0 {
		return
	}
	c.mu.Lock()
	if len(c.list) == 0 {
		c.list = list
	}
	c.mu.Unlock()
	c.log.Debug("inbox restored", logx.Int("count", len(list)))
}

// saver coalesces change signals and writes at most once per debounce window.
// A pending change is flushed when ctx ends.
func (c *Consumer) saver(ctx context.Context, saveCh <-chan struct{}) {
	dirty := false
	var t *time.Timer
	var tc <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			select {
			case <-saveCh:
				dirty = true
			default:
			}
			if dirty {
				c.save()
			}
			return
		case <-saveCh:
			dirty = true
			if t == nil {
				t = time.NewTimer(c.cfg.SaveDebounce)
				tc = t.C
			}
		case <-tc:
			t, tc = nil, nil
			if dirty {
				dirty = false
				c.save()
			}
		}
	}
}

func (c *Consumer) save() {
	list := c.Notifications()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.SaveInbox(ctx, list); err != nil {
		c.log.Warn("save inbox failed", logx.Err(err))
	}
}

var _ ClientSource = (*push.Provider)(nil)

// Reconfigure applies a new poll interval. A running poller restarts with it.
func (c *Consumer) Reconfigure(cfg Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	c.mu.Lock()
	changed := c.cfg.PollInterval != cfg.PollInterval
	c.cfg.PollInterval = cfg.PollInterval
	polling := c.poller != nil
	c.mu.Unlock()

	if changed && polling {
		c.disablePolling()
		c.enablePolling()
	}
}
