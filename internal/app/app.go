package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"hrnotify/internal/api"
	"hrnotify/internal/config"
	"hrnotify/internal/eventbus"
	"hrnotify/internal/inbox"
	"hrnotify/internal/metrics"
	"hrnotify/internal/notification"
	"hrnotify/internal/push"
	rtsup "hrnotify/internal/runtime/supervisor"
	"hrnotify/internal/status"
	"hrnotify/internal/storage"
	logx "hrnotify/pkg/logx"
)

// App is the composition root. It owns the one push client (through the
// provider), the inbox consumer and the optional status surface.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	lock  *flock.Flock

	mu       sync.Mutex
	settings settings

	api      *source
	provider *push.Provider
	consumer *inbox.Consumer
	metrics  *metrics.Collector
	status   *status.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(set.Logging)
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if set.Storage.Driver != "" {
		st, err := storage.Open(set.Storage, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", set.Storage.Driver))
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		settings: set,
		metrics:  metrics.New(),
	}
	a.api = newSource(api.New(set.API, nil, log))
	a.provider = push.NewProvider(a.newPushClient)
	a.consumer = inbox.New(set.Inbox, a.provider, a.api, log, bus, store)
	a.status = status.New(set.Status, status.Sources{
		Push: func() *push.Snapshot {
			c := a.provider.Current()
			if c == nil {
				return nil
			}
			snap := c.Snapshot()
			return &snap
		},
		Inbox:       a.consumer.View,
		Transitions: a.transitions,
		Tasks:       a.tasks,
		Metrics:     a.metrics.Handler(),
	}, log)
	return a, nil
}

func (a *App) newPushClient() *push.Client {
	a.mu.Lock()
	set := a.settings
	a.mu.Unlock()
	return push.New(set.Push, set.Dialer, a.log.With(logx.String("comp", "push")), a.bus)
}

func (a *App) Consumer() *inbox.Consumer { return a.consumer }

func (a *App) Provider() *push.Provider { return a.provider }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	storagePath := a.settings.Storage.Path
	statusCfg := a.settings.Status
	pushURL := a.settings.Push.URL
	a.mu.Unlock()

	if pushURL == "" {
		return fmt.Errorf("push.url or api.base_url must be set")
	}

	lock, err := acquireLock(lockPath(a.cfgPath, storagePath))
	if err != nil {
		return err
	}
	a.lock = lock

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		set, err := mapConfig(cfg)
		if err != nil {
			return err
		}
		if set.Push.URL == "" {
			return fmt.Errorf("push.url or api.base_url must be set")
		}
		return nil
	})

	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.startEventLog()
	if a.store != nil {
		a.startAudit()
	}

	a.consumer.Activate(a.sup.Context())

	if statusCfg.Enabled {
		a.status.Start(a.sup.Context())
	}

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, "READY=1")
	a.log.Info("app started", logx.String("push_url", pushURL))
	return nil
}

// Logout detaches the consumer and closes the push client. The next
// Activate builds a fresh client.
func (a *App) Logout() {
	a.consumer.Deactivate()
	a.provider.Reset()
	a.log.Info("push session reset")
}

// reconnect rebuilds the push session with current settings.
func (a *App) reconnect(ctx context.Context) {
	a.Logout()
	a.consumer.Activate(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, "STOPPING=1")
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("inbox", 2*time.Second, func(context.Context) error { a.consumer.Deactivate(); return nil })
	step("push", time.Second, func(context.Context) error { a.provider.Reset(); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			a.log.Warn("failed to release lock", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) transitions(ctx context.Context, limit int) ([]storage.Transition, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.Transitions(ctx, limit)
}

func (a *App) tasks() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{}
	}
	return a.sup.Snapshot()
}

// startEventLog logs bus events at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// startAudit records push lifecycle events in the store.
func (a *App) startAudit() {
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("push.audit", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				tr, ok := e.Data.(eventbus.Transition)
				if !ok || !strings.HasPrefix(e.Type, "push.") {
					continue
				}
				rec := storage.Transition{
					At:      e.Time,
					ConnID:  tr.ConnID,
					From:    tr.From,
					To:      tr.To,
					Attempt: tr.Attempt,
					Reason:  tr.Reason,
				}
				wctx, cancel := context.WithTimeout(c, time.Second)
				if err := a.store.AppendTransition(wctx, rec); err != nil {
					a.log.Debug("record transition failed", logx.Err(err))
				}
				cancel()
			}
		}
	})
}

// startReload applies published config changes.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	for _, s := range config.RestartRequired(sections) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	a.mu.Lock()
	set.Storage = a.settings.Storage
	a.settings = set
	a.mu.Unlock()

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	if changed["logging"] {
		a.logs.Apply(set.Logging)
	}
	if changed["api"] {
		a.api.swap(api.New(set.API, nil, a.log))
	}
	if changed["inbox"] {
		a.consumer.Reconfigure(set.Inbox)
	}
	// The push client reads its config and token at construction.
	if changed["push"] || changed["api"] {
		a.reconnect(ctx)
	}
	if changed["status"] {
		a.status.Reconfigure(ctx, set.Status)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// source is an inbox.Source whose API client can be swapped on reload.
type source struct {
	cur atomic.Pointer[api.Client]
}

func newSource(c *api.Client) *source {
	s := &source{}
	s.cur.Store(c)
	return s
}

func (s *source) swap(c *api.Client) { s.cur.Store(c) }

func (s *source) List(ctx context.Context) ([]notification.Message, error) {
	return s.cur.Load().List(ctx)
}

func (s *source) MarkRead(ctx context.Context, id int64) error {
	return s.cur.Load().MarkRead(ctx, id)
}

func (s *source) MarkAllRead(ctx context.Context) error {
	return s.cur.Load().MarkAllRead(ctx)
}

func (s *source) Delete(ctx context.Context, id int64) error {
	return s.cur.Load().Delete(ctx, id)
}
