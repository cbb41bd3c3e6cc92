// Package metrics turns push and inbox bus events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hrnotify/internal/eventbus"
)

// Collector holds the series on a private registry.
type Collector struct {
	PushConnects          prometheus.Counter
	PushDisconnects       prometheus.Counter
	PushHeartbeatTimeouts prometheus.Counter
	PushFrames            *prometheus.CounterVec
	PushMalformed         prometheus.Counter
	PushRetries           prometheus.Counter
	PushExhausted         prometheus.Counter
	PushConnected         prometheus.Gauge

	InboxUnread     prometheus.Gauge
	InboxTotal      prometheus.Gauge
	InboxDuplicates prometheus.Counter
	InboxPolls      prometheus.Counter
	InboxPollErrors prometheus.Counter

	registry *prometheus.Registry
}

func New() *Collector {
	m := &Collector{
		PushConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_push_connects_total",
			Help: "Successful push handshakes",
		}),
		PushDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_push_disconnects_total",
			Help: "Push connections lost or refused",
		}),
		PushHeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_push_heartbeat_timeouts_total",
			Help: "Connections dropped for missing a heartbeat reply",
		}),
		PushFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hrnotify_push_frames_total",
			Help: "Inbound push frames by type",
		}, []string{"type"}),
		PushMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_push_malformed_frames_total",
			Help: "Inbound frames that failed to decode",
		}),
		PushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_push_retries_total",
			Help: "Reconnect attempts scheduled",
		}),
		PushExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_push_exhausted_total",
			Help: "Times automatic reconnect gave up",
		}),
		PushConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hrnotify_push_connected",
			Help: "1 while the push connection is open",
		}),
		InboxUnread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hrnotify_inbox_unread",
			Help: "Unread notifications in the local inbox",
		}),
		InboxTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hrnotify_inbox_notifications",
			Help: "Notifications in the local inbox",
		}),
		InboxDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_inbox_duplicates_total",
			Help: "Push deliveries dropped as duplicates",
		}),
		InboxPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_inbox_polls_total",
			Help: "Successful fallback fetches",
		}),
		InboxPollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hrnotify_inbox_poll_errors_total",
			Help: "Failed fallback fetches",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PushConnects,
		m.PushDisconnects,
		m.PushHeartbeatTimeouts,
		m.PushFrames,
		m.PushMalformed,
		m.PushRetries,
		m.PushExhausted,
		m.PushConnected,
		m.InboxUnread,
		m.InboxTotal,
		m.InboxDuplicates,
		m.InboxPolls,
		m.InboxPollErrors,
	)
	return m
}

func (m *Collector) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Run consumes bus events until ctx is done.
func (m *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe applies one event.
func (m *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.PushConnected:
		m.PushConnects.Inc()
		m.PushConnected.Set(1)
	case eventbus.PushDisconnected:
		m.PushDisconnects.Inc()
		m.PushConnected.Set(0)
	case eventbus.PushClosed:
		m.PushConnected.Set(0)
	case eventbus.PushHeartbeatTimeout:
		m.PushHeartbeatTimeouts.Inc()
	case eventbus.PushFrame:
		if fi, ok := e.Data.(eventbus.FrameInfo); ok {
			m.PushFrames.WithLabelValues(fi.Type).Inc()
		}
	case eventbus.PushMalformed:
		m.PushMalformed.Inc()
	case eventbus.PushRetryScheduled:
		m.PushRetries.Inc()
	case eventbus.PushExhausted:
		m.PushExhausted.Inc()
	case eventbus.InboxDuplicate:
		m.InboxDuplicates.Inc()
	case eventbus.InboxPolled:
		m.InboxPolls.Inc()
		m.inbox(e)
	case eventbus.InboxPollFailed:
		m.InboxPollErrors.Inc()
	case eventbus.InboxChanged, eventbus.InboxMerged:
		m.inbox(e)
	}
}

func (m *Collector) inbox(e eventbus.Event) {
	if info, ok := e.Data.(eventbus.InboxInfo); ok {
		m.InboxUnread.Set(float64(info.Unread))
		m.InboxTotal.Set(float64(info.Total))
	}
}
