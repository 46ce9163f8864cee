package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/Trinoooo/eggie_poll/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

const namespace = "eggie_poll"

type Helper struct {
	registry *prometheus.Registry
	stop     chan struct{}
	once     sync.Once
	done     sync.WaitGroup

	Registrations    prometheus.Gauge     // live pollset registrations
	ReadyEvents      prometheus.Counter   // entries reported by the backend
	ExpiredEvents    prometheus.Counter   // entries reported by the TTL scan
	PollErrors       prometheus.Counter   // failed poll cycles
	RearmFailures    prometheus.Counter   // fds dropped because re-adding failed
	PollLatency      prometheus.Histogram // time spent in one poll cycle
	ConnectionAccept prometheus.Counter   // socket accept qps
}

func NewHelper() *Helper {
	h := &Helper{
		registry: prometheus.NewRegistry(),
		stop:     make(chan struct{}),
		Registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registrations",
			Help:      "Number of descriptors registered in the pollset.",
		}),
		ReadyEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ready_events_total",
			Help:      "Poll entries reported ready by the backend.",
		}),
		ExpiredEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_events_total",
			Help:      "Poll entries reported by the idle TTL scan.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Poll cycles that failed in the backend.",
		}),
		RearmFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rearm_failures_total",
			Help:      "Descriptors dropped because they could not be registered again.",
		}),
		PollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Wall time of one poll cycle including the TTL scan.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		ConnectionAccept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_accept_total",
			Help:      "Connections accepted by the server.",
		}),
	}

	h.registry.MustRegister(
		h.Registrations,
		h.ReadyEvents,
		h.ExpiredEvents,
		h.PollErrors,
		h.RearmFailures,
		h.PollLatency,
		h.ConnectionAccept,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return h
}

func (h *Helper) Registry() *prometheus.Registry {
	return h.registry
}

// Handler serves the registry for scraping.
func (h *Helper) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// StartPush pushes the registry to a push gateway every interval until Close.
func (h *Helper) StartPush(url string, interval time.Duration) {
	pusher := push.New(url, namespace).Gatherer(h.registry)
	h.done.Add(1)
	go func() {
		defer h.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				if err := pusher.Add(); err != nil {
					logs.Logger.Warn("prometheus pusher push failed", zap.String("url", url), zap.Error(err))
				}
			}
		}
	}()
}

func (h *Helper) Close() {
	h.once.Do(func() {
		close(h.stop)
	})
	h.done.Wait()
}
