package reactor

import (
	"code.cloudfoundry.org/clock"
	"github.com/Trinoooo/eggie_poll/metrics"
	"github.com/Trinoooo/eggie_poll/poller"
	"github.com/Trinoooo/eggie_poll/pollset"
)

type Option func(o *options)

type options struct {
	pollset []pollset.Option
	metrics *metrics.Helper
}

func WithBackend(factory poller.Factory) Option {
	return func(o *options) {
		o.pollset = append(o.pollset, pollset.WithBackend(factory))
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.pollset = append(o.pollset, pollset.WithClock(c))
	}
}

// WithMetrics shares a metrics helper with the caller, e.g. the server that
// also counts accepted connections.
func WithMetrics(h *metrics.Helper) Option {
	return func(o *options) {
		o.metrics = h
	}
}
