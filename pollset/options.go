package pollset

import (
	"code.cloudfoundry.org/clock"
	"github.com/Trinoooo/eggie_poll/poller"
)

type Option func(o *options)

type options struct {
	factory poller.Factory
	clock   clock.Clock
}

func defaultOptions() *options {
	return &options{
		factory: poller.New,
		clock:   clock.NewClock(),
	}
}

// WithBackend replaces the platform poller, mostly for tests.
func WithBackend(factory poller.Factory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithClock sets the clock registration timestamps and TTL checks read.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}
