package pollset

import (
	"time"

	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/Trinoooo/eggie_poll/poller"
)

// Entry is one result of a Poll or Maintain cycle. It is a snapshot, so the
// accessors never observe later cycles, but it is only meaningful until the
// next cycle on the same Pollset; Validate reports when that has passed.
type Entry struct {
	owner   *Pollset
	cycle   uint64
	fd      int
	data    any
	events  poller.Events
	expired bool
}

func (e Entry) Socket() int {
	return e.fd
}

func (e Entry) Data() any {
	return e.data
}

func (e Entry) Events() poller.Events {
	return e.events
}

// Expired reports whether the entry came from the TTL scan rather than from
// the backend.
func (e Entry) Expired() bool {
	return e.expired
}

func (e Entry) Validate() error {
	if e.owner == nil || e.owner.cycle != e.cycle {
		return errs.NewStaleHandleErr()
	}
	return nil
}

// Registration is a read-only copy of one registration table slot.
type Registration struct {
	Fd           int
	Interest     poller.Events
	Data         any
	RegisteredAt time.Time
}
