// Package pollset multiplexes socket readiness over a poller backend and
// reports registrations that stayed idle longer than a TTL.
//
// A Pollset keeps a fixed-capacity registration table that shadows the
// backend: an entry is appended only after the backend accepted the fd, and
// Remove drops every table entry for the fd before telling the backend. Each
// Poll merges the backend's ready list with the entries whose TTL elapsed.
//
// A Pollset has no internal locking. All calls except Wakeup must come from
// one goroutine at a time; see the reactor package for a single-owner loop.
package pollset

import (
	"errors"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/Trinoooo/eggie_poll/poller"
)

// expiredEvents is what a TTL-expired entry reports.
const expiredEvents = poller.Hangup | poller.Readable

type Pollset struct {
	backend poller.Poller
	table   *table
	maxTTL  time.Duration
	clock   clock.Clock
	pevents []poller.Pevent
	cycle   uint64
	closed  bool
}

// New creates a pollset for at most capacity registrations. flags goes to the
// backend untouched; ttl of zero disables idle expiry.
func New(capacity int, flags uint32, ttl time.Duration, opts ...Option) (*Pollset, error) {
	if capacity <= 0 || ttl < 0 {
		return nil, errs.NewInvalidParamErr()
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	backend, err := o.factory(capacity, flags)
	if err != nil {
		return nil, errs.NewBackendCreationErr().WithErr(err)
	}

	return &Pollset{
		backend: backend,
		table:   newTable(capacity),
		maxTTL:  ttl,
		clock:   o.clock,
		pevents: make([]poller.Pevent, capacity),
	}, nil
}

// Destroy releases the backend. Descriptors stay owned by the caller.
func (ps *Pollset) Destroy() error {
	if ps.closed {
		return nil
	}
	ps.closed = true
	ps.cycle++

	if err := ps.backend.Close(); err != nil {
		return errs.NewBackendOperationErr().WithErr(err)
	}
	return nil
}

func (ps *Pollset) Add(fd int, data any, interest poller.Events) error {
	if ps.closed {
		return errs.NewPollsetClosedErr()
	}
	if ps.table.full() {
		return errs.NewCapacityExceededErr()
	}

	if err := ps.backend.Add(fd, interest, data); err != nil {
		return errs.NewBackendOperationErr().WithErr(err)
	}

	ps.table.append(registration{
		fd:           fd,
		interest:     interest,
		registeredAt: ps.clock.Now(),
		data:         data,
	})
	return nil
}

// Remove drops every registration of fd and then removes fd from the
// backend once. A backend failure is returned but the table is not restored:
// a caller that already closed fd still gets its table slots back.
func (ps *Pollset) Remove(fd int) error {
	if ps.closed {
		return errs.NewPollsetClosedErr()
	}

	ps.table.removeAll(fd)

	if err := ps.backend.Remove(fd); err != nil {
		return errs.NewBackendOperationErr().WithErr(err)
	}
	return nil
}

// Poll waits up to timeout for readiness and fills set with the ready
// entries followed by the TTL-expired ones. At most min(len(set), Cap())
// entries are written; expired entries past that bound are skipped. A
// negative timeout blocks until something is ready or Wakeup is called.
// An empty set is rejected, since the backend could not block on it.
func (ps *Pollset) Poll(timeout time.Duration, set []Entry) (int, error) {
	if ps.closed {
		return 0, errs.NewPollsetClosedErr()
	}
	if len(set) == 0 {
		return 0, errs.NewInvalidParamErr()
	}

	limit := len(set)
	if limit > ps.table.cap() {
		limit = ps.table.cap()
	}

	n, err := ps.backend.Wait(timeout, ps.pevents[:limit])
	ps.cycle++
	if err != nil {
		return 0, errs.NewBackendOperationErr().WithErr(err)
	}

	if n > limit {
		n = limit
	}

	num := 0
	for i := 0; i < n; i++ {
		pevt := &ps.pevents[i]
		set[num] = Entry{
			owner:  ps,
			cycle:  ps.cycle,
			fd:     pevt.Fd,
			data:   pevt.UserData,
			events: pevt.Returned,
		}
		num++
	}

	if ps.maxTTL > 0 {
		now := ps.clock.Now()
		for i := 0; i < ps.table.nelts; i++ {
			reg := &ps.table.entries[i]
			if now.Sub(reg.registeredAt) <= ps.maxTTL {
				continue
			}
			reg.returned = expiredEvents
			if num < limit {
				set[num] = ps.expiredEntry(reg)
				num++
			}
		}
	}

	return num, nil
}

// Maintain reports TTL-expired registrations without waiting on the backend.
// With remove set they are removed from the pollset, otherwise their idle
// timer restarts. It returns how many entries were written to set.
func (ps *Pollset) Maintain(set []Entry, remove bool) (int, error) {
	if ps.closed {
		return 0, errs.NewPollsetClosedErr()
	}

	ps.cycle++
	if ps.maxTTL <= 0 {
		return 0, nil
	}

	now := ps.clock.Now()
	num := 0
	for i := 0; i < ps.table.nelts && num < len(set); i++ {
		reg := &ps.table.entries[i]
		if now.Sub(reg.registeredAt) <= ps.maxTTL {
			continue
		}
		reg.returned = expiredEvents
		set[num] = ps.expiredEntry(reg)
		num++
		if !remove {
			reg.registeredAt = now
		}
	}

	if !remove {
		return num, nil
	}

	var firstErr error
	removed := make(map[int]struct{}, num)
	for i := 0; i < num; i++ {
		fd := set[i].fd
		if _, done := removed[fd]; done {
			continue
		}
		removed[fd] = struct{}{}
		if err := ps.Remove(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return num, firstErr
}

func (ps *Pollset) expiredEntry(reg *registration) Entry {
	return Entry{
		owner:   ps,
		cycle:   ps.cycle,
		fd:      reg.fd,
		data:    reg.data,
		events:  reg.returned,
		expired: true,
	}
}

// Wakeup interrupts a Poll blocked in another goroutine. The backend must
// have been created with poller.FlagWakeable.
func (ps *Pollset) Wakeup() error {
	if err := ps.backend.Wakeup(); err != nil {
		if errors.Is(err, poller.ErrNotWakeable) {
			return errs.NewNotSupportedErr().WithErr(err)
		}
		return errs.NewBackendOperationErr().WithErr(err)
	}
	return nil
}

func (ps *Pollset) TTL() time.Duration {
	return ps.maxTTL
}

// SetTTL changes the idle timeout for the following cycles; zero disables it.
func (ps *Pollset) SetTTL(ttl time.Duration) error {
	if ttl < 0 {
		return errs.NewInvalidParamErr()
	}
	ps.maxTTL = ttl
	return nil
}

func (ps *Pollset) Len() int {
	return ps.table.len()
}

func (ps *Pollset) Cap() int {
	return ps.table.cap()
}

// Registrations copies the live table in table order.
func (ps *Pollset) Registrations() []Registration {
	regs := make([]Registration, 0, ps.table.nelts)
	for i := 0; i < ps.table.nelts; i++ {
		reg := &ps.table.entries[i]
		regs = append(regs, Registration{
			Fd:           reg.fd,
			Interest:     reg.interest,
			Data:         reg.data,
			RegisteredAt: reg.registeredAt,
		})
	}
	return regs
}
