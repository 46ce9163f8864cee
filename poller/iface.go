package poller

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Events is the portable readiness bitmask shared by every backend.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Priority
	Error
	Hangup
	Invalid
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	names := make([]string, 0, 6)
	for _, item := range []struct {
		bit  Events
		name string
	}{
		{Readable, "readable"},
		{Writable, "writable"},
		{Priority, "priority"},
		{Error, "error"},
		{Hangup, "hangup"},
		{Invalid, "invalid"},
	} {
		if e&item.bit != 0 {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, "|")
}

// Pevent is one registration as reported back by Wait.
type Pevent struct {
	Fd       int
	Interest Events
	Returned Events
	UserData any
}

// Poller is the OS multiplexing capability a pollset sits on.
//
// Backends are level-triggered. Add rejects an fd that is already registered,
// Remove of an unknown fd reports an error, and Wait fills at most
// len(events) records. A registration may take more than one record per Wait:
// kqueue reports the read and write filters of a Readable|Writable fd
// separately, while epoll merges them. Wait returns at once on an empty events
// slice. Only Wakeup may be called while another goroutine is blocked in Wait.
type Poller interface {
	Add(fd int, interest Events, data any) error
	Remove(fd int) error
	Wait(timeout time.Duration, events []Pevent) (int, error)
	Wakeup() error
	Close() error
}

// Factory creates a backend sized for capacity registrations. flags is
// interpreted by the backend only.
type Factory func(capacity int, flags uint32) (Poller, error)

const (
	// FlagWakeable makes Wakeup able to interrupt a blocked Wait.
	FlagWakeable uint32 = 1 << iota
)

var (
	ErrNotWakeable = errors.New("poller: created without FlagWakeable")
	ErrClosed      = errors.New("poller: closed")
)

type registration struct {
	interest Events
	data     any
}

// timeoutMillis converts a wait timeout to the millisecond convention of
// epoll_wait: negative blocks forever, partial milliseconds round up.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	if timeout >= math.MaxInt32*time.Millisecond {
		return math.MaxInt32
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
