//go:build darwin || freebsd

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// wakeIdent identifies the EVFILT_USER event, which lives in its own
// namespace and cannot collide with a descriptor.
const wakeIdent = 0

type KqueuePoller struct {
	mu       sync.RWMutex
	kq       int
	wakeable bool
	closed   bool
	regs     map[int]registration
	kevents  []unix.Kevent_t
}

// New creates the platform default backend.
func New(capacity int, flags uint32) (Poller, error) {
	return NewKqueuePoller(capacity, flags)
}

func NewKqueuePoller(capacity int, flags uint32) (*KqueuePoller, error) {
	if capacity <= 0 {
		return nil, unix.EINVAL
	}

	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	kp := &KqueuePoller{
		kq:   kq,
		regs: make(map[int]registration, capacity),
		// read and write filters report separately, plus the wakeup slot
		kevents: make([]unix.Kevent_t, 2*capacity+1),
	}

	if flags&FlagWakeable != 0 {
		changes := make([]unix.Kevent_t, 1)
		unix.SetKevent(&changes[0], wakeIdent, unix.EVFILT_USER, unix.EV_ADD|unix.EV_CLEAR)
		if _, err = unix.Kevent(kq, changes, nil, nil); err != nil {
			_ = unix.Close(kq)
			return nil, err
		}
		kp.wakeable = true
	}

	return kp, nil
}

func (kp *KqueuePoller) Add(fd int, interest Events, data any) error {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if kp.closed {
		return unix.EBADF
	}
	if _, exist := kp.regs[fd]; exist {
		return unix.EEXIST
	}

	changes := toKevents(fd, interest, unix.EV_ADD|unix.EV_ENABLE)
	if _, err := unix.Kevent(kp.kq, changes, nil, nil); err != nil {
		return err
	}
	kp.regs[fd] = registration{interest: interest, data: data}
	return nil
}

func (kp *KqueuePoller) Remove(fd int) error {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if kp.closed {
		return unix.EBADF
	}
	reg, exist := kp.regs[fd]
	if !exist {
		return unix.ENOENT
	}
	delete(kp.regs, fd)

	changes := toKevents(fd, reg.interest, unix.EV_DELETE)
	_, err := unix.Kevent(kp.kq, changes, nil, nil)
	return err
}

func (kp *KqueuePoller) Wait(timeout time.Duration, events []Pevent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	limit := len(events)
	if kp.wakeable {
		limit++
	}
	if limit > len(kp.kevents) {
		limit = len(kp.kevents)
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}

	n, err := unix.Kevent(kp.kq, nil, kp.kevents[:limit], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	kp.mu.RLock()
	defer kp.mu.RUnlock()

	cnt := 0
	for i := 0; i < n && cnt < len(events); i++ {
		kev := &kp.kevents[i]
		if kev.Filter == unix.EVFILT_USER {
			continue
		}
		fd := int(kev.Ident)
		reg, exist := kp.regs[fd]
		if !exist {
			continue
		}
		events[cnt] = Pevent{
			Fd:       fd,
			Interest: reg.interest,
			Returned: fromKevent(kev),
			UserData: reg.data,
		}
		cnt++
	}
	return cnt, nil
}

func (kp *KqueuePoller) Wakeup() error {
	if !kp.wakeable {
		return ErrNotWakeable
	}
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], wakeIdent, unix.EVFILT_USER, 0)
	changes[0].Fflags = unix.NOTE_TRIGGER
	_, err := unix.Kevent(kp.kq, changes, nil, nil)
	return err
}

func (kp *KqueuePoller) Close() error {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if kp.closed {
		return nil
	}
	kp.closed = true
	kp.regs = nil
	return unix.Close(kp.kq)
}

func toKevents(fd int, interest Events, flags int) []unix.Kevent_t {
	kevents := make([]unix.Kevent_t, 0, 2)
	if interest&(Readable|Priority) != 0 || interest&Writable == 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_READ, flags)
		kevents = append(kevents, kev)
	}
	if interest&Writable != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, flags)
		kevents = append(kevents, kev)
	}
	return kevents
}

func fromKevent(kev *unix.Kevent_t) Events {
	var returned Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		returned |= Readable
	case unix.EVFILT_WRITE:
		returned |= Writable
	}
	if kev.Flags&unix.EV_EOF != 0 {
		returned |= Hangup
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		returned |= Error
	}
	return returned
}
