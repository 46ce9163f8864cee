//go:build linux

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type EpollPoller struct {
	mu     sync.RWMutex
	epfd   int
	wakeFd int
	closed bool
	regs   map[int]registration
	events []unix.EpollEvent
}

// New creates the platform default backend.
func New(capacity int, flags uint32) (Poller, error) {
	return NewEpollPoller(capacity, flags)
}

func NewEpollPoller(capacity int, flags uint32) (*EpollPoller, error) {
	if capacity <= 0 {
		return nil, unix.EINVAL
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	ep := &EpollPoller{
		epfd:   epfd,
		wakeFd: -1,
		regs:   make(map[int]registration, capacity),
		// one spare slot for the wakeup eventfd
		events: make([]unix.EpollEvent, capacity+1),
	}

	if flags&FlagWakeable != 0 {
		wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			_ = unix.Close(epfd)
			return nil, err
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
		if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &ev); err != nil {
			_ = unix.Close(wfd)
			_ = unix.Close(epfd)
			return nil, err
		}
		ep.wakeFd = wfd
	}

	return ep, nil
}

func (ep *EpollPoller) Add(fd int, interest Events, data any) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return unix.EBADF
	}
	if _, exist := ep.regs[fd]; exist {
		return unix.EEXIST
	}

	ev := unix.EpollEvent{
		Events: toEpoll(interest),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(ep.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	ep.regs[fd] = registration{interest: interest, data: data}
	return nil
}

func (ep *EpollPoller) Remove(fd int) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return unix.EBADF
	}
	// the kernel drops closed fds on its own, so forget the fd even if DEL fails
	delete(ep.regs, fd)
	return unix.EpollCtl(ep.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (ep *EpollPoller) Wait(timeout time.Duration, events []Pevent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	limit := len(events)
	if ep.wakeFd >= 0 {
		limit++
	}
	if limit > len(ep.events) {
		limit = len(ep.events)
	}

	n, err := unix.EpollWait(ep.epfd, ep.events[:limit], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	cnt := 0
	for i := 0; i < n && cnt < len(events); i++ {
		fd := int(ep.events[i].Fd)
		if fd == ep.wakeFd {
			ep.drainWakeup()
			continue
		}
		reg, exist := ep.regs[fd]
		if !exist {
			continue
		}
		events[cnt] = Pevent{
			Fd:       fd,
			Interest: reg.interest,
			Returned: fromEpoll(ep.events[i].Events),
			UserData: reg.data,
		}
		cnt++
	}
	return cnt, nil
}

func (ep *EpollPoller) Wakeup() error {
	if ep.wakeFd < 0 {
		return ErrNotWakeable
	}
	buf := [8]byte{1}
	_, err := unix.Write(ep.wakeFd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (ep *EpollPoller) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(ep.wakeFd, buf[:])
}

func (ep *EpollPoller) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return nil
	}
	ep.closed = true
	ep.regs = nil

	var err error
	if ep.wakeFd >= 0 {
		err = unix.Close(ep.wakeFd)
	}
	if e := unix.Close(ep.epfd); e != nil && err == nil {
		err = e
	}
	return err
}

func toEpoll(interest Events) uint32 {
	var events uint32
	if interest&Readable != 0 {
		// EPOLLRDHUP: peer shutdown
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	if interest&Priority != 0 {
		events |= unix.EPOLLPRI
	}
	return events
}

func fromEpoll(events uint32) Events {
	var returned Events
	if events&unix.EPOLLIN != 0 {
		returned |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		returned |= Writable
	}
	if events&unix.EPOLLPRI != 0 {
		returned |= Priority
	}
	if events&unix.EPOLLERR != 0 {
		returned |= Error
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		returned |= Hangup
	}
	return returned
}
