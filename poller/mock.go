package poller

import (
	"sync"
	"syscall"
	"time"
)

// MockPoller is an in-memory backend. Readiness is injected with Trigger and
// stays asserted until Clear or Remove, like a level-triggered OS poller.
type MockPoller struct {
	mu              sync.Mutex
	allowDuplicates bool
	closed          bool
	capacity        int
	flags           uint32
	order           []int
	regs            map[int]registration
	ready           map[int]Events
	addErr          error
	removeErr       error
	waitErr         error
	addCalls        int
	removeCalls     int
	waitCalls       int
	notify          chan struct{}
	wake            chan struct{}
	done            chan struct{}
}

func NewMockPoller() *MockPoller {
	return &MockPoller{
		regs:   make(map[int]registration),
		ready:  make(map[int]Events),
		notify: make(chan struct{}, 1),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Factory hands out this instance and records the creation arguments.
func (m *MockPoller) Factory() Factory {
	return func(capacity int, flags uint32) (Poller, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.capacity = capacity
		m.flags = flags
		return m, nil
	}
}

// AllowDuplicates makes Add accept an fd that is already registered.
func (m *MockPoller) AllowDuplicates(allow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowDuplicates = allow
}

func (m *MockPoller) FailAdd(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addErr = err
}

func (m *MockPoller) FailRemove(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeErr = err
}

func (m *MockPoller) FailWait(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitErr = err
}

// Trigger marks fd as ready with events and wakes a blocked Wait.
func (m *MockPoller) Trigger(fd int, events Events) {
	m.mu.Lock()
	m.ready[fd] |= events
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *MockPoller) Clear(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ready, fd)
}

func (m *MockPoller) Registered(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exist := m.regs[fd]
	return exist
}

func (m *MockPoller) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

func (m *MockPoller) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

func (m *MockPoller) Flags() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// Calls returns how many times Add, Remove and Wait were invoked.
func (m *MockPoller) Calls() (add, remove, wait int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCalls, m.removeCalls, m.waitCalls
}

func (m *MockPoller) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockPoller) Add(fd int, interest Events, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addCalls++
	if m.closed {
		return syscall.EBADF
	}
	if m.addErr != nil {
		return m.addErr
	}
	if _, exist := m.regs[fd]; exist {
		if !m.allowDuplicates {
			return syscall.EEXIST
		}
	} else {
		m.order = append(m.order, fd)
	}
	m.regs[fd] = registration{interest: interest, data: data}
	return nil
}

func (m *MockPoller) Remove(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeCalls++
	if m.closed {
		return syscall.EBADF
	}
	if m.removeErr != nil {
		return m.removeErr
	}
	if _, exist := m.regs[fd]; !exist {
		return syscall.ENOENT
	}
	delete(m.regs, fd)
	delete(m.ready, fd)
	for i, registered := range m.order {
		if registered == fd {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockPoller) Wait(timeout time.Duration, events []Pevent) (int, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	for {
		m.mu.Lock()
		m.waitCalls++
		if m.closed {
			m.mu.Unlock()
			return 0, syscall.EBADF
		}
		if m.waitErr != nil {
			err := m.waitErr
			m.mu.Unlock()
			return 0, err
		}
		n := m.collect(events)
		m.mu.Unlock()

		if n > 0 || timeout == 0 || len(events) == 0 {
			return n, nil
		}

		select {
		case <-m.notify:
		case <-m.wake:
			return 0, nil
		case <-m.done:
		case <-expire:
			return 0, nil
		}
	}
}

func (m *MockPoller) collect(events []Pevent) int {
	cnt := 0
	for _, fd := range m.order {
		if cnt >= len(events) {
			break
		}
		reg := m.regs[fd]
		returned := m.ready[fd] & (reg.interest | Error | Hangup | Invalid)
		if returned == 0 {
			continue
		}
		events[cnt] = Pevent{
			Fd:       fd,
			Interest: reg.interest,
			Returned: returned,
			UserData: reg.data,
		}
		cnt++
	}
	return cnt
}

func (m *MockPoller) Wakeup() error {
	m.mu.Lock()
	wakeable := m.flags&FlagWakeable != 0
	m.mu.Unlock()

	if !wakeable {
		return ErrNotWakeable
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockPoller) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
