package reactor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/Trinoooo/eggie_poll/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []Event
	keep   func(evt Event) bool
}

func (rec *recorder) handle(evt Event) bool {
	rec.mu.Lock()
	rec.events = append(rec.events, evt)
	keep := rec.keep
	rec.mu.Unlock()
	if keep == nil {
		return false
	}
	return keep(evt)
}

func (rec *recorder) snapshot() []Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Event(nil), rec.events...)
}

type harness struct {
	r     *Reactor
	mock  *poller.MockPoller
	clock *fakeclock.FakeClock
	rec   *recorder
	errCh chan error
}

func startReactor(t *testing.T, ttl time.Duration, keep func(Event) bool) *harness {
	h := &harness{
		mock:  poller.NewMockPoller(),
		clock: fakeclock.NewFakeClock(time.Now()),
		rec:   &recorder{keep: keep},
		errCh: make(chan error, 1),
	}
	r, err := New(Config{
		Capacity:    8,
		TTL:         ttl,
		PollTimeout: 10 * time.Millisecond,
		Workers:     4,
	}, h.rec.handle, WithBackend(h.mock.Factory()), WithClock(h.clock))
	require.NoError(t, err)
	h.r = r

	go func() {
		h.errCh <- r.Serve(context.Background())
	}()
	t.Cleanup(func() {
		_ = r.Close()
	})
	return h
}

func TestNewInvalidParams(t *testing.T) {
	handler := func(Event) bool { return false }
	testCases := []struct {
		name    string
		cfg     Config
		handler HandleFunc
	}{
		{name: "zero capacity", cfg: Config{Capacity: 0}, handler: handler},
		{name: "negative ttl", cfg: Config{Capacity: 1, TTL: -time.Second}, handler: handler},
		{name: "negative workers", cfg: Config{Capacity: 1, Workers: -1}, handler: handler},
		{name: "nil handler", cfg: Config{Capacity: 1}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := New(testCase.cfg, testCase.handler, WithBackend(poller.NewMockPoller().Factory()))
			assert.Equal(t, int64(errs.InvalidParamErrCode), errs.GetCode(err))
		})
	}
}

func TestNewRequestsWakeableBackend(t *testing.T) {
	mock := poller.NewMockPoller()
	r, err := New(Config{Capacity: 3}, func(Event) bool { return false }, WithBackend(mock.Factory()))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 3, mock.Capacity())
	assert.Equal(t, poller.FlagWakeable, mock.Flags()&poller.FlagWakeable)
}

func TestDispatchReady(t *testing.T) {
	h := startReactor(t, 0, nil)
	ctx := context.Background()

	require.NoError(t, h.r.Watch(ctx, 5, "conn-5", poller.Readable))
	assert.True(t, h.mock.Registered(5))

	h.mock.Trigger(5, poller.Readable)
	require.Eventually(t, func() bool {
		return len(h.rec.snapshot()) == 1
	}, waitFor, time.Millisecond)

	evt := h.rec.snapshot()[0]
	assert.Equal(t, 5, evt.Fd)
	assert.Equal(t, "conn-5", evt.Data)
	assert.Equal(t, poller.Readable, evt.Events)
	assert.False(t, evt.Expired)
	assert.NoError(t, evt.Err)

	// handler declined, so the fd stays out of the backend
	assert.False(t, h.mock.Registered(5))
}

func TestDispatchRearm(t *testing.T) {
	h := startReactor(t, 0, func(Event) bool { return true })
	ctx := context.Background()

	require.NoError(t, h.r.Watch(ctx, 7, nil, poller.Readable))
	h.mock.Trigger(7, poller.Readable)
	require.Eventually(t, func() bool {
		return len(h.rec.snapshot()) == 1 && h.mock.Registered(7)
	}, waitFor, time.Millisecond)

	h.mock.Trigger(7, poller.Readable)
	require.Eventually(t, func() bool {
		return len(h.rec.snapshot()) == 2
	}, waitFor, time.Millisecond)
}

func TestDispatchExpired(t *testing.T) {
	h := startReactor(t, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, h.r.Watch(ctx, 9, "idle", poller.Readable))
	h.clock.Increment(2 * time.Minute)

	require.Eventually(t, func() bool {
		return len(h.rec.snapshot()) == 1
	}, waitFor, time.Millisecond)

	evt := h.rec.snapshot()[0]
	assert.Equal(t, 9, evt.Fd)
	assert.Equal(t, "idle", evt.Data)
	assert.True(t, evt.Expired)
	assert.Equal(t, poller.Hangup|poller.Readable, evt.Events)
	assert.False(t, h.mock.Registered(9))
}

func TestRearmFailure(t *testing.T) {
	var h *harness
	h = startReactor(t, 0, func(evt Event) bool {
		if evt.Err == nil {
			h.mock.FailAdd(syscall.ENOMEM)
		}
		return true
	})
	ctx := context.Background()

	require.NoError(t, h.r.Watch(ctx, 4, nil, poller.Readable))
	h.mock.Trigger(4, poller.Readable)

	require.Eventually(t, func() bool {
		return len(h.rec.snapshot()) == 2
	}, waitFor, time.Millisecond)

	evt := h.rec.snapshot()[1]
	assert.Equal(t, 4, evt.Fd)
	assert.Equal(t, poller.Error, evt.Events)
	assert.ErrorIs(t, evt.Err, syscall.ENOMEM)
}

func TestWatchTwice(t *testing.T) {
	h := startReactor(t, 0, nil)
	ctx := context.Background()

	require.NoError(t, h.r.Watch(ctx, 3, nil, poller.Readable))
	err := h.r.Watch(ctx, 3, nil, poller.Readable)
	assert.Equal(t, int64(errs.InvalidParamErrCode), errs.GetCode(err))
}

func TestWatchBackendFailure(t *testing.T) {
	h := startReactor(t, 0, nil)
	h.mock.FailAdd(syscall.EPERM)

	err := h.r.Watch(context.Background(), 3, nil, poller.Readable)
	assert.Equal(t, int64(errs.BackendOperationErrCode), errs.GetCode(err))
	assert.ErrorIs(t, err, syscall.EPERM)
}

func TestUnwatch(t *testing.T) {
	h := startReactor(t, 0, nil)
	ctx := context.Background()

	require.NoError(t, h.r.Watch(ctx, 6, nil, poller.Readable))
	require.NoError(t, h.r.Unwatch(ctx, 6))
	assert.False(t, h.mock.Registered(6))

	// unknown fd is a no-op
	assert.NoError(t, h.r.Unwatch(ctx, 100))
}

func TestClose(t *testing.T) {
	h := startReactor(t, 0, nil)

	require.NoError(t, h.r.Watch(context.Background(), 2, nil, poller.Readable))
	require.NoError(t, h.r.Close())

	select {
	case err := <-h.errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("serve did not return")
	}
	assert.True(t, h.mock.Closed())

	err := h.r.Watch(context.Background(), 3, nil, poller.Readable)
	assert.Equal(t, int64(errs.ReactorClosedErrCode), errs.GetCode(err))
	assert.NoError(t, h.r.Close())
}

func TestServeContextCancel(t *testing.T) {
	mock := poller.NewMockPoller()
	r, err := New(Config{Capacity: 2, PollTimeout: time.Hour}, func(Event) bool { return false },
		WithBackend(mock.Factory()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Serve(ctx)
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("serve did not return")
	}
	assert.True(t, mock.Closed())
	assert.NoError(t, r.Close())
}

func TestCloseBeforeServe(t *testing.T) {
	mock := poller.NewMockPoller()
	r, err := New(Config{Capacity: 2}, func(Event) bool { return false }, WithBackend(mock.Factory()))
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, mock.Closed())

	err = r.Serve(context.Background())
	assert.Equal(t, int64(errs.ReactorClosedErrCode), errs.GetCode(err))
}

func TestWatchReusedFdWhileInflight(t *testing.T) {
	release := make(chan struct{})
	h := startReactor(t, 0, func(evt Event) bool {
		if evt.Data == "old" {
			<-release
		}
		return false
	})
	ctx := context.Background()

	require.NoError(t, h.r.Watch(ctx, 5, "old", poller.Readable))
	h.mock.Trigger(5, poller.Readable)
	require.Eventually(t, func() bool {
		return len(h.rec.snapshot()) == 1
	}, waitFor, time.Millisecond)

	// the old handler has not reported back yet
	require.NoError(t, h.r.Watch(ctx, 5, "new", poller.Readable))
	close(release)

	h.mock.Trigger(5, poller.Readable)
	require.Eventually(t, func() bool {
		events := h.rec.snapshot()
		return len(events) == 2 && events[1].Data == "new"
	}, waitFor, time.Millisecond)
}

func TestHandlerPanic(t *testing.T) {
	h := startReactor(t, 0, func(Event) bool {
		panic("boom")
	})
	ctx := context.Background()

	require.NoError(t, h.r.Watch(ctx, 8, nil, poller.Readable))
	h.mock.Trigger(8, poller.Readable)
	require.Eventually(t, func() bool {
		return len(h.rec.snapshot()) == 1
	}, waitFor, time.Millisecond)

	// the loop survives and the fd is not re-armed
	require.NoError(t, h.r.Watch(ctx, 9, nil, poller.Readable))
	assert.False(t, h.mock.Registered(8))
}
