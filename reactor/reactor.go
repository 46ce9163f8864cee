// Package reactor owns a pollset on a single goroutine and dispatches ready
// and idle descriptors to a handler running on a worker pool.
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/Trinoooo/eggie_poll/consts"
	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/Trinoooo/eggie_poll/logs"
	"github.com/Trinoooo/eggie_poll/metrics"
	"github.com/Trinoooo/eggie_poll/poller"
	"github.com/Trinoooo/eggie_poll/pollset"
	"github.com/Trinoooo/eggie_poll/utils"
	"github.com/bytedance/gopkg/util/gopool"
	"github.com/luci/go-render/render"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultPollTimeout = time.Second
	defaultWorkers     = 64
)

type Config struct {
	Capacity    int
	TTL         time.Duration
	PollTimeout time.Duration // 0 means one second
	Workers     int
}

// Event is handed to the handler once per cycle for every dispatched fd.
// A ready and expired report of the same fd in one cycle are merged.
type Event struct {
	Fd      int
	Data    any
	Events  poller.Events
	Expired bool
	// Err is set when the fd could not be registered again after the handler
	// asked to keep it. The fd is no longer watched.
	Err error
}

// HandleFunc returns true to keep watching the fd with the same data and
// interest, which also restarts its idle timer.
type HandleFunc func(evt Event) bool

type opCode int

const (
	opWatch opCode = iota
	opUnwatch
	opHandled
)

type command struct {
	op       opCode
	fd       int
	data     any
	interest poller.Events
	keep     bool
	gen      uint64
	result   chan error
}

type watch struct {
	data     any
	interest poller.Events
	inflight bool
	// tells a late opHandled from a registration reusing the fd number
	gen uint64
}

type Reactor struct {
	cfg     Config
	ps      *pollset.Pollset
	handler HandleFunc
	pool    gopool.Pool
	metrics *metrics.Helper
	logger  *zap.Logger

	cmds    chan command
	stop    chan struct{}
	exiting chan struct{} // loop left, nobody reads cmds anymore
	done    chan struct{}
	workers sync.WaitGroup

	mu        sync.Mutex
	started   bool
	destroyed bool
	closeOnce sync.Once

	// loop goroutine only
	gen     uint64
	watched map[int]*watch
	entries []pollset.Entry
}

func New(cfg Config, handler HandleFunc, opts ...Option) (*Reactor, error) {
	if handler == nil || cfg.Capacity <= 0 || cfg.TTL < 0 || cfg.Workers < 0 {
		return nil, errs.NewInvalidParamErr()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewHelper()
	}

	ps, err := pollset.New(cfg.Capacity, poller.FlagWakeable, cfg.TTL, o.pollset...)
	if err != nil {
		return nil, err
	}

	return &Reactor{
		cfg:     cfg,
		ps:      ps,
		handler: handler,
		pool:    gopool.NewPool("reactor-handlers", int32(cfg.Workers), gopool.NewConfig()),
		metrics: o.metrics,
		logger:  logs.Named(consts.ComponentReactor),
		cmds:    make(chan command, cfg.Capacity),
		stop:    make(chan struct{}),
		exiting: make(chan struct{}),
		done:    make(chan struct{}),
		watched: make(map[int]*watch, cfg.Capacity),
		entries: make([]pollset.Entry, cfg.Capacity),
	}, nil
}

// Serve runs the loop on the calling goroutine until Close or ctx is done.
func (r *Reactor) Serve(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errs.NewReactorClosedErr()
	}
	r.started = true
	r.mu.Unlock()
	defer r.finish()

	r.logger.Info("reactor start",
		zap.Int("capacity", r.cfg.Capacity),
		zap.Duration("ttl", r.cfg.TTL),
		zap.Duration("poll_timeout", r.cfg.PollTimeout))

	// ctx cancellation has to interrupt a blocked poll
	stopWatch := context.AfterFunc(ctx, r.wake)
	defer stopWatch()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reactor stop", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-r.stop:
			r.logger.Info("reactor stop")
			return nil
		default:
		}

		r.applyCommands()

		start := time.Now()
		n, err := r.ps.Poll(r.cfg.PollTimeout, r.entries)
		r.metrics.PollLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			r.metrics.PollErrors.Inc()
			r.logger.Error("poll failed", zap.Error(err))
			return errors.Wrap(err, "reactor poll")
		}
		if n > 0 {
			r.dispatch(r.entries[:n])
		}
	}
}

// Watch registers fd and blocks until the loop applied it.
func (r *Reactor) Watch(ctx context.Context, fd int, data any, interest poller.Events) error {
	return r.submit(ctx, command{op: opWatch, fd: fd, data: data, interest: interest})
}

// Unwatch stops watching fd. A handler already running for fd finishes, but
// its request to keep the fd is ignored.
func (r *Reactor) Unwatch(ctx context.Context, fd int) error {
	return r.submit(ctx, command{op: opUnwatch, fd: fd})
}

// Close stops the loop, waits for running handlers and destroys the pollset.
func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)

		r.mu.Lock()
		started := r.started
		r.started = true
		r.mu.Unlock()

		if started {
			r.wake()
			<-r.done
			return
		}
		close(r.exiting)
		err = r.destroy()
		close(r.done)
	})
	return err
}

func (r *Reactor) submit(ctx context.Context, cmd command) error {
	cmd.result = make(chan error, 1)
	select {
	case r.cmds <- cmd:
	case <-r.stop:
		return errs.NewReactorClosedErr()
	case <-r.exiting:
		return errs.NewReactorClosedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	r.wake()

	select {
	case err := <-cmd.result:
		return err
	case <-r.exiting:
		// the loop is gone; handlers calling Watch must not hold up finish
		select {
		case err := <-cmd.result:
			return err
		default:
			return errs.NewReactorClosedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) wake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	if err := r.ps.Wakeup(); err != nil {
		r.logger.Warn("wakeup poll failed", zap.Error(err))
	}
}

func (r *Reactor) applyCommands() {
	for {
		select {
		case cmd := <-r.cmds:
			err := r.apply(cmd)
			if cmd.result != nil {
				cmd.result <- err
			}
		default:
			return
		}
	}
}

func (r *Reactor) apply(cmd command) error {
	switch cmd.op {
	case opWatch:
		// an inflight fd may have been closed by its handler and reused
		if w, exist := r.watched[cmd.fd]; exist && !w.inflight {
			return errors.Wrapf(errs.NewInvalidParamErr(), "fd %d already watched", cmd.fd)
		}
		if err := r.ps.Add(cmd.fd, cmd.data, cmd.interest); err != nil {
			return err
		}
		r.gen++
		r.watched[cmd.fd] = &watch{data: cmd.data, interest: cmd.interest, gen: r.gen}
		r.logger.Debug("watch fd", zap.Int(consts.LogFieldFd, cmd.fd), zap.Stringer(consts.LogFieldEvents, cmd.interest))
	case opUnwatch:
		w, exist := r.watched[cmd.fd]
		if !exist {
			return nil
		}
		delete(r.watched, cmd.fd)
		if !w.inflight {
			err := r.ps.Remove(cmd.fd)
			r.metrics.Registrations.Set(float64(r.ps.Len()))
			if err != nil {
				return err
			}
		}
		r.logger.Debug("unwatch fd", zap.Int(consts.LogFieldFd, cmd.fd))
	case opHandled:
		w, exist := r.watched[cmd.fd]
		if !exist || !w.inflight || w.gen != cmd.gen {
			return nil
		}
		if !cmd.keep {
			delete(r.watched, cmd.fd)
			return nil
		}
		if err := r.ps.Add(cmd.fd, w.data, w.interest); err != nil {
			delete(r.watched, cmd.fd)
			r.metrics.RearmFailures.Inc()
			r.logger.Warn("rearm fd failed", zap.Int(consts.LogFieldFd, cmd.fd), zap.Error(err))
			r.run(Event{Fd: cmd.fd, Data: w.data, Events: poller.Error, Err: err}, 0, false)
			return err
		}
		w.inflight = false
	}
	r.metrics.Registrations.Set(float64(r.ps.Len()))
	return nil
}

func (r *Reactor) dispatch(entries []pollset.Entry) {
	events := make([]Event, 0, len(entries))
	index := make(map[int]int, len(entries))
	for _, entry := range entries {
		if entry.Expired() {
			r.metrics.ExpiredEvents.Inc()
		} else {
			r.metrics.ReadyEvents.Inc()
		}

		if i, exist := index[entry.Socket()]; exist {
			events[i].Events |= entry.Events()
			events[i].Expired = events[i].Expired || entry.Expired()
			continue
		}
		index[entry.Socket()] = len(events)
		events = append(events, Event{
			Fd:      entry.Socket(),
			Data:    entry.Data(),
			Events:  entry.Events(),
			Expired: entry.Expired(),
		})
	}

	for _, evt := range events {
		w, exist := r.watched[evt.Fd]
		if !exist || w.inflight {
			continue
		}
		if err := r.ps.Remove(evt.Fd); err != nil {
			// the table slot is gone either way
			r.logger.Warn("remove ready fd failed", zap.Int(consts.LogFieldFd, evt.Fd), zap.Error(err))
		}
		w.inflight = true
		if ce := r.logger.Check(zap.DebugLevel, "dispatch event"); ce != nil {
			ce.Write(zap.String(consts.LogFieldValue, render.Render(evt)))
		}
		r.run(evt, w.gen, true)
	}
	r.metrics.Registrations.Set(float64(r.ps.Len()))
}

// run calls the handler on a worker. With report set, the outcome goes back
// to the loop as an opHandled command.
func (r *Reactor) run(evt Event, gen uint64, report bool) {
	r.workers.Add(1)
	r.pool.Go(func() {
		defer r.workers.Done()
		keep := false
		if err := utils.SafeCall(func() { keep = r.handler(evt) }); err != nil {
			// a panicking handler gives up the fd
			r.logger.Error("handler panic", zap.Int(consts.LogFieldFd, evt.Fd), zap.Error(err))
			keep = false
		}
		if !report {
			return
		}
		select {
		case r.cmds <- command{op: opHandled, fd: evt.Fd, keep: keep, gen: gen}:
			r.wake()
		case <-r.stop:
		case <-r.exiting:
		}
	})
}

func (r *Reactor) finish() {
	close(r.exiting)
	r.workers.Wait()

	// answer whatever is still queued
	for {
		select {
		case cmd := <-r.cmds:
			if cmd.result != nil {
				cmd.result <- errs.NewReactorClosedErr()
			}
			continue
		default:
		}
		break
	}

	if err := r.destroy(); err != nil {
		r.logger.Error("destroy pollset failed", zap.Error(err))
	}
	close(r.done)
}

func (r *Reactor) destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	return r.ps.Destroy()
}
