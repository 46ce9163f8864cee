// Package server is an echo server that closes connections idle for longer
// than the configured TTL. It exercises the reactor end to end.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Trinoooo/eggie_poll/consts"
	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/Trinoooo/eggie_poll/logs"
	"github.com/Trinoooo/eggie_poll/metrics"
	"github.com/Trinoooo/eggie_poll/poller"
	"github.com/Trinoooo/eggie_poll/reactor"
	"github.com/Trinoooo/eggie_poll/server/connections"
	"github.com/bytedance/gopkg/util/gopool"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	metricsPushInterval = 5 * time.Second
	writeRetry          = 100
)

type IdleServer struct {
	cfg        *Config
	listener   connections.IListener
	reactor    *reactor.Reactor
	metrics    *metrics.Helper
	metricsSrv *http.Server
	logger     *zap.Logger
	buffers    sync.Pool
	conns      sync.Map // fd -> connections.IConnection
	// accepted connections holding or about to hold a pollset slot, kept
	// below Capacity so the listener always has one left
	live   atomic.Int64
	failed chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewIdleServer(cfg *Config, opts ...reactor.Option) (*IdleServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ip := net.ParseIP(cfg.Host).To4()
	if ip == nil {
		return nil, pkgerrors.Wrapf(errs.NewInvalidParamErr(), "host %q is not ipv4", cfg.Host)
	}
	if cfg.Capacity < 2 {
		return nil, pkgerrors.Wrap(errs.NewInvalidParamErr(), "capacity must leave room for the listener and a connection")
	}

	srv := &IdleServer{
		cfg:     cfg,
		metrics: metrics.NewHelper(),
		logger:  logs.Named(consts.ComponentServer),
		failed:  make(chan error, 1),
	}
	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	srv.buffers.New = func() any {
		buf := make([]byte, cfg.ReadBuffer)
		return &buf
	}

	var err error
	opts = append([]reactor.Option{reactor.WithMetrics(srv.metrics)}, opts...)
	srv.reactor, err = reactor.New(reactor.Config{
		Capacity:    cfg.Capacity,
		TTL:         cfg.TTL,
		PollTimeout: cfg.PollTimeout,
		Workers:     cfg.Workers,
	}, srv.handle, opts...)
	if err != nil {
		return nil, err
	}

	srv.listener, err = connections.Listen([4]byte(ip), cfg.Port)
	if err != nil {
		_ = srv.reactor.Close()
		return nil, errs.NewListenErr().WithErr(err)
	}
	return srv, nil
}

func (srv *IdleServer) Addr() net.Addr {
	return srv.listener.Addr()
}

// Serve blocks until Close. The listener itself is a watched fd, so accepting
// goes through the same pollset as the connections.
func (srv *IdleServer) Serve() error {
	srv.startMetrics()

	errCh := make(chan error, 1)
	gopool.Go(func() {
		errCh <- srv.reactor.Serve(srv.ctx)
	})

	if err := srv.reactor.Watch(srv.ctx, srv.listener.RawFd(), srv.listener, poller.Readable); err != nil {
		srv.logger.Error("watch listener failed", zap.Error(err))
		_ = srv.Close()
		<-errCh
		return err
	}
	srv.logger.Info("server start", zap.Stringer("addr", srv.Addr()))

	err := <-errCh
	if errors.Is(err, context.Canceled) {
		select {
		case err = <-srv.failed:
			return err
		default:
			return nil
		}
	}
	return err
}

func (srv *IdleServer) Close() error {
	var err error
	srv.closeOnce.Do(func() {
		srv.logger.Info("server shutdown")
		srv.cancel()
		err = srv.reactor.Close()
		if e := srv.listener.Close(); e != nil && err == nil {
			err = e
		}
		srv.conns.Range(func(key, value any) bool {
			_ = value.(connections.IConnection).Close()
			srv.conns.Delete(key)
			return true
		})
		if srv.metricsSrv != nil {
			_ = srv.metricsSrv.Close()
		}
		srv.metrics.Close()
	})
	return err
}

func (srv *IdleServer) startMetrics() {
	if srv.cfg.MetricsPushURL != "" {
		srv.metrics.StartPush(srv.cfg.MetricsPushURL, metricsPushInterval)
	}
	if srv.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", srv.metrics.Handler())
		srv.metricsSrv = &http.Server{Addr: srv.cfg.MetricsListen, Handler: mux}
		gopool.Go(func() {
			if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		})
	}
}

func (srv *IdleServer) handle(evt reactor.Event) bool {
	switch data := evt.Data.(type) {
	case connections.IListener:
		if evt.Err != nil {
			return srv.rewatchListener(data, evt.Err)
		}
		srv.accept(data)
		// listener stays watched, idle or not
		return true
	case connections.IConnection:
		return srv.serveConn(evt, data)
	default:
		srv.logger.Warn("unknown watched fd", zap.Int(consts.LogFieldFd, evt.Fd))
		return false
	}
}

func (srv *IdleServer) accept(l connections.IListener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.ECONNABORTED):
				// software caused connection abort, maybe a darwin/ios bug, ignore
				continue
			default:
				srv.logger.Error("accept failed", zap.Error(errs.NewAcceptErr().WithErr(err)))
			}
			return
		}

		srv.metrics.ConnectionAccept.Inc()
		srv.logger.Debug("accept connection",
			zap.Int(consts.LogFieldFd, conn.RawFd()),
			zap.Stringer(consts.LogFieldRemote, conn.RemoteAddr()))

		if srv.live.Load() >= int64(srv.cfg.Capacity-1) {
			srv.logger.Warn("too many connections, refuse",
				zap.Int(consts.LogFieldFd, conn.RawFd()),
				zap.Int64(consts.LogFieldCount, srv.live.Load()))
			_ = conn.Close()
			continue
		}
		srv.live.Add(1)
		srv.conns.Store(conn.RawFd(), conn)
		if err = srv.reactor.Watch(srv.ctx, conn.RawFd(), conn, poller.Readable); err != nil {
			srv.logger.Warn("watch connection failed", zap.Int(consts.LogFieldFd, conn.RawFd()), zap.Error(err))
			srv.closeConn(conn)
		}
	}
}

// rewatchListener runs when the reactor could not register the listener
// again. If watching it anew fails too, Serve stops with that error.
func (srv *IdleServer) rewatchListener(l connections.IListener, cause error) bool {
	srv.logger.Error("listener dropped by reactor", zap.Error(cause))
	err := srv.reactor.Watch(srv.ctx, l.RawFd(), l, poller.Readable)
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	srv.logger.Error("watch listener again failed", zap.Error(err))
	select {
	case srv.failed <- pkgerrors.Wrap(err, "listener lost"):
	default:
	}
	srv.cancel()
	return false
}

func (srv *IdleServer) serveConn(evt reactor.Event, conn connections.IConnection) bool {
	if evt.Err != nil || evt.Expired {
		srv.logger.Debug("close connection",
			zap.Int(consts.LogFieldFd, evt.Fd),
			zap.Bool("expired", evt.Expired),
			zap.Error(evt.Err))
		srv.closeConn(conn)
		return false
	}

	bufp := srv.buffers.Get().(*[]byte)
	defer srv.buffers.Put(bufp)
	buf := *bufp

	for {
		n, err := conn.Read(buf)
		switch {
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
			return true
		case errors.Is(err, syscall.EINTR):
			continue
		case err != nil:
			srv.logger.Warn("read connection failed", zap.Error(errs.NewReadSocketErr().WithErr(err)))
			srv.closeConn(conn)
			return false
		case n == 0:
			// eof
			srv.closeConn(conn)
			return false
		}

		if err = writeAll(conn, buf[:n]); err != nil {
			srv.logger.Warn("write connection failed", zap.Error(errs.NewWriteSocketErr().WithErr(err)))
			srv.closeConn(conn)
			return false
		}
	}
}

func (srv *IdleServer) closeConn(conn connections.IConnection) {
	if _, loaded := srv.conns.LoadAndDelete(conn.RawFd()); !loaded {
		return
	}
	srv.live.Add(-1)
	if err := conn.Close(); err != nil {
		srv.logger.Warn("close connection failed", zap.Int(consts.LogFieldFd, conn.RawFd()), zap.Error(err))
	}
}

// writeAll retries short and would-block writes on a non-blocking socket.
func writeAll(conn connections.IConnection, buf []byte) error {
	for retry := 0; len(buf) > 0; {
		n, err := conn.Write(buf)
		buf = buf[n:]
		switch {
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK), errors.Is(err, syscall.EINTR):
			retry++
			if retry > writeRetry {
				return err
			}
			time.Sleep(time.Millisecond)
		case err != nil:
			return err
		}
	}
	return nil
}
