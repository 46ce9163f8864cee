//go:build linux || darwin || freebsd

package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(ttl time.Duration) *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        0,
		Capacity:    16,
		TTL:         ttl,
		PollTimeout: 10 * time.Millisecond,
		Workers:     4,
		ReadBuffer:  64,
	}
}

func startServer(t *testing.T, cfg *Config) *IdleServer {
	srv, err := NewIdleServer(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()
	t.Cleanup(func() {
		assert.NoError(t, srv.Close())
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("serve did not return")
		}
	})
	return srv
}

func TestIdleServerEcho(t *testing.T) {
	srv := startServer(t, newTestConfig(0))

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	for _, msg := range []string{"hello", "a message longer than the sixty four byte read buffer of the test server"} {
		_, err = client.Write([]byte(msg))
		require.NoError(t, err)

		buf := make([]byte, len(msg))
		_, err = io.ReadFull(client, buf)
		require.NoError(t, err)
		assert.Equal(t, msg, string(buf))
	}
}

func TestIdleServerClosesIdleConnection(t *testing.T) {
	srv := startServer(t, newTestConfig(100*time.Millisecond))

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	start := time.Now()
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestIdleServerActiveConnectionSurvivesTTL(t *testing.T) {
	srv := startServer(t, newTestConfig(300*time.Millisecond))

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	// every echo re-arms the fd and restarts its idle timer
	buf := make([]byte, 4)
	for i := 0; i < 5; i++ {
		_, err = client.Write([]byte("ping"))
		require.NoError(t, err)
		_, err = io.ReadFull(client, buf)
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	}
}

func TestNewIdleServerInvalidHost(t *testing.T) {
	cfg := newTestConfig(0)
	cfg.Host = "::1"
	_, err := NewIdleServer(cfg)
	assert.Equal(t, int64(errs.InvalidParamErrCode), errs.GetCode(err))
}

func echoOnce(addr, msg string) error {
	client, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer client.Close()
	if err = client.SetDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		return err
	}
	if _, err = client.Write([]byte(msg)); err != nil {
		return err
	}
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(client, buf)
	return err
}

func TestIdleServerKeepsListenerWhenFull(t *testing.T) {
	cfg := newTestConfig(0)
	cfg.Capacity = 2
	srv := startServer(t, cfg)

	first, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, first.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = first.Write([]byte("one"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	// the only connection slot is taken, so the next client is refused
	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, second.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = second.Read(buf)
	assert.Error(t, err)
	second.Close()

	first.Close()

	// once the slot frees up, the listener still accepts
	require.Eventually(t, func() bool {
		return echoOnce(srv.Addr().String(), "ping") == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewIdleServerCapacityTooSmall(t *testing.T) {
	cfg := newTestConfig(0)
	cfg.Capacity = 1
	_, err := NewIdleServer(cfg)
	assert.Equal(t, int64(errs.InvalidParamErrCode), errs.GetCode(err))
}
