package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Trinoooo/eggie_poll/consts"
	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, &Config{
		Host:        "127.0.0.1",
		Port:        8014,
		Capacity:    1024,
		TTL:         time.Minute,
		PollTimeout: time.Second,
		Workers:     64,
		ReadBuffer:  4 * consts.KB,
	}, cfg)
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
port: 9000
capacity: 16
ttl: 30s
metrics:
  listen: 127.0.0.1:9100
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	t.Setenv(consts.Capacity, "32")
	cfg, err := LoadConfig(dir, map[string]any{KeyTTL: "5s"})
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 32, cfg.Capacity)
	assert.Equal(t, 5*time.Second, cfg.TTL)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsListen)
}

func TestLoadConfigInvalid(t *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
	}{
		{name: "port", overrides: map[string]any{KeyPort: 70000}},
		{name: "capacity", overrides: map[string]any{KeyCapacity: 0}},
		{name: "ttl", overrides: map[string]any{KeyTTL: "-1s"}},
		{name: "read buffer", overrides: map[string]any{KeyReadBuffer: 0}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := LoadConfig(t.TempDir(), testCase.overrides)
			assert.Equal(t, int64(errs.LoadConfigErrCode), errs.GetCode(err))
		})
	}
}

func TestLoadConfigBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("port: [1"), 0o644))

	_, err := LoadConfig(dir, nil)
	assert.Equal(t, int64(errs.LoadConfigErrCode), errs.GetCode(err))
}
