package server

import (
	"errors"
	"strings"
	"time"

	"github.com/Trinoooo/eggie_poll/consts"
	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/spf13/viper"
)

// 配置项
const (
	KeyHost           = "host"
	KeyPort           = "port"
	KeyCapacity       = "capacity"
	KeyTTL            = "ttl"
	KeyPollTimeout    = "poll_timeout"
	KeyWorkers        = "workers"
	KeyReadBuffer     = "read_buffer"
	KeyMetricsPushURL = "metrics.push_url"
	KeyMetricsListen  = "metrics.listen"
)

type Config struct {
	Host        string
	Port        int
	Capacity    int
	TTL         time.Duration
	PollTimeout time.Duration
	Workers     int
	ReadBuffer  int
	// empty disables pushing
	MetricsPushURL string
	// empty disables the scrape endpoint
	MetricsListen string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyHost, "127.0.0.1")
	v.SetDefault(KeyPort, 8014)
	v.SetDefault(KeyCapacity, 1024)
	v.SetDefault(KeyTTL, time.Minute)
	v.SetDefault(KeyPollTimeout, time.Second)
	v.SetDefault(KeyWorkers, 64)
	v.SetDefault(KeyReadBuffer, 4*consts.KB)
	v.SetDefault(KeyMetricsPushURL, "")
	v.SetDefault(KeyMetricsListen, "")
}

// LoadConfig reads config.yaml from path (missing file is fine), then
// EGGIE_POLL_* environment variables, then overrides, later ones winning.
func LoadConfig(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(consts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = consts.DefaultConfigPath
	}
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errs.NewLoadConfigErr().WithErr(err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	cfg := &Config{
		Host:           v.GetString(KeyHost),
		Port:           v.GetInt(KeyPort),
		Capacity:       v.GetInt(KeyCapacity),
		TTL:            v.GetDuration(KeyTTL),
		PollTimeout:    v.GetDuration(KeyPollTimeout),
		Workers:        v.GetInt(KeyWorkers),
		ReadBuffer:     v.GetInt(KeyReadBuffer),
		MetricsPushURL: v.GetString(KeyMetricsPushURL),
		MetricsListen:  v.GetString(KeyMetricsListen),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.Port < 0 || cfg.Port > 65535,
		cfg.Capacity <= 0,
		cfg.TTL < 0,
		cfg.PollTimeout < 0,
		cfg.Workers < 0,
		cfg.ReadBuffer <= 0:
		return errs.NewLoadConfigErr().WithErr(errs.NewInvalidParamErr())
	}
	return nil
}
