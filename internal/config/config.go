// Package config loads termbroker's runtime configuration from environment
// variables (with an optional config file), following the viper pattern of
// go-server-3's internal/config package.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"termbroker/pkg/termstream"
)

// Config holds all runtime configuration for termbroker.
type Config struct {
	Server  ServerConfig         `mapstructure:"server"`
	Stream  StreamConfig         `mapstructure:"stream"`
	NATS    NATSConfig           `mapstructure:"nats"`
	Auth    AuthConfig           `mapstructure:"auth"`
	Metrics MetricsConfig        `mapstructure:"metrics"`
	Logging LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig contains network-level settings for the HTTP/WebSocket listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

// StreamConfig mirrors spec §6.3's six broker tunables.
type StreamConfig struct {
	RingMaxBytes              int           `mapstructure:"ring_max_bytes"`
	QueueMaxBytes             int           `mapstructure:"queue_max_bytes"`
	BatchMaxBytes             int           `mapstructure:"batch_max_bytes"`
	RetryFlushDelay           time.Duration `mapstructure:"retry_flush_delay"`
	CatastrophicBufferedBytes int64         `mapstructure:"catastrophic_buffered_bytes"`
	CatastrophicStallWindow   time.Duration `mapstructure:"catastrophic_stall_window"`
}

// ToTermstream converts StreamConfig into the termstream.Config the broker
// consumes. No clamping happens here; clamp() is applied by NewBroker, so an out-of-range value
// read from the environment is raised to its floor rather than rejected.
func (s StreamConfig) ToTermstream() termstream.Config {
	return termstream.Config{
		RingMaxBytes:              s.RingMaxBytes,
		QueueMaxBytes:             s.QueueMaxBytes,
		BatchMaxBytes:             s.BatchMaxBytes,
		RetryFlushDelay:           s.RetryFlushDelay,
		CatastrophicBufferedBytes: s.CatastrophicBufferedBytes,
		CatastrophicStallWindow:   s.CatastrophicStallWindow,
	}
}

// NATSConfig points the registry at the inbound relay that carries raw PTY
// bytes from the external host process (spec §1, SPEC_FULL.md §2.5).
type NATSConfig struct {
	URL            string `mapstructure:"url"`
	SubjectPrefix  string `mapstructure:"subject_prefix"`
	QueueGroup     string `mapstructure:"queue_group"`
}

// AuthConfig controls the outer JWT gate in front of the WebSocket upgrade.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Secret    string `mapstructure:"secret"`
	Issuer    string `mapstructure:"issuer"`
}

// MetricsConfig holds Prometheus endpoint settings. It is loaded but not
// read: internal/httpapi always serves /metrics on the main listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from TERMBROKER_-prefixed environment variables
// and an optional ./termbroker.yaml / ./config/termbroker.yaml file.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.read_buffer_size", 16<<10)
	v.SetDefault("server.write_buffer_size", 16<<10)

	def := termstream.DefaultConfig()
	v.SetDefault("stream.ring_max_bytes", def.RingMaxBytes)
	v.SetDefault("stream.queue_max_bytes", def.QueueMaxBytes)
	v.SetDefault("stream.batch_max_bytes", def.BatchMaxBytes)
	v.SetDefault("stream.retry_flush_delay", def.RetryFlushDelay)
	v.SetDefault("stream.catastrophic_buffered_bytes", def.CatastrophicBufferedBytes)
	v.SetDefault("stream.catastrophic_stall_window", def.CatastrophicStallWindow)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "term")
	v.SetDefault("nats.queue_group", "termbroker")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "termbroker")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9096")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("termbroker")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("TERMBROKER")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	return cfg, nil
}
