// Package config loads the bot's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	boterrors "github.com/vinayprograms/overbot/errors"
	"github.com/vinayprograms/overbot/logging"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("10s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the whole configuration file.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Cache     CacheConfig     `toml:"cache"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Web       WebConfig       `toml:"web"`
	Bus       BusConfig       `toml:"bus"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Shutdown  ShutdownConfig  `toml:"shutdown"`
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// GatewayConfig is the [gateway] section.
type GatewayConfig struct {
	APIURL string `toml:"api_url"`
	// URL skips the REST lookup when set.
	URL            string `toml:"url"`
	Intents        int    `toml:"intents"`
	Compress       bool   `toml:"compress"`
	LargeThreshold int    `toml:"large_threshold"`
	// TotalShards overrides the recommended shard count when > 0.
	TotalShards int `toml:"total_shards"`
	// MaxConcurrency is the identify bucket count. 0 uses the value
	// reported by the REST API.
	MaxConcurrency int `toml:"max_concurrency"`
	// CloseTimeout bounds the close handshake. 0 waits forever.
	CloseTimeout     Duration `toml:"close_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	// HeartbeatJitter disables the random first-beat delay when false.
	HeartbeatJitter bool `toml:"heartbeat_jitter"`
}

// CacheConfig is the [cache] section.
type CacheConfig struct {
	MessageCacheSize int  `toml:"message_cache_size"`
	Search           bool `toml:"search"`
}

// DispatchConfig is the [dispatch] section.
type DispatchConfig struct {
	MaxInFlight    int64    `toml:"max_in_flight"`
	HandlerTimeout Duration `toml:"handler_timeout"`
}

// WebConfig is the [web] section.
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// BusConfig is the [bus] section. An empty NATSURL disables fan-out.
type BusConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
	// HeartbeatInterval spaces liveness beacons on the bus. 0 disables them.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

// TelemetryConfig is the [telemetry] section.
type TelemetryConfig struct {
	// ServiceName labels exported spans.
	ServiceName string  `toml:"service_name"`
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	Debug       bool    `toml:"debug"`
	SampleRatio float64 `toml:"sample_ratio"`
	// Journal is the lifecycle journal target: "noop", "file" or "http".
	Journal         string `toml:"journal"`
	JournalEndpoint string `toml:"journal_endpoint"`
}

// ShutdownConfig is the [shutdown] section.
type ShutdownConfig struct {
	HookTimeout Duration `toml:"hook_timeout"`
	Headless    bool     `toml:"headless"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "compact"},
		Gateway: GatewayConfig{
			APIURL:           "https://discord.com/api/v10",
			Intents:          1<<0 | 1<<9 | 1<<15, // guilds, guild messages, message content
			LargeThreshold:   50,
			HandshakeTimeout: Duration{10 * time.Second},
			HeartbeatJitter:  true,
		},
		Cache:    CacheConfig{MessageCacheSize: 128, Search: true},
		Dispatch: DispatchConfig{MaxInFlight: 1024},
		Web:      WebConfig{Enabled: true, Listen: "0.0.0.0:3000"},
		Bus: BusConfig{
			SubjectPrefix:     "overbot.events",
			HeartbeatInterval: Duration{10 * time.Second},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "overbot",
			Protocol:    "grpc",
			Journal:     "noop",
		},
		Shutdown: ShutdownConfig{HookTimeout: Duration{30 * time.Second}},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, boterrors.WrapWithCode(err, boterrors.ErrCodeConfig, "load "+path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		bad("log.format: %v", err)
	}
	if c.Gateway.URL == "" && c.Gateway.APIURL == "" {
		bad("gateway: api_url or url is required")
	}
	if c.Gateway.TotalShards < 0 {
		bad("gateway.total_shards must be >= 0, got %d", c.Gateway.TotalShards)
	}
	if c.Gateway.MaxConcurrency < 0 {
		bad("gateway.max_concurrency must be >= 0, got %d", c.Gateway.MaxConcurrency)
	}
	if c.Gateway.LargeThreshold != 0 && (c.Gateway.LargeThreshold < 50 || c.Gateway.LargeThreshold > 250) {
		bad("gateway.large_threshold must be between 50 and 250, got %d", c.Gateway.LargeThreshold)
	}
	if c.Gateway.CloseTimeout.Duration < 0 {
		bad("gateway.close_timeout must not be negative")
	}
	if c.Cache.MessageCacheSize < 1 {
		bad("cache.message_cache_size must be >= 1, got %d", c.Cache.MessageCacheSize)
	}
	if c.Dispatch.MaxInFlight < 1 {
		bad("dispatch.max_in_flight must be >= 1, got %d", c.Dispatch.MaxInFlight)
	}
	if c.Dispatch.HandlerTimeout.Duration < 0 {
		bad("dispatch.handler_timeout must not be negative")
	}
	if c.Web.Enabled {
		if _, _, err := net.SplitHostPort(c.Web.Listen); err != nil {
			bad("web.listen %q: %v", c.Web.Listen, err)
		}
	}
	if c.Bus.HeartbeatInterval.Duration < 0 {
		bad("bus.heartbeat_interval must not be negative")
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		bad("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		bad("telemetry.sample_ratio must be within [0, 1], got %v", c.Telemetry.SampleRatio)
	}
	switch c.Telemetry.Journal {
	case "", "noop":
	case "file", "http":
		if c.Telemetry.JournalEndpoint == "" {
			bad("telemetry.journal_endpoint is required for journal %q", c.Telemetry.Journal)
		}
	default:
		bad("telemetry.journal must be noop, file or http, got %q", c.Telemetry.Journal)
	}
	if c.Shutdown.HookTimeout.Duration <= 0 {
		bad("shutdown.hook_timeout must be positive")
	}
	return errors.Join(errs...)
}
