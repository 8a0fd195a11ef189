// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

// UnmarshalYAML parses either a Go duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if parsed, err := time.ParseDuration(text); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := node.Decode(&seconds); err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig tunes the session transport.
type ServerConfig struct {
	Host                 string   `yaml:"host"`
	Port                 int      `yaml:"port"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     Duration `yaml:"heartbeat_timeout"`
	MaxMessageSize       int64    `yaml:"max_message_size"`
	ReconnectGracePeriod Duration `yaml:"reconnect_grace_period"`
	CommandTimeout       Duration `yaml:"command_timeout"`
}

// ReplayConfig tunes the replay controller.
type ReplayConfig struct {
	TimeUnit             Duration `yaml:"time_unit"`
	InitialSpeed         float64  `yaml:"initial_speed"`
	AutoSnapshotInterval int      `yaml:"auto_snapshot_interval"`
	SnapshotDir          string   `yaml:"snapshot_dir"`
	InitialCash          string   `yaml:"initial_cash"`
	DataFile             string   `yaml:"data_file"`
}

// BusConfig tunes the event bus history.
type BusConfig struct {
	MaxHistory int `yaml:"max_history"`
}

// TelemetryConfig configures metric export. An empty endpoint disables
// export entirely.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// CatalogConfig configures the optional Postgres snapshot catalog. An
// empty DSN disables the catalog.
type CatalogConfig struct {
	DSN string `yaml:"dsn"`
}

// Config is the full daemon configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Replay    ReplayConfig    `yaml:"replay"`
	Bus       BusConfig       `yaml:"bus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:                 "127.0.0.1",
			Port:                 8765,
			HeartbeatInterval:    Duration(30 * time.Second),
			HeartbeatTimeout:     Duration(60 * time.Second),
			MaxMessageSize:       1 << 20,
			ReconnectGracePeriod: Duration(5 * time.Minute),
			CommandTimeout:       Duration(10 * time.Second),
		},
		Replay: ReplayConfig{
			TimeUnit:             Duration(time.Second),
			InitialSpeed:         1,
			AutoSnapshotInterval: 1000,
			SnapshotDir:          "snapshots",
			InitialCash:          "1000000",
		},
		Bus: BusConfig{
			MaxHistory: 10000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "backcast",
		},
	}
}

// Load reads the configuration file at path. The second return reports
// whether the file existed; when it does not, defaults are returned.
func Load(path string) (Config, bool, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 -- path is operator provided.
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if c.Server.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive")
	}
	if c.Server.HeartbeatTimeout.Std() <= c.Server.HeartbeatInterval.Std() {
		return fmt.Errorf("config: heartbeat timeout must exceed the interval")
	}
	if c.Replay.TimeUnit.Std() <= 0 {
		return fmt.Errorf("config: replay time unit must be positive")
	}
	if c.Bus.MaxHistory <= 0 {
		return fmt.Errorf("config: bus max history must be positive")
	}
	if c.Replay.InitialCash != "" {
		if _, err := decimal.NewFromString(c.Replay.InitialCash); err != nil {
			return fmt.Errorf("config: invalid initial cash %q: %w", c.Replay.InitialCash, err)
		}
	}
	return nil
}

// InitialCashDecimal parses the configured starting balance.
func (c ReplayConfig) InitialCashDecimal() decimal.Decimal {
	if c.InitialCash == "" {
		return decimal.NewFromInt(1000000)
	}
	value, err := decimal.NewFromString(c.InitialCash)
	if err != nil {
		return decimal.NewFromInt(1000000)
	}
	return value
}
