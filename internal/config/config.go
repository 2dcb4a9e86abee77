// Package config loads viewer settings from a YAML file, an optional .env
// file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/signalsfoundry/traceview/internal/logging"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete viewer configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Log       LogConfig       `yaml:"log"`
	Charts    []ChartConfig   `yaml:"charts"`
}

// ServerConfig locates the data server.
type ServerConfig struct {
	URL string `yaml:"url"`
	// Transport is "ndjson" or "websocket"; it applies to streamed series.
	Transport        string        `yaml:"transport"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// HealthAddr is the gRPC health endpoint polled for dataset readiness.
	// Empty disables polling.
	HealthAddr string `yaml:"health_addr"`
}

// ViewerConfig holds engine tuning.
type ViewerConfig struct {
	SpilloverFactor float64       `yaml:"spillover_factor"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	RepaintInterval time.Duration `yaml:"repaint_interval"`
	MinSpan         float64       `yaml:"min_span"`
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
}

// ReadinessConfig bounds the readiness poll's backoff.
type ReadinessConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// LogConfig mirrors logging.Config for file-based setup.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ChartConfig is one chart of the dataset view.
type ChartConfig struct {
	Title  string         `yaml:"title"`
	Series []SeriesConfig `yaml:"series"`
}

// SeriesConfig binds one data resource to a chart.
type SeriesConfig struct {
	// Resource is "utilization", "intervals" or "metrics/<name>".
	Resource string `yaml:"resource"`
	// Mode is "batch" or "stream".
	Mode string `yaml:"mode"`
	// Kind is "line" or "intervals"; it defaults from Resource.
	Kind            string `yaml:"kind"`
	Color           string `yaml:"color"`
	IgnoreSelection bool   `yaml:"ignore_selection"`
}

// Default returns a configuration with sensible defaults and the standard
// three-chart view.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:              "http://localhost:8080",
			Transport:        "ndjson",
			HandshakeTimeout: 10 * time.Second,
		},
		Viewer: ViewerConfig{
			SpilloverFactor: 3,
			SettleDelay:     50 * time.Millisecond,
			RepaintInterval: 100 * time.Millisecond,
			MinSpan:         1,
			Width:           1200,
			Height:          160,
		},
		Readiness: ReadinessConfig{
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Timeout:         2 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Charts: []ChartConfig{
			{Title: "Utilization", Series: []SeriesConfig{{Resource: "utilization", Mode: "stream", Kind: "line"}}},
			{Title: "Intervals", Series: []SeriesConfig{{Resource: "intervals", Mode: "batch", Kind: "intervals"}}},
			{Title: "Memory", Series: []SeriesConfig{{Resource: "metrics/memory", Mode: "batch", Kind: "line", IgnoreSelection: true}}},
		},
	}
}

// Load reads path over the defaults. An empty path yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment,
// skipping files that do not exist. Variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("error loading env file %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment through lookup, usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("TRACEVIEW_SERVER_URL", &c.Server.URL)
	str("TRACEVIEW_TRANSPORT", &c.Server.Transport)
	str("TRACEVIEW_HEALTH_ADDR", &c.Server.HealthAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("TRACEVIEW_SPILLOVER"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: TRACEVIEW_SPILLOVER %q", ErrInvalidConfig, v)
		}
		c.Viewer.SpilloverFactor = f
	}
	if v, ok := lookup("TRACEVIEW_SETTLE_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: TRACEVIEW_SETTLE_DELAY %q", ErrInvalidConfig, v)
		}
		c.Viewer.SettleDelay = d
	}
	return nil
}

// ApplyDefaults fills zero or out-of-range fields with defaults and
// normalises enumerations.
func (c *Config) ApplyDefaults() {
	def := Default()
	c.Server.URL = strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	if c.Server.URL == "" {
		c.Server.URL = def.Server.URL
	}
	c.Server.Transport = strings.ToLower(c.Server.Transport)
	if c.Server.Transport == "" {
		c.Server.Transport = def.Server.Transport
	}
	if c.Server.HandshakeTimeout <= 0 {
		c.Server.HandshakeTimeout = def.Server.HandshakeTimeout
	}

	if !(c.Viewer.SpilloverFactor >= 1) {
		c.Viewer.SpilloverFactor = def.Viewer.SpilloverFactor
	}
	if c.Viewer.SettleDelay < 0 {
		c.Viewer.SettleDelay = def.Viewer.SettleDelay
	}
	if c.Viewer.RepaintInterval <= 0 {
		c.Viewer.RepaintInterval = def.Viewer.RepaintInterval
	}
	if !(c.Viewer.MinSpan > 0) {
		c.Viewer.MinSpan = def.Viewer.MinSpan
	}
	if c.Viewer.Width < 1 {
		c.Viewer.Width = def.Viewer.Width
	}
	if c.Viewer.Height < 1 {
		c.Viewer.Height = def.Viewer.Height
	}

	if c.Readiness.InitialInterval <= 0 {
		c.Readiness.InitialInterval = def.Readiness.InitialInterval
	}
	if c.Readiness.MaxInterval < c.Readiness.InitialInterval {
		c.Readiness.MaxInterval = def.Readiness.MaxInterval
	}
	if c.Readiness.Timeout <= 0 {
		c.Readiness.Timeout = def.Readiness.Timeout
	}

	if len(c.Charts) == 0 {
		c.Charts = def.Charts
	}
	for i := range c.Charts {
		for j := range c.Charts[i].Series {
			s := &c.Charts[i].Series[j]
			s.Mode = strings.ToLower(s.Mode)
			if s.Mode == "" {
				s.Mode = "batch"
			}
			s.Kind = strings.ToLower(s.Kind)
			if s.Kind == "" {
				s.Kind = "line"
				if s.Resource == "intervals" {
					s.Kind = "intervals"
				}
			}
		}
	}
}

// Validate rejects settings the viewer cannot run with.
func (c Config) Validate() error {
	switch c.Server.Transport {
	case "ndjson", "websocket":
	default:
		return fmt.Errorf("%w: server.transport %q", ErrInvalidConfig, c.Server.Transport)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	if !logging.ValidFormat(c.Log.Format) {
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	for _, ch := range c.Charts {
		if len(ch.Series) == 0 {
			return fmt.Errorf("%w: chart %q has no series", ErrInvalidConfig, ch.Title)
		}
		for _, s := range ch.Series {
			if s.Resource == "" {
				return fmt.Errorf("%w: chart %q: series resource is required", ErrInvalidConfig, ch.Title)
			}
			if s.Mode != "batch" && s.Mode != "stream" {
				return fmt.Errorf("%w: chart %q: mode %q", ErrInvalidConfig, ch.Title, s.Mode)
			}
			if s.Kind != "line" && s.Kind != "intervals" {
				return fmt.Errorf("%w: chart %q: kind %q", ErrInvalidConfig, ch.Title, s.Kind)
			}
		}
	}
	return nil
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
