package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Connectivity probe modes.
const (
	ModeHTTP      = "http"
	ModeWebSocket = "websocket"
)

// Config represents the global ~/.nautilus/config.toml.
type Config struct {
	DefaultProfile string       `toml:"default_profile"`
	BaseURL        string       `toml:"base_url"`
	Network        Network      `toml:"network"`
	Connectivity   Connectivity `toml:"connectivity"`
}

// Network holds request settings.
type Network struct {
	Timeout       Duration `toml:"timeout"`
	MaxRetries    int      `toml:"max_retries"`
	ValidatePath  string   `toml:"validate_path"`
	RetryInterval Duration `toml:"retry_interval"`
}

// Connectivity holds reachability probe settings.
type Connectivity struct {
	Mode           string   `toml:"mode"`
	ProbePath      string   `toml:"probe_path"`
	WSURL          string   `toml:"ws_url"`
	ProbeInterval  Duration `toml:"probe_interval"`
	InitialRecheck Duration `toml:"initial_recheck"`
}

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Network: Network{
			Timeout:       Duration{5 * time.Second},
			MaxRetries:    3,
			ValidatePath:  "/api/auth/validate",
			RetryInterval: Duration{time.Minute},
		},
		Connectivity: Connectivity{
			Mode:           ModeHTTP,
			ProbePath:      "/health",
			ProbeInterval:  Duration{10 * time.Second},
			InitialRecheck: Duration{500 * time.Millisecond},
		},
	}
}

// Load reads config from the given path. Keys missing from the file keep
// their defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Network.Timeout.Duration <= 0 {
		return errors.New("network.timeout must be positive")
	}
	if c.Network.MaxRetries < 1 {
		return errors.New("network.max_retries must be at least 1")
	}
	if c.Network.RetryInterval.Duration < 0 {
		return errors.New("network.retry_interval must not be negative")
	}
	switch c.Connectivity.Mode {
	case ModeHTTP:
	case ModeWebSocket:
		if c.Connectivity.WSURL == "" {
			return errors.New("connectivity.ws_url is required in websocket mode")
		}
	default:
		return fmt.Errorf("connectivity.mode %q is not %q or %q", c.Connectivity.Mode, ModeHTTP, ModeWebSocket)
	}
	if c.Connectivity.ProbeInterval.Duration <= 0 {
		return errors.New("connectivity.probe_interval must be positive")
	}
	if c.Connectivity.InitialRecheck.Duration < 0 {
		return errors.New("connectivity.initial_recheck must not be negative")
	}
	return nil
}

// ProbeURL is the HEAD target for the HTTP probe.
func (c *Config) ProbeURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.Connectivity.ProbePath
}

// Keys lists the dotted names accepted by Set.
var Keys = []string{
	"default_profile",
	"base_url",
	"network.timeout",
	"network.max_retries",
	"network.validate_path",
	"network.retry_interval",
	"connectivity.mode",
	"connectivity.probe_path",
	"connectivity.ws_url",
	"connectivity.probe_interval",
	"connectivity.initial_recheck",
}

// Set assigns a value by dotted key, as typed on the command line.
func (c *Config) Set(key, value string) error {
	duration := func(d *Duration) error {
		return d.UnmarshalText([]byte(value))
	}
	switch key {
	case "default_profile":
		c.DefaultProfile = value
	case "base_url":
		c.BaseURL = value
	case "network.timeout":
		return duration(&c.Network.Timeout)
	case "network.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Network.MaxRetries = n
	case "network.validate_path":
		c.Network.ValidatePath = value
	case "network.retry_interval":
		return duration(&c.Network.RetryInterval)
	case "connectivity.mode":
		c.Connectivity.Mode = value
	case "connectivity.probe_path":
		c.Connectivity.ProbePath = value
	case "connectivity.ws_url":
		c.Connectivity.WSURL = value
	case "connectivity.probe_interval":
		return duration(&c.Connectivity.ProbeInterval)
	case "connectivity.initial_recheck":
		return duration(&c.Connectivity.InitialRecheck)
	default:
		return fmt.Errorf("unknown key %q (known: %s)", key, strings.Join(Keys, ", "))
	}
	return nil
}
