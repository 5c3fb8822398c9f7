// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "100ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Log controls the slog output.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// TLS configures the certificate used by the VeNCrypt TLS and X509 tiers.
// Leaving the paths empty disables those tiers.
type TLS struct {
	Cert    string   `yaml:"cert"`
	Key     string   `yaml:"key"`
	Timeout Duration `yaml:"timeout"`
}

// Server configures the VNC listener.
type Server struct {
	Listen     string `yaml:"listen"`
	Name       string `yaml:"name"` // desktop name sent in ServerInit
	Width      uint16 `yaml:"width"`
	Height     uint16 `yaml:"height"`
	QueueDepth int    `yaml:"queue_depth"`
	TLS        TLS    `yaml:"tls"`
}

// VNCAuth configures the classic VNC DES challenge-response auth.
type VNCAuth struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// Auth selects which security paths the server offers.
type Auth struct {
	None    bool              `yaml:"none"`
	Users   map[string]string `yaml:"users"` // Plain auth: user -> password
	VNCAuth VNCAuth           `yaml:"vncauth"`
}

// HID configures the serial link driver.
type HID struct {
	Device        string   `yaml:"device"`
	Baud          int      `yaml:"baud"`
	ReadTimeout   Duration `yaml:"read_timeout"`
	ReadRetries   int      `yaml:"read_retries"`
	CommonRetries int      `yaml:"common_retries"`
	RetriesDelay  Duration `yaml:"retries_delay"`
	Noop          bool     `yaml:"noop"`
}

// Video configures the synthetic frame source.
type Video struct {
	Quality int `yaml:"quality"`
	FPS     int `yaml:"fps"`
}

// ATX enables the GPIO power control endpoints.
type ATX struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the full daemon configuration.
type Config struct {
	Log    Log    `yaml:"log"`
	Server Server `yaml:"server"`
	Auth   Auth   `yaml:"auth"`
	HID    HID    `yaml:"hid"`
	Video  Video  `yaml:"video"`
	ATX    ATX    `yaml:"atx"`
}

// Default returns the configuration the daemon starts with before the YAML
// file is applied.
func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "text"},
		Server: Server{
			Listen:     ":5900",
			Name:       "PiKVM",
			Width:      800,
			Height:     600,
			QueueDepth: 32,
			TLS:        TLS{Timeout: Duration(5 * time.Second)},
		},
		HID: HID{
			Device: "/dev/ttyAMA0",
			Baud:   115200,
		},
		Video: Video{Quality: 80, FPS: 30},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot serve.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Server.Width == 0 || c.Server.Height == 0 {
		return fmt.Errorf("server.width and server.height must be positive")
	}
	if (c.Server.TLS.Cert == "") != (c.Server.TLS.Key == "") {
		return fmt.Errorf("server.tls.cert and server.tls.key must be set together")
	}
	if !c.Auth.None && len(c.Auth.Users) == 0 && !c.Auth.VNCAuth.Enabled {
		return fmt.Errorf("no auth method enabled: set auth.none, auth.users or auth.vncauth")
	}
	if c.Auth.VNCAuth.Enabled && c.Auth.VNCAuth.File == "" {
		return fmt.Errorf("auth.vncauth.file must be set when VNCAuth is enabled")
	}
	if c.HID.Device == "" && !c.HID.Noop {
		return fmt.Errorf("hid.device must be set (or hid.noop enabled)")
	}
	if c.Video.Quality < 1 || c.Video.Quality > 100 {
		return fmt.Errorf("video.quality must be within 1..100")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}
