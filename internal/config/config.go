package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/HMasataka/fanout/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig   `json:"server" yaml:"server" toml:"server"`
	Auth    AuthConfig     `json:"auth" yaml:"auth" toml:"auth"`
	Session SessionConfig  `json:"session" yaml:"session" toml:"session"`
	Client  ClientConfig   `json:"client" yaml:"client" toml:"client"`
	Metrics MetricsConfig  `json:"metrics" yaml:"metrics" toml:"metrics"`
	Logging logging.Config `json:"logging" yaml:"logging" toml:"logging"`
}

// ServerConfig represents the HTTP listener
type ServerConfig struct {
	Host         string   `json:"host" yaml:"host" toml:"host"`
	Port         int      `json:"port" yaml:"port" toml:"port"`
	Path         string   `json:"path" yaml:"path" toml:"path"`
	ReadTimeout  Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout  Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig holds the shared secrets and the origin allow-list. Empty
// values disable the corresponding check.
type AuthConfig struct {
	PublishToken string   `json:"publish_token" yaml:"publish_token" toml:"publish_token"`
	ReadToken    string   `json:"read_token" yaml:"read_token" toml:"read_token"`
	AllowOrigins []string `json:"allow_origins" yaml:"allow_origins" toml:"allow_origins"`
}

// SessionConfig tunes each hub-side websocket session
type SessionConfig struct {
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	ReadTimeout    Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	PingInterval   Duration `json:"ping_interval" yaml:"ping_interval" toml:"ping_interval"`
	MaxMessageSize int64    `json:"max_message_size" yaml:"max_message_size" toml:"max_message_size"`
	SendBuffer     int      `json:"send_buffer" yaml:"send_buffer" toml:"send_buffer"`
}

// ClientConfig tunes the reconnecting client
type ClientConfig struct {
	BackoffFloor   Duration `json:"backoff_floor" yaml:"backoff_floor" toml:"backoff_floor"`
	BackoffCeiling Duration `json:"backoff_ceiling" yaml:"backoff_ceiling" toml:"backoff_ceiling"`
	// BackoffJitter of 0 falls back to the client default
	BackoffJitter  float64  `json:"backoff_jitter" yaml:"backoff_jitter" toml:"backoff_jitter"`
	DialTimeout    Duration `json:"dial_timeout" yaml:"dial_timeout" toml:"dial_timeout"`
}

// MetricsConfig controls the periodic metrics report
type MetricsConfig struct {
	ReportInterval Duration `json:"report_interval" yaml:"report_interval" toml:"report_interval"`
}

// Duration decodes from strings such as "30s" in every supported format
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			Path:         "/ws",
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{30 * time.Second},
			IdleTimeout:  Duration{120 * time.Second},
		},
		Session: SessionConfig{
			WriteTimeout:   Duration{10 * time.Second},
			ReadTimeout:    Duration{60 * time.Second},
			PingInterval:   Duration{30 * time.Second},
			MaxMessageSize: 4 * 1024 * 1024,
			SendBuffer:     256,
		},
		Client: ClientConfig{
			BackoffFloor:   Duration{1000 * time.Millisecond},
			BackoffCeiling: Duration{30000 * time.Millisecond},
			BackoffJitter:  0.2,
			DialTimeout:    Duration{10 * time.Second},
		},
		Metrics: MetricsConfig{
			ReportInterval: Duration{60 * time.Second},
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if !strings.HasPrefix(c.Server.Path, "/") {
		return NewConfigError("server.path", "path must start with /")
	}

	if c.Server.ReadTimeout.Duration < 0 || c.Server.WriteTimeout.Duration < 0 || c.Server.IdleTimeout.Duration < 0 {
		return NewConfigError("server", "timeout cannot be negative")
	}

	if c.Session.WriteTimeout.Duration <= 0 {
		return NewConfigError("session.write_timeout", "must be positive")
	}

	if c.Session.ReadTimeout.Duration <= 0 {
		return NewConfigError("session.read_timeout", "must be positive")
	}

	if c.Session.PingInterval.Duration < 0 || c.Session.PingInterval.Duration >= c.Session.ReadTimeout.Duration {
		return NewConfigError("session.ping_interval", "must be non-negative and shorter than read_timeout")
	}

	if c.Session.MaxMessageSize <= 0 {
		return NewConfigError("session.max_message_size", "must be positive")
	}

	if c.Session.SendBuffer <= 0 {
		return NewConfigError("session.send_buffer", "must be positive")
	}

	if c.Client.BackoffFloor.Duration <= 0 {
		return NewConfigError("client.backoff_floor", "must be positive")
	}

	if c.Client.BackoffCeiling.Duration < c.Client.BackoffFloor.Duration {
		return NewConfigError("client.backoff_ceiling", "cannot be below backoff_floor")
	}

	if c.Client.BackoffJitter < 0 || c.Client.BackoffJitter > 1 {
		return NewConfigError("client.backoff_jitter", "must be between 0 and 1")
	}

	if c.Metrics.ReportInterval.Duration < 0 {
		return NewConfigError("metrics.report_interval", "cannot be negative")
	}

	return nil
}
