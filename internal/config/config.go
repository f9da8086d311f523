package config

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/replication/internal/core/observability/log"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log       LogConfig       `json:"log" yaml:"log"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Message   MessageConfig   `json:"message" yaml:"message"`
	Client    ClientConfig    `json:"client" yaml:"client"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

type ServerConfig struct {
	// TickInterval is how often the collector produces a batch.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	// Workers bounds parallel serialization. Zero means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
}

type MessageConfig struct {
	// CompressThreshold is the smallest batch body that gets compressed.
	// Zero disables compression.
	CompressThreshold int `json:"compress_threshold" yaml:"compress_threshold"`
}

type ClientConfig struct {
	// LastWriteWins drops writes and removals older than the last applied tick.
	LastWriteWins bool `json:"last_write_wins" yaml:"last_write_wins"`
}

const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

type TransportConfig struct {
	// Kind selects the carrier: websocket or quic.
	Kind           string        `json:"kind" yaml:"kind"`
	Addr           string        `json:"addr" yaml:"addr"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxMessageSize int64         `json:"max_message_size" yaml:"max_message_size"`
	// IdleTimeout and KeepAlive apply to quic only.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	KeepAlive   time.Duration `json:"keep_alive" yaml:"keep_alive"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			TickInterval: 50 * time.Millisecond,
		},
		Message: MessageConfig{CompressThreshold: 512},
		Client:  ClientConfig{LastWriteWins: true},
		Transport: TransportConfig{
			Kind:           TransportWebSocket,
			Addr:           "127.0.0.1:7780",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
			MaxMessageSize: 4 << 20,
			IdleTimeout:    30 * time.Second,
			KeepAlive:      10 * time.Second,
		},
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	c, err := LoadYAML(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return c, nil
}

// LoadYAML decodes config from r on top of the defaults and validates it.
func LoadYAML(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, err.Error()))
	}
	if c.Server.TickInterval <= 0 {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, "server.tick_interval must be positive"))
	}
	if c.Server.Workers < 0 {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, "server.workers must not be negative"))
	}
	if c.Message.CompressThreshold < 0 {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, "message.compress_threshold must not be negative"))
	}
	if c.Transport.Kind != TransportWebSocket && c.Transport.Kind != TransportQUIC {
		errs = multierr.Append(errs, errors.Wrapf(ErrInvalidConfig, "transport.kind %q is not websocket or quic", c.Transport.Kind))
	}
	if c.Transport.Addr == "" {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, "transport.addr is required"))
	}
	if c.Transport.ReadTimeout < 0 || c.Transport.WriteTimeout < 0 || c.Transport.IdleTimeout < 0 || c.Transport.KeepAlive < 0 {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, "transport timeouts must not be negative"))
	}
	if c.Transport.MaxMessageSize < 0 {
		errs = multierr.Append(errs, errors.Wrap(ErrInvalidConfig, "transport.max_message_size must not be negative"))
	}
	return errs
}

// LogLevel returns the parsed log level. Call after Validate.
func (c *Config) LogLevel() log.Level {
	level, _ := log.ParseLevel(c.Log.Level)
	return level
}
