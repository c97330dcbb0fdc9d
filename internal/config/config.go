package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rafket/vscode-hub/internal/model"
)

// Config is the server configuration. Load fills it from YAML over Default;
// ApplyEnv and command-line flags override it afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig is the HTTP listener and the static file root.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StaticDir      string   `yaml:"static_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SessionConfig describes the process new sessions run and how connections
// share them.
type SessionConfig struct {
	Command     []string              `yaml:"command"`
	Dir         string                `yaml:"dir"`
	Env         map[string]string     `yaml:"env"`
	Rows        uint16                `yaml:"rows"`
	Cols        uint16                `yaml:"cols"`
	Sharing     model.SharingPolicy   `yaml:"sharing"`
	Retention   model.RetentionPolicy `yaml:"retention"`
	DefaultID   string                `yaml:"default_id"`
	Eager       bool                  `yaml:"eager"`
	MaxSessions int                   `yaml:"max_sessions"`
}

// BroadcastConfig tunes output fan-out.
type BroadcastConfig struct {
	ReplayBytes   int                      `yaml:"replay_bytes"`
	HighWaterMark int                      `yaml:"high_water_mark"`
	Backpressure  model.BackpressurePolicy `yaml:"backpressure"`
}

// TimeoutConfig holds the session lifecycle timers.
type TimeoutConfig struct {
	TerminateGrace time.Duration `yaml:"terminate_grace"`
	// Idle is how long an ephemeral session with no subscribers survives. Zero
	// terminates it as soon as the last subscriber leaves.
	Idle        time.Duration `yaml:"idle"`
	GCInterval  time.Duration `yaml:"gc_interval"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// TransportConfig holds websocket limits and keepalive timing.
type TransportConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	PingPeriod     time.Duration `yaml:"ping_period"`
	InputRate      float64       `yaml:"input_rate"`
	InputBurst     int           `yaml:"input_burst"`
}

// StorageConfig locates the metadata database and recordings. An empty
// RecordDir disables recording.
type StorageConfig struct {
	DBPath             string `yaml:"db_path"`
	RecordDir          string `yaml:"record_dir"`
	CompressRecordings bool   `yaml:"compress_recordings"`
}

// LogConfig selects the slog level and handler ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Session: SessionConfig{
			Rows:      24,
			Cols:      80,
			Sharing:   model.SharingShared,
			Retention: model.RetentionPersistent,
			DefaultID: "main",
		},
		Broadcast: BroadcastConfig{
			ReplayBytes:   64 * 1024,
			HighWaterMark: 256,
			Backpressure:  model.BackpressureBestEffort,
		},
		Timeouts: TimeoutConfig{
			TerminateGrace: 3 * time.Second,
			GCInterval:     30 * time.Second,
			LockTimeout:    5 * time.Second,
		},
		Transport: TransportConfig{
			MaxMessageSize: 8192,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			InputRate:      1000,
			InputBurst:     64,
		},
		Storage: StorageConfig{
			DBPath: "./data/termhub.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := getenv("STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := getenv("DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := getenv("RECORD_DIR"); v != "" {
		c.Storage.RecordDir = v
	}
	if v := getenv("TERMHUB_COMMAND"); v != "" {
		c.Session.Command = model.SplitCommand(v)
	}
}

// Validate reports every invalid setting, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if err := c.Session.Sharing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session.sharing: %w", err))
	}
	if err := c.Session.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session.retention: %w", err))
	}
	if err := c.Broadcast.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("broadcast.backpressure: %w", err))
	}
	if c.Session.Sharing == model.SharingShared && c.Session.DefaultID == "" {
		errs = append(errs, errors.New("session.default_id is required for shared sessions"))
	}
	if c.Session.Rows == 0 || c.Session.Cols == 0 {
		errs = append(errs, errors.New("session.rows and session.cols must be positive"))
	}
	if c.Broadcast.HighWaterMark <= 0 {
		errs = append(errs, errors.New("broadcast.high_water_mark must be positive"))
	}
	if c.Broadcast.ReplayBytes < 0 {
		errs = append(errs, errors.New("broadcast.replay_bytes must not be negative"))
	}
	if c.Timeouts.TerminateGrace <= 0 {
		errs = append(errs, errors.New("timeouts.terminate_grace must be positive"))
	}
	if c.Timeouts.Idle < 0 {
		errs = append(errs, errors.New("timeouts.idle must not be negative"))
	}
	if c.Timeouts.Idle > 0 && c.Timeouts.GCInterval <= 0 {
		errs = append(errs, errors.New("timeouts.gc_interval must be positive when timeouts.idle is set"))
	}
	if c.Timeouts.LockTimeout <= 0 {
		errs = append(errs, errors.New("timeouts.lock_timeout must be positive"))
	}
	if c.Transport.PingPeriod >= c.Transport.PongWait {
		errs = append(errs, errors.New("transport.ping_period must be shorter than transport.pong_wait"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}
