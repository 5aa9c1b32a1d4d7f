// Package config loads server settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/meikuraledutech/flowsync"
	"github.com/meikuraledutech/flowsync/collab"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	HTTP        HTTPConfig   `yaml:"http"`
	WS          WSConfig     `yaml:"ws"`
	Store       string       `yaml:"store" validate:"oneof=memory postgres"`
	DatabaseURL string       `yaml:"database_url" validate:"required_if=Store postgres"`
	NATS        NATSConfig   `yaml:"nats"`
	Collab      CollabConfig `yaml:"collab"`
	Log         LogConfig    `yaml:"log"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type WSConfig struct {
	Addr           string   `yaml:"addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NATSConfig enables cross-instance room fan-out when URL is set.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type CollabConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	SweepInterval     time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	ConcurrencyWindow time.Duration `yaml:"concurrency_window" validate:"gte=0"`
	NodeOffset        [2]float64    `yaml:"node_offset"`
	QueueLimit        int           `yaml:"queue_limit" validate:"gt=0"`
	SendBuffer        int           `yaml:"send_buffer" validate:"gt=0"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	c := collab.DefaultConfig()
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		WS:    WSConfig{Addr: ":8081"},
		Store: StoreMemory,
		NATS:  NATSConfig{Name: "flowsync"},
		Collab: CollabConfig{
			IdleTimeout:       c.IdleTimeout,
			SweepInterval:     c.SweepInterval,
			ConcurrencyWindow: c.ConcurrencyWindow,
			NodeOffset:        [2]float64{c.NodeOffset.X, c.NodeOffset.Y},
			QueueLimit:        c.QueueLimit,
			SendBuffer:        c.SendBuffer,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("flowsync: read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("flowsync: parse config: %w", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("DATABASE_URL", &c.DatabaseURL)
	set("FLOWSYNC_HTTP_ADDR", &c.HTTP.Addr)
	set("FLOWSYNC_WS_ADDR", &c.WS.Addr)
	set("FLOWSYNC_STORE", &c.Store)
	set("NATS_URL", &c.NATS.URL)
	set("FLOWSYNC_LOG_LEVEL", &c.Log.Level)
	c.Store = strings.ToLower(c.Store)
	c.Log.Level = strings.ToLower(c.Log.Level)
}

var validate = validator.New()

// Validate reports the first invalid setting as a flowsync validation error.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		fe := errs[0]
		return flowsync.Validationf("load config", fe.Namespace(), "failed %s check", fe.Tag())
	}
	return fmt.Errorf("flowsync: validate config: %w", err)
}

// HubConfig converts the collab section for collab.NewHub.
func (c Config) HubConfig() collab.Config {
	return collab.Config{
		IdleTimeout:       c.Collab.IdleTimeout,
		SweepInterval:     c.Collab.SweepInterval,
		ConcurrencyWindow: c.Collab.ConcurrencyWindow,
		NodeOffset:        flowsync.Position{X: c.Collab.NodeOffset[0], Y: c.Collab.NodeOffset[1]},
		QueueLimit:        c.Collab.QueueLimit,
		SendBuffer:        c.Collab.SendBuffer,
	}
}
