package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ibot_go/internal/domain"
)

const (
	GatewayModePaper  = "paper"
	GatewayModeBridge = "bridge"
)

// Config holds every application setting. After LoadConfig reads the file,
// secrets and deployment values are overridden from the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		// TaskName classifies the gateway session for client id assignment.
		TaskName string `yaml:"task_name"`
	} `yaml:"app"`

	Gateway struct {
		Mode              string `yaml:"mode"` // paper | bridge
		Host              string `yaml:"host"`
		Port              int    `yaml:"port"`
		Path              string `yaml:"path"`
		AccessKey         string `yaml:"access_key"`
		SecretKey         string `yaml:"secret_key"`
		ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
		RetryAttempts     int    `yaml:"retry_attempts"`
		RetryBaseMS       int    `yaml:"retry_base_ms"`
		InboxSize         int    `yaml:"inbox_size"`
		Paper             struct {
			NextValidID int64                      `yaml:"next_valid_id"`
			Marks       map[string]decimal.Decimal `yaml:"marks"`
		} `yaml:"paper"`
	} `yaml:"gateway"`

	ClientIDs []ClientIDRange `yaml:"client_ids"`

	Instruments []InstrumentConfig `yaml:"instruments"`

	Orders struct {
		LimitOffsetTicks int64  `yaml:"limit_offset_ticks"`
		DefaultType      string `yaml:"default_type"`
	} `yaml:"orders"`

	Webhook struct {
		Addr  string `yaml:"addr"`
		Token string `yaml:"token"`
	} `yaml:"webhook"`

	Storage struct {
		Path       string `yaml:"path"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"storage"`

	Metrics struct {
		ReportIntervalSec int `yaml:"report_interval_sec"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// ClientIDRange is one category of broker session ids.
type ClientIDRange struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
	Lo       int      `yaml:"lo"`
	Hi       int      `yaml:"hi"`
}

// InstrumentConfig is the static description of a tradable symbol.
type InstrumentConfig struct {
	Symbol   string          `yaml:"symbol"`
	Exchange string          `yaml:"exchange"`
	TickSize decimal.Decimal `yaml:"tick_size"`
}

// LoadConfig reads and parses the YAML file, then applies .env and
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the settings used when the file leaves a field out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "ibot"
	cfg.App.TaskName = "order_manager"
	cfg.Gateway.Mode = GatewayModePaper
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 7497
	cfg.Gateway.Path = "/ws"
	cfg.Gateway.ConnectTimeoutSec = 10
	cfg.Gateway.RetryAttempts = 3
	cfg.Gateway.RetryBaseMS = 500
	cfg.Gateway.InboxSize = 1024
	cfg.Gateway.Paper.NextValidID = 1
	cfg.Orders.DefaultType = "MKT"
	cfg.Webhook.Addr = ":5000"
	cfg.Storage.Path = "data/ibot.db"
	cfg.Storage.BufferSize = 256
	cfg.Metrics.ReportIntervalSec = 60
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	cfg.Logging.File = "ibot.log"
	return cfg
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Gateway.Mode {
	case GatewayModePaper, GatewayModeBridge:
	default:
		return &domain.ConfigError{Field: "gateway.mode", Err: fmt.Errorf("unsupported mode %q", c.Gateway.Mode)}
	}
	if c.Gateway.Mode == GatewayModeBridge {
		if c.Gateway.Host == "" {
			return &domain.ConfigError{Field: "gateway.host", Err: errors.New("required in bridge mode")}
		}
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return &domain.ConfigError{Field: "gateway.port", Err: fmt.Errorf("out of range: %d", c.Gateway.Port)}
		}
	}
	if c.Gateway.ConnectTimeoutSec <= 0 {
		return &domain.ConfigError{Field: "gateway.connect_timeout_sec", Err: errors.New("must be positive")}
	}
	if c.Gateway.RetryAttempts <= 0 {
		return &domain.ConfigError{Field: "gateway.retry_attempts", Err: errors.New("must be positive")}
	}
	if c.Gateway.InboxSize <= 0 {
		return &domain.ConfigError{Field: "gateway.inbox_size", Err: errors.New("must be positive")}
	}

	for _, r := range c.ClientIDs {
		if r.Hi <= r.Lo {
			return &domain.ConfigError{Field: "client_ids." + r.Category, Err: fmt.Errorf("invalid range [%d,%d)", r.Lo, r.Hi)}
		}
	}

	for _, inst := range c.Instruments {
		if strings.TrimSpace(inst.Symbol) == "" {
			return &domain.ConfigError{Field: "instruments.symbol", Err: errors.New("empty symbol")}
		}
		if !inst.TickSize.IsPositive() {
			return &domain.ConfigError{Field: "instruments." + inst.Symbol + ".tick_size", Err: errors.New("must be positive")}
		}
	}

	if _, err := domain.ParseOrderType(c.Orders.DefaultType); err != nil {
		return &domain.ConfigError{Field: "orders.default_type", Err: err}
	}
	if c.Orders.LimitOffsetTicks < 0 {
		return &domain.ConfigError{Field: "orders.limit_offset_ticks", Err: errors.New("must not be negative")}
	}

	if c.Webhook.Addr == "" {
		return &domain.ConfigError{Field: "webhook.addr", Err: errors.New("required")}
	}

	return nil
}

// ConnectTimeout is the bounded wait for the gateway's ready event.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Gateway.ConnectTimeoutSec) * time.Second
}

// RetryBase is the first backoff delay between connection attempts.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Gateway.RetryBaseMS) * time.Millisecond
}

// DomainInstruments converts the instrument section for the engine.
func (c *Config) DomainInstruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		out = append(out, domain.Instrument{
			Symbol:   inst.Symbol,
			Exchange: inst.Exchange,
			TickSize: inst.TickSize,
		})
	}
	return out
}

// overrideWithEnv replaces settings with IBOT_* environment variables when present.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("IBOT_GATEWAY_MODE"); v != "" {
		cfg.Gateway.Mode = v
	}
	if v := os.Getenv("IBOT_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("IBOT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("IBOT_GATEWAY_KEY"); v != "" {
		cfg.Gateway.AccessKey = v
	}
	if v := os.Getenv("IBOT_GATEWAY_SECRET"); v != "" {
		cfg.Gateway.SecretKey = v
	}
	if v := os.Getenv("IBOT_WEBHOOK_ADDR"); v != "" {
		cfg.Webhook.Addr = v
	}
	if v := os.Getenv("IBOT_WEBHOOK_TOKEN"); v != "" {
		cfg.Webhook.Token = v
	}
	if v := os.Getenv("IBOT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("IBOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
