package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Otoflow    OtoflowConfig    `yaml:"otoflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Stream     StreamConfig     `yaml:"stream"`
	Session    SessionConfig    `yaml:"session"`
	Trading    TradingConfig    `yaml:"trading"`
	Volatility VolatilityConfig `yaml:"volatility"`
	Volume     VolumeConfig     `yaml:"volume"`
	Placement  PlacementConfig  `yaml:"placement"`
}

type OtoflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

type ChannelsConfig struct {
	TickBuffer       int `yaml:"tick_buffer"`
	OrderEventBuffer int `yaml:"order_event_buffer"`
}

type StreamConfig struct {
	URL         string `yaml:"url"`
	BaseDelayMs int    `yaml:"base_delay_ms"`
	MaxDelayS   int    `yaml:"max_delay_s"`
	MaxAttempts int    `yaml:"max_attempts"`
	KeepAliveS  int    `yaml:"keep_alive_s"`
	EventBuffer int    `yaml:"event_buffer"`
	HandshakeS  int    `yaml:"handshake_timeout_s"`
	ReadLimit   int64  `yaml:"read_limit_bytes"`
}

func (s StreamConfig) BaseDelay() time.Duration {
	return time.Duration(s.BaseDelayMs) * time.Millisecond
}
func (s StreamConfig) MaxDelay() time.Duration  { return time.Duration(s.MaxDelayS) * time.Second }
func (s StreamConfig) KeepAlive() time.Duration { return time.Duration(s.KeepAliveS) * time.Second }

type SessionConfig struct {
	AcquireURL        string  `yaml:"acquire_url"`
	RenewURL          string  `yaml:"renew_url"`
	TokenTTLMin       int     `yaml:"token_ttl_min"`
	ExpiryMarginMin   int     `yaml:"expiry_margin_min"`
	RenewIntervalMin  int     `yaml:"renew_interval_min"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	TimeoutS          int     `yaml:"timeout_s"`
}

func (s SessionConfig) TokenTTL() time.Duration { return time.Duration(s.TokenTTLMin) * time.Minute }
func (s SessionConfig) ExpiryMargin() time.Duration {
	return time.Duration(s.ExpiryMarginMin) * time.Minute
}
func (s SessionConfig) RenewInterval() time.Duration {
	return time.Duration(s.RenewIntervalMin) * time.Minute
}
func (s SessionConfig) Timeout() time.Duration { return time.Duration(s.TimeoutS) * time.Second }

type TradingConfig struct {
	UserID          string   `yaml:"user_id"`
	AutoExecute     bool     `yaml:"auto_execute"`
	Symbols         []string `yaml:"symbols"`
	Quantity        float64  `yaml:"quantity"`
	BuyOffsetPct    float64  `yaml:"buy_offset_pct"`
	SellOffsetPct   float64  `yaml:"sell_offset_pct"`
	PricePrecision  int32    `yaml:"price_precision"`
	MinSpreadPct    float64  `yaml:"min_spread_pct"`
	MaxSpreadPct    float64  `yaml:"max_spread_pct"`
	OrderTimeoutMin int      `yaml:"order_timeout_min"`
	SweepIntervalS  int      `yaml:"sweep_interval_s"`
	Chain           string   `yaml:"chain"`
}

func (t TradingConfig) OrderTimeout() time.Duration {
	return time.Duration(t.OrderTimeoutMin) * time.Minute
}
func (t TradingConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalS) * time.Second
}

type VolatilityConfig struct {
	WindowSize   int     `yaml:"window_size"`
	ThresholdPct float64 `yaml:"threshold_pct"`
}

type VolumeConfig struct {
	Target         float64 `yaml:"target"`
	PerCycleAmount float64 `yaml:"per_cycle_amount"`
	Multiplier     float64 `yaml:"multiplier"`
}

type PlacementConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override placement credentials from environment variables if available
	if v := os.Getenv("PLACEMENT_API_KEY"); v != "" {
		config.Placement.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("PLACEMENT_SECRET_KEY"); v != "" {
		config.Placement.SecretKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && config.Metrics.Region == "" {
		config.Metrics.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			TickBuffer:       1000,
			OrderEventBuffer: 200,
		},
		Stream: StreamConfig{
			BaseDelayMs: 1000,
			MaxDelayS:   60,
			MaxAttempts: 10,
			KeepAliveS:  20,
			EventBuffer: 16,
			HandshakeS:  10,
		},
		Session: SessionConfig{
			TokenTTLMin:       55,
			ExpiryMarginMin:   5,
			RenewIntervalMin:  30,
			RequestsPerSecond: 1,
			Burst:             2,
			TimeoutS:          10,
		},
		Trading: TradingConfig{
			PricePrecision:  8,
			MinSpreadPct:    0.1,
			MaxSpreadPct:    10,
			OrderTimeoutMin: 30,
			SweepIntervalS:  60,
		},
		Volatility: VolatilityConfig{
			WindowSize:   20,
			ThresholdPct: 2,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Otoflow.Name == "" {
		return fmt.Errorf("otoflow.name is required")
	}

	if cfg.Otoflow.Version == "" {
		return fmt.Errorf("otoflow.version is required")
	}

	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}
	if cfg.Channels.OrderEventBuffer <= 0 {
		return fmt.Errorf("channels.order_event_buffer must be greater than 0")
	}

	if cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if cfg.Stream.BaseDelayMs <= 0 {
		return fmt.Errorf("stream.base_delay_ms must be greater than 0")
	}
	if cfg.Stream.MaxDelayS <= 0 {
		return fmt.Errorf("stream.max_delay_s must be greater than 0")
	}
	if cfg.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("stream.max_attempts must be greater than 0")
	}

	if cfg.Session.AcquireURL == "" {
		return fmt.Errorf("session.acquire_url is required")
	}
	if cfg.Session.RenewURL == "" {
		return fmt.Errorf("session.renew_url is required")
	}
	if cfg.Session.TokenTTLMin <= cfg.Session.ExpiryMarginMin {
		return fmt.Errorf("session.token_ttl_min must be greater than session.expiry_margin_min")
	}

	if len(cfg.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	if cfg.Trading.BuyOffsetPct < 0 || cfg.Trading.SellOffsetPct < 0 {
		return fmt.Errorf("trading offsets must not be negative")
	}
	if cfg.Trading.SellOffsetPct >= 100 {
		return fmt.Errorf("trading.sell_offset_pct must be below 100")
	}
	if cfg.Trading.MinSpreadPct <= 0 || cfg.Trading.MaxSpreadPct <= cfg.Trading.MinSpreadPct {
		return fmt.Errorf("trading spread bounds are invalid")
	}
	if cfg.Trading.OrderTimeoutMin <= 0 {
		return fmt.Errorf("trading.order_timeout_min must be greater than 0")
	}

	if cfg.Volatility.WindowSize < 2 {
		return fmt.Errorf("volatility.window_size must be at least 2")
	}
	if cfg.Volatility.ThresholdPct <= 0 {
		return fmt.Errorf("volatility.threshold_pct must be greater than 0")
	}

	if cfg.Placement.Enabled {
		if cfg.Placement.APIKey == "" || cfg.Placement.SecretKey == "" {
			return fmt.Errorf("placement.api_key and placement.secret_key are required when placement is enabled")
		}
	}

	return nil
}
