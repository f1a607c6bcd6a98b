// Package config loads engine configuration. DELTA_* environment
// variables override the YAML file, which overrides built-in defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/delta-engine/internal/model"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the root configuration.
type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Logging LoggingConfig         `mapstructure:"logging"`
	Store   StoreConfig           `mapstructure:"store"`
	Engine  EngineConfig          `mapstructure:"engine"`
	Risk    model.RiskParameters  `mapstructure:"risk"`
	Hedging HedgingConfig         `mapstructure:"hedging"`
	Venue   VenueConfig           `mapstructure:"venue"`
	Pairs   []model.ArbitragePair `mapstructure:"pairs"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the journal backend: memory, postgres or sqlite.
// A non-empty RedisURL puts a read-through cache in front of it.
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	PostgresURL string        `mapstructure:"postgres_url"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type EngineConfig struct {
	RefreshInterval      time.Duration   `mapstructure:"refresh_interval"`
	FundingCacheTTL      time.Duration   `mapstructure:"funding_cache_ttl"`
	StatusLogInterval    time.Duration   `mapstructure:"status_log_interval"`
	RiskInterval         time.Duration   `mapstructure:"risk_interval"`
	EnableDynamicHedging bool            `mapstructure:"enable_dynamic_hedging"`
	MaxInventoryRatio    decimal.Decimal `mapstructure:"max_inventory_ratio"`
	DefaultLeverage      decimal.Decimal `mapstructure:"default_leverage"`
}

type HedgingConfig struct {
	EmergencyHedgeThreshold decimal.Decimal     `mapstructure:"emergency_hedge_threshold"`
	MaxSingleHedgeSize      decimal.Decimal     `mapstructure:"max_single_hedge_size"`
	DefaultThresholdBps     decimal.Decimal     `mapstructure:"default_threshold_bps"`
	Rules                   []model.HedgingRule `mapstructure:"rules"`
}

// VenueConfig configures the paper venue and the guard around it.
type VenueConfig struct {
	Mode              string         `mapstructure:"mode"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second"`
	Burst             int            `mapstructure:"burst"`
	MaxFailures       uint32         `mapstructure:"max_failures"`
	OpenTimeout       time.Duration  `mapstructure:"open_timeout"`
	Quotes            []PaperQuote   `mapstructure:"quotes"`
	Balances          []PaperBalance `mapstructure:"balances"`
}

// PaperQuote seeds a paper instrument.
type PaperQuote struct {
	Exchange    string           `mapstructure:"exchange"`
	Instrument  string           `mapstructure:"instrument"`
	Mid         decimal.Decimal  `mapstructure:"mid"`
	FundingRate *decimal.Decimal `mapstructure:"funding_rate"`
}

// Key returns the instrument the quote seeds.
func (q PaperQuote) Key() model.InstrumentKey {
	return model.InstrumentKey{Exchange: q.Exchange, Instrument: q.Instrument}
}

// PaperBalance seeds a paper balance.
type PaperBalance struct {
	Exchange string          `mapstructure:"exchange"`
	Asset    string          `mapstructure:"asset"`
	Amount   decimal.Decimal `mapstructure:"amount"`
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load reads the config at path. An empty path searches ./config.yaml and
// ./config/config.yaml and falls back to defaults when neither exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("DELTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecodeHook converts config scalars into decimals, durations and times.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case uint64:
		return decimal.NewFromString(fmt.Sprint(v))
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "./data/delta.db")
	v.SetDefault("store.cache_ttl", "30s")

	v.SetDefault("engine.refresh_interval", "1s")
	v.SetDefault("engine.funding_cache_ttl", "5m")
	v.SetDefault("engine.status_log_interval", "1m")
	v.SetDefault("engine.risk_interval", "1s")
	v.SetDefault("engine.enable_dynamic_hedging", true)
	v.SetDefault("engine.max_inventory_ratio", "0.8")
	v.SetDefault("engine.default_leverage", "10")

	v.SetDefault("risk.max_inventory_size", "10000")
	v.SetDefault("risk.max_trade_size", "1000")
	v.SetDefault("risk.min_profit_bps", "5")
	v.SetDefault("risk.max_profit_bps", "1000")
	v.SetDefault("risk.stop_loss_bps", "25")
	v.SetDefault("risk.take_profit_bps", "20")
	v.SetDefault("risk.heartbeat_timeout", "60s")
	v.SetDefault("risk.max_position_age", "120m")
	v.SetDefault("risk.emergency_stop_enabled", true)

	v.SetDefault("hedging.emergency_hedge_threshold", "100")
	v.SetDefault("hedging.max_single_hedge_size", "10")
	v.SetDefault("hedging.default_threshold_bps", "10")

	v.SetDefault("venue.mode", "paper")
	v.SetDefault("venue.requests_per_second", 20)
	v.SetDefault("venue.burst", 5)
	v.SetDefault("venue.max_failures", 5)
	v.SetDefault("venue.open_timeout", "30s")
}

// applyDefaults fills per-pair and per-rule values the file left empty.
func (c *Config) applyDefaults() {
	for i := range c.Pairs {
		p := &c.Pairs[i]
		if p.MinProfitThreshold.IsZero() {
			p.MinProfitThreshold = c.Risk.MinProfitBps
		}
		if p.MaxInventoryRatio.IsZero() {
			p.MaxInventoryRatio = c.Engine.MaxInventoryRatio
		}
		for _, leg := range []*model.InstrumentConfig{&p.LegA, &p.LegB} {
			if leg.Leverage == nil && leg.InstrumentType != model.InstrumentSpot && c.Engine.DefaultLeverage.IsPositive() {
				lev := c.Engine.DefaultLeverage
				leg.Leverage = &lev
			}
		}
	}
	for i := range c.Hedging.Rules {
		if c.Hedging.Rules[i].ThresholdBps.IsZero() {
			c.Hedging.Rules[i].ThresholdBps = c.Hedging.DefaultThresholdBps
		}
	}
}

// Validate checks everything the engine cannot recover from at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Engine.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.refresh_interval must be positive"))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresURL == "" {
			errs = append(errs, fmt.Errorf("store.postgres_url required for postgres"))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("store.sqlite_path required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q unknown", c.Store.Driver))
	}

	if c.Venue.Mode != "paper" {
		errs = append(errs, fmt.Errorf("venue.mode %q unsupported", c.Venue.Mode))
	}

	for i, p := range c.Pairs {
		switch p.Mode {
		case model.ModeFundingRate, model.ModePriceSpread, model.ModeBasisArbitrage:
		default:
			errs = append(errs, fmt.Errorf("pairs[%d]: mode %q unknown", i, p.Mode))
		}
		for _, leg := range []model.InstrumentConfig{p.LegA, p.LegB} {
			if leg.Exchange == "" || leg.TradingPair == "" {
				errs = append(errs, fmt.Errorf("pairs[%d]: leg needs exchange and trading_pair", i))
			}
		}
		if !p.MaxInventoryRatio.IsPositive() || p.MaxInventoryRatio.GreaterThan(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Errorf("pairs[%d]: max_inventory_ratio %s not in (0, 1]", i, p.MaxInventoryRatio))
		}
	}

	for i, r := range c.Hedging.Rules {
		if r.Hedge.Exchange == "" {
			errs = append(errs, fmt.Errorf("hedging.rules[%d]: hedge leg needs an exchange", i))
		}
		if r.HedgeRatio.IsZero() {
			errs = append(errs, fmt.Errorf("hedging.rules[%d]: hedge_ratio must be non-zero", i))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
