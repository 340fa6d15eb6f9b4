// Package config loads server configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/ledger"
)

// PathEnv names the variable holding the YAML file path.
const PathEnv = "REFERRAL_CONFIG_PATH"

type Config struct {
	HTTP       HTTP       `yaml:"http"`
	DB         DB         `yaml:"db"`
	Log        Log        `yaml:"log"`
	Commission Commission `yaml:"commission"`
	Reward     Reward     `yaml:"reward"`
	Retry      Retry      `yaml:"retry"`
	Fanout     Fanout     `yaml:"fanout"`
	Kafka      Kafka      `yaml:"kafka"`
	Reconcile  Reconcile  `yaml:"reconcile"`
}

type HTTP struct {
	Addr           string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://localhost:5173"`
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// DB selects the storage backend. The memory driver loses everything on
// exit and suits demos and local development.
type DB struct {
	Driver      string        `yaml:"driver" env:"DB_DRIVER" env-default:"sqlite"`
	Path        string        `yaml:"path" env:"DB_PATH" env-default:"./data/referrals.db"`
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"DB_BUSY_TIMEOUT" env-default:"5s"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Commission amounts are decimal strings.
type Commission struct {
	ReferralBonus  string `yaml:"referral_bonus" env:"COMMISSION_REFERRAL_BONUS" env-default:"50"`
	SaleCommission string `yaml:"sale_commission" env:"COMMISSION_SALE" env-default:"500"`
}

// Reward seeds version 1 when no version exists yet.
type Reward struct {
	ReferralsRequired int `yaml:"referrals_required" env:"REWARD_REFERRALS_REQUIRED" env-default:"3"`
	SalesRequired     int `yaml:"sales_required" env:"REWARD_SALES_REQUIRED" env-default:"1"`
}

type Retry struct {
	MaxAttempts     uint          `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"4"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"RETRY_INITIAL_INTERVAL" env-default:"20ms"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"RETRY_MAX_INTERVAL" env-default:"500ms"`
}

const (
	FanoutLocal = "local"
	FanoutKafka = "kafka"
)

type Fanout struct {
	Mode          string        `yaml:"mode" env:"FANOUT_MODE" env-default:"local"`
	SessionBuffer int           `yaml:"session_buffer" env:"FANOUT_SESSION_BUFFER" env-default:"64"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"FANOUT_POLL_INTERVAL" env-default:"1s"`
	BatchSize     int           `yaml:"batch_size" env:"FANOUT_BATCH_SIZE" env-default:"256"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"referral-events"`
	// GroupPrefix is suffixed with the host name so every process gets
	// every event.
	GroupPrefix string `yaml:"group_prefix" env:"KAFKA_GROUP_PREFIX" env-default:"referral-fanout"`
}

type Reconcile struct {
	Enabled  bool          `yaml:"enabled" env:"RECONCILE_ENABLED" env-default:"true"`
	Interval time.Duration `yaml:"interval" env:"RECONCILE_INTERVAL" env-default:"1h"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads path when set, otherwise the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad loads from the file named by REFERRAL_CONFIG_PATH, or from the
// environment when it is unset, and exits on error.
func MustLoad() *Config {
	cfg, err := Load(os.Getenv(PathEnv))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown %q", c.Log.Format)
	}
	switch c.DB.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("db.driver: unknown %q", c.DB.Driver)
	}
	if _, _, err := c.Commission.Amounts(); err != nil {
		return err
	}
	if c.Reward.ReferralsRequired < 0 || c.Reward.SalesRequired < 0 {
		return fmt.Errorf("reward: thresholds must be >= 0")
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	switch c.Fanout.Mode {
	case FanoutLocal:
	case FanoutKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers required when fanout.mode is kafka")
		}
	default:
		return fmt.Errorf("fanout.mode: unknown %q", c.Fanout.Mode)
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	return nil
}

// Amounts parses the commission strings.
func (c Commission) Amounts() (referralBonus, saleCommission decimal.Decimal, err error) {
	referralBonus, err = decimal.NewFromString(c.ReferralBonus)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("commission.referral_bonus: %w", err)
	}
	saleCommission, err = decimal.NewFromString(c.SaleCommission)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("commission.sale_commission: %w", err)
	}
	if referralBonus.IsNegative() || saleCommission.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("commission: amounts must be >= 0")
	}
	return referralBonus, saleCommission, nil
}

func (r Retry) Policy() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
	}
}

// =============================================================================
// LOGGING
// =============================================================================

// NewLogger builds the process logger.
func NewLogger(c Log, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
