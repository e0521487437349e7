// Package config loads service settings from an optional YAML file, an
// optional .env file and LIBRARY_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. It may be absent.
const DefaultPath = "library.yaml"

// Config holds every tunable of the service.
type Config struct {
	DatabasePath string `yaml:"database_path" validate:"required"`
	ListenAddr   string `yaml:"listen_addr" validate:"required"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`

	DailyFineCents    int64         `yaml:"daily_fine_cents" validate:"gte=0"`
	LoanPeriod        time.Duration `yaml:"loan_period" validate:"gt=0"`
	ReservationPeriod time.Duration `yaml:"reservation_period" validate:"gt=0"`
	ReminderWindow    time.Duration `yaml:"reminder_window" validate:"gt=0"`

	SessionTTL      time.Duration `yaml:"session_ttl" validate:"gte=1m"`
	SessionHashKey  string        `yaml:"session_hash_key" validate:"omitempty,min=32"`
	SessionBlockKey string        `yaml:"session_block_key" validate:"omitempty,len=16|len=24|len=32"`
	BcryptCost      int           `yaml:"bcrypt_cost" validate:"gte=4,lte=31"`

	// OverdueSweepInterval runs RefreshOverdue periodically under `serve`.
	// Zero disables the sweep.
	OverdueSweepInterval time.Duration `yaml:"overdue_sweep_interval" validate:"gte=0"`

	// NotificationSpool is the JSON-lines file notifications are appended
	// to. Empty disables delivery; the outbox table is still written.
	NotificationSpool string `yaml:"notification_spool"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DatabasePath:      "library.db",
		ListenAddr:        ":8080",
		LogLevel:          "info",
		LogFormat:         "json",
		DailyFineCents:    100,
		LoanPeriod:        14 * 24 * time.Hour,
		ReservationPeriod: 7 * 24 * time.Hour,
		ReminderWindow:    48 * time.Hour,
		SessionTTL:        24 * time.Hour,
		BcryptCost:        12,
	}
}

var validate = validator.New()

// Load builds the configuration. A missing file at path is only an error
// when the caller asked for it explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (%v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg with any LIBRARY_* variables that are set.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"LIBRARY_DB_PATH":            &cfg.DatabasePath,
		"LIBRARY_LISTEN_ADDR":        &cfg.ListenAddr,
		"LIBRARY_LOG_LEVEL":          &cfg.LogLevel,
		"LIBRARY_LOG_FORMAT":         &cfg.LogFormat,
		"LIBRARY_SESSION_HASH_KEY":   &cfg.SessionHashKey,
		"LIBRARY_SESSION_BLOCK_KEY":  &cfg.SessionBlockKey,
		"LIBRARY_NOTIFICATION_SPOOL": &cfg.NotificationSpool,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"LIBRARY_LOAN_PERIOD":            &cfg.LoanPeriod,
		"LIBRARY_RESERVATION_PERIOD":     &cfg.ReservationPeriod,
		"LIBRARY_REMINDER_WINDOW":        &cfg.ReminderWindow,
		"LIBRARY_SESSION_TTL":            &cfg.SessionTTL,
		"LIBRARY_OVERDUE_SWEEP_INTERVAL": &cfg.OverdueSweepInterval,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("LIBRARY_DAILY_FINE_CENTS"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LIBRARY_DAILY_FINE_CENTS: %w", err)
		}
		cfg.DailyFineCents = n
	}
	if v, ok := lookup("LIBRARY_BCRYPT_COST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LIBRARY_BCRYPT_COST: %w", err)
		}
		cfg.BcryptCost = n
	}
	return nil
}
