// Package settings assembles the booking-service configuration from the
// environment and an optional TOML override file.
package settings

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/md-rashed-zaman/bookinggate/libs/config"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/traffic"
)

const (
	BackendMemory = "memory"
	BackendToken  = "token"
	BackendRedis  = "redis"
)

type Settings struct {
	Service  string
	Port     string
	LogLevel string

	// DatabaseURL empty selects the in-memory store.
	DatabaseURL string
	DBMaxConns  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitBackend  string
	RateLimitFailOpen bool
	TrustForwarded    bool
	Limits            map[traffic.Tier]traffic.Limit

	KafkaBrokers   string
	RelayPollEvery time.Duration
	// OutboxMemoryRetention caps unpublished events held by the in-memory store.
	OutboxMemoryRetention int

	JWTSecret           string
	TrustGatewayHeaders bool

	AdmissionMaxAttempts  int
	AdmissionRetryBackoff time.Duration

	DefaultPolicy   model.CapacityPolicy
	ShutdownTimeout time.Duration
}

// Load reads the environment, then applies BOOKING_CONFIG_FILE when set.
func Load() (Settings, error) {
	s := Settings{
		Service:             config.String("SERVICE_NAME", "booking-service"),
		LogLevel:            config.String("LOG_LEVEL", "info"),
		DatabaseURL:         config.String("DATABASE_URL", ""),
		RedisAddr:           config.String("REDIS_ADDR", ""),
		RedisPassword:       config.String("REDIS_PASSWORD", ""),
		RateLimitBackend:    strings.ToLower(config.String("RATE_LIMIT_BACKEND", BackendMemory)),
		RateLimitFailOpen:   config.Bool("RATE_LIMIT_FAIL_OPEN", true),
		TrustForwarded:      config.Bool("TRUST_FORWARDED_FOR", false),
		KafkaBrokers:        config.String("KAFKA_BROKERS", ""),
		JWTSecret:           config.String("JWT_SECRET", ""),
		TrustGatewayHeaders: config.Bool("TRUST_GATEWAY_HEADERS", false),
		Limits:              traffic.DefaultLimits(),
		DefaultPolicy:       model.DefaultPolicy(),
	}

	var err error
	if s.Port, err = config.Port("PORT", "8083"); err != nil {
		return Settings{}, err
	}
	if s.DBMaxConns, err = config.Int("DB_MAX_CONNS", 10, 1); err != nil {
		return Settings{}, err
	}
	if s.RedisDB, err = config.Int("REDIS_DB", 0, 0); err != nil {
		return Settings{}, err
	}
	if s.AdmissionMaxAttempts, err = config.Int("ADMISSION_MAX_ATTEMPTS", 3, 1); err != nil {
		return Settings{}, err
	}
	if s.AdmissionRetryBackoff, err = config.Duration("ADMISSION_RETRY_BACKOFF", 20*time.Millisecond); err != nil {
		return Settings{}, err
	}
	if s.RelayPollEvery, err = config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second); err != nil {
		return Settings{}, err
	}
	if s.OutboxMemoryRetention, err = config.Int("OUTBOX_MEMORY_RETENTION", 10000, 1); err != nil {
		return Settings{}, err
	}
	if s.ShutdownTimeout, err = config.Duration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Settings{}, err
	}

	if path := config.String("BOOKING_CONFIG_FILE", ""); path != "" {
		f, err := ReadFile(path)
		if err != nil {
			return Settings{}, err
		}
		if err := f.Apply(&s); err != nil {
			return Settings{}, fmt.Errorf("applying %s: %w", path, err)
		}
	}
	return s, s.validate()
}

func (s Settings) validate() error {
	switch s.RateLimitBackend {
	case BackendMemory, BackendToken:
	case BackendRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory, token or redis (got %q)", s.RateLimitBackend)
	}
	if s.JWTSecret == "" && !s.TrustGatewayHeaders {
		return fmt.Errorf("either JWT_SECRET or TRUST_GATEWAY_HEADERS must be set")
	}
	return nil
}

// File is the optional TOML override.
type File struct {
	Policy PolicyFile          `toml:"policy"`
	Tiers  map[string]TierFile `toml:"tiers"`
}

// PolicyFile seeds the capacity policy materialised on first access.
type PolicyFile struct {
	DailyLimitPerUser *int   `toml:"daily_limit_per_user"`
	Active            *bool  `toml:"active"`
	Description       string `toml:"description"`
}

type TierFile struct {
	Requests int    `toml:"requests"`
	Window   string `toml:"window"` // Go duration, e.g. "1m"
}

func Decode(r io.Reader) (*File, error) {
	var f File
	md, err := toml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return &f, nil
}

func ReadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer fh.Close()

	f, err := Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return f, nil
}

func (f *File) Apply(s *Settings) error {
	if f.Policy.DailyLimitPerUser != nil {
		if *f.Policy.DailyLimitPerUser < 0 {
			return fmt.Errorf("policy.daily_limit_per_user must be >= 0")
		}
		s.DefaultPolicy.DailyLimitPerUser = *f.Policy.DailyLimitPerUser
	}
	if f.Policy.Active != nil {
		s.DefaultPolicy.Active = *f.Policy.Active
	}
	if f.Policy.Description != "" {
		s.DefaultPolicy.Description = f.Policy.Description
	}

	for name, tf := range f.Tiers {
		tier := traffic.Tier(name)
		if _, ok := s.Limits[tier]; !ok {
			return fmt.Errorf("unknown rate limit tier %q", name)
		}
		window, err := time.ParseDuration(tf.Window)
		if err != nil || window <= 0 {
			return fmt.Errorf("tiers.%s.window must be a positive duration (got %q)", name, tf.Window)
		}
		if tf.Requests < 1 {
			return fmt.Errorf("tiers.%s.requests must be >= 1", name)
		}
		s.Limits[tier] = traffic.Limit{Requests: tf.Requests, Window: window}
	}
	return nil
}
