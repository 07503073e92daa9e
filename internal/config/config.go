package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	PushEndpoint string
	PushKey      string

	StripeKey string

	// Candidate selection
	LocalRadiusM     float64
	ParcelRadiusM    float64
	IntercityRadiusM float64
	CandidateLimit   int
	StandbySize      int

	// Proximity check for start/complete transitions
	ArrivalProximityM float64

	// Reaper windows
	HeartbeatStale    time.Duration
	AcceptGrace       time.Duration
	RequestTTL        time.Duration
	MaxReassigns      int
	HeartbeatSweep    time.Duration
	StaleSweep        time.Duration
	ConsistencySweep  time.Duration
	NotifySweep       time.Duration
	NotifyBackoff     time.Duration
	NotifyMaxAttempts int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey: "drivers_geo",
		KafkaTopic:  "driver-locations",

		LocalRadiusM:     5000,
		ParcelRadiusM:    5000,
		IntercityRadiusM: 15000,
		CandidateLimit:   8,
		StandbySize:      5,

		ArrivalProximityM: 150,

		HeartbeatStale:    2 * time.Minute,
		AcceptGrace:       5 * time.Minute,
		RequestTTL:        10 * time.Minute,
		MaxReassigns:      3,
		HeartbeatSweep:    2 * time.Minute,
		StaleSweep:        time.Minute,
		ConsistencySweep:  5 * time.Minute,
		NotifySweep:       30 * time.Second,
		NotifyBackoff:     time.Minute,
		NotifyMaxAttempts: 5,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")

	setFloatFromEnv(&cfg.LocalRadiusM, "DISPATCH_LOCAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.ParcelRadiusM, "DISPATCH_PARCEL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.IntercityRadiusM, "DISPATCH_INTERCITY_RADIUS_M", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setIntFromEnv(&cfg.StandbySize, "DISPATCH_STANDBY_SIZE", &errs)
	setFloatFromEnv(&cfg.ArrivalProximityM, "DISPATCH_ARRIVAL_PROXIMITY_M", &errs)

	setDurationFromEnv(&cfg.HeartbeatStale, "DISPATCH_HEARTBEAT_STALE", &errs)
	setDurationFromEnv(&cfg.AcceptGrace, "DISPATCH_ACCEPT_GRACE", &errs)
	setDurationFromEnv(&cfg.RequestTTL, "DISPATCH_REQUEST_TTL", &errs)
	setIntFromEnv(&cfg.MaxReassigns, "DISPATCH_MAX_REASSIGNS", &errs)
	setDurationFromEnv(&cfg.HeartbeatSweep, "DISPATCH_HEARTBEAT_SWEEP", &errs)
	setDurationFromEnv(&cfg.StaleSweep, "DISPATCH_STALE_SWEEP", &errs)
	setDurationFromEnv(&cfg.ConsistencySweep, "DISPATCH_CONSISTENCY_SWEEP", &errs)
	setDurationFromEnv(&cfg.NotifySweep, "DISPATCH_NOTIFY_SWEEP", &errs)
	setDurationFromEnv(&cfg.NotifyBackoff, "DISPATCH_NOTIFY_BACKOFF", &errs)
	setIntFromEnv(&cfg.NotifyMaxAttempts, "DISPATCH_NOTIFY_MAX_ATTEMPTS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.NotifyMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_NOTIFY_MAX_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
