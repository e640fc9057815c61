package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StoreConfig selects the realtime store backend.
type StoreConfig struct {
	Backend        string `yaml:"backend" validate:"oneof=memory redis postgres"`
	RedisAddr      string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db" validate:"gte=0"`
	PGDSN          string `yaml:"pg_dsn" validate:"required_if=Backend postgres"`
	RunMigrations  bool   `yaml:"run_migrations"`
	MigrationsPath string `yaml:"migrations_path"`
}

// TrackingConfig holds the operating area and the ageing rules for live
// shares and sightings.
type TrackingConfig struct {
	FenceLat              float64       `yaml:"fence_lat" validate:"latitude"`
	FenceLng              float64       `yaml:"fence_lng" validate:"longitude"`
	FenceRadiusMeters     float64       `yaml:"fence_radius_meters" validate:"gt=0"`
	LiveShareFreshness    time.Duration `yaml:"live_share_freshness" validate:"gt=0"`
	SightingTTL           time.Duration `yaml:"sighting_ttl" validate:"gt=0"`
	SightingHistoryMaxAge time.Duration `yaml:"sighting_history_max_age" validate:"gt=0"`
	SightingLiveMaxAge    time.Duration `yaml:"sighting_live_max_age" validate:"gt=0"`
	SightingFetchLimit    int           `yaml:"sighting_fetch_limit" validate:"gt=0"`
	ExitDebounce          int           `yaml:"geofence_exit_debounce" validate:"gte=1"`
	StoreReadTimeout      time.Duration `yaml:"store_read_timeout" validate:"gt=0"`
}

type ProximityConfig struct {
	ThresholdMeters float64       `yaml:"threshold_meters" validate:"gt=0"`
	Cooldown        time.Duration `yaml:"cooldown" validate:"gt=0"`
	FCMEndpoint     string        `yaml:"fcm_endpoint" validate:"omitempty,url"`
	FCMKey          string        `yaml:"fcm_key"`
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults are overlaid by CONFIG_FILE (YAML) and then by environment
// variables, so the binary runs locally without any setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	Store     StoreConfig     `yaml:"store"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Proximity ProximityConfig `yaml:"proximity"`

	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaEventsTopic string   `yaml:"kafka_events_topic" validate:"required_with=KafkaBrokers"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
}

// ConsumerConfig configures the process that turns device samples into
// sharing sessions.
type ConsumerConfig struct {
	Store    StoreConfig    `yaml:"store"`
	Tracking TrackingConfig `yaml:"tracking"`

	KafkaBrokers      []string `yaml:"kafka_brokers" validate:"required,min=1"`
	KafkaSamplesTopic string   `yaml:"kafka_samples_topic" validate:"required"`
	KafkaEventsTopic  string   `yaml:"kafka_events_topic"`
	KafkaGroupID      string   `yaml:"kafka_group_id" validate:"required"`

	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gt=0"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{Backend: "memory", MigrationsPath: "migrations"}
}

func defaultTrackingConfig() TrackingConfig {
	return TrackingConfig{
		FenceLat:              -22.7638,
		FenceLng:              -43.6883,
		FenceRadiusMeters:     5000,
		LiveShareFreshness:    15 * time.Minute,
		SightingTTL:           60 * time.Minute,
		SightingHistoryMaxAge: time.Hour,
		SightingLiveMaxAge:    5 * time.Minute,
		SightingFetchLimit:    50,
		ExitDebounce:          1,
		StoreReadTimeout:      5 * time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		Store:            defaultStoreConfig(),
		Tracking:         defaultTrackingConfig(),
		Proximity:        ProximityConfig{ThresholdMeters: 1000, Cooldown: 5 * time.Minute},
		KafkaEventsTopic: "bus-events",
		LogLevel:         "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Store:             defaultStoreConfig(),
		Tracking:          defaultTrackingConfig(),
		KafkaSamplesTopic: "bus-position-samples",
		KafkaEventsTopic:  "bus-events",
		KafkaGroupID:      "shuttle-tracker-consumer",
		MaxRetries:        5,
		RetryBackoff:      200 * time.Millisecond,
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	if err := overlayFile(&cfg); err != nil {
		return cfg, err
	}
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadStoreEnv(&cfg.Store, &errs)
	loadTrackingEnv(&cfg.Tracking, &errs)

	setFloatFromEnv(&cfg.Proximity.ThresholdMeters, "PROXIMITY_THRESHOLD_METERS", &errs)
	setDurationFromEnv(&cfg.Proximity.Cooldown, "PROXIMITY_COOLDOWN", &errs)
	setStringFromEnv(&cfg.Proximity.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.Proximity.FCMKey, "FCM_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, validate(cfg))
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	if err := overlayFile(&cfg); err != nil {
		return cfg, err
	}
	var errs []error

	loadStoreEnv(&cfg.Store, &errs)
	loadTrackingEnv(&cfg.Tracking, &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaSamplesTopic, "KAFKA_SAMPLES_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, validate(cfg))
	return cfg, errors.Join(errs...)
}

func loadStoreEnv(s *StoreConfig, errs *[]error) {
	setStringFromEnv(&s.Backend, "STORE_BACKEND")
	setStringFromEnv(&s.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		s.RedisPassword = v
	}
	setIntFromEnv(&s.RedisDB, "REDIS_DB", errs)
	setStringFromEnv(&s.PGDSN, "PG_DSN")
	setStringFromEnv(&s.MigrationsPath, "MIGRATIONS_PATH")
	if v := os.Getenv("MIGRATE"); v != "" {
		s.RunMigrations = strings.EqualFold(v, "true")
	}
	s.Backend = strings.ToLower(s.Backend)
}

func loadTrackingEnv(t *TrackingConfig, errs *[]error) {
	setFloatFromEnv(&t.FenceLat, "GEOFENCE_LAT", errs)
	setFloatFromEnv(&t.FenceLng, "GEOFENCE_LNG", errs)
	setFloatFromEnv(&t.FenceRadiusMeters, "GEOFENCE_RADIUS_METERS", errs)
	setDurationFromEnv(&t.LiveShareFreshness, "LIVE_SHARE_FRESHNESS", errs)
	setDurationFromEnv(&t.SightingTTL, "SIGHTING_TTL", errs)
	setDurationFromEnv(&t.SightingHistoryMaxAge, "SIGHTING_HISTORY_MAX_AGE", errs)
	setDurationFromEnv(&t.SightingLiveMaxAge, "SIGHTING_LIVE_MAX_AGE", errs)
	setIntFromEnv(&t.SightingFetchLimit, "SIGHTING_FETCH_LIMIT", errs)
	setIntFromEnv(&t.ExitDebounce, "GEOFENCE_EXIT_DEBOUNCE", errs)
	setDurationFromEnv(&t.StoreReadTimeout, "STORE_READ_TIMEOUT", errs)
}

// overlayFile applies the YAML file named by CONFIG_FILE, when set, on top
// of the defaults in target.
func overlayFile(target any) error {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

var validate = func() func(any) error {
	v := validator.New()
	return func(cfg any) error {
		err := v.Struct(cfg)
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, fmt.Errorf("invalid %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return errors.Join(out...)
	}
}()

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
