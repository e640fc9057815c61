package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestServerDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "memory" || cfg.Tracking.SightingTTL != time.Hour || cfg.Tracking.ExitDebounce != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Tracking.FenceRadiusMeters != 5000 || cfg.Proximity.ThresholdMeters != 1000 {
		t.Fatalf("unexpected tracking defaults %+v", cfg.Tracking)
	}
}

func TestServerEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SIGHTING_TTL", "30m")
	t.Setenv("GEOFENCE_EXIT_DEBOUNCE", "3")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "redis" || cfg.Tracking.SightingTTL != 30*time.Minute || cfg.Tracking.ExitDebounce != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestServerValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"redis without addr":    {"STORE_BACKEND": "redis"},
		"postgres without dsn":  {"STORE_BACKEND": "postgres"},
		"unknown backend":       {"STORE_BACKEND": "etcd"},
		"bad duration":          {"SIGHTING_TTL": "soon"},
		"zero debounce":         {"GEOFENCE_EXIT_DEBOUNCE": "0"},
		"latitude out of range": {"GEOFENCE_LAT": "-95"},
		"negative radius":       {"GEOFENCE_RADIUS_METERS": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := LoadServerConfig(); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestYAMLOverlayThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	doc := strings.Join([]string{
		"http_addr: \":9090\"",
		"tracking:",
		"  fence_radius_meters: 2500",
		"  sighting_live_max_age: 10m",
		"store:",
		"  backend: postgres",
		"  pg_dsn: postgres://localhost/shuttle",
	}, "\n")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":7070")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("env should win over file, got %s", cfg.HTTPAddr)
	}
	if cfg.Tracking.FenceRadiusMeters != 2500 || cfg.Tracking.SightingLiveMaxAge != 10*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg.Tracking)
	}
	if cfg.Tracking.SightingTTL != time.Hour {
		t.Fatalf("defaults lost under overlay: %v", cfg.Tracking.SightingTTL)
	}
	if cfg.Store.Backend != "postgres" {
		t.Fatalf("store backend %q", cfg.Store.Backend)
	}
}

func TestConsumerRequiresBrokers(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("KAFKA_BROKERS", "")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatalf("expected error without brokers")
	}
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.KafkaSamplesTopic != "bus-position-samples" || cfg.MaxRetries != 5 {
		t.Fatalf("unexpected consumer defaults %+v", cfg)
	}
}
