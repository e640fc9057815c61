// Package app wires the tracker components from configuration. Both the
// HTTP server and the sample consumer build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/example/shuttle-tracker/internal/config"
	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/liveshare"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/sighting"
	"github.com/example/shuttle-tracker/internal/store"
	"github.com/example/shuttle-tracker/internal/tracker"
	"github.com/example/shuttle-tracker/internal/workflow"
)

const migrationFile = "001_create_bus_records.sql"

// OpenStore connects the configured backend. Postgres migrations run when
// RunMigrations is set.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Warn("using in-memory store; records are lost on restart")
		return store.NewMemoryStore(), nil
	case "redis":
		st := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgresStore(cfg.PGDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		if cfg.RunMigrations {
			path := filepath.Join(cfg.MigrationsPath, migrationFile)
			script, err := os.ReadFile(path)
			if err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("read migration: %w", err)
			}
			if err := st.Migrate(ctx, string(script)); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("apply migration: %w", err)
			}
			logger.Info("migration applied", "file", migrationFile)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func Fence(t config.TrackingConfig) geo.Fence {
	return geo.Fence{Center: models.Coord{Lat: t.FenceLat, Lng: t.FenceLng}, RadiusMeters: t.FenceRadiusMeters}
}

// NewTracker builds the live share and sighting managers over st and the
// service in front of them. pub may be nil.
func NewTracker(st store.Store, t config.TrackingConfig, pub tracker.Publisher, logger *slog.Logger) *tracker.Service {
	shares := liveshare.NewManager(st, logger)
	shares.Freshness = t.LiveShareFreshness
	shares.ReadTimeout = t.StoreReadTimeout

	sightings := sighting.NewManager(st, logger)
	sightings.TTL = t.SightingTTL
	sightings.HistoryMaxAge = t.SightingHistoryMaxAge
	sightings.LiveMaxAge = t.SightingLiveMaxAge
	sightings.FetchLimit = t.SightingFetchLimit
	sightings.ReadTimeout = t.StoreReadTimeout

	return tracker.NewService(shares, sightings, Fence(t), pub, logger)
}

func WorkflowConfig(t config.TrackingConfig) workflow.Config {
	cfg := workflow.DefaultConfig()
	cfg.Fence = Fence(t)
	cfg.ExitDebounce = t.ExitDebounce
	return cfg
}
