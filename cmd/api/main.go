package main

import (
	"log"

	"go.uber.org/zap"

	"github.com/demoshop/funnel-analytics/internal/config"
	"github.com/demoshop/funnel-analytics/internal/funnel"
	"github.com/demoshop/funnel-analytics/internal/httpserver"
	"github.com/demoshop/funnel-analytics/internal/lifecycle"
	"github.com/demoshop/funnel-analytics/internal/logger"
	"github.com/demoshop/funnel-analytics/internal/projection"
	"github.com/demoshop/funnel-analytics/internal/rollup"
	"github.com/demoshop/funnel-analytics/internal/store"
)

// main boots the service: config → logger → store → engine → HTTP server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zlog, err := logger.New(cfg.AppMode)
	if err != nil {
		log.Fatal(err)
	}
	defer zlog.Sync()

	st, err := openStore(cfg, zlog)
	if err != nil {
		zlog.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	// The projection is shared: the rollup engine feeds it during advances,
	// the funnel service reads it on the fallback path.
	proj := projection.New(zlog)
	machine := lifecycle.New(cfg.ChurnWindow)
	engine := rollup.NewEngine(st, st, proj, machine, cfg.SafetyLag, zlog)
	queries := funnel.NewService(st, st, proj, machine, cfg.Granularities, zlog)

	router := httpserver.NewRouter(cfg, st, queries, engine, zlog)

	zlog.Info("server started",
		zap.String("port", cfg.Port),
		zap.Duration("churn_window", cfg.ChurnWindow),
		zap.Duration("safety_lag", cfg.SafetyLag))
	if err := router.Run(":" + cfg.Port); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
}

// openStore connects to Postgres when DB_URL is set and self-bootstraps the
// schema so `docker compose up --build` is enough; without DB_URL it falls
// back to the in-memory store for local experiments.
func openStore(cfg config.Config, zlog *zap.Logger) (store.Store, error) {
	if cfg.DBURL == "" {
		zlog.Warn("DB_URL not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(cfg.DBURL)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
