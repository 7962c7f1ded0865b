package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/demoshop/funnel-analytics/internal/config"
	"github.com/demoshop/funnel-analytics/internal/domain"
	"github.com/demoshop/funnel-analytics/internal/lifecycle"
	"github.com/demoshop/funnel-analytics/internal/logger"
	"github.com/demoshop/funnel-analytics/internal/projection"
	"github.com/demoshop/funnel-analytics/internal/rollup"
	"github.com/demoshop/funnel-analytics/internal/store"
)

// main runs the periodic rollup trigger. The engine itself owns no
// scheduler; this binary is the timer that invokes Advance for each enabled
// granularity until terminated.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.DBURL == "" {
		log.Fatal("DB_URL required: the rollup trigger shares the database with the API")
	}

	zlog, err := logger.New(cfg.AppMode)
	if err != nil {
		log.Fatal(err)
	}
	defer zlog.Sync()

	st, err := store.NewPostgresStore(cfg.DBURL)
	if err != nil {
		zlog.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()
	if err := st.EnsureSchema(); err != nil {
		zlog.Fatal("schema init failed", zap.Error(err))
	}

	proj := projection.New(zlog)
	machine := lifecycle.New(cfg.ChurnWindow)
	engine := rollup.NewEngine(st, st, proj, machine, cfg.SafetyLag, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		zlog.Info("shutting down rollup trigger")
		cancel()
	}()

	zlog.Info("rollup trigger started",
		zap.Duration("interval", cfg.RollupInterval),
		zap.Int("granularities", len(cfg.Granularities)))

	ticker := time.NewTicker(cfg.RollupInterval)
	defer ticker.Stop()

	advanceAll(ctx, engine, cfg.Granularities, zlog)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			advanceAll(ctx, engine, cfg.Granularities, zlog)
		}
	}
}

// advanceAll runs one advance per granularity. Failures are logged and
// retried on the next tick; the watermark protocol makes retries safe.
func advanceAll(ctx context.Context, engine *rollup.Engine, granularities []domain.Granularity, zlog *zap.Logger) {
	for _, g := range granularities {
		watermark, err := engine.Advance(ctx, g)
		switch {
		case errors.Is(err, domain.ErrRollupBusy):
			zlog.Warn("advance still running", zap.String("granularity", string(g)))
		case err != nil:
			zlog.Error("advance failed", zap.String("granularity", string(g)), zap.Error(err))
		default:
			zlog.Debug("advance complete",
				zap.String("granularity", string(g)),
				zap.Time("watermark", watermark))
		}
	}
}
