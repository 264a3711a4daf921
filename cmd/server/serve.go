package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ucshadow/internal/config"
	"github.com/JonMunkholm/ucshadow/internal/core"
	"github.com/JonMunkholm/ucshadow/internal/database"
	"github.com/JonMunkholm/ucshadow/internal/metrics"
	"github.com/JonMunkholm/ucshadow/internal/migration"
	"github.com/JonMunkholm/ucshadow/internal/schema"
	"github.com/JonMunkholm/ucshadow/internal/web"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// app is everything serve wires together before the HTTP server starts.
type app struct {
	engine  *core.Engine
	limiter *core.LoadLimiter
	metrics *metrics.Metrics
	pool    *pgxpool.Pool
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// health pings the database when there is one.
func (a *app) health(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// buildApp registers entity types, opens the audit trail and replays the
// override history into the engine.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	installed, err := schema.Install(cfg.Schema.File)
	if err != nil {
		return nil, err
	}
	if installed > 0 {
		slog.Info("entity descriptors loaded", "file", cfg.Schema.File, "count", installed)
	}

	a := &app{
		metrics: metrics.New(),
		limiter: core.NewLoadLimiter(cfg.Load.MaxConcurrent, cfg.Load.MaxWaitTime),
	}

	var trail core.AuditTrail
	if cfg.Database.HasDatabase() {
		pool, err := database.Connect(ctx, database.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		slog.Info("connected to database", "name", database.Name(cfg.Database.URL))

		if cfg.Database.AutoMigrate {
			if err := migration.RunPool(pool); err != nil {
				a.close()
				return nil, err
			}
			slog.Info("database migrations applied")
		}
		trail = database.NewAuditTrail(pool)
	} else {
		slog.Warn("DATABASE_URL not set; override audit trail is in memory and lost on restart")
		trail = core.NewMemoryAuditTrail()
	}

	a.engine = core.NewEngine(core.EngineOptions{
		Trail:            trail,
		Observer:         a.metrics,
		Logger:           slog.Default(),
		BatchChunkSize:   cfg.Batch.ChunkSize,
		BatchParallelism: cfg.Batch.Parallelism,
	})
	if err := a.engine.RegisterAll(core.All()); err != nil {
		a.close()
		return nil, fmt.Errorf("register entity types: %w", err)
	}
	slog.Info("entity types registered",
		"count", core.EntityTypeCount(),
		"groups", len(core.Groups()),
	)

	if _, err := a.engine.Replay(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("configuration loaded", "config", cfg.String())

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	server := web.NewServer(web.Options{
		Engine:  a.engine,
		Limiter: a.limiter,
		Config:  cfg,
		Metrics: a.metrics.Handler(),
		Health:  a.health,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Addr()) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if status := a.limiter.Status(); status.Active > 0 {
		slog.Info("waiting for snapshot loads to complete", "active", status.Active)
		if err := a.limiter.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("snapshot loads did not complete in time", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
