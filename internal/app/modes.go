package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftmarket/internal/pipeline"
	"github.com/alanyoungcy/nftmarket/internal/server"
	"github.com/alanyoungcy/nftmarket/internal/server/handler"
	"github.com/alanyoungcy/nftmarket/internal/server/ws"
)

// ServerMode serves the HTTP API until ctx is cancelled. With Redis it also
// pushes events over WebSocket, and with Postgres and S3 it snapshots the
// ledger on the archive schedule.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	var job *pipeline.SnapshotJob
	if deps.Archiver != nil && a.cfg.S3.ArchiveCron != "" {
		sched, err := pipeline.ParseSchedule(a.cfg.S3.ArchiveCron)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		job = pipeline.NewSnapshotJob(deps.Archiver, sched, a.logger)
	}

	g, ctx := errgroup.WithContext(ctx)

	if job != nil {
		g.Go(func() error {
			if err := job.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server disabled, waiting for shutdown")
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
		return g.Wait()
	}

	srv := a.newServer(ctx, g, deps)
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newServer assembles handlers and starts the WebSocket hub in g when a
// signal bus is available.
func (a *App) newServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) *server.Server {
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Engine.Name(), deps.Health, a.logger),
		Market: handler.NewMarketHandler(deps.Market, a.logger),
		Items:  handler.NewItemHandler(deps.Market, a.logger),
		Dev:    handler.NewDevHandler(deps.Registry, deps.Bank, a.logger),
	}
	if deps.Archiver != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.Archiver, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Market:         deps.Engine.Name(),
			StartedAt:      time.Now().UTC(),
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		})
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		SignatureMaxAge: a.cfg.Server.SignatureWindow(),
		RateLimit:       a.cfg.Server.RateLimit,
		RateWindow:      a.cfg.Server.RateLimitWindow(),
		Nonces:          deps.Nonces,
	}, handlers, hub, deps.RateLimiter, a.logger)
}

// ExportMode writes one snapshot of the persisted ledger to object storage
// and returns.
func (a *App) ExportMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: export mode needs postgres and s3")
	}

	path, count, err := deps.Archiver.ArchiveItems(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("app: export: %w", err)
	}
	if count == 0 {
		a.logger.InfoContext(ctx, "export: ledger empty, nothing archived")
		return nil
	}
	a.logger.InfoContext(ctx, "export: items archived",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	return nil
}
