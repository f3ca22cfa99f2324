package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lunarfi/liquidator/internal/feed"
	"github.com/lunarfi/liquidator/internal/monitor"
	"github.com/lunarfi/liquidator/internal/pipeline"
	"github.com/lunarfi/liquidator/internal/reconcile"
	"github.com/lunarfi/liquidator/internal/server"
	"github.com/lunarfi/liquidator/internal/server/handler"
	"github.com/lunarfi/liquidator/internal/service"
)

// services bundles the application services shared by the modes.
type services struct {
	positions  *service.PositionService
	marketData *service.MarketDataService
	monitor    *monitor.Monitor
	reconciler *reconcile.Reconciler
}

func (a *App) buildServices(deps *Dependencies) *services {
	positionSvc := service.NewPositionService(deps.Positions, deps.Trades, deps.Ledger, a.logger)
	marketDataSvc := service.NewMarketDataService(deps.MarketData, deps.MarketCache, a.logger)

	mon := monitor.New(
		deps.Positions,
		deps.Trades,
		deps.Liquidations,
		marketDataSvc,
		deps.Locks,
		deps.Ledger,
		deps.Notifier,
		monitor.Config{
			Interval:    a.cfg.Monitor.Interval.Duration,
			Concurrency: a.cfg.Monitor.Concurrency,
			StaleAfter:  a.cfg.Monitor.StaleAfter.Duration,
			PassTTL:     a.cfg.Monitor.PassTTL.Duration,
		},
		a.logger,
	)

	return &services{
		positions:  positionSvc,
		marketData: marketDataSvc,
		monitor:    mon,
		reconciler: reconcile.New(positionSvc, deps.Ledger, deps.Notifier, a.logger),
	}
}

// MonitorMode runs the liquidation loop plus the price feed and archiver,
// without the HTTP API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	g.Go(func() error {
		return svcs.monitor.Run(ctx)
	})

	a.startFeed(ctx, g, svcs)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// ServeMode runs the HTTP API plus the price feed. Liquidation passes only
// happen on demand through the API.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	a.startHTTPServer(ctx, g, deps, svcs)
	a.startFeed(ctx, g, svcs)

	return g.Wait()
}

// FullMode runs every subsystem: the liquidation loop, the HTTP API, the
// price feed, and the archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := a.buildServices(deps)

	g.Go(func() error {
		return svcs.monitor.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps, svcs)
	a.startFeed(ctx, g, svcs)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// startFeed launches the oracle websocket consumer when enabled.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, svcs *services) {
	if !a.cfg.Feed.Enabled {
		return
	}

	oracle := feed.NewOracleFeed(
		a.cfg.Feed.WsURL,
		a.cfg.Feed.Source,
		a.cfg.Feed.Assets,
		svcs.marketData.Upsert,
		a.logger,
	)
	g.Go(func() error {
		return oracle.Run(ctx)
	})
}

// startArchiver launches the cold-storage archive loop when enabled.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.BlobWriter == nil {
		return
	}

	archiver := pipeline.NewArchiver(
		deps.Trades,
		deps.Liquidations,
		deps.BlobWriter,
		a.cfg.Archive.RetentionDays,
		a.logger,
	)
	g.Go(func() error {
		return archiver.RunLoop(ctx, a.cfg.Archive.Interval.Duration)
	})
}

// startHTTPServer registers all handlers and launches the API server with
// graceful shutdown tied to ctx.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Server.Enabled {
		return
	}

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(a.cfg.Mode, a.logger),
		Positions:    handler.NewPositionHandler(svcs.positions, a.logger),
		Liquidations: handler.NewLiquidationHandler(deps.Liquidations, a.logger),
		MarketData:   handler.NewMarketDataHandler(svcs.marketData, a.cfg.Monitor.StaleAfter.Duration, a.logger),
		Sync:         handler.NewSyncHandler(svcs.reconciler, a.logger),
		Monitor:      handler.NewMonitorHandler(svcs.monitor, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}
