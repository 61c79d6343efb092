// Command vaultmirror runs the custodial vault mirror: it applies balance
// operations against a local ledger, ingests confirmed operation facts,
// reconciles the mirror against the chain on a schedule and serves the
// HTTP/WebSocket API.
//
// Usage:
//
//	vaultmirror --config config.yaml
//	vaultmirror (uses built-in defaults and a simulated chain reader)
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goquant/vaultmirror/config"
	"github.com/goquant/vaultmirror/internal/applier"
	"github.com/goquant/vaultmirror/internal/cache"
	"github.com/goquant/vaultmirror/internal/chain"
	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/events"
	"github.com/goquant/vaultmirror/internal/ingest"
	"github.com/goquant/vaultmirror/internal/reconcile"
	"github.com/goquant/vaultmirror/internal/service"
	"github.com/goquant/vaultmirror/internal/storage/ledger"
	"github.com/goquant/vaultmirror/internal/storage/snapshots"
	"github.com/goquant/vaultmirror/internal/web"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Get()
	if err != nil {
		logger.Fatal("failed to get configuration", zap.Error(err))
	}

	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open ledger store", zap.Error(err))
	}
	defer store.Close()

	snaps, err := snapshots.NewWALStore(cfg.SnapshotWALDir)
	if err != nil {
		logger.Fatal("failed to open snapshot store", zap.Error(err))
	}
	defer snaps.Close()

	vaultCache := cache.New(cfg.CacheTTL)
	defer vaultCache.Stop()

	bus := events.NewBroadcaster(cfg.EventBuffer)
	app := applier.New(store, bus, vaultCache, logger)

	var reader chain.Reader
	if cfg.ChainRPCURL != "" {
		reader = chain.NewRPCReader(cfg.ChainRPCURL, cfg.ChainTimeout)
	} else {
		logger.Warn("chain_rpc_url is not set, reconciling against a simulated chain")
		reader = chain.NewSimulator()
	}

	reconciler := reconcile.New(store, snaps, reader, bus, vaultCache, reconcile.Config{
		Interval:                  cfg.ReconciliationInterval,
		ChainTimeout:              cfg.ChainTimeout,
		MinConfirmationAge:        cfg.MinConfirmationAge,
		UtilizationWarningPercent: cfg.UtilizationWarningPercent,
		LowBalanceFraction:        cfg.LowBalanceFraction,
		Severity: reconcile.SeverityPolicy{
			WarningPercent:  cfg.WarningDiscrepancyPercent,
			CriticalPercent: cfg.CriticalDiscrepancyPercent,
		},
	}, logger)

	svc := service.New(store, app, reconciler, vaultCache, bus, cfg.AllowCriticalAutoResolve, logger)

	ingestor := ingest.New(app, store, cfg.ReorgDepthSlots, logger)
	facts := make(chan domain.OperationFact, cfg.EventBuffer)

	server := web.NewServer(cfg.ListenAddr, svc, snaps, facts, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciler.Run(ctx) })
	g.Go(func() error { return ingestor.Run(ctx, facts) })
	g.Go(func() error { return server.Start(ctx) })

	logger.Info("vault mirror started", zap.String("addr", cfg.ListenAddr))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown with error", zap.Error(err))
		return
	}
	logger.Info("vault mirror stopped")
}
