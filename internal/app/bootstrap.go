package app

import (
	"context"
	"log/slog"

	"trade_sync/internal/cache"
	"trade_sync/internal/engine"
	"trade_sync/internal/infra"
	"trade_sync/internal/infra/storage"
	"trade_sync/internal/ledger"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Metrics *infra.Metrics
	Store   *storage.EventStore
	Ledger  *ledger.EventLedger
	Cache   *cache.StateCache
	Applier *engine.Applier
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, storage,
// ledger, cache) and warm-loads persisted events when storage is enabled.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping Trade Sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	b.Metrics = &infra.Metrics{}

	// 3. Initialize the ledger sink (DB)
	var sink ledger.Sink
	if cfg.Storage.Enabled {
		store, err := storage.NewEventStore(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		b.Store = store
		sink = store
		slog.Info("✅ Event store initialized", slog.String("path", cfg.Storage.DBPath))
	}

	// 4. Ledger, cache, applier
	b.Ledger = ledger.NewEventLedger(cfg.Ledger.MaxEvents, cfg.Ledger.TrimBatch, sink)
	b.Cache = cache.NewStateCache(cfg.Publisher.MaxFills)
	b.Applier = engine.NewApplier(1024, b.Ledger, b.Cache, b.Metrics)

	// 5. Warm-load persisted events so state survives restarts
	if b.Store != nil {
		if err := b.warmLoad(context.Background()); err != nil {
			slog.Warn("Ledger warm-load failed, starting empty", slog.Any("error", err))
		}
	}

	slog.Info("✅ Core services initialized")
	return nil
}

func (b *Bootstrap) warmLoad(ctx context.Context) error {
	events, err := b.Store.LoadEventsSince(ctx, 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	b.Ledger.LoadPersisted(events)
	b.Applier.Warm(events)
	slog.Info("✅ Ledger warm-loaded", slog.Int("events", len(events)))
	return nil
}

// Shutdown releases resources held by bootstrap-owned services.
func (b *Bootstrap) Shutdown() {
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			slog.Warn("Event store close failed", slog.Any("error", err))
		}
	}
}
