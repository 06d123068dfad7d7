package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade_sync/internal/app"
	"trade_sync/internal/broker"
	"trade_sync/internal/dispatch"
	"trade_sync/internal/publish"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize("configs/config.yaml"); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Shutdown()

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := bootstrap.Config

	// 4. Start the Applier (The Hotpath Loop)
	go bootstrap.Applier.Run(ctx)
	slog.InfoContext(ctx, "✅ Applier (Hotpath) started")

	// 5. Broker connections, one per configured account
	connCfg := broker.ConnConfig{
		URL:               cfg.Broker.WSURL,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		TokenTTL:          cfg.Broker.TokenTTL,
		ReauthMargin:      cfg.Broker.ReauthMargin,
		DeadWindow:        cfg.Broker.DeadWindow,
		DeadWindowCount:   cfg.Broker.DeadWindowCount,
		SubscribeTimeout:  cfg.Broker.SubscribeTimeout,
	}
	manager := broker.NewManager(connCfg, cfg.Broker.SupervisorInterval,
		cfg.Broker.MaxConcurrentConnect, bootstrap.Applier.Inbox(), bootstrap.Metrics)
	for _, acct := range cfg.Accounts {
		manager.AddAccount(acct.ID, acct.Token)
	}
	manager.Start(ctx)
	defer manager.Stop()
	slog.InfoContext(ctx, "✅ Connection manager started", slog.Int("accounts", len(cfg.Accounts)))

	// 6. Order dispatcher
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Workers:        cfg.Dispatcher.Workers,
		GlobalRate:     cfg.Dispatcher.GlobalRate,
		GlobalBurst:    cfg.Dispatcher.GlobalBurst,
		AccountRate:    cfg.Dispatcher.AccountRate,
		AccountBurst:   cfg.Dispatcher.AccountBurst,
		RateLimitDelay: cfg.Dispatcher.RateLimitDelay,
		HistorySize:    cfg.Dispatcher.HistorySize,
		CoalesceModify: cfg.Dispatcher.CoalesceModifies,
	}, app.LocalExecutor(), bootstrap.Metrics)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	slog.InfoContext(ctx, "✅ Order dispatcher started", slog.Int("workers", cfg.Dispatcher.Workers))

	// 7. Publisher
	publisher := publish.NewPublisher(bootstrap.Cache, cfg.Publisher.Interval, bootstrap.Metrics)
	go publisher.Run(ctx)
	slog.InfoContext(ctx, "✅ Publisher started", slog.Duration("interval", cfg.Publisher.Interval))

	// 8. Periodic status line
	go statusLoop(ctx, bootstrap, manager, dispatcher, publisher)

	slog.InfoContext(ctx, "✨ Trade Sync fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}

// statusLoop logs a one-line health summary on a fixed interval.
func statusLoop(ctx context.Context, b *app.Bootstrap, manager *broker.Manager, dispatcher *dispatch.Dispatcher, publisher *publish.Publisher) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			streaming := 0
			health := manager.Health()
			for _, status := range health {
				if status.State == broker.StateStreaming {
					streaming++
				}
			}
			stats := dispatcher.Statistics()
			ledgerStats := b.Ledger.Stats()
			clients, _ := publisher.Stats()
			snap := b.Metrics.Snapshot()

			slog.Info("📊 Status",
				slog.Int("streaming", streaming),
				slog.Int("accounts", len(health)),
				slog.Uint64("cache_seq", b.Cache.CurrentSeq()),
				slog.Int("ledger_events", ledgerStats.TotalEvents),
				slog.Uint64("tasks_completed", stats.Completed),
				slog.Uint64("tasks_failed", stats.Failed),
				slog.Uint64("events_ingested", snap.EventsIngested),
				slog.Uint64("reconnects", snap.Reconnects),
				slog.Int("publish_clients", clients))
		}
	}
}
