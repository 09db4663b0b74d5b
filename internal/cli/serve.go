package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portal-bridge/config"
	"portal-bridge/internal/diagnostics"
	"portal-bridge/internal/events"
	"portal-bridge/internal/logging"
	"portal-bridge/internal/monitor"
	"portal-bridge/internal/store"
	"portal-bridge/internal/transport"
	"portal-bridge/internal/web"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, diagnostics loop and config watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}

	// Console-only logger until the config says otherwise
	logger, _, _ := logging.Setup(config.LoggingConfig{Level: "info"})
	slog.SetDefault(logger)

	watcher, err := config.NewConfigWatcher(opts.configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create configuration watcher: %w", err)
	}
	defer watcher.Close()

	cfg := watcher.GetConfig()
	if err := opts.apply(cfg, logger); err != nil {
		return err
	}

	logger, logHandler, err := logging.Setup(cfg.Logging)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️ File logging disabled: %v", err))
	}
	defer logHandler.Close()
	slog.SetDefault(logger)
	watcher.UpdateLogger(logger)

	bus := events.NewEventBus(logger)
	if err := bus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer bus.Stop()

	c, err := buildCore(cfg, logger, bus)
	if err != nil {
		return err
	}
	for i, s := range c.registry.Strategies() {
		logger.Info(fmt.Sprintf("🔀 Strategy %d: %s", i+1, s))
	}
	logger.Info(fmt.Sprintf("🔗 Upstream proxy: %s", transport.GetProxyInfo(cfg)))

	deps := web.Deps{Dispatcher: c.dispatcher, EventBus: bus, Metrics: c.metrics}

	collector := monitor.NewHistoryCollector(c.metrics, 30*time.Second, logger)
	collector.Start()
	defer collector.Stop()

	var probeStore *store.ProbeStore
	if cfg.Store.Enabled {
		probeStore, err = store.OpenProbeStore(cfg.Store, logger)
		if err != nil {
			return fmt.Errorf("failed to open probe store: %w", err)
		}
		defer probeStore.Close()
		deps.History = probeStore
		logger.Info(fmt.Sprintf("💾 Probe history store ready (%s)", probeStore.DatabaseType()))
	}

	var prober *diagnostics.Prober
	if cfg.Diagnostics.Enabled {
		proberOpts := []diagnostics.Option{
			diagnostics.WithLogger(logger),
			diagnostics.WithPublisher(bus),
		}
		if probeStore != nil {
			retention := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour
			proberOpts = append(proberOpts, diagnostics.WithRecorder(probeStore, retention))
		}
		prober = diagnostics.NewProber(cfg, c.registry, c.client, proberOpts...)
		prober.Start()
		defer prober.Stop()
		deps.Prober = prober
	}

	server := web.NewServer(cfg, deps, logger, opts.configPath)

	current := cfg
	watcher.AddReloadCallback(func(newCfg *config.Config) {
		logHandler.SetLevel(logging.ParseLevel(newCfg.Logging.Level))

		if err := c.reload(current, newCfg, logger); err != nil {
			logger.Error(fmt.Sprintf("❌ Keeping previous strategies and transport: %v", err))
			bus.Publish(events.Event{
				Type:     events.EventSystemError,
				Source:   "config",
				Priority: events.PriorityCritical,
				Data:     map[string]interface{}{"message": err.Error()},
			})
			return
		}
		for _, field := range restartRequired(current, newCfg) {
			logger.Warn(fmt.Sprintf("⚠️ %s changed; restart to apply it", field))
		}
		current = newCfg
		registry := c.registry

		if prober != nil {
			prober.SetHTTPClient(c.client)
			prober.UpdateConfig(newCfg, registry)
		}
		server.UpdateConfig(newCfg)

		bus.Publish(events.Event{
			Type:     events.EventConfigChanged,
			Source:   "config",
			Priority: events.PriorityNormal,
			Data: map[string]interface{}{
				"strategies":    registry.Len(),
				"walled_garden": diagnostics.WalledGarden(newCfg, registry),
			},
		})
		logger.Info("🔄 All components updated to the new configuration")
	})
	logger.Info("🔄 Config hot reload enabled")

	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("📡 Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}

	logger.Info("✅ Portal bridge stopped")
	return nil
}
