package cli

import (
	"fmt"
	"log/slog"
	"net/http"

	"portal-bridge/config"
	"portal-bridge/internal/dispatch"
	"portal-bridge/internal/events"
	"portal-bridge/internal/monitor"
	"portal-bridge/internal/strategy"
	"portal-bridge/internal/transport"
)

// core is what every command needs to reach the backend.
type core struct {
	client     *http.Client
	registry   *strategy.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *monitor.Metrics
}

func buildCore(cfg *config.Config, logger *slog.Logger, publisher events.Publisher) (*core, error) {
	client, err := transport.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}

	registry, err := strategy.NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build strategy registry: %w", err)
	}

	metrics := monitor.NewMetrics()
	opts := []dispatch.Option{
		dispatch.WithHTTPClient(client),
		dispatch.WithLogger(logger),
		dispatch.WithMaxBodyBytes(cfg.Backend.MaxBodyBytes),
		dispatch.WithObserver(metrics),
	}
	if publisher != nil {
		opts = append(opts, dispatch.WithPublisher(publisher))
	}

	return &core{
		client:     client,
		registry:   registry,
		dispatcher: dispatch.New(registry, opts...),
		metrics:    metrics,
	}, nil
}

// reload applies next to the core. Nothing is swapped unless every piece
// builds; the transport is rebuilt only when the upstream proxy changed.
func (c *core) reload(prev, next *config.Config, logger *slog.Logger) error {
	registry, err := strategy.NewRegistryFromConfig(next)
	if err != nil {
		return fmt.Errorf("failed to build strategy registry: %w", err)
	}

	client := c.client
	if prev.Proxy != next.Proxy {
		client, err = transport.NewClient(next)
		if err != nil {
			return fmt.Errorf("failed to create HTTP transport: %w", err)
		}
		logger.Info(fmt.Sprintf("🔗 Upstream proxy changed: %s", transport.GetProxyInfo(next)))
	}

	if client != c.client {
		c.client.CloseIdleConnections()
		c.client = client
		c.dispatcher.SetHTTPClient(client)
	}
	c.dispatcher.SetMaxBodyBytes(next.Backend.MaxBodyBytes)
	c.registry = registry
	c.dispatcher.SetRegistry(registry)
	return nil
}

// restartRequired names changed settings that are only read at startup.
func restartRequired(prev, next *config.Config) []string {
	var fields []string
	if prev.Server != next.Server {
		fields = append(fields, "server")
	}
	if prev.Store != next.Store {
		fields = append(fields, "store")
	}
	if prev.Logging.FileEnabled != next.Logging.FileEnabled || prev.Logging.FilePath != next.Logging.FilePath {
		fields = append(fields, "logging.file_enabled/file_path")
	}
	if prev.Diagnostics.Enabled != next.Diagnostics.Enabled {
		fields = append(fields, "diagnostics.enabled")
	}
	return fields
}
