package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	StrategyKindDirect = "direct"
	StrategyKindRelay  = "relay"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	Strategies  []StrategyConfig  `yaml:"strategies"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`

	// Runtime override (not serialized to YAML)
	PreferredStrategy string `yaml:"-"` // Strategy name from command line
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type BackendConfig struct {
	BaseURL      string `yaml:"base_url"`       // Every portal API path is resolved against this URL
	MaxBodyBytes int64  `yaml:"max_body_bytes"` // Upper bound for buffered response bodies, default: 10MB
	DefaultPlan  string `yaml:"default_plan"`   // Plan pricing UUID sent with registrations that name none
}

type StrategyConfig struct {
	Name               string        `yaml:"name"`
	Kind               string        `yaml:"kind"`   // "direct" or "relay"
	Prefix             string        `yaml:"prefix"` // Relay prefix the encoded target is appended to
	Methods            []string      `yaml:"methods"`
	Timeout            time.Duration `yaml:"timeout"`
	ForwardCredentials *bool         `yaml:"forward_credentials,omitempty"` // default: true
}

// CredentialsForwarded reports whether auth headers travel through this strategy.
func (s StrategyConfig) CredentialsForwarded() bool {
	return s.ForwardCredentials == nil || *s.ForwardCredentials
}

type DiagnosticsConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Interval       time.Duration  `yaml:"interval"`        // Periodic sweep interval, default: 60s
	Timeout        time.Duration  `yaml:"timeout"`         // Per-probe timeout, default: 5s
	MaxConcurrency int            `yaml:"max_concurrency"` // Probes in flight per sweep, default: 4
	ProbeTarget    string         `yaml:"probe_target"`    // URL fetched through each relay, default: https://google.com
	OnDemandRate   time.Duration  `yaml:"on_demand_rate"`  // Minimum spacing of on-demand sweeps, default: 10s
	OnDemandBurst  int            `yaml:"on_demand_burst"` // default: 1
	Targets        []TargetConfig `yaml:"targets,omitempty"`
	ExtraHosts     []string       `yaml:"extra_hosts,omitempty"` // Additional walled-garden hosts
}

type TargetConfig struct {
	Label string `yaml:"label"`
	URL   string `yaml:"url"`
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

// StoreConfig configures where diagnostics sweeps are kept.
type StoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Type          string `yaml:"type"` // "sqlite" | "mysql"
	Path          string `yaml:"path,omitempty"`
	RetentionDays int    `yaml:"retention_days"` // 0 keeps everything, default: 30

	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	FileEnabled bool   `yaml:"file_enabled"` // Enable file logging
	FilePath    string `yaml:"file_path"`    // Log file path
}

// DefaultStrategies is the catalogue used when the file lists none.
// Relays that mangle request bodies are restricted to GET.
func DefaultStrategies() []StrategyConfig {
	return []StrategyConfig{
		{Name: "Direct", Kind: StrategyKindDirect, Methods: []string{http.MethodGet, http.MethodPost}, Timeout: 3 * time.Second},
		{Name: "CorsProxy", Kind: StrategyKindRelay, Prefix: "https://corsproxy.io/?", Methods: []string{http.MethodGet, http.MethodPost}, Timeout: 8 * time.Second},
		{Name: "AllOrigins", Kind: StrategyKindRelay, Prefix: "https://api.allorigins.win/raw?url=", Methods: []string{http.MethodGet}, Timeout: 8 * time.Second},
		{Name: "CodeTabs", Kind: StrategyKindRelay, Prefix: "https://api.codetabs.com/v1/proxy/?quest=", Methods: []string{http.MethodGet}, Timeout: 8 * time.Second},
	}
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses, defaults and validates a YAML document.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Backend.MaxBodyBytes == 0 {
		c.Backend.MaxBodyBytes = 10 << 20
	}

	if len(c.Strategies) == 0 {
		c.Strategies = DefaultStrategies()
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Kind == "" {
			if s.Prefix != "" {
				s.Kind = StrategyKindRelay
			} else {
				s.Kind = StrategyKindDirect
			}
		}
		s.Kind = strings.ToLower(s.Kind)
		if len(s.Methods) == 0 {
			s.Methods = []string{http.MethodGet, http.MethodPost}
		}
		for j := range s.Methods {
			s.Methods[j] = strings.ToUpper(strings.TrimSpace(s.Methods[j]))
		}
		if s.Timeout == 0 {
			// Direct paths fail fast, relays add a hop and get more room
			if s.Kind == StrategyKindDirect {
				s.Timeout = 3 * time.Second
			} else {
				s.Timeout = 8 * time.Second
			}
		}
	}

	if c.Diagnostics.Interval == 0 {
		c.Diagnostics.Interval = 60 * time.Second
	}
	if c.Diagnostics.Timeout == 0 {
		c.Diagnostics.Timeout = 5 * time.Second
	}
	if c.Diagnostics.MaxConcurrency == 0 {
		c.Diagnostics.MaxConcurrency = 4
	}
	if c.Diagnostics.ProbeTarget == "" {
		c.Diagnostics.ProbeTarget = "https://google.com"
	}
	if c.Diagnostics.OnDemandRate == 0 {
		c.Diagnostics.OnDemandRate = 10 * time.Second
	}
	if c.Diagnostics.OnDemandBurst == 0 {
		c.Diagnostics.OnDemandBurst = 1
	}

	if c.Store.Type == "" {
		c.Store.Type = "sqlite"
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "data/diagnostics.db"
	}
	if c.Store.RetentionDays == 0 {
		c.Store.RetentionDays = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.FileEnabled && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}
}

// ApplyPreferredStrategy moves the strategy named on the command line to
// the front of the fallback order. Returns error if it is not configured.
func (c *Config) ApplyPreferredStrategy(logger *slog.Logger) error {
	if c.PreferredStrategy == "" {
		return nil
	}

	index := c.findStrategyIndex(c.PreferredStrategy)
	if index == -1 {
		var available []string
		for _, s := range c.Strategies {
			available = append(available, s.Name)
		}
		return fmt.Errorf("preferred strategy '%s' not found, available: %v", c.PreferredStrategy, available)
	}

	if index == 0 {
		return nil
	}

	preferred := c.Strategies[index]
	reordered := make([]StrategyConfig, 0, len(c.Strategies))
	reordered = append(reordered, preferred)
	reordered = append(reordered, c.Strategies[:index]...)
	reordered = append(reordered, c.Strategies[index+1:]...)
	c.Strategies = reordered

	if logger != nil {
		logger.Info(fmt.Sprintf("✅ Preferred strategy applied - %s moved from position %d to 1", preferred.Name, index+1))
	}
	return nil
}

// findStrategyIndex finds the index of a strategy by name
func (c *Config) findStrategyIndex(name string) int {
	for i, s := range c.Strategies {
		if strings.EqualFold(s.Name, name) {
			return i
		}
	}
	return -1
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	if err := validateAbsoluteURL(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("backend base_url: %w", err)
	}
	if c.Backend.MaxBodyBytes < 0 {
		return fmt.Errorf("backend max_body_bytes cannot be negative")
	}
	if c.Backend.DefaultPlan != "" {
		if _, err := uuid.Parse(c.Backend.DefaultPlan); err != nil {
			return fmt.Errorf("backend default_plan must be a UUID: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategy %d: name is required", i)
		}
		key := strings.ToLower(s.Name)
		if seen[key] {
			return fmt.Errorf("strategy %s: duplicate name", s.Name)
		}
		seen[key] = true

		switch s.Kind {
		case StrategyKindDirect:
			if s.Prefix != "" {
				return fmt.Errorf("strategy %s: direct strategies take no prefix", s.Name)
			}
		case StrategyKindRelay:
			if s.Prefix == "" {
				return fmt.Errorf("strategy %s: relay prefix is required", s.Name)
			}
			if err := validateAbsoluteURL(s.Prefix); err != nil {
				return fmt.Errorf("strategy %s: prefix: %w", s.Name, err)
			}
		default:
			return fmt.Errorf("strategy %s: kind must be 'direct' or 'relay'", s.Name)
		}

		if s.Timeout < 0 {
			return fmt.Errorf("strategy %s: timeout must be positive", s.Name)
		}
		for _, m := range s.Methods {
			if !isToken(m) {
				return fmt.Errorf("strategy %s: invalid method %q", s.Name, m)
			}
		}
	}

	if c.Diagnostics.Enabled {
		if c.Diagnostics.Interval < time.Second {
			return fmt.Errorf("diagnostics interval must be at least 1s")
		}
		if c.Diagnostics.MaxConcurrency < 1 {
			return fmt.Errorf("diagnostics max_concurrency must be greater than 0")
		}
		for i, t := range c.Diagnostics.Targets {
			if t.Label == "" {
				return fmt.Errorf("diagnostics target %d: label is required", i)
			}
			if err := validateAbsoluteURL(t.URL); err != nil {
				return fmt.Errorf("diagnostics target %s: %w", t.Label, err)
			}
		}
	}

	// Validate proxy configuration
	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
	}

	if c.Store.Enabled {
		switch c.Store.Type {
		case "sqlite":
			if c.Store.Path == "" {
				return fmt.Errorf("store path is required for sqlite")
			}
		case "mysql":
			if c.Store.Host == "" || c.Store.Database == "" || c.Store.Username == "" {
				return fmt.Errorf("store host, database and username are required for mysql")
			}
		default:
			return fmt.Errorf("store type must be 'sqlite' or 'mysql'")
		}
		if c.Store.RetentionDays < 0 {
			return fmt.Errorf("retention days cannot be negative")
		}
	}

	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// isToken reports whether s is a valid HTTP method token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// UpdateLogger updates the logger used by the config watcher
func (cw *ConfigWatcher) UpdateLogger(logger *slog.Logger) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.logger = logger
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) log() *slog.Logger {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.logger
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) {
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.log().Warn(fmt.Sprintf("⚠️ Cannot stat config file: %v", err))
					continue
				}

				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}
				cw.lastModTime = fileInfo.ModTime()

				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}

				// Editors write in bursts; reload once things settle
				cw.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					cw.log().Info(fmt.Sprintf("🔄 Config file changed, reloading... - file: %s", event.Name))
					if err := cw.reloadConfig(); err != nil {
						cw.log().Error(fmt.Sprintf("❌ Config reload failed: %v", err))
					} else {
						cw.log().Info("✅ Config reloaded")
					}
				})
			}

			// Some editors rename files during save
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.log().Info(fmt.Sprintf("🔄 Watching config file again: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log().Error(fmt.Sprintf("⚠️ Config watcher error: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	// The command line preference survives reloads
	newConfig.PreferredStrategy = oldConfig.PreferredStrategy
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	logger := cw.logger
	cw.mutex.Unlock()

	if err := newConfig.ApplyPreferredStrategy(logger); err != nil {
		logger.Warn(fmt.Sprintf("⚠️ %v", err))
	}

	for _, callback := range callbacks {
		callback(newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	logger := cw.log()

	if len(oldConfig.Strategies) != len(newConfig.Strategies) {
		logger.Info("🔀 Strategy count changed",
			"old_count", len(oldConfig.Strategies),
			"new_count", len(newConfig.Strategies))
	}

	if oldConfig.Backend.BaseURL != newConfig.Backend.BaseURL {
		logger.Info("🎯 Backend changed",
			"old_base_url", oldConfig.Backend.BaseURL,
			"new_base_url", newConfig.Backend.BaseURL)
	}

	if oldConfig.Server.Port != newConfig.Server.Port {
		logger.Info("🌐 Server port changed (restart required)",
			"old_port", oldConfig.Server.Port,
			"new_port", newConfig.Server.Port)
	}

	if oldConfig.Proxy.Enabled != newConfig.Proxy.Enabled {
		logger.Info("🔗 Upstream proxy toggled",
			"old_enabled", oldConfig.Proxy.Enabled,
			"new_enabled", newConfig.Proxy.Enabled)
	}

	if oldConfig.Diagnostics.Interval != newConfig.Diagnostics.Interval {
		logger.Info("🩺 Diagnostics interval changed",
			"old_interval", oldConfig.Diagnostics.Interval,
			"new_interval", newConfig.Diagnostics.Interval)
	}
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}
