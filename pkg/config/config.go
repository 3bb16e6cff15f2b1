package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "./chatsync.yaml"

	defaultHubPath        = "/chatHub"
	defaultAPIPrefix      = "/api"
	defaultRequestTimeout = 15 * time.Second
	// history defaults
	defaultPageSize = 20
	maxPageSize     = 200
	defaultSort     = "desc"
	// reconciler defaults
	defaultInboxCapacity        = 1024
	defaultPendingMutationLimit = 256
	defaultPendingMutationTTL   = 30 * time.Second
	// channel defaults
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultPingInterval = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20 // 1 MiB
	// gateway defaults
	defaultRateRPS   = 10
	defaultRateBurst = 20
	// cache defaults
	defaultCachePath       = "./.chatsync-cache"
	defaultCacheMaxPerPeer = 200
	defaultMetricsAddress  = "127.0.0.1:9464"
	defaultLogLevel        = "info"
)

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Load resolves the effective config: the file at path when it exists,
// then each overlay in order, then CHATSYNC_* environment values, then
// validation. A missing file is not an error; env alone may configure the
// client.
func Load(path string, overlays ...*Config) (*Config, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}
	for _, o := range overlays {
		Merge(cfg, o)
	}
	env, _ := ParseConfigEnvs()
	Merge(cfg, env)
	applyEnvFlags(cfg)
	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateConfig applies defaults and validates values in the config. It
// mutates the receiver to fill in missing defaults and returns an error if
// any configuration value is invalid.
func (c *Config) ValidateConfig() error {
	// Server
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is empty: set it in config or CHATSYNC_BASE_URL")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid server.base_url %q: want http(s)://host", c.Server.BaseURL)
	}
	if c.Server.HubPath == "" {
		c.Server.HubPath = defaultHubPath
	}
	if c.Server.APIPrefix == "" {
		c.Server.APIPrefix = defaultAPIPrefix
	}
	if c.Server.RequestTimeout.Duration() == 0 {
		c.Server.RequestTimeout = Duration(defaultRequestTimeout)
	}

	// History
	if c.History.PageSize == 0 {
		c.History.PageSize = defaultPageSize
	}
	if c.History.PageSize < 0 || c.History.PageSize > maxPageSize {
		return fmt.Errorf("history.page_size must be between 1 and %d, got %d", maxPageSize, c.History.PageSize)
	}
	switch c.History.Sort {
	case "":
		c.History.Sort = defaultSort
	case "asc", "desc":
	default:
		return fmt.Errorf("history.sort must be asc or desc, got %q", c.History.Sort)
	}

	// Sync
	if c.Sync.InboxCapacity == 0 {
		c.Sync.InboxCapacity = defaultInboxCapacity
	}
	if c.Sync.PendingMutationLimit == 0 {
		c.Sync.PendingMutationLimit = defaultPendingMutationLimit
	}
	if c.Sync.PendingMutationTTL.Duration() == 0 {
		c.Sync.PendingMutationTTL = Duration(defaultPendingMutationTTL)
	}
	if c.Sync.InboxCapacity < 0 || c.Sync.PendingMutationLimit < 0 || c.Sync.PendingMutationTTL < 0 {
		return fmt.Errorf("sync limits must be positive")
	}
	if c.Sync.MarkReadOnOpen == nil {
		on := true
		c.Sync.MarkReadOnOpen = &on
	}
	if c.Sync.ResyncCron != "" && !gronx.IsValid(c.Sync.ResyncCron) {
		return fmt.Errorf("invalid sync.resync_cron expression: %s", c.Sync.ResyncCron)
	}

	// Channel
	if c.Channel.ReconnectMin.Duration() == 0 {
		c.Channel.ReconnectMin = Duration(defaultReconnectMin)
	}
	if c.Channel.ReconnectMax.Duration() == 0 {
		c.Channel.ReconnectMax = Duration(defaultReconnectMax)
	}
	if c.Channel.ReconnectMax < c.Channel.ReconnectMin {
		return fmt.Errorf("channel.reconnect_max (%s) is below channel.reconnect_min (%s)",
			c.Channel.ReconnectMax.Duration(), c.Channel.ReconnectMin.Duration())
	}
	if c.Channel.PingInterval.Duration() == 0 {
		c.Channel.PingInterval = Duration(defaultPingInterval)
	}
	if c.Channel.WriteTimeout.Duration() == 0 {
		c.Channel.WriteTimeout = Duration(defaultWriteTimeout)
	}
	if c.Channel.ReadLimit == 0 {
		c.Channel.ReadLimit = SizeBytes(defaultReadLimit)
	}

	// Gateway rate limiting
	if c.Gateway.RateLimit.RPS <= 0 {
		c.Gateway.RateLimit.RPS = defaultRateRPS
	}
	if c.Gateway.RateLimit.Burst <= 0 {
		c.Gateway.RateLimit.Burst = defaultRateBurst
	}

	// Cache
	if c.Cache.Path == "" {
		c.Cache.Path = defaultCachePath
	}
	if c.Cache.MaxMessagesPerPeer == 0 {
		c.Cache.MaxMessagesPerPeer = defaultCacheMaxPerPeer
	}
	if c.Cache.MaxMessagesPerPeer < 0 {
		return fmt.Errorf("cache.max_messages_per_peer must be positive")
	}

	// Metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = defaultMetricsAddress
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "":
		c.Logging.Level = defaultLogLevel
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}

// MarkReadOnOpen reports whether opening a conversation marks it read.
func (c *Config) MarkReadOnOpen() bool {
	return c.Sync.MarkReadOnOpen == nil || *c.Sync.MarkReadOnOpen
}

// Summary lists the effective settings for the startup log, without the
// credential.
func (c *Config) Summary() []string {
	items := []string{
		"server.base_url: " + c.Server.BaseURL,
		"server.hub_path: " + c.Server.HubPath,
		fmt.Sprintf("server.request_timeout: %s", c.Server.RequestTimeout.Duration()),
		fmt.Sprintf("history.page_size: %d", c.History.PageSize),
		fmt.Sprintf("sync.pending_mutation_limit: %d", c.Sync.PendingMutationLimit),
		fmt.Sprintf("sync.pending_mutation_ttl: %s", c.Sync.PendingMutationTTL.Duration()),
		fmt.Sprintf("sync.mark_read_on_open: %t", c.MarkReadOnOpen()),
		fmt.Sprintf("channel.reconnect: %s..%s", c.Channel.ReconnectMin.Duration(), c.Channel.ReconnectMax.Duration()),
		fmt.Sprintf("channel.read_limit: %s", c.Channel.ReadLimit),
		fmt.Sprintf("gateway.rate_limit: %.0f rps, burst %d", c.Gateway.RateLimit.RPS, c.Gateway.RateLimit.Burst),
	}
	if c.Sync.ResyncCron != "" {
		items = append(items, "sync.resync_cron: "+c.Sync.ResyncCron)
	}
	if c.Cache.Enabled {
		items = append(items, "cache.path: "+c.Cache.Path)
	}
	if c.Metrics.Enabled {
		items = append(items, "metrics.address: "+c.Metrics.Address)
	}
	return items
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHATSYNC_CONFIG"); p != "" {
		return p
	}
	if flagPath != "" {
		return flagPath
	}
	return DefaultConfigPath
}
