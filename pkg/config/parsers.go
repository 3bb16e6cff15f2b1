package config

import (
	"os"
	"strconv"
	"strings"
)

// ParseConfigEnvs loads CHATSYNC_* environment variables into a new Config
// and reports whether any was set; the caller's config is unchanged.
func ParseConfigEnvs() (*Config, bool) {
	envs := map[string]string{
		"BASE_URL":             os.Getenv("CHATSYNC_BASE_URL"),
		"HUB_PATH":             os.Getenv("CHATSYNC_HUB_PATH"),
		"API_PREFIX":           os.Getenv("CHATSYNC_API_PREFIX"),
		"REQUEST_TIMEOUT":      os.Getenv("CHATSYNC_REQUEST_TIMEOUT"),
		"INSECURE_SKIP_VERIFY": os.Getenv("CHATSYNC_INSECURE_SKIP_VERIFY"),

		// credentials
		"TOKEN":   os.Getenv("CHATSYNC_TOKEN"),
		"USER_ID": os.Getenv("CHATSYNC_USER_ID"),

		// history and sync
		"PAGE_SIZE":              os.Getenv("CHATSYNC_PAGE_SIZE"),
		"HISTORY_SORT":           os.Getenv("CHATSYNC_HISTORY_SORT"),
		"INBOX_CAPACITY":         os.Getenv("CHATSYNC_INBOX_CAPACITY"),
		"PENDING_MUTATION_LIMIT": os.Getenv("CHATSYNC_PENDING_MUTATION_LIMIT"),
		"PENDING_MUTATION_TTL":   os.Getenv("CHATSYNC_PENDING_MUTATION_TTL"),
		"MARK_READ_ON_OPEN":      os.Getenv("CHATSYNC_MARK_READ_ON_OPEN"),
		"RESYNC_CRON":            os.Getenv("CHATSYNC_RESYNC_CRON"),

		// channel
		"RECONNECT_MIN": os.Getenv("CHATSYNC_RECONNECT_MIN"),
		"RECONNECT_MAX": os.Getenv("CHATSYNC_RECONNECT_MAX"),
		"PING_INTERVAL": os.Getenv("CHATSYNC_PING_INTERVAL"),
		"WRITE_TIMEOUT": os.Getenv("CHATSYNC_WRITE_TIMEOUT"),
		"READ_LIMIT":    os.Getenv("CHATSYNC_READ_LIMIT"),

		// gateway
		"RATE_RPS":   os.Getenv("CHATSYNC_RATE_RPS"),
		"RATE_BURST": os.Getenv("CHATSYNC_RATE_BURST"),

		// cache and metrics
		"CACHE_ENABLED":      os.Getenv("CHATSYNC_CACHE_ENABLED"),
		"CACHE_PATH":         os.Getenv("CHATSYNC_CACHE_PATH"),
		"CACHE_MAX_PER_PEER": os.Getenv("CHATSYNC_CACHE_MAX_PER_PEER"),
		"METRICS_ENABLED":    os.Getenv("CHATSYNC_METRICS_ENABLED"),
		"METRICS_ADDRESS":    os.Getenv("CHATSYNC_METRICS_ADDRESS"),

		// logging
		"LOG_LEVEL": os.Getenv("CHATSYNC_LOG_LEVEL"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	envCfg := &Config{}

	parseInt := func(v string) int {
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	// invalid values are left zero so the file or default applies
	dur := func(v string) Duration {
		d, _ := parseDuration(v)
		return d
	}

	envCfg.Server.BaseURL = strings.TrimSpace(envs["BASE_URL"])
	envCfg.Server.HubPath = envs["HUB_PATH"]
	envCfg.Server.APIPrefix = envs["API_PREFIX"]
	envCfg.Server.RequestTimeout = dur(envs["REQUEST_TIMEOUT"])
	envCfg.Server.InsecureSkipVerify = parseBool(envs["INSECURE_SKIP_VERIFY"])

	envCfg.Credentials.Token = strings.TrimSpace(envs["TOKEN"])
	envCfg.Credentials.UserID = strings.TrimSpace(envs["USER_ID"])

	envCfg.History.PageSize = parseInt(envs["PAGE_SIZE"])
	envCfg.History.Sort = strings.ToLower(strings.TrimSpace(envs["HISTORY_SORT"]))
	envCfg.Sync.InboxCapacity = parseInt(envs["INBOX_CAPACITY"])
	envCfg.Sync.PendingMutationLimit = parseInt(envs["PENDING_MUTATION_LIMIT"])
	envCfg.Sync.PendingMutationTTL = dur(envs["PENDING_MUTATION_TTL"])
	if v := envs["MARK_READ_ON_OPEN"]; v != "" {
		on := parseBool(v)
		envCfg.Sync.MarkReadOnOpen = &on
	}
	envCfg.Sync.ResyncCron = strings.TrimSpace(envs["RESYNC_CRON"])

	envCfg.Channel.ReconnectMin = dur(envs["RECONNECT_MIN"])
	envCfg.Channel.ReconnectMax = dur(envs["RECONNECT_MAX"])
	envCfg.Channel.PingInterval = dur(envs["PING_INTERVAL"])
	envCfg.Channel.WriteTimeout = dur(envs["WRITE_TIMEOUT"])
	if v := envs["READ_LIMIT"]; v != "" {
		envCfg.Channel.ReadLimit, _ = parseSize(v)
	}

	if v := envs["RATE_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envCfg.Gateway.RateLimit.RPS = f
		}
	}
	envCfg.Gateway.RateLimit.Burst = parseInt(envs["RATE_BURST"])

	envCfg.Cache.Enabled = parseBool(envs["CACHE_ENABLED"])
	envCfg.Cache.Path = envs["CACHE_PATH"]
	envCfg.Cache.MaxMessagesPerPeer = parseInt(envs["CACHE_MAX_PER_PEER"])
	envCfg.Metrics.Enabled = parseBool(envs["METRICS_ENABLED"])
	envCfg.Metrics.Address = envs["METRICS_ADDRESS"]

	envCfg.Logging.Level = strings.TrimSpace(envs["LOG_LEVEL"])
	return envCfg, envUsed
}

// envFlags names the boolean options settable from the environment.
var envFlags = map[string]func(*Config) *bool{
	"CHATSYNC_INSECURE_SKIP_VERIFY": func(c *Config) *bool { return &c.Server.InsecureSkipVerify },
	"CHATSYNC_CACHE_ENABLED":        func(c *Config) *bool { return &c.Cache.Enabled },
	"CHATSYNC_METRICS_ENABLED":      func(c *Config) *bool { return &c.Metrics.Enabled },
}

// applyEnvFlags sets boolean options from CHATSYNC_* values that are
// present. Merge only turns flags on, so an explicit false is applied here.
func applyEnvFlags(cfg *Config) {
	for name, field := range envFlags {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*field(cfg) = parseBool(v)
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Merge overlays the non-zero fields of override onto base.
func Merge(base, override *Config) {
	if override == nil {
		return
	}
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	dur := func(dst *Duration, v Duration) {
		if v != 0 {
			*dst = v
		}
	}
	flag := func(dst *bool, v bool) {
		if v {
			*dst = true
		}
	}

	str(&base.Server.BaseURL, override.Server.BaseURL)
	str(&base.Server.HubPath, override.Server.HubPath)
	str(&base.Server.APIPrefix, override.Server.APIPrefix)
	dur(&base.Server.RequestTimeout, override.Server.RequestTimeout)
	flag(&base.Server.InsecureSkipVerify, override.Server.InsecureSkipVerify)

	str(&base.Credentials.Token, override.Credentials.Token)
	str(&base.Credentials.UserID, override.Credentials.UserID)

	num(&base.History.PageSize, override.History.PageSize)
	str(&base.History.Sort, override.History.Sort)

	num(&base.Sync.InboxCapacity, override.Sync.InboxCapacity)
	num(&base.Sync.PendingMutationLimit, override.Sync.PendingMutationLimit)
	dur(&base.Sync.PendingMutationTTL, override.Sync.PendingMutationTTL)
	if override.Sync.MarkReadOnOpen != nil {
		v := *override.Sync.MarkReadOnOpen
		base.Sync.MarkReadOnOpen = &v
	}
	str(&base.Sync.ResyncCron, override.Sync.ResyncCron)

	dur(&base.Channel.ReconnectMin, override.Channel.ReconnectMin)
	dur(&base.Channel.ReconnectMax, override.Channel.ReconnectMax)
	dur(&base.Channel.PingInterval, override.Channel.PingInterval)
	dur(&base.Channel.WriteTimeout, override.Channel.WriteTimeout)
	if override.Channel.ReadLimit != 0 {
		base.Channel.ReadLimit = override.Channel.ReadLimit
	}

	if override.Gateway.RateLimit.RPS != 0 {
		base.Gateway.RateLimit.RPS = override.Gateway.RateLimit.RPS
	}
	num(&base.Gateway.RateLimit.Burst, override.Gateway.RateLimit.Burst)

	flag(&base.Cache.Enabled, override.Cache.Enabled)
	str(&base.Cache.Path, override.Cache.Path)
	num(&base.Cache.MaxMessagesPerPeer, override.Cache.MaxMessagesPerPeer)
	flag(&base.Metrics.Enabled, override.Metrics.Enabled)
	str(&base.Metrics.Address, override.Metrics.Address)

	str(&base.Logging.Level, override.Logging.Level)
}
