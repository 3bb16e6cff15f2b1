package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	History     HistoryConfig     `yaml:"history"`
	Sync        SyncConfig        `yaml:"sync"`
	Channel     ChannelConfig     `yaml:"channel"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Cache       CacheConfig       `yaml:"cache"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig locates the chat API and its hub endpoint.
type ServerConfig struct {
	BaseURL            string   `yaml:"base_url"`
	HubPath            string   `yaml:"hub_path"`
	APIPrefix          string   `yaml:"api_prefix"`
	RequestTimeout     Duration `yaml:"request_timeout"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// CredentialsConfig holds the bearer credential. UserID overrides the id
// decoded from the token, for opaque tokens.
type CredentialsConfig struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
}

type HistoryConfig struct {
	PageSize int    `yaml:"page_size"`
	Sort     string `yaml:"sort"`
}

// SyncConfig tunes the reconciler.
type SyncConfig struct {
	InboxCapacity        int      `yaml:"inbox_capacity"`
	PendingMutationLimit int      `yaml:"pending_mutation_limit"`
	PendingMutationTTL   Duration `yaml:"pending_mutation_ttl"`
	MarkReadOnOpen       *bool    `yaml:"mark_read_on_open"`
	// ResyncCron schedules a refresh of the open conversation; empty disables it.
	ResyncCron string `yaml:"resync_cron"`
}

// ChannelConfig tunes the push connection.
type ChannelConfig struct {
	ReconnectMin Duration  `yaml:"reconnect_min"`
	ReconnectMax Duration  `yaml:"reconnect_max"`
	PingInterval Duration  `yaml:"ping_interval"`
	WriteTimeout Duration  `yaml:"write_timeout"`
	ReadLimit    SizeBytes `yaml:"read_limit"`
}

type GatewayConfig struct {
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// CacheConfig controls the local pebble cache of conversations.
type CacheConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Path               string `yaml:"path"`
	MaxMessagesPerPeer int    `yaml:"max_messages_per_peer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
