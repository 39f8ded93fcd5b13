// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package config loads partner-relay's configuration by layering defaults,
// an optional YAML file, and environment variable overrides, using koanf
// the same way the rest of the tomtom215 stack does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix bound by koanf's env provider.
const EnvPrefix = "PARTNER_RELAY_"

// TwitchConfig holds the Helix OAuth application credentials.
type TwitchConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURI  string `koanf:"redirect_uri"`
}

// ThresholdsConfig holds the numeric thresholds named in the credential
// lifecycle and raid dispatch design.
type ThresholdsConfig struct {
	// DisableAfterFailures is the consecutive-failure count after which a
	// grant is treated as invalid-grant without a further refresh attempt.
	DisableAfterFailures int `koanf:"disable_after_failures"`
	// FailureWindow bounds how recent consecutive failures must be to count
	// toward DisableAfterFailures.
	FailureWindow time.Duration `koanf:"failure_window"`
	// GracePeriod is how long a streamer may remain partnered after their
	// grant is marked invalid before role revocation.
	GracePeriod time.Duration `koanf:"grace_period"`
	// RetryCooldown is the minimum interval between refresh attempts for a
	// grant already in a failing state.
	RetryCooldown time.Duration `koanf:"retry_cooldown"`
	// RaidTargetCooldown is the re-raid exclusion window for a candidate
	// already raided by the same broadcaster.
	RaidTargetCooldown time.Duration `koanf:"raid_target_cooldown"`
	// PendingRaidTimeout is how long a dispatched raid waits for a
	// correlated arrival event before being abandoned. The raid package
	// uses its own fixed 5-minute constant and does not read this field.
	PendingRaidTimeout time.Duration `koanf:"pending_raid_timeout"`
	// ManualRaidSuppressionTTL is how long an offline auto-raid is
	// suppressed after a manual raid was started for the same broadcaster.
	// The raid package uses its own fixed 5-minute constant and does not
	// read this field.
	ManualRaidSuppressionTTL time.Duration `koanf:"manual_raid_suppression_ttl"`
	// RefreshScanInterval is how often the refresher scans for grants due
	// for pre-emptive renewal.
	RefreshScanInterval time.Duration `koanf:"refresh_scan_interval"`
	// GraceScanInterval is how often the grace controller scans for expired
	// grace windows.
	GraceScanInterval time.Duration `koanf:"grace_scan_interval"`
}

// LiveStateConfig holds the live-tracker poll cadence and the account whose
// token polls on behalf of the tracked category.
type LiveStateConfig struct {
	PollInterval     time.Duration `koanf:"poll_interval"`
	TrackedGameID    string        `koanf:"tracked_game_id"`
	PollAccountLogin string        `koanf:"poll_account_login"`
}

// ServerConfig holds the inbound HTTP listener configuration for the
// event-bridge router and the live-state dashboard websocket feed.
type ServerConfig struct {
	ListenAddr  string `koanf:"listen_addr"`
	DashboardPath string `koanf:"dashboard_path"`
}

// DatabaseConfig names the SQLite file backing all durable state.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// SecretConfig names the master-key material for field-level encryption.
type SecretConfig struct {
	MasterKeyV1Hex string `koanf:"master_key_v1_hex"`
}

// DiscordConfig holds the role-sync collaborator's bot credentials.
type DiscordConfig struct {
	BotToken        string `koanf:"bot_token"`
	GuildID         string `koanf:"guild_id"`
	PartnerRoleID   string `koanf:"partner_role_id"`
}

// Config is the fully-resolved application configuration.
type Config struct {
	Twitch     TwitchConfig     `koanf:"twitch"`
	Thresholds ThresholdsConfig `koanf:"thresholds"`
	LiveState  LiveStateConfig  `koanf:"live_state"`
	Database   DatabaseConfig   `koanf:"database"`
	Secret     SecretConfig     `koanf:"secret"`
	Discord    DiscordConfig    `koanf:"discord"`
	Server     ServerConfig     `koanf:"server"`
	LogLevel   string           `koanf:"log_level"`
	LogFormat  string           `koanf:"log_format"`
}

// Default returns the configuration defaults named in the operational design:
// a 3-failure/12-hour disable threshold, 7-day grace period, 2-hour retry
// cooldown, 75-second live-state poll, and a 5-minute pending-raid
// abandonment timeout. The pending-raid reap tick is not configurable here.
func Default() Config {
	return Config{
		Thresholds: ThresholdsConfig{
			DisableAfterFailures:     3,
			FailureWindow:            12 * time.Hour,
			GracePeriod:              7 * 24 * time.Hour,
			RetryCooldown:            2 * time.Hour,
			RaidTargetCooldown:       7 * 24 * time.Hour,
			PendingRaidTimeout:       5 * time.Minute,
			ManualRaidSuppressionTTL: 5 * time.Minute,
			RefreshScanInterval:      30 * time.Minute,
			GraceScanInterval:        time.Hour,
		},
		LiveState: LiveStateConfig{PollInterval: 75 * time.Second},
		Database:  DatabaseConfig{Path: "partner-relay.db"},
		Server:    ServerConfig{ListenAddr: ":8080", DashboardPath: "/dashboard/ws"},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds a Config from defaults, an optional YAML file at path (skipped
// if empty or missing), and PARTNER_RELAY_-prefixed environment variables,
// in that precedence order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// envTransformFunc maps PARTNER_RELAY_-prefixed environment variables to
// koanf dotted paths, e.g. PARTNER_RELAY_TWITCH_CLIENT_ID -> twitch.client_id.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))

	mappings := map[string]string{
		"twitch_client_id":             "twitch.client_id",
		"twitch_client_secret":         "twitch.client_secret",
		"twitch_redirect_uri":          "twitch.redirect_uri",
		"disable_after_failures":       "thresholds.disable_after_failures",
		"failure_window":                "thresholds.failure_window",
		"grace_period":                  "thresholds.grace_period",
		"retry_cooldown":                "thresholds.retry_cooldown",
		"raid_target_cooldown":          "thresholds.raid_target_cooldown",
		"pending_raid_timeout":          "thresholds.pending_raid_timeout",
		"manual_raid_suppression_ttl":   "thresholds.manual_raid_suppression_ttl",
		"refresh_scan_interval":        "thresholds.refresh_scan_interval",
		"grace_scan_interval":          "thresholds.grace_scan_interval",
		"live_poll_interval":            "live_state.poll_interval",
		"live_tracked_game_id":         "live_state.tracked_game_id",
		"live_poll_account_login":      "live_state.poll_account_login",
		"database_path":                 "database.path",
		"secret_master_key_v1_hex":      "secret.master_key_v1_hex",
		"discord_bot_token":             "discord.bot_token",
		"discord_guild_id":              "discord.guild_id",
		"discord_partner_role_id":       "discord.partner_role_id",
		"server_listen_addr":           "server.listen_addr",
		"server_dashboard_path":        "server.dashboard_path",
		"log_level":                     "log_level",
		"log_format":                    "log_format",
	}
	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return strings.ReplaceAll(key, "_", ".")
}
