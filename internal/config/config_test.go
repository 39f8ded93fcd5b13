// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	os.Clearenv()
	for k, v := range vars {
		require.NoError(t, os.Setenv(k, v))
	}
	t.Cleanup(os.Clearenv)
}

func TestDefaultMatchesDesignedThresholds(t *testing.T) {
	cfg := Default()

	require.Equal(t, 3, cfg.Thresholds.DisableAfterFailures)
	require.Equal(t, 12*time.Hour, cfg.Thresholds.FailureWindow)
	require.Equal(t, 7*24*time.Hour, cfg.Thresholds.GracePeriod)
	require.Equal(t, 2*time.Hour, cfg.Thresholds.RetryCooldown)
	require.Equal(t, 7*24*time.Hour, cfg.Thresholds.RaidTargetCooldown)
	require.Equal(t, 5*time.Minute, cfg.Thresholds.PendingRaidTimeout)
	require.Equal(t, 5*time.Minute, cfg.Thresholds.ManualRaidSuppressionTTL)
	require.Equal(t, 30*time.Minute, cfg.Thresholds.RefreshScanInterval)
	require.Equal(t, time.Hour, cfg.Thresholds.GraceScanInterval)
	require.Equal(t, 75*time.Second, cfg.LiveState.PollInterval)
	require.Equal(t, "partner-relay.db", cfg.Database.Path)
	require.Equal(t, ":8080", cfg.Server.ListenAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestLoadWithNoFileUsesDefaultsAndEnv(t *testing.T) {
	setupTestEnv(t, map[string]string{
		"PARTNER_RELAY_TWITCH_CLIENT_ID":     "abc123",
		"PARTNER_RELAY_TWITCH_CLIENT_SECRET": "shh",
		"PARTNER_RELAY_DATABASE_PATH":        "/data/relay.db",
		"PARTNER_RELAY_DISABLE_AFTER_FAILURES": "5",
	})

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "abc123", cfg.Twitch.ClientID)
	require.Equal(t, "shh", cfg.Twitch.ClientSecret)
	require.Equal(t, "/data/relay.db", cfg.Database.Path)
	require.Equal(t, 5, cfg.Thresholds.DisableAfterFailures)
	// Unset fields still carry their defaults.
	require.Equal(t, 7*24*time.Hour, cfg.Thresholds.GracePeriod)
}

func TestLoadWithMissingFileErrors(t *testing.T) {
	setupTestEnv(t, nil)
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}

func TestEnvTransformFuncMapsKnownKeys(t *testing.T) {
	cases := map[string]string{
		"PARTNER_RELAY_TWITCH_CLIENT_ID":           "twitch.client_id",
		"PARTNER_RELAY_DISABLE_AFTER_FAILURES":     "thresholds.disable_after_failures",
		"PARTNER_RELAY_LIVE_POLL_INTERVAL":         "live_state.poll_interval",
		"PARTNER_RELAY_LIVE_TRACKED_GAME_ID":       "live_state.tracked_game_id",
		"PARTNER_RELAY_SERVER_LISTEN_ADDR":         "server.listen_addr",
		"PARTNER_RELAY_DISCORD_PARTNER_ROLE_ID":    "discord.partner_role_id",
	}
	for env, want := range cases {
		require.Equal(t, want, envTransformFunc(env))
	}
}

func TestEnvTransformFuncFallsBackToDotReplacement(t *testing.T) {
	require.Equal(t, "some.unmapped.key", envTransformFunc("PARTNER_RELAY_SOME_UNMAPPED_KEY"))
}
