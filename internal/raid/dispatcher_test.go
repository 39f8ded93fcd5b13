// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package raid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomtom215/partner-relay/internal/storage"
	"github.com/tomtom215/partner-relay/internal/twitchapi"
)

type fakeRaidClient struct {
	startRaidErr   error
	refusedLogins  map[string]bool
	followerTotals map[string]int
	started        []string
}

func (f *fakeRaidClient) StartRaid(_ context.Context, _, _, toBroadcasterID string, partner bool) error {
	if f.refusedLogins[toBroadcasterID] {
		return &twitchapi.APIError{Kind: twitchapi.KindRaidTargetRefused, Partner: partner}
	}
	if f.startRaidErr != nil {
		return f.startRaidErr
	}
	f.started = append(f.started, toBroadcasterID)
	return nil
}

func (f *fakeRaidClient) GetFollowerTotal(_ context.Context, _, broadcasterID string) (int, error) {
	return f.followerTotals[broadcasterID], nil
}

type fakeTokens struct{}

func (fakeTokens) GetValidToken(_ context.Context, _ string) (string, error) { return "tok", nil }

func newDispatcherTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.Conn().Exec(`INSERT INTO streamers (login, user_id, partner_active, auto_raid_enabled, created_at) VALUES ('origin', 'u-origin', 1, 1, ?)`, now)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`INSERT INTO credential_grants (broadcaster_login, access_token_enc, refresh_token_enc, expires_at, scopes, raid_enabled, created_at, updated_at) VALUES ('origin', x'00', x'00', ?, '', 1, ?, ?)`, now, now, now)
	require.NoError(t, err)

	seedLiveCandidate(t, db, "small", "u-small", 10, false)
	seedLiveCandidate(t, db, "big", "u-big", 500, false)
	return db
}

func seedLiveCandidate(t *testing.T, db *storage.DB, login, userID string, viewers int, partner bool) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Conn().Exec(`INSERT INTO streamers (login, user_id, partner_active, created_at) VALUES (?, ?, ?, ?)`, login, userID, partner, now)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`INSERT INTO live_state (broadcaster_login, is_live, last_viewer_count, last_started_at, last_seen_at) VALUES (?, 1, ?, ?, ?)`, login, viewers, now, now)
	require.NoError(t, err)
}

func TestDispatchPicksLowestViewerCandidate(t *testing.T) {
	db := newDispatcherTestDB(t)
	client := &fakeRaidClient{refusedLogins: map[string]bool{}}
	d := NewDispatcher(db, client, fakeTokens{}, 7*24*time.Hour)

	require.NoError(t, d.HandleOffline(context.Background(), "origin"))
	require.Equal(t, []string{"u-small"}, client.started)

	d.pendingMu.Lock()
	_, ok := d.pending["small"]
	d.pendingMu.Unlock()
	require.True(t, ok)
}

func TestDispatchFallsBackWhenTargetRefused(t *testing.T) {
	db := newDispatcherTestDB(t)
	client := &fakeRaidClient{refusedLogins: map[string]bool{"u-small": true}}
	d := NewDispatcher(db, client, fakeTokens{}, 7*24*time.Hour)

	require.NoError(t, d.HandleOffline(context.Background(), "origin"))
	require.Equal(t, []string{"u-big"}, client.started)

	var blacklisted int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM raid_target_blacklist WHERE broadcaster_login = 'small'`).Scan(&blacklisted))
	require.Equal(t, 1, blacklisted)
}

func TestManualRaidSuppressesOfflineTrigger(t *testing.T) {
	db := newDispatcherTestDB(t)
	client := &fakeRaidClient{refusedLogins: map[string]bool{}}
	d := NewDispatcher(db, client, fakeTokens{}, 7*24*time.Hour)

	require.NoError(t, d.HandleManual(context.Background(), "origin"))
	client.started = nil

	err := d.HandleOffline(context.Background(), "origin")
	require.ErrorIs(t, err, ErrSuppressed)
	require.Empty(t, client.started)
}

func TestRecentlyRaidedTargetExcludedWhenAlternativesRemain(t *testing.T) {
	db := newDispatcherTestDB(t)
	client := &fakeRaidClient{refusedLogins: map[string]bool{}}
	d := NewDispatcher(db, client, fakeTokens{}, 7*24*time.Hour)

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Conn().Exec(`INSERT INTO raid_history (from_login, to_login, viewer_count, candidate_pool_size, success, reason_code, created_at) VALUES ('origin', 'small', 1, 2, 1, 'auto_raid_on_offline', ?)`, now)
	require.NoError(t, err)

	require.NoError(t, d.HandleOffline(context.Background(), "origin"))
	require.Equal(t, []string{"u-big"}, client.started)
}

func TestIneligibleOriginSkipsDispatch(t *testing.T) {
	db := newDispatcherTestDB(t)
	_, err := db.Conn().Exec(`UPDATE credential_grants SET raid_enabled = 0 WHERE broadcaster_login = 'origin'`)
	require.NoError(t, err)

	client := &fakeRaidClient{refusedLogins: map[string]bool{}}
	d := NewDispatcher(db, client, fakeTokens{}, 7*24*time.Hour)

	require.NoError(t, d.HandleOffline(context.Background(), "origin"))
	require.Empty(t, client.started)
}
