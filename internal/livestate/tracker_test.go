// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package livestate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomtom215/partner-relay/internal/storage"
	"github.com/tomtom215/partner-relay/internal/twitchapi"
)

type fakeStreamsClient struct {
	byLogin map[string][]twitchapi.StreamSnapshot
	byGame  []twitchapi.StreamSnapshot
}

func (f *fakeStreamsClient) GetStreamsByLogin(_ context.Context, _ string, logins []string) ([]twitchapi.StreamSnapshot, error) {
	var out []twitchapi.StreamSnapshot
	for _, l := range logins {
		out = append(out, f.byLogin[l]...)
	}
	return out, nil
}

func (f *fakeStreamsClient) GetStreamsByGame(_ context.Context, _ string, _ string, _ int) ([]twitchapi.StreamSnapshot, error) {
	return f.byGame, nil
}

type fakeTokenSource struct{}

func (fakeTokenSource) GetValidToken(_ context.Context, _ string) (string, error) { return "tok", nil }

type fakeOfflineHook struct {
	calls int
}

func (f *fakeOfflineHook) HandleOffline(_ context.Context, _ string) error {
	f.calls++
	return nil
}

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Conn().Exec(`INSERT INTO streamers (login, user_id, created_at) VALUES ('alice', 'u1', ?)`, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)
	return db
}

func TestOpenSessionOnFirstSeen(t *testing.T) {
	db := newTestDB(t)
	client := &fakeStreamsClient{}
	tracker := NewTracker(db, client, fakeTokenSource{}, nil, Config{PollInterval: time.Second, TrackedGameID: "123"})

	snap := twitchapi.StreamSnapshot{BroadcasterLogin: "alice", ViewerCount: 42, StartedAt: time.Now().UTC()}
	require.NoError(t, tracker.handleSeen(context.Background(), "alice", snap))

	var isLive bool
	var sessionID sql.NullInt64
	require.NoError(t, db.Conn().QueryRow(`SELECT is_live, active_session_id FROM live_state WHERE broadcaster_login = 'alice'`).Scan(&isLive, &sessionID))
	require.True(t, isLive)
	require.True(t, sessionID.Valid)
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	tracker := NewTracker(db, &fakeStreamsClient{}, fakeTokenSource{}, nil, Config{PollInterval: time.Second})

	snap := twitchapi.StreamSnapshot{BroadcasterLogin: "alice", ViewerCount: 42, StartedAt: time.Now().UTC()}
	require.NoError(t, tracker.handleSeen(context.Background(), "alice", snap))

	require.NoError(t, tracker.closeSession(context.Background(), "alice", "offline_event"))
	require.NoError(t, tracker.closeSession(context.Background(), "alice", "offline_event"))

	var endedAt sql.NullString
	require.NoError(t, db.Conn().QueryRow(`SELECT ended_at FROM stream_sessions WHERE broadcaster_login = 'alice'`).Scan(&endedAt))
	require.True(t, endedAt.Valid)
}

func TestCloseSessionFiresOfflineHookOnlyOnActualTransition(t *testing.T) {
	db := newTestDB(t)
	hook := &fakeOfflineHook{}
	tracker := NewTracker(db, &fakeStreamsClient{}, fakeTokenSource{}, hook, Config{PollInterval: time.Second})

	// No open session yet: closing must be a no-op that never dispatches.
	require.NoError(t, tracker.closeSession(context.Background(), "alice", "offline_event"))
	require.Equal(t, 0, hook.calls)

	snap := twitchapi.StreamSnapshot{BroadcasterLogin: "alice", ViewerCount: 42, StartedAt: time.Now().UTC()}
	require.NoError(t, tracker.handleSeen(context.Background(), "alice", snap))

	require.NoError(t, tracker.closeSession(context.Background(), "alice", "offline_event"))
	require.Equal(t, 1, hook.calls)

	// Second close on an already-closed session is idempotent and must not
	// dispatch a duplicate raid.
	require.NoError(t, tracker.closeSession(context.Background(), "alice", "offline_event"))
	require.Equal(t, 1, hook.calls)
}

func TestSessionCloseInvariants(t *testing.T) {
	db := newTestDB(t)
	tracker := NewTracker(db, &fakeStreamsClient{}, fakeTokenSource{}, nil, Config{PollInterval: time.Second})

	start := time.Now().UTC().Add(-10 * time.Minute)
	snap := twitchapi.StreamSnapshot{BroadcasterLogin: "alice", ViewerCount: 10, StartedAt: start}
	require.NoError(t, tracker.handleSeen(context.Background(), "alice", snap))

	peakSnap := twitchapi.StreamSnapshot{BroadcasterLogin: "alice", ViewerCount: 100, StartedAt: start}
	require.NoError(t, tracker.handleSeen(context.Background(), "alice", peakSnap))

	require.NoError(t, tracker.closeSession(context.Background(), "alice", "offline_event"))

	var duration sql.NullInt64
	var peak, end int
	var startViewers int
	require.NoError(t, db.Conn().QueryRow(`
		SELECT duration_seconds, peak_viewers, end_viewers, start_viewers FROM stream_sessions WHERE broadcaster_login = 'alice'
	`).Scan(&duration, &peak, &end, &startViewers))

	require.True(t, duration.Valid)
	require.GreaterOrEqual(t, peak, end)
	require.GreaterOrEqual(t, peak, startViewers)
}
