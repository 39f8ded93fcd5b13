// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package eventbridge

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomtom215/partner-relay/internal/storage"
	"github.com/tomtom215/partner-relay/internal/twitchapi"
)

type fakeLiveState struct {
	onlineLogin  string
	onlineSnap   twitchapi.StreamSnapshot
	offlineLogin string
	onlineCalls  int
	offlineCalls int
}

func (f *fakeLiveState) HandleOnlineEvent(_ context.Context, login string, snap twitchapi.StreamSnapshot) error {
	f.onlineCalls++
	f.onlineLogin = login
	f.onlineSnap = snap
	return nil
}

func (f *fakeLiveState) HandleOfflineEvent(_ context.Context, login string) error {
	f.offlineCalls++
	f.offlineLogin = login
	return nil
}

type fakeRaidArrival struct {
	from, to string
	viewers  int
	calls    int
}

func (f *fakeRaidArrival) HandleRaidArrival(_ context.Context, from, to string, viewers int) error {
	f.calls++
	f.from = from
	f.to = to
	f.viewers = viewers
	return nil
}

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func postEvent(handler http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutesDispatchesStreamOnline(t *testing.T) {
	live := &fakeLiveState{}
	handler := Routes(Dependencies{LiveState: live, Raid: &fakeRaidArrival{}, DB: newTestDB(t)})

	rec := postEvent(handler, `{
		"subscription": {"type": "stream.online"},
		"event": {"broadcaster_user_login": "alice", "broadcaster_user_id": "123", "started_at": "2026-01-01T00:00:00Z"}
	}`)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, live.onlineCalls)
	require.Equal(t, "alice", live.onlineLogin)
	require.Equal(t, "123", live.onlineSnap.BroadcasterID)
}

func TestRoutesDispatchesStreamOffline(t *testing.T) {
	live := &fakeLiveState{}
	handler := Routes(Dependencies{LiveState: live, Raid: &fakeRaidArrival{}, DB: newTestDB(t)})

	rec := postEvent(handler, `{
		"subscription": {"type": "stream.offline"},
		"event": {"broadcaster_user_login": "alice"}
	}`)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, live.offlineCalls)
	require.Equal(t, "alice", live.offlineLogin)
}

func TestRoutesDispatchesChannelRaid(t *testing.T) {
	raid := &fakeRaidArrival{}
	handler := Routes(Dependencies{LiveState: &fakeLiveState{}, Raid: raid, DB: newTestDB(t)})

	rec := postEvent(handler, `{
		"subscription": {"type": "channel.raid"},
		"event": {"from_broadcaster_user_login": "alice", "to_broadcaster_user_login": "bob", "viewers": 42}
	}`)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, raid.calls)
	require.Equal(t, "alice", raid.from)
	require.Equal(t, "bob", raid.to)
	require.Equal(t, 42, raid.viewers)
}

func TestRoutesRecordsUnconsumedEventTypes(t *testing.T) {
	db := newTestDB(t)
	handler := Routes(Dependencies{LiveState: &fakeLiveState{}, Raid: &fakeRaidArrival{}, DB: db})

	rec := postEvent(handler, `{
		"subscription": {"type": "channel.cheer"},
		"event": {"broadcaster_user_login": "alice", "bits": 100}
	}`)

	require.Equal(t, http.StatusNoContent, rec.Code)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM event_log WHERE event_type = 'channel.cheer'`).Scan(&count))
	require.Equal(t, 1, count)

	var login string
	require.NoError(t, db.Conn().QueryRow(`SELECT broadcaster_login FROM event_log WHERE event_type = 'channel.cheer'`).Scan(&login))
	require.Equal(t, "alice", login)
}

func TestRoutesIgnoresUnknownEventType(t *testing.T) {
	db := newTestDB(t)
	handler := Routes(Dependencies{LiveState: &fakeLiveState{}, Raid: &fakeRaidArrival{}, DB: db})

	rec := postEvent(handler, `{
		"subscription": {"type": "channel.unknown.thing"},
		"event": {}
	}`)

	require.Equal(t, http.StatusNoContent, rec.Code)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM event_log`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestRoutesRejectsMalformedBody(t *testing.T) {
	handler := Routes(Dependencies{LiveState: &fakeLiveState{}, Raid: &fakeRaidArrival{}, DB: newTestDB(t)})

	rec := postEvent(handler, `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
