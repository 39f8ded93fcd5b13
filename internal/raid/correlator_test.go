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
)

type fakeChatBot struct {
	sent        []string
	partnerRaid bool
	priorRaids  int
}

func (f *fakeChatBot) SendPostRaidMessage(_ context.Context, targetLogin string, partnerRaid bool, priorNetworkRaids int) error {
	f.sent = append(f.sent, targetLogin)
	f.partnerRaid = partnerRaid
	f.priorRaids = priorNetworkRaids
	return nil
}

func newCorrelatorTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.Conn().Exec(`INSERT INTO streamers (login, user_id, created_at) VALUES ('target', 'u-target', ?)`, now)
	require.NoError(t, err)
	return db
}

func TestCorrelatorMatchesPendingDispatch(t *testing.T) {
	db := newCorrelatorTestDB(t)
	d := NewDispatcher(db, &fakeRaidClient{}, fakeTokens{}, 7*24*time.Hour)
	d.pending["target"] = PendingRaid{OriginLogin: "origin", CreatedAt: time.Now()}

	chatBot := &fakeChatBot{}
	c := NewCorrelator(d, db.Conn(), chatBot)

	require.NoError(t, c.HandleRaidArrival(context.Background(), "origin", "target", 50))
	require.Equal(t, []string{"target"}, chatBot.sent)

	d.pendingMu.Lock()
	_, stillPending := d.pending["target"]
	d.pendingMu.Unlock()
	require.False(t, stillPending)
}

func TestCorrelatorSuppressesOnUnmatchedArrival(t *testing.T) {
	db := newCorrelatorTestDB(t)
	d := NewDispatcher(db, &fakeRaidClient{}, fakeTokens{}, 7*24*time.Hour)
	chatBot := &fakeChatBot{}
	c := NewCorrelator(d, db.Conn(), chatBot)

	require.NoError(t, c.HandleRaidArrival(context.Background(), "external-origin", "target", 10))
	require.Empty(t, chatBot.sent)
	require.True(t, d.isSuppressed("external-origin"))
}

func TestCorrelatorLeavesMismatchedOriginPending(t *testing.T) {
	db := newCorrelatorTestDB(t)
	d := NewDispatcher(db, &fakeRaidClient{}, fakeTokens{}, 7*24*time.Hour)
	d.pending["target"] = PendingRaid{OriginLogin: "expected-origin", CreatedAt: time.Now()}
	chatBot := &fakeChatBot{}
	c := NewCorrelator(d, db.Conn(), chatBot)

	require.NoError(t, c.HandleRaidArrival(context.Background(), "unexpected-origin", "target", 10))
	require.Empty(t, chatBot.sent)

	d.pendingMu.Lock()
	_, stillPending := d.pending["target"]
	d.pendingMu.Unlock()
	require.True(t, stillPending)
}

func TestCorrelatorSkipsMessageForOptedOutTarget(t *testing.T) {
	db := newCorrelatorTestDB(t)
	_, err := db.Conn().Exec(`UPDATE streamers SET opt_out = 1 WHERE login = 'target'`)
	require.NoError(t, err)

	d := NewDispatcher(db, &fakeRaidClient{}, fakeTokens{}, 7*24*time.Hour)
	d.pending["target"] = PendingRaid{OriginLogin: "origin", CreatedAt: time.Now()}
	chatBot := &fakeChatBot{}
	c := NewCorrelator(d, db.Conn(), chatBot)

	require.NoError(t, c.HandleRaidArrival(context.Background(), "origin", "target", 10))
	require.Empty(t, chatBot.sent)
}

func TestReaperExpiresStalePendingEntries(t *testing.T) {
	db := newCorrelatorTestDB(t)
	d := NewDispatcher(db, &fakeRaidClient{}, fakeTokens{}, 7*24*time.Hour)
	d.pending["target"] = PendingRaid{OriginLogin: "origin", CreatedAt: time.Now().Add(-10 * time.Minute)}
	c := NewCorrelator(d, db.Conn(), &fakeChatBot{})

	c.reap(context.Background())

	d.pendingMu.Lock()
	_, stillPending := d.pending["target"]
	d.pendingMu.Unlock()
	require.False(t, stillPending)
}
