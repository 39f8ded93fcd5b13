// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomtom215/partner-relay/internal/twitchapi"
)

type fakeTokenClient struct {
	result *twitchapi.TokenResult
	err    error
	calls  int
}

func (f *fakeTokenClient) RefreshToken(_ context.Context, _ string) (*twitchapi.TokenResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeNotifier struct {
	userAuthFailed  int
	adminAuthFailed int
}

func (f *fakeNotifier) NotifyUserAuthFailed(_ context.Context, _ string, _ string) error {
	f.userAuthFailed++
	return nil
}
func (f *fakeNotifier) NotifyAdminAuthFailed(_ context.Context, _ string) error {
	f.adminAuthFailed++
	return nil
}
func (f *fakeNotifier) NotifyUserGraceReminder(_ context.Context, _ string, _ string) error { return nil }
func (f *fakeNotifier) NotifyAdminGraceExpired(_ context.Context, _ string) error            { return nil }

type fakeAuthURLBuilder struct{}

func (fakeAuthURLBuilder) BuildAuthURL(login string) (string, error) {
	return "https://example.invalid/auth/" + login, nil
}

func TestRefresherHappyPathUpdatesGrant(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveGrant(ctx, "alice", "old-access", "old-refresh", time.Minute, nil))

	client := &fakeTokenClient{result: &twitchapi.TokenResult{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: time.Hour}}
	refresher := NewRefresher(repo, client, &fakeNotifier{}, fakeAuthURLBuilder{}, time.Minute)

	token, err := refresher.GetValidToken(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "new-access", token)
	require.Equal(t, 1, client.calls)

	grant, err := repo.LoadGrant(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "new-refresh", grant.RefreshToken)
}

func TestRefresherSkipsWhenFarFromExpiry(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveGrant(ctx, "alice", "access", "refresh", 24*time.Hour, nil))

	client := &fakeTokenClient{}
	refresher := NewRefresher(repo, client, &fakeNotifier{}, fakeAuthURLBuilder{}, time.Minute)

	token, err := refresher.GetValidToken(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "access", token)
	require.Equal(t, 0, client.calls)
}

func TestRefresherInvalidGrantCascadesToFailureAndNotify(t *testing.T) {
	repo, db := testRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveGrant(ctx, "alice", "access", "refresh", time.Minute, nil))

	client := &fakeTokenClient{err: &twitchapi.APIError{Kind: twitchapi.KindInvalidGrant, StatusCode: 400}}
	notifier := &fakeNotifier{}
	refresher := NewRefresher(repo, client, notifier, fakeAuthURLBuilder{}, time.Minute)

	refresher.runCycle(ctx)

	require.Equal(t, 1, notifier.userAuthFailed)
	require.Equal(t, 1, notifier.adminAuthFailed)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT consecutive_count FROM failure_records WHERE broadcaster_login = 'alice'`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestRefresherNotifiesOnlyOnceAcrossRepeatedInvalidGrantFailures(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveGrant(ctx, "alice", "access", "refresh", time.Minute, nil))

	client := &fakeTokenClient{err: &twitchapi.APIError{Kind: twitchapi.KindInvalidGrant, StatusCode: 400}}
	notifier := &fakeNotifier{}
	refresher := NewRefresher(repo, client, notifier, fakeAuthURLBuilder{}, time.Minute)

	for i := 0; i < 3; i++ {
		refresher.handleRefreshFailure(ctx, "alice", client.err)
	}

	require.Equal(t, 1, notifier.userAuthFailed, "the user DM must fire exactly once across repeated failures in the same episode")
	require.Equal(t, 1, notifier.adminAuthFailed, "the admin notification must fire exactly once across repeated failures in the same episode")

	var count int
	require.NoError(t, repo.db.Conn().QueryRow(`SELECT consecutive_count FROM failure_records WHERE broadcaster_login = 'alice'`).Scan(&count))
	require.Equal(t, 3, count)
}

func TestRefresherSkipsBlacklistedBroadcaster(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveGrant(ctx, "alice", "access", "refresh", time.Minute, nil))
	for i := 0; i < 3; i++ {
		_, _, err := repo.RecordFailure(ctx, "alice", "boom")
		require.NoError(t, err)
	}

	client := &fakeTokenClient{result: &twitchapi.TokenResult{AccessToken: "x", RefreshToken: "y", ExpiresIn: time.Hour}}
	refresher := NewRefresher(repo, client, &fakeNotifier{}, fakeAuthURLBuilder{}, time.Minute)

	refresher.runCycle(ctx)
	require.Equal(t, 0, client.calls)
}
