// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/partner-relay/internal/logging"
	"github.com/tomtom215/partner-relay/internal/metrics"
	"github.com/tomtom215/partner-relay/internal/twitchapi"
)

// refreshLookahead is how far before expiry the scheduled loop picks up a
// grant for refresh.
const refreshLookahead = 2 * time.Hour

// inlineSafetyWindow is how close to expiry a grant can be before an
// opportunistic GetValidToken call triggers an inline refresh.
const inlineSafetyWindow = 5 * time.Minute

// rateLimitDelay is a small pause between successive scheduled refreshes,
// keeping the loop from bursting the whole due set against Twitch at once.
const rateLimitDelay = 200 * time.Millisecond

// TwitchTokenClient is the narrow outbound capability the refresher needs.
type TwitchTokenClient interface {
	RefreshToken(ctx context.Context, refreshToken string) (*twitchapi.TokenResult, error)
}

// keyedMutex is a small per-key lock serializing refresh operations per
// broadcaster login, so a scan-triggered refresh and an inline opportunistic
// refresh for the same grant never race.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lockFor(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Refresher is the pre-emptive token refresh background task, implemented
// as a suture.Service so it joins the supervised task tree with structured
// shutdown.
type Refresher struct {
	repo    *Repository
	client  TwitchTokenClient
	notify  Notifier
	auth    AuthURLBuilder
	tick    time.Duration
	locks   *keyedMutex
}

// NewRefresher builds a Refresher running its scheduled scan every tick
// (30 minutes per the design).
func NewRefresher(repo *Repository, client TwitchTokenClient, notify Notifier, auth AuthURLBuilder, tick time.Duration) *Refresher {
	return &Refresher{repo: repo, client: client, notify: notify, auth: auth, tick: tick, locks: newKeyedMutex()}
}

// Serve implements suture.Service.
func (r *Refresher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Refresher) runCycle(ctx context.Context) {
	runCtx := loggingCtx(ctx)
	logins, err := r.repo.DueForRefresh(runCtx, refreshLookahead)
	if err != nil {
		logging.Ctx(runCtx).Error().Err(err).Msg("refresher: scan due grants failed")
		return
	}

	for _, login := range logins {
		if ctx.Err() != nil {
			return
		}
		r.refreshOne(runCtx, login)
		time.Sleep(rateLimitDelay)
	}
}

func (r *Refresher) refreshOne(ctx context.Context, login string) {
	blacklisted, err := r.repo.IsBlacklisted(ctx, login)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("refresher: blacklist check failed")
		return
	}
	if blacklisted {
		return
	}
	recent, err := r.repo.HasRecentFailure(ctx, login)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("refresher: cooldown check failed")
		return
	}
	if recent {
		return
	}

	lock := r.locks.lockFor(login)
	lock.Lock()
	defer lock.Unlock()

	grant, err := r.repo.LoadGrant(ctx, login)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("refresher: reload grant under lock failed")
		return
	}
	if time.Until(grant.ExpiresAt) > refreshLookahead {
		// Another goroutine already refreshed it between the scan and the lock.
		return
	}

	r.doRefresh(ctx, grant)
}

func (r *Refresher) doRefresh(ctx context.Context, grant *Grant) {
	result, err := r.client.RefreshToken(ctx, grant.RefreshToken)
	if err != nil {
		r.handleRefreshFailure(ctx, grant.BroadcasterLogin, err)
		return
	}

	if err := r.repo.WriteRefresh(ctx, grant.BroadcasterLogin, result.AccessToken, result.RefreshToken, time.Now().Add(result.ExpiresIn)); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", grant.BroadcasterLogin).Msg("refresher: write refresh failed")
		return
	}
	if err := r.repo.ClearFailure(ctx, grant.BroadcasterLogin); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", grant.BroadcasterLogin).Msg("refresher: clear failure failed")
	}
	metrics.RecordRefreshAttempt("success")
	logging.Ctx(ctx).Info().Str("broadcaster", logging.MaskID(grant.BroadcasterLogin)).Msg("refresher: refresh succeeded")
}

func (r *Refresher) handleRefreshFailure(ctx context.Context, login string, err error) {
	var apiErr *twitchapi.APIError
	if !errors.As(err, &apiErr) {
		logging.Ctx(ctx).Warn().Err(err).Str("broadcaster", login).Msg("refresher: unclassified refresh error")
		return
	}

	switch apiErr.Kind {
	case twitchapi.KindInvalidGrant:
		metrics.RecordRefreshAttempt("invalid_grant")
		needAdminNotify, needUserNotify, recErr := r.repo.RecordFailure(ctx, login, apiErr.Error())
		if recErr != nil {
			logging.Ctx(ctx).Error().Err(recErr).Str("broadcaster", login).Msg("refresher: record failure failed")
			return
		}
		r.notifyOnce(ctx, login, needAdminNotify, needUserNotify)
	case twitchapi.KindRateLimited:
		metrics.RecordRefreshAttempt("rate_limited")
		logging.Ctx(ctx).Warn().Str("broadcaster", login).Msg("refresher: rate limited, skipping this cycle")
	default:
		metrics.RecordRefreshAttempt("transient")
		logging.Ctx(ctx).Warn().Err(err).Str("broadcaster", login).Msg("refresher: transient refresh failure, retrying next cycle")
	}
}

// notifyOnce sends the user DM and/or admin notification for an
// invalid-grant failure, gated by RecordFailure's per-episode flags: each
// fires at most once per failure episode, regardless of how many refresh
// attempts fail while the grant stays broken.
func (r *Refresher) notifyOnce(ctx context.Context, login string, needAdminNotify, needUserNotify bool) {
	if r.notify == nil || r.auth == nil {
		return
	}
	if !needAdminNotify && !needUserNotify {
		return
	}

	var authURL string
	if needUserNotify {
		var err error
		authURL, err = r.auth.BuildAuthURL(login)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("refresher: build auth url failed")
		} else if err := r.notify.NotifyUserAuthFailed(ctx, login, authURL); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("broadcaster", login).Msg("refresher: user notify failed")
		}
	}
	if needAdminNotify {
		if err := r.notify.NotifyAdminAuthFailed(ctx, login); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("broadcaster", login).Msg("refresher: admin notify failed")
		}
	}
}

// GetValidToken returns a token guaranteed not to expire within the inline
// safety window, refreshing inline (under the same per-broadcaster lock
// used by the scheduled loop) if necessary.
func (r *Refresher) GetValidToken(ctx context.Context, login string) (string, error) {
	lock := r.locks.lockFor(login)
	lock.Lock()
	defer lock.Unlock()

	grant, err := r.repo.LoadGrant(ctx, login)
	if err != nil {
		return "", err
	}
	if time.Until(grant.ExpiresAt) > inlineSafetyWindow {
		return grant.AccessToken, nil
	}

	r.doRefresh(ctx, grant)

	grant, err = r.repo.LoadGrant(ctx, login)
	if err != nil {
		return "", err
	}
	if time.Until(grant.ExpiresAt) <= inlineSafetyWindow {
		return "", errors.New("credential: inline refresh did not renew the token")
	}
	return grant.AccessToken, nil
}

func loggingCtx(ctx context.Context) context.Context {
	return logging.ContextWithNewCorrelationID(ctx)
}
