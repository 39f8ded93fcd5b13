// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package raid

import (
	"context"
	"database/sql"
	"time"

	"github.com/tomtom215/partner-relay/internal/logging"
	"github.com/tomtom215/partner-relay/internal/metrics"
)

// pendingRaidTimeout is how long a dispatched raid waits for a correlated
// arrival event before the reaper drops it.
const pendingRaidTimeout = 5 * time.Minute

// reaperInterval is how often the reaper sweeps stale pending entries.
const reaperInterval = 2 * time.Minute

// Correlator implements spec C7: matching inbound channel.raid arrival
// events to outstanding dispatches from Dispatcher, and running the reaper
// that expires stale pending entries.
type Correlator struct {
	dispatcher *Dispatcher
	db         dbQuerier
	chatBot    ChatBot
}

// dbQuerier is the narrow query surface the correlator needs for opt-out
// and network-raid-count lookups.
type dbQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// NewCorrelator builds a Correlator sharing the Dispatcher's pending-raid
// and suppression state.
func NewCorrelator(dispatcher *Dispatcher, db dbQuerier, chatBot ChatBot) *Correlator {
	return &Correlator{dispatcher: dispatcher, db: db, chatBot: chatBot}
}

// HandleRaidArrival processes an inbound channel.raid event where
// toLogin is the broadcaster receiving the raid and fromLogin is the
// raid's origin as reported by the platform.
func (c *Correlator) HandleRaidArrival(ctx context.Context, fromLogin, toLogin string, viewerCount int) error {
	entry, ok := c.takePending(toLogin)
	if !ok {
		// No outstanding dispatch expected this arrival: treat as an
		// externally-initiated raid and briefly suppress the offline
		// auto-raid trigger for the origin so it doesn't double-raid.
		c.dispatcher.markManualSuppressed(fromLogin, externalSuppressionTTL)
		logging.Ctx(ctx).Info().Str("from", fromLogin).Str("to", toLogin).Msg("raid: arrival with no pending dispatch, treated as external")
		return nil
	}

	if entry.OriginLogin != fromLogin {
		// Origin mismatch: leave the entry in place for the timeout reaper
		// rather than consuming it, since the expected raid may still land.
		c.restorePending(toLogin, entry)
		logging.Ctx(ctx).Warn().
			Str("expected_origin", entry.OriginLogin).
			Str("actual_origin", fromLogin).
			Str("to", toLogin).
			Msg("raid: arrival origin mismatch")
		return nil
	}

	optedOut, err := c.targetOptedOut(ctx, toLogin)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("to", toLogin).Msg("raid: opt-out lookup failed")
		return err
	}
	if optedOut {
		return nil
	}

	if c.chatBot == nil {
		return nil
	}

	priorRaids, err := c.priorNetworkRaidCount(ctx, toLogin)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("to", toLogin).Msg("raid: prior network raid count lookup failed")
	}

	if err := c.chatBot.SendPostRaidMessage(ctx, toLogin, entry.PartnerRaid, priorRaids); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("to", toLogin).Msg("raid: post-raid message failed")
	}
	return nil
}

func (c *Correlator) takePending(toLogin string) (PendingRaid, bool) {
	d := c.dispatcher
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	entry, ok := d.pending[toLogin]
	if ok {
		delete(d.pending, toLogin)
	}
	return entry, ok
}

func (c *Correlator) restorePending(toLogin string, entry PendingRaid) {
	d := c.dispatcher
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[toLogin] = entry
}

func (c *Correlator) targetOptedOut(ctx context.Context, login string) (bool, error) {
	var optOut bool
	err := c.db.QueryRowContext(ctx, `SELECT opt_out FROM streamers WHERE login = ?`, login).Scan(&optOut)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return optOut, nil
}

func (c *Correlator) priorNetworkRaidCount(ctx context.Context, toLogin string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raid_history WHERE to_login = ? AND success = 1`, toLogin).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Serve runs the reaper loop as a supervised service, dropping pending
// entries that have outlived pendingRaidTimeout without a correlated
// arrival.
func (c *Correlator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.reap(ctx)
		}
	}
}

func (c *Correlator) reap(ctx context.Context) {
	d := c.dispatcher
	cutoff := time.Now().Add(-pendingRaidTimeout)

	d.pendingMu.Lock()
	var stale []string
	for login, entry := range d.pending {
		if entry.CreatedAt.Before(cutoff) {
			stale = append(stale, login)
		}
	}
	for _, login := range stale {
		delete(d.pending, login)
	}
	d.pendingMu.Unlock()

	for _, login := range stale {
		metrics.PendingRaidsExpiredTotal.Inc()
		logging.Ctx(ctx).Info().Str("target", login).Msg("raid: pending dispatch expired without correlated arrival")
	}
}
