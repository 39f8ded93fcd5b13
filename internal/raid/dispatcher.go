// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package raid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/partner-relay/internal/logging"
	"github.com/tomtom215/partner-relay/internal/metrics"
	"github.com/tomtom215/partner-relay/internal/storage"
	"github.com/tomtom215/partner-relay/internal/twitchapi"
)

// maxAttemptsPerTrigger bounds how many candidates a single trigger tries,
// per the design's "maximum 3 attempts per trigger".
const maxAttemptsPerTrigger = 3

// manualSuppressionTTL is how long a manual raid suppresses the offline
// auto-raid for the same origin.
const manualSuppressionTTL = 5 * time.Minute

// externalSuppressionTTL is the shorter suppression window the correlator
// applies when it observes a raid with no matching pending entry.
const externalSuppressionTTL = 3 * time.Minute

// TwitchRaidClient is the narrow outbound capability the dispatcher needs.
type TwitchRaidClient interface {
	StartRaid(ctx context.Context, accessToken, fromBroadcasterID, toBroadcasterID string, partner bool) error
	GetFollowerTotal(ctx context.Context, accessToken, broadcasterID string) (int, error)
}

// TokenSource resolves a valid access token for the origin broadcaster.
type TokenSource interface {
	GetValidToken(ctx context.Context, login string) (string, error)
}

// ErrSuppressed is returned when a manual-raid suppression aborts an
// offline auto-raid trigger.
var ErrSuppressed = errors.New("raid: suppressed")

// Dispatcher implements spec C6 and the manual-raid-suppression half of C7.
type Dispatcher struct {
	db     *storage.DB
	client TwitchRaidClient
	tokens TokenSource

	mu                   sync.Mutex
	manualSuppressions   map[string]time.Time // origin login -> expiry

	pendingMu sync.Mutex
	pending   map[string]PendingRaid // target login -> entry

	raidTargetCooldown time.Duration
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(db *storage.DB, client TwitchRaidClient, tokens TokenSource, raidTargetCooldown time.Duration) *Dispatcher {
	return &Dispatcher{
		db:                 db,
		client:             client,
		tokens:             tokens,
		manualSuppressions: make(map[string]time.Time),
		pending:            make(map[string]PendingRaid),
		raidTargetCooldown: raidTargetCooldown,
	}
}

// HandleOffline implements livestate.OfflineHook: the automatic raid
// trigger on a broadcaster going offline.
func (d *Dispatcher) HandleOffline(ctx context.Context, originLogin string) error {
	return d.trigger(ctx, originLogin, ReasonAutoRaidOnOffline, false)
}

// HandleManual implements the chat-bot-initiated manual raid trigger and
// marks the origin manually-suppressed so the offline hook does not also
// fire for the same termination.
func (d *Dispatcher) HandleManual(ctx context.Context, originLogin string) error {
	d.markManualSuppressed(originLogin, manualSuppressionTTL)
	return d.trigger(ctx, originLogin, ReasonManualChatCommand, true)
}

func (d *Dispatcher) markManualSuppressed(originLogin string, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manualSuppressions[originLogin] = time.Now().Add(ttl)
}

func (d *Dispatcher) isSuppressed(originLogin string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.manualSuppressions[originLogin]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(d.manualSuppressions, originLogin)
		return false
	}
	return true
}

func (d *Dispatcher) trigger(ctx context.Context, originLogin string, reason ReasonCode, manual bool) error {
	eligible, err := d.originEligible(ctx, originLogin)
	if err != nil {
		return err
	}
	if !eligible {
		return nil
	}

	if !manual && d.isSuppressed(originLogin) {
		logging.Ctx(ctx).Info().Str("broadcaster", originLogin).Msg("raid: offline trigger suppressed by manual raid")
		metrics.RecordRaidDispatch(string(reason), "suppressed", 0)
		return ErrSuppressed
	}

	origin, err := d.originInfo(ctx, originLogin)
	if err != nil {
		return err
	}

	candidates, err := d.enumerateCandidates(ctx, originLogin)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		metrics.RecordRaidDispatch(string(reason), "no_candidates", 0)
		return nil
	}

	token, err := d.tokens.GetValidToken(ctx, originLogin)
	if err != nil {
		return fmt.Errorf("raid: resolve origin token: %w", err)
	}

	return d.dispatchWithFallback(ctx, origin, candidates, token, reason)
}

type originRow struct {
	login         string
	broadcasterID string
	viewerCount   int
}

func (d *Dispatcher) originEligible(ctx context.Context, login string) (bool, error) {
	var autoRaidEnabled, raidEnabled bool
	err := d.db.Conn().QueryRowContext(ctx, `
		SELECT s.auto_raid_enabled, COALESCE(g.raid_enabled, 0)
		FROM streamers s LEFT JOIN credential_grants g ON g.broadcaster_login = s.login
		WHERE s.login = ?
	`, login).Scan(&autoRaidEnabled, &raidEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("raid: origin eligibility: %w", err)
	}
	return autoRaidEnabled && raidEnabled, nil
}

func (d *Dispatcher) originInfo(ctx context.Context, login string) (originRow, error) {
	var userID string
	var viewerCount sql.NullInt64
	err := d.db.Conn().QueryRowContext(ctx, `
		SELECT s.user_id, ls.last_viewer_count
		FROM streamers s LEFT JOIN live_state ls ON ls.broadcaster_login = s.login
		WHERE s.login = ?
	`, login).Scan(&userID, &viewerCount)
	if err != nil {
		return originRow{}, fmt.Errorf("raid: origin info: %w", err)
	}
	return originRow{login: login, broadcasterID: userID, viewerCount: int(viewerCount.Int64)}, nil
}

// enumerateCandidates builds the tier-1 (live partners) then tier-2 (other
// live broadcasters in the tracked category) candidate pools, filtered by
// blacklist, scored, and with the 7-day re-raid exclusion applied when
// alternatives remain.
func (d *Dispatcher) enumerateCandidates(ctx context.Context, originLogin string) ([]Candidate, error) {
	tier1, err := d.liveCandidates(ctx, originLogin, true)
	if err != nil {
		return nil, err
	}
	tier1 = d.excludeRecentlyRaided(ctx, originLogin, tier1)
	if len(tier1) > 0 {
		sortCandidates(tier1)
		return tier1, nil
	}

	tier2, err := d.liveCandidates(ctx, originLogin, false)
	if err != nil {
		return nil, err
	}
	tier2 = d.excludeRecentlyRaided(ctx, originLogin, tier2)
	sortCandidates(tier2)
	return tier2, nil
}

func (d *Dispatcher) liveCandidates(ctx context.Context, originLogin string, partnersOnly bool) ([]Candidate, error) {
	query := `
		SELECT s.login, s.user_id, ls.last_viewer_count, ls.last_started_at, s.partner_active
		FROM live_state ls
		JOIN streamers s ON s.login = ls.broadcaster_login
		WHERE ls.is_live = 1 AND s.login != ?
		AND s.login NOT IN (SELECT broadcaster_login FROM raid_target_blacklist)
	`
	if partnersOnly {
		query += ` AND s.partner_active = 1`
	}

	rows, err := d.db.Conn().QueryContext(ctx, query, originLogin)
	if err != nil {
		return nil, fmt.Errorf("raid: enumerate candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var startedAtStr sql.NullString
		var viewerCount sql.NullInt64
		if err := rows.Scan(&c.Login, &c.BroadcasterID, &viewerCount, &startedAtStr, &c.Partner); err != nil {
			return nil, fmt.Errorf("raid: scan candidate: %w", err)
		}
		c.ViewerCount = int(viewerCount.Int64)
		if startedAtStr.Valid {
			c.StartedAt, _ = time.Parse(time.RFC3339, startedAtStr.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *Dispatcher) excludeRecentlyRaided(ctx context.Context, originLogin string, candidates []Candidate) []Candidate {
	if len(candidates) <= 1 {
		return candidates
	}
	cutoff := time.Now().Add(-d.raidTargetCooldown).Format(time.RFC3339)
	rows, err := d.db.Conn().QueryContext(ctx, `
		SELECT DISTINCT to_login FROM raid_history WHERE from_login = ? AND created_at >= ? AND success = 1
	`, originLogin, cutoff)
	if err != nil {
		logging.Warn().Err(err).Msg("raid: recent-raid exclusion query failed, skipping exclusion")
		return candidates
	}
	defer rows.Close()

	recent := make(map[string]bool)
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err == nil {
			recent[login] = true
		}
	}

	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !recent[c.Login] {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		// No alternatives remain; the exclusion yields no candidates, so
		// fall back to the unfiltered pool per "if alternatives remain".
		return candidates
	}
	return filtered
}

// sortCandidates orders by ascending viewer count, then ascending follower
// total (best-effort, absent sorts last), then earliest start time.
func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ViewerCount != b.ViewerCount {
			return a.ViewerCount < b.ViewerCount
		}
		if a.HasFollowers != b.HasFollowers {
			return a.HasFollowers
		}
		if a.HasFollowers && b.HasFollowers && a.FollowerTotal != b.FollowerTotal {
			return a.FollowerTotal < b.FollowerTotal
		}
		return a.StartedAt.Before(b.StartedAt)
	})
}

func (d *Dispatcher) dispatchWithFallback(ctx context.Context, origin originRow, candidates []Candidate, token string, reason ReasonCode) error {
	d.attachFollowerTotals(ctx, token, candidates)
	sortCandidates(candidates)

	attempts := 0
	for _, target := range candidates {
		if attempts >= maxAttemptsPerTrigger {
			break
		}
		attempts++

		err := d.client.StartRaid(ctx, token, origin.broadcasterID, target.BroadcasterID, target.Partner)
		if err == nil {
			return d.onSuccess(ctx, origin, target, reason, len(candidates))
		}

		var apiErr *twitchapi.APIError
		if !errors.As(err, &apiErr) {
			d.writeHistory(ctx, origin.login, target.Login, origin.viewerCount, target.StartedAt, len(candidates), false, err.Error(), reason)
			return err
		}

		switch apiErr.Kind {
		case twitchapi.KindRaidTargetRefused:
			d.writeHistory(ctx, origin.login, target.Login, origin.viewerCount, target.StartedAt, len(candidates), false, apiErr.Error(), reason)
			if !apiErr.Partner {
				d.blacklist(ctx, target.Login, "raid refused")
				metrics.RaidTargetsBlacklistedTotal.Inc()
			}
			continue
		default:
			d.writeHistory(ctx, origin.login, target.Login, origin.viewerCount, target.StartedAt, len(candidates), false, apiErr.Error(), reason)
			metrics.RecordRaidDispatch(string(reason), "failed", len(candidates))
			return apiErr
		}
	}
	metrics.RecordRaidDispatch(string(reason), "exhausted", len(candidates))
	return nil
}

func (d *Dispatcher) attachFollowerTotals(ctx context.Context, token string, candidates []Candidate) {
	for i := range candidates {
		total, err := d.client.GetFollowerTotal(ctx, token, candidates[i].BroadcasterID)
		if err != nil {
			continue
		}
		candidates[i].FollowerTotal = total
		candidates[i].HasFollowers = true
	}
}

func (d *Dispatcher) onSuccess(ctx context.Context, origin originRow, target Candidate, reason ReasonCode, poolSize int) error {
	d.writeHistory(ctx, origin.login, target.Login, origin.viewerCount, target.StartedAt, poolSize, true, "", reason)
	metrics.RecordRaidDispatch(string(reason), "success", poolSize)

	d.pendingMu.Lock()
	d.pending[target.Login] = PendingRaid{
		OriginLogin:    origin.login,
		TargetSnapshot: target,
		CreatedAt:      time.Now(),
		PartnerRaid:    target.Partner,
		ViewerCount:    origin.viewerCount,
	}
	d.pendingMu.Unlock()
	return nil
}

func (d *Dispatcher) writeHistory(ctx context.Context, fromLogin, toLogin string, viewerCount int, targetStartedAt time.Time, poolSize int, success bool, errMsg string, reason ReasonCode) {
	var startedAt interface{}
	if !targetStartedAt.IsZero() {
		startedAt = targetStartedAt.Format(time.RFC3339)
	}
	err := d.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO raid_history (from_login, to_login, viewer_count, target_started_at, candidate_pool_size, success, error_message, reason_code, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, fromLogin, toLogin, viewerCount, startedAt, poolSize, success, errMsg, string(reason), time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		logging.Error().Err(err).Str("from", fromLogin).Str("to", toLogin).Msg("raid: write history failed")
	}
}

func (d *Dispatcher) blacklist(ctx context.Context, login, reason string) {
	err := d.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO raid_target_blacklist (broadcaster_login, reason, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(broadcaster_login) DO NOTHING
		`, login, reason, time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		logging.Error().Err(err).Str("broadcaster", login).Msg("raid: blacklist write failed")
	}
}
