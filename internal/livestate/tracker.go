// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package livestate maintains per-broadcaster online/offline state and owns
// the stream-session lifecycle: opening a session on the offline->online
// transition, appending viewer samples while live, and closing the session
// (with retention/dropoff metrics) on the online->offline transition, driven
// by a periodic poll of Twitch's /helix/streams snapshot for the tracked
// category.
package livestate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/partner-relay/internal/logging"
	"github.com/tomtom215/partner-relay/internal/metrics"
	"github.com/tomtom215/partner-relay/internal/storage"
	"github.com/tomtom215/partner-relay/internal/twitchapi"
)

// missedSnapshotThreshold is how many consecutive poll ticks a tracked
// broadcaster may be absent from the snapshot before being treated as
// offline, absorbing a single dropped or delayed poll response.
const missedSnapshotThreshold = 2

// OfflineHook is the capability the tracker depends on for the raid
// dispatcher's offline subscription, per the "typed RaidHook interface,
// not dynamic attribute access" design note — the tracker never holds a
// concrete *raid.Dispatcher.
type OfflineHook interface {
	HandleOffline(ctx context.Context, broadcasterLogin string) error
}

// TwitchStreamsClient is the narrow outbound capability the tracker needs.
type TwitchStreamsClient interface {
	GetStreamsByLogin(ctx context.Context, accessToken string, logins []string) ([]twitchapi.StreamSnapshot, error)
	GetStreamsByGame(ctx context.Context, accessToken, gameID string, first int) ([]twitchapi.StreamSnapshot, error)
}

// TokenSource resolves a valid app/user access token for polling calls.
type TokenSource interface {
	GetValidToken(ctx context.Context, login string) (string, error)
}

// DashboardPublisher is the narrow capability the tracker needs to push a
// real-time session-transition feed; satisfied by *DashboardHub. Nil is a
// valid, no-op value — the feed is a supplementary push channel, never a
// precondition for persisting a transition.
type DashboardPublisher interface {
	Publish(evt SessionEvent)
}

// Tracker implements spec C5.
type Tracker struct {
	db            *storage.DB
	client        TwitchStreamsClient
	tokens        TokenSource
	offlineHook   OfflineHook
	dashboard     DashboardPublisher
	pollInterval  time.Duration
	trackedGameID string
	pollAccountLogin string
}

// Config configures a Tracker.
type Config struct {
	PollInterval     time.Duration
	TrackedGameID    string
	PollAccountLogin string
}

// NewTracker builds a Tracker.
func NewTracker(db *storage.DB, client TwitchStreamsClient, tokens TokenSource, offlineHook OfflineHook, cfg Config) *Tracker {
	return &Tracker{
		db:               db,
		client:           client,
		tokens:           tokens,
		offlineHook:      offlineHook,
		pollInterval:     cfg.PollInterval,
		trackedGameID:    cfg.TrackedGameID,
		pollAccountLogin: cfg.PollAccountLogin,
	}
}

// WithDashboard attaches a real-time session-transition publisher, returning
// the same Tracker for chained construction.
func (t *Tracker) WithDashboard(hub DashboardPublisher) *Tracker {
	t.dashboard = hub
	return t
}

// Serve implements suture.Service: the periodic poll loop.
func (t *Tracker) Serve(ctx context.Context) error {
	if err := t.rehydrate(ctx); err != nil {
		logging.Error().Err(err).Msg("livestate: rehydrate failed")
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

// poll fetches the tracked-category snapshot plus the explicitly tracked
// logins, diffs it against stored live_state rows, and applies transitions.
func (t *Tracker) poll(ctx context.Context) {
	runCtx := logging.ContextWithNewCorrelationID(ctx)

	token, err := t.tokens.GetValidToken(runCtx, t.pollAccountLogin)
	if err != nil {
		logging.Ctx(runCtx).Error().Err(err).Msg("livestate: poll token resolution failed")
		return
	}

	snapshot, err := t.client.GetStreamsByGame(runCtx, token, t.trackedGameID, 100)
	if err != nil {
		logging.Ctx(runCtx).Warn().Err(err).Msg("livestate: poll snapshot failed")
		return
	}

	explicit, err := t.explicitlyTrackedLogins(runCtx)
	if err != nil {
		logging.Ctx(runCtx).Error().Err(err).Msg("livestate: load explicit logins failed")
	} else if len(explicit) > 0 {
		extra, err := t.client.GetStreamsByLogin(runCtx, token, explicit)
		if err != nil {
			logging.Ctx(runCtx).Warn().Err(err).Msg("livestate: explicit-login snapshot failed")
		} else {
			snapshot = mergeSnapshots(snapshot, extra)
		}
	}

	t.applySnapshot(runCtx, snapshot)
}

func mergeSnapshots(a, b []twitchapi.StreamSnapshot) []twitchapi.StreamSnapshot {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s.BroadcasterLogin] = true
	}
	for _, s := range b {
		if !seen[s.BroadcasterLogin] {
			a = append(a, s)
		}
	}
	return a
}

func (t *Tracker) explicitlyTrackedLogins(ctx context.Context) ([]string, error) {
	rows, err := t.db.Conn().QueryContext(ctx, `SELECT login FROM streamers WHERE partner_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

func (t *Tracker) applySnapshot(ctx context.Context, snapshot []twitchapi.StreamSnapshot) {
	liveNow := make(map[string]twitchapi.StreamSnapshot, len(snapshot))
	for _, s := range snapshot {
		liveNow[s.BroadcasterLogin] = s
	}

	tracked, err := t.allLiveStateLogins(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("livestate: load tracked logins failed")
		return
	}

	for login, snap := range liveNow {
		if err := t.handleSeen(ctx, login, snap); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("livestate: handle seen failed")
		}
	}

	for _, login := range tracked {
		if _, stillLive := liveNow[login]; stillLive {
			continue
		}
		if err := t.handleMissed(ctx, login); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("livestate: handle missed failed")
		}
	}
}

func (t *Tracker) allLiveStateLogins(ctx context.Context) ([]string, error) {
	rows, err := t.db.Conn().QueryContext(ctx, `SELECT broadcaster_login FROM live_state WHERE is_live = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

// handleSeen implements the Offline->Online and Online->Online rules.
func (t *Tracker) handleSeen(ctx context.Context, login string, snap twitchapi.StreamSnapshot) error {
	wasLive, sessionID, err := t.currentState(ctx, login)
	if err != nil {
		return err
	}

	if !wasLive {
		return t.openSession(ctx, login, snap)
	}
	return t.appendSample(ctx, login, sessionID, snap)
}

func (t *Tracker) currentState(ctx context.Context, login string) (bool, int64, error) {
	var isLive bool
	var sessionID sql.NullInt64
	err := t.db.Conn().QueryRowContext(ctx, `
		SELECT is_live, active_session_id FROM live_state WHERE broadcaster_login = ?
	`, login).Scan(&isLive, &sessionID)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return isLive, sessionID.Int64, nil
}

func (t *Tracker) openSession(ctx context.Context, login string, snap twitchapi.StreamSnapshot) error {
	now := time.Now().UTC()
	startedAt := snap.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}

	err := t.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO stream_sessions (broadcaster_login, started_at, start_viewers, peak_viewers, sample_count)
			VALUES (?, ?, ?, ?, 1)
		`, login, startedAt.Format(time.RFC3339), snap.ViewerCount, snap.ViewerCount)
		if err != nil {
			return fmt.Errorf("livestate: insert session: %w", err)
		}
		sessionID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("livestate: session id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_samples (session_id, sampled_at, minutes_from_start, viewer_count)
			VALUES (?, ?, 0, ?)
		`, sessionID, now.Format(time.RFC3339), snap.ViewerCount); err != nil {
			return fmt.Errorf("livestate: insert first sample: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO live_state (broadcaster_login, is_live, active_session_id, last_title, last_category, last_viewer_count, last_started_at, last_seen_at, missed_snapshots)
			VALUES (?, 1, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(broadcaster_login) DO UPDATE SET
				is_live = 1, active_session_id = excluded.active_session_id,
				last_title = excluded.last_title, last_category = excluded.last_category,
				last_viewer_count = excluded.last_viewer_count, last_started_at = excluded.last_started_at,
				last_seen_at = excluded.last_seen_at, missed_snapshots = 0
		`, login, sessionID, snap.Title, snap.GameID, snap.ViewerCount, startedAt.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("livestate: upsert live_state: %w", err)
		}
		return nil
	})
	if err == nil {
		metrics.LiveSessionsStarted.Inc()
		metrics.LiveBroadcastersTracked.Inc()
		if t.dashboard != nil {
			t.dashboard.Publish(SessionEvent{Type: "session_started", BroadcasterLogin: login, ViewerCount: snap.ViewerCount, At: now})
		}
	}
	return err
}

func (t *Tracker) appendSample(ctx context.Context, login string, sessionID int64, snap twitchapi.StreamSnapshot) error {
	now := time.Now().UTC()

	return t.db.WithTx(ctx, func(tx *sql.Tx) error {
		var startedAtStr string
		var peak int
		if err := tx.QueryRowContext(ctx, `SELECT started_at, peak_viewers FROM stream_sessions WHERE id = ?`, sessionID).Scan(&startedAtStr, &peak); err != nil {
			return fmt.Errorf("livestate: load session for sample: %w", err)
		}
		startedAt, _ := time.Parse(time.RFC3339, startedAtStr)
		minutesFromStart := now.Sub(startedAt).Minutes()

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO session_samples (session_id, sampled_at, minutes_from_start, viewer_count)
			VALUES (?, ?, ?, ?)
		`, sessionID, now.Format(time.RFC3339), minutesFromStart, snap.ViewerCount); err != nil {
			return fmt.Errorf("livestate: insert sample: %w", err)
		}

		newPeak := peak
		if snap.ViewerCount > peak {
			newPeak = snap.ViewerCount
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE stream_sessions SET peak_viewers = ?, sample_count = sample_count + 1 WHERE id = ?
		`, newPeak, sessionID); err != nil {
			return fmt.Errorf("livestate: update session peak: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE live_state SET last_title = ?, last_category = ?, last_viewer_count = ?, last_seen_at = ?, missed_snapshots = 0
			WHERE broadcaster_login = ?
		`, snap.Title, snap.GameID, snap.ViewerCount, now.Format(time.RFC3339), login); err != nil {
			return fmt.Errorf("livestate: update live_state: %w", err)
		}
		return nil
	})
}

// handleMissed implements the Online->Offline rule for broadcasters absent
// from the poll snapshot; offline events arrive via HandleOfflineEvent
// instead and close immediately without the miss-count debounce.
func (t *Tracker) handleMissed(ctx context.Context, login string) error {
	var missed int
	err := t.db.Conn().QueryRowContext(ctx, `SELECT missed_snapshots FROM live_state WHERE broadcaster_login = ?`, login).Scan(&missed)
	if err != nil {
		return err
	}

	if missed+1 < missedSnapshotThreshold {
		return t.db.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `UPDATE live_state SET missed_snapshots = missed_snapshots + 1 WHERE broadcaster_login = ?`, login)
			return err
		})
	}

	return t.closeSession(ctx, login, "missed_snapshots")
}

// HandleOnlineEvent implements the inbound stream.online event path.
func (t *Tracker) HandleOnlineEvent(ctx context.Context, login string, snap twitchapi.StreamSnapshot) error {
	return t.handleSeen(ctx, login, snap)
}

// HandleOfflineEvent implements the inbound stream.offline event path.
func (t *Tracker) HandleOfflineEvent(ctx context.Context, login string) error {
	return t.closeSession(ctx, login, "offline_event")
}

// closeSession closes the open session for login, computing duration,
// averages, retention at 5/10/20 minutes, and drop-off. It is idempotent:
// a session already closed (ended_at set) is left untouched.
func (t *Tracker) closeSession(ctx context.Context, login, reason string) error {
	now := time.Now().UTC()

	var closed bool
	err := t.db.WithTx(ctx, func(tx *sql.Tx) error {
		var sessionID sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT active_session_id FROM live_state WHERE broadcaster_login = ?`, login).Scan(&sessionID); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if !sessionID.Valid {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE stream_sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL
		`, now.Format(time.RFC3339), sessionID.Int64)
		if err != nil {
			return fmt.Errorf("livestate: close session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Already closed by a concurrent attempt; idempotent no-op.
			return nil
		}

		if err := finalizeSessionMetrics(ctx, tx, sessionID.Int64, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE live_state SET is_live = 0, active_session_id = NULL, last_seen_at = ?, missed_snapshots = 0
			WHERE broadcaster_login = ?
		`, now.Format(time.RFC3339), login); err != nil {
			return fmt.Errorf("livestate: clear live_state: %w", err)
		}
		closed = true
		return nil
	})
	if err != nil {
		return err
	}
	if closed {
		metrics.RecordLiveSessionClosed(reason, 0)
		metrics.LiveBroadcastersTracked.Dec()
		if t.dashboard != nil {
			t.dashboard.Publish(SessionEvent{Type: "session_closed", BroadcasterLogin: login, Reason: reason, At: now})
		}
		if t.offlineHook != nil {
			if err := t.offlineHook.HandleOffline(ctx, login); err != nil {
				logging.Ctx(ctx).Warn().Err(err).Str("broadcaster", login).Msg("livestate: offline hook failed")
			}
		}
	}
	return nil
}

func finalizeSessionMetrics(ctx context.Context, tx *sql.Tx, sessionID int64, endedAt time.Time) error {
	var startedAtStr string
	var startViewers, peakViewers int
	if err := tx.QueryRowContext(ctx, `
		SELECT started_at, start_viewers, peak_viewers FROM stream_sessions WHERE id = ?
	`, sessionID).Scan(&startedAtStr, &startViewers, &peakViewers); err != nil {
		return fmt.Errorf("livestate: load session for finalize: %w", err)
	}
	startedAt, _ := time.Parse(time.RFC3339, startedAtStr)
	duration := endedAt.Sub(startedAt)

	endViewers, avgViewers, err := lastAndAverageViewers(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	retention5, err := retentionAt(ctx, tx, sessionID, 5, startViewers)
	if err != nil {
		return err
	}
	retention10, err := retentionAt(ctx, tx, sessionID, 10, startViewers)
	if err != nil {
		return err
	}
	retention20, err := retentionAt(ctx, tx, sessionID, 20, startViewers)
	if err != nil {
		return err
	}

	var dropoffPct interface{}
	if peakViewers > 0 {
		dropoffPct = (float64(peakViewers) - float64(endViewers)) / float64(peakViewers) * 100
	}

	uniqueChatters, err := countUniqueChatters(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE stream_sessions SET
			duration_seconds = ?, end_viewers = ?, avg_viewers = ?,
			retention_5m = ?, retention_10m = ?, retention_20m = ?,
			dropoff_pct = ?, unique_chatters = ?
		WHERE id = ?
	`, int(duration.Seconds()), endViewers, avgViewers, retention5, retention10, retention20, dropoffPct, uniqueChatters, sessionID)
	if err != nil {
		return fmt.Errorf("livestate: finalize session metrics: %w", err)
	}
	return nil
}

func lastAndAverageViewers(ctx context.Context, tx *sql.Tx, sessionID int64) (int, float64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT viewer_count FROM session_samples WHERE session_id = ? ORDER BY sampled_at ASC
	`, sessionID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var sum, count, last int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return 0, 0, err
		}
		sum += v
		count++
		last = v
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}
	return last, float64(sum) / float64(count), nil
}

// retentionAt computes the percentage of start_viewers retained at minute
// minutes, using the first sample at or after that offset. Returns nil
// (untyped) if fewer than minutes of samples exist.
func retentionAt(ctx context.Context, tx *sql.Tx, sessionID int64, minutes int, startViewers int) (interface{}, error) {
	if startViewers == 0 {
		return nil, nil
	}
	var viewerCount int
	err := tx.QueryRowContext(ctx, `
		SELECT viewer_count FROM session_samples
		WHERE session_id = ? AND minutes_from_start >= ?
		ORDER BY minutes_from_start ASC LIMIT 1
	`, sessionID, float64(minutes)).Scan(&viewerCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return float64(viewerCount) / float64(startViewers) * 100, nil
}

func countUniqueChatters(ctx context.Context, tx *sql.Tx, sessionID int64) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_chatters WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// rehydrate adopts any session left open (ended_at null) across a process
// restart: if the broadcaster is still live it is resumed as-is (the next
// poll tick will append samples normally); otherwise it is closed with
// ended_at = now.
func (t *Tracker) rehydrate(ctx context.Context) error {
	rows, err := t.db.Conn().QueryContext(ctx, `
		SELECT s.broadcaster_login FROM stream_sessions s WHERE s.ended_at IS NULL
	`)
	if err != nil {
		return err
	}
	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			rows.Close()
			return err
		}
		logins = append(logins, login)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, login := range logins {
		token, err := t.tokens.GetValidToken(ctx, t.pollAccountLogin)
		if err != nil {
			logging.Warn().Err(err).Str("broadcaster", login).Msg("livestate: rehydrate token resolution failed")
			continue
		}
		snaps, err := t.client.GetStreamsByLogin(ctx, token, []string{login})
		if err != nil {
			logging.Warn().Err(err).Str("broadcaster", login).Msg("livestate: rehydrate liveness check failed")
			continue
		}
		if len(snaps) == 0 {
			if err := t.closeSession(ctx, login, "offline_event"); err != nil {
				logging.Warn().Err(err).Str("broadcaster", login).Msg("livestate: rehydrate close failed")
			}
		}
	}
	return nil
}
