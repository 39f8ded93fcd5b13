// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/partner-relay/internal/config"
	"github.com/tomtom215/partner-relay/internal/metrics"
	"github.com/tomtom215/partner-relay/internal/secretstore"
	"github.com/tomtom215/partner-relay/internal/storage"
)

// encVersion is the enc-version component of every credential AAD string;
// bumped if the field-binding scheme ever changes shape.
const encVersion = 1

// ErrDecryptFailed is returned by LoadGrant when a stored ciphertext column
// fails to decrypt; callers must not retry and must surface this for
// operator intervention, per the error handling design.
var ErrDecryptFailed = errors.New("credential: decrypt failed")

// Repository owns the credential_grants and failure_records tables and the
// partnership-derived fields on the streamers table.
type Repository struct {
	db         *storage.DB
	secrets    *secretstore.Store
	thresholds config.ThresholdsConfig
}

// NewRepository builds a Repository.
func NewRepository(db *storage.DB, secrets *secretstore.Store, thresholds config.ThresholdsConfig) *Repository {
	return &Repository{db: db, secrets: secrets, thresholds: thresholds}
}

func accessAAD(login string) string {
	return secretstore.FieldAAD("credential_grants", "access_token_enc", login, encVersion)
}

func refreshAAD(login string) string {
	return secretstore.FieldAAD("credential_grants", "refresh_token_enc", login, encVersion)
}

// SaveGrant upserts the grant for broadcaster in a single transaction,
// clears needs_reauth, removes any failure record, and marks the streamer
// as partner-verified with auto-raid enabled.
func (r *Repository) SaveGrant(ctx context.Context, broadcasterLogin, access, refresh string, expiresIn time.Duration, scopes []string) error {
	accessEnc, err := r.secrets.Encrypt(access, accessAAD(broadcasterLogin), "v1")
	if err != nil {
		return fmt.Errorf("credential: encrypt access token: %w", err)
	}
	refreshEnc, err := r.secrets.Encrypt(refresh, refreshAAD(broadcasterLogin), "v1")
	if err != nil {
		return fmt.Errorf("credential: encrypt refresh token: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	scopeStr := strings.Join(normalizeScopes(scopes), " ")

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credential_grants
				(broadcaster_login, access_token_enc, refresh_token_enc, expires_at, scopes, raid_enabled, needs_reauth, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
			ON CONFLICT(broadcaster_login) DO UPDATE SET
				access_token_enc = excluded.access_token_enc,
				refresh_token_enc = excluded.refresh_token_enc,
				expires_at = excluded.expires_at,
				scopes = excluded.scopes,
				raid_enabled = 1,
				needs_reauth = 0,
				updated_at = excluded.updated_at
		`, broadcasterLogin, accessEnc, refreshEnc, expiresAt.Format(time.RFC3339), scopeStr, now.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("credential: upsert grant: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM failure_records WHERE broadcaster_login = ?`, broadcasterLogin); err != nil {
			return fmt.Errorf("credential: clear failure record: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE streamers SET partner_active = 1, auto_raid_enabled = 1 WHERE login = ?
		`, broadcasterLogin); err != nil {
			return fmt.Errorf("credential: mark streamer partnered: %w", err)
		}
		return nil
	})
}

// LoadGrant returns the decrypted grant for broadcasterLogin. A decrypt
// failure returns ErrDecryptFailed wrapping the underlying cause; callers
// must not retry such an error.
func (r *Repository) LoadGrant(ctx context.Context, broadcasterLogin string) (*Grant, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT access_token_enc, refresh_token_enc, expires_at, scopes, raid_enabled, needs_reauth
		FROM credential_grants WHERE broadcaster_login = ?
	`, broadcasterLogin)

	var accessEnc, refreshEnc []byte
	var expiresAtStr, scopeStr string
	var raidEnabled, needsReauth bool
	if err := row.Scan(&accessEnc, &refreshEnc, &expiresAtStr, &scopeStr, &raidEnabled, &needsReauth); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("credential: scan grant: %w", err)
	}

	access, err := r.secrets.Decrypt(accessEnc, accessAAD(broadcasterLogin))
	if err != nil {
		return nil, fmt.Errorf("%w: access token: %v", ErrDecryptFailed, err)
	}
	refresh, err := r.secrets.Decrypt(refreshEnc, refreshAAD(broadcasterLogin))
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token: %v", ErrDecryptFailed, err)
	}

	expiresAt, err := time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("credential: parse expiry: %w", err)
	}

	return &Grant{
		BroadcasterLogin: broadcasterLogin,
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        expiresAt,
		Scopes:           splitScopes(scopeStr),
		RaidEnabled:      raidEnabled,
		NeedsReauth:      needsReauth,
	}, nil
}

// WriteRefresh atomically stores a new access/refresh token pair. If
// encryption of either field fails, the row is left untouched (fail-closed).
func (r *Repository) WriteRefresh(ctx context.Context, broadcasterLogin, newAccess, newRefresh string, newExpiry time.Time) error {
	accessEnc, err := r.secrets.Encrypt(newAccess, accessAAD(broadcasterLogin), "v1")
	if err != nil {
		return fmt.Errorf("credential: encrypt access token: %w", err)
	}
	refreshEnc, err := r.secrets.Encrypt(newRefresh, refreshAAD(broadcasterLogin), "v1")
	if err != nil {
		return fmt.Errorf("credential: encrypt refresh token: %w", err)
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE credential_grants
			SET access_token_enc = ?, refresh_token_enc = ?, expires_at = ?, updated_at = ?
			WHERE broadcaster_login = ?
		`, accessEnc, refreshEnc, newExpiry.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), broadcasterLogin)
		if err != nil {
			return fmt.Errorf("credential: write refresh: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("credential: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("credential: no grant for %s", broadcasterLogin)
		}
		return nil
	})
}

// GetScopes returns the normalized lowercase scope set, or an empty slice
// if the broadcaster has no grant.
func (r *Repository) GetScopes(ctx context.Context, broadcasterLogin string) ([]string, error) {
	var scopeStr string
	err := r.db.Conn().QueryRowContext(ctx, `SELECT scopes FROM credential_grants WHERE broadcaster_login = ?`, broadcasterLogin).Scan(&scopeStr)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credential: get scopes: %w", err)
	}
	return splitScopes(scopeStr), nil
}

// Revoke deletes the grant and clears the auto-raid/partnership flags in
// one transaction. It does not remove or schedule removal of the Discord
// partnership role; the only role-removal path is the grace controller's
// sweep of failure records.
func (r *Repository) Revoke(ctx context.Context, broadcasterLogin string) error {
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credential_grants WHERE broadcaster_login = ?`, broadcasterLogin); err != nil {
			return fmt.Errorf("credential: delete grant: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE streamers SET auto_raid_enabled = 0, partner_active = 0 WHERE login = ?
		`, broadcasterLogin); err != nil {
			return fmt.Errorf("credential: clear partnership flags: %w", err)
		}
		return nil
	})
	if err == nil {
		r.refreshBlacklistGauge(ctx)
	}
	return err
}

// IsBlacklisted reports whether the broadcaster's consecutive failure count
// has reached the disable threshold.
func (r *Repository) IsBlacklisted(ctx context.Context, broadcasterLogin string) (bool, error) {
	var count int
	err := r.db.Conn().QueryRowContext(ctx, `SELECT consecutive_count FROM failure_records WHERE broadcaster_login = ?`, broadcasterLogin).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credential: is blacklisted: %w", err)
	}
	return count >= r.thresholds.DisableAfterFailures, nil
}

// HasRecentFailure reports whether the broadcaster failed within the retry
// cooldown window and has not yet been blacklisted.
func (r *Repository) HasRecentFailure(ctx context.Context, broadcasterLogin string) (bool, error) {
	fr, err := r.getFailureRecord(ctx, broadcasterLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if fr.ConsecutiveCount >= r.thresholds.DisableAfterFailures {
		return false, nil
	}
	return time.Since(fr.LastFailureAt) < r.thresholds.RetryCooldown, nil
}

func (r *Repository) getFailureRecord(ctx context.Context, broadcasterLogin string) (*FailureRecord, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT broadcaster_login, consecutive_count, first_failure_at, last_failure_at, grace_expires_at,
		       admin_notified, user_dm_sent, reminder_sent, role_removed, last_error
		FROM failure_records WHERE broadcaster_login = ?
	`, broadcasterLogin)

	var fr FailureRecord
	var firstAt, lastAt, graceAt string
	var lastError sql.NullString
	if err := row.Scan(&fr.BroadcasterLogin, &fr.ConsecutiveCount, &firstAt, &lastAt, &graceAt,
		&fr.AdminNotified, &fr.UserDMSent, &fr.ReminderSent, &fr.RoleRemoved, &lastError); err != nil {
		return nil, err
	}
	fr.FirstFailureAt, _ = time.Parse(time.RFC3339, firstAt)
	fr.LastFailureAt, _ = time.Parse(time.RFC3339, lastAt)
	fr.GraceExpiresAt, _ = time.Parse(time.RFC3339, graceAt)
	fr.LastError = lastError.String
	return &fr, nil
}

// RecordFailure applies the failure-accounting rules from the credential
// repository design: create, reset, or increment the failure record, disable
// auto-raid when the disable threshold is reached, and decide — inside the
// same transaction, gated on the per-record admin_notified/user_dm_sent
// flags — whether this failure is the one that should trigger the one-shot
// admin notification and/or the one-shot user DM. A flag already set means
// that notification already fired for the current failure episode and the
// caller must not send it again; the flags are cleared when a new failure
// episode starts (last failure older than the failure window).
func (r *Repository) RecordFailure(ctx context.Context, broadcasterLogin, errMsg string) (needAdminNotify, needUserNotify bool, err error) {
	now := time.Now().UTC()

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanFailureTx(ctx, tx, broadcasterLogin)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var newCount int
		var resetNotifications bool
		firstFailureAt := now

		switch {
		case errors.Is(err, sql.ErrNoRows):
			newCount = 1
		case now.Sub(existing.LastFailureAt) > r.thresholds.FailureWindow:
			newCount = 1
			resetNotifications = true
			firstFailureAt = now
		default:
			newCount = existing.ConsecutiveCount + 1
			firstFailureAt = existing.FirstFailureAt
		}

		graceExpiresAt := now.Add(r.thresholds.GracePeriod)
		adminAlreadyNotified := existing != nil && existing.AdminNotified && !resetNotifications
		userAlreadyNotified := existing != nil && existing.UserDMSent && !resetNotifications
		needAdminNotify = !adminAlreadyNotified
		needUserNotify = !userAlreadyNotified

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failure_records
				(broadcaster_login, consecutive_count, first_failure_at, last_failure_at, grace_expires_at, admin_notified, user_dm_sent, reminder_sent, role_removed, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
			ON CONFLICT(broadcaster_login) DO UPDATE SET
				consecutive_count = excluded.consecutive_count,
				first_failure_at = excluded.first_failure_at,
				last_failure_at = excluded.last_failure_at,
				grace_expires_at = excluded.grace_expires_at,
				admin_notified = excluded.admin_notified,
				user_dm_sent = excluded.user_dm_sent,
				last_error = excluded.last_error
		`, broadcasterLogin, newCount, firstFailureAt.Format(time.RFC3339), now.Format(time.RFC3339),
			graceExpiresAt.Format(time.RFC3339), true, true, errMsg); err != nil {
			return fmt.Errorf("credential: upsert failure record: %w", err)
		}

		if newCount >= r.thresholds.DisableAfterFailures {
			if _, err := tx.ExecContext(ctx, `UPDATE credential_grants SET raid_enabled = 0 WHERE broadcaster_login = ?`, broadcasterLogin); err != nil {
				return fmt.Errorf("credential: disable raid_enabled: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE streamers SET auto_raid_enabled = 0 WHERE login = ?`, broadcasterLogin); err != nil {
				return fmt.Errorf("credential: mirror disable to streamer: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		r.refreshBlacklistGauge(ctx)
	}
	return needAdminNotify, needUserNotify, err
}

// refreshBlacklistGauge recomputes the blacklisted-broadcaster gauge from
// the failure_records table; called after any write that could move a
// broadcaster across the disable threshold.
func (r *Repository) refreshBlacklistGauge(ctx context.Context) {
	var count int
	if err := r.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM failure_records WHERE consecutive_count >= ?
	`, r.thresholds.DisableAfterFailures).Scan(&count); err != nil {
		return
	}
	metrics.BroadcastersBlacklisted.Set(float64(count))
}

func scanFailureTx(ctx context.Context, tx *sql.Tx, broadcasterLogin string) (*FailureRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT consecutive_count, first_failure_at, last_failure_at, admin_notified, user_dm_sent
		FROM failure_records WHERE broadcaster_login = ?
	`, broadcasterLogin)

	var fr FailureRecord
	var firstAt, lastAt string
	if err := row.Scan(&fr.ConsecutiveCount, &firstAt, &lastAt, &fr.AdminNotified, &fr.UserDMSent); err != nil {
		return nil, err
	}
	fr.FirstFailureAt, _ = time.Parse(time.RFC3339, firstAt)
	fr.LastFailureAt, _ = time.Parse(time.RFC3339, lastAt)
	return &fr, nil
}

// ClearFailure deletes the failure record, typically after a successful refresh.
func (r *Repository) ClearFailure(ctx context.Context, broadcasterLogin string) error {
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM failure_records WHERE broadcaster_login = ?`, broadcasterLogin)
		if err != nil {
			return fmt.Errorf("credential: clear failure: %w", err)
		}
		return nil
	})
	if err == nil {
		r.refreshBlacklistGauge(ctx)
	}
	return err
}

// DueForRefresh returns logins of grants with raid_enabled = true whose
// expiry falls within the next window (the refresher's 2-hour lookahead).
func (r *Repository) DueForRefresh(ctx context.Context, window time.Duration) ([]string, error) {
	deadline := time.Now().UTC().Add(window).Format(time.RFC3339)
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT broadcaster_login FROM credential_grants WHERE raid_enabled = 1 AND expires_at <= ?
	`, deadline)
	if err != nil {
		return nil, fmt.Errorf("credential: due for refresh: %w", err)
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, fmt.Errorf("credential: scan due login: %w", err)
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}

func splitScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Fields(s)
}

// PurgeLegacySnapshot clears the legacy-snapshot ciphertext columns after a
// confirmed-good reauth for a fully-authenticated broadcaster.
func (r *Repository) PurgeLegacySnapshot(ctx context.Context, broadcasterLogin string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE credential_grants SET legacy_access_enc = NULL, legacy_refresh_enc = NULL
			WHERE broadcaster_login = ?
		`, broadcasterLogin)
		if err != nil {
			return fmt.Errorf("credential: purge legacy snapshot: %w", err)
		}
		return nil
	})
}
