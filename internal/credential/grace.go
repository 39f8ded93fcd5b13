// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package credential

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/partner-relay/internal/logging"
	"github.com/tomtom215/partner-relay/internal/metrics"
)

// GraceController runs hourly, finds failure records whose grace period has
// elapsed and whose role has not yet been removed, sends the one-shot
// reminder, and schedules role removal through the RoleSync collaborator
// (spec C4).
type GraceController struct {
	repo  *Repository
	roles RoleSync
	notify Notifier
	auth   AuthURLBuilder
	tick   time.Duration
}

// NewGraceController builds a GraceController.
func NewGraceController(repo *Repository, roles RoleSync, notify Notifier, auth AuthURLBuilder, tick time.Duration) *GraceController {
	return &GraceController{repo: repo, roles: roles, notify: notify, auth: auth, tick: tick}
}

// Serve implements suture.Service.
func (g *GraceController) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.runCycle(ctx)
		}
	}
}

func (g *GraceController) runCycle(ctx context.Context) {
	runCtx := loggingCtx(ctx)

	expired, err := g.expiredGraceRecords(runCtx)
	if err != nil {
		logging.Ctx(runCtx).Error().Err(err).Msg("grace: scan expired grace records failed")
		return
	}

	for _, login := range expired {
		g.processOne(runCtx, login)
	}
}

func (g *GraceController) expiredGraceRecords(ctx context.Context) ([]string, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := g.repo.db.Conn().QueryContext(ctx, `
		SELECT broadcaster_login FROM failure_records
		WHERE consecutive_count >= ? AND grace_expires_at <= ? AND role_removed = 0
	`, g.repo.thresholds.DisableAfterFailures, now)
	if err != nil {
		return nil, fmt.Errorf("grace: query expired: %w", err)
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, fmt.Errorf("grace: scan expired login: %w", err)
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

func (g *GraceController) processOne(ctx context.Context, login string) {
	fr, err := g.repo.getFailureRecord(ctx, login)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("grace: reload failure record failed")
		return
	}

	if !fr.ReminderSent {
		g.sendReminder(ctx, login)
		if err := g.markReminderSent(ctx, login); err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("grace: mark reminder sent failed")
		}
	}

	discordUserID, err := g.discordUserID(ctx, login)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("grace: lookup discord user failed")
		return
	}
	if discordUserID != "" && g.roles != nil {
		if err := g.roles.RemoveRole(ctx, discordUserID); err != nil {
			// Logged and retried on the next hourly pass; role_removed is
			// only set below once the attempt is made, matching "missing
			// permissions are logged and retried on the next pass" — but
			// an idempotent RemoveRole never errors for the no-op cases,
			// so reaching here means a real, retry-worthy failure.
			logging.Ctx(ctx).Warn().Err(err).Str("broadcaster", login).Msg("grace: role removal failed, will retry next pass")
			return
		}
	}

	if err := g.markRoleRemoved(ctx, login); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("grace: mark role removed failed")
		return
	}
	metrics.GraceRoleRemovalsTotal.Inc()
}

func (g *GraceController) sendReminder(ctx context.Context, login string) {
	if g.notify == nil || g.auth == nil {
		return
	}
	authURL, err := g.auth.BuildAuthURL(login)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", login).Msg("grace: build auth url failed")
		return
	}
	if err := g.notify.NotifyUserGraceReminder(ctx, login, authURL); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("broadcaster", login).Msg("grace: user reminder failed")
	}
	if err := g.notify.NotifyAdminGraceExpired(ctx, login); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("broadcaster", login).Msg("grace: admin notify failed")
	}
}

func (g *GraceController) markReminderSent(ctx context.Context, login string) error {
	return g.repo.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE failure_records SET reminder_sent = 1 WHERE broadcaster_login = ?`, login)
		return err
	})
}

func (g *GraceController) markRoleRemoved(ctx context.Context, login string) error {
	return g.repo.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE failure_records SET role_removed = 1 WHERE broadcaster_login = ?`, login)
		return err
	})
}

func (g *GraceController) discordUserID(ctx context.Context, login string) (string, error) {
	var id sql.NullString
	err := g.repo.db.Conn().QueryRowContext(ctx, `SELECT discord_user_id FROM streamers WHERE login = ?`, login).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id.String, nil
}
