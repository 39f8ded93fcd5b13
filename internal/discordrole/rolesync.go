// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package discordrole implements credential.RoleSync against a live Discord
// guild via bwmarrin/discordgo, grounded on the original bot's
// _sync_streamer_role member-role toggle: fetch the member, compare current
// roles against the desired state, and apply only the delta.
package discordrole

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/tomtom215/partner-relay/internal/logging"
)

// ErrMissingPermission is returned by RemoveRole when Discord rejects the
// role-removal call with a 403: the bot's own role does not outrank the
// partnership role, or it lacks Manage Roles. Unlike the already-removed
// and not-in-guild cases, this is not a no-op — the caller must retry.
var ErrMissingPermission = errors.New("discordrole: bot missing permission to remove role")

// RoleSync removes the partnership role from a guild member, implementing
// credential.RoleSync.
type RoleSync struct {
	session *discordgo.Session
	guildID string
	roleID  string
}

// New builds a RoleSync bound to one guild and role.
func New(session *discordgo.Session, guildID, roleID string) *RoleSync {
	return &RoleSync{session: session, guildID: guildID, roleID: roleID}
}

// RemoveRole removes the partnership role from discordUserID. Removing an
// already-removed role, or acting on a user no longer in the guild, is a
// no-op rather than an error, matching the grant-lifecycle's idempotence
// requirement for retried grace-period sweeps.
func (r *RoleSync) RemoveRole(ctx context.Context, discordUserID string) error {
	if r.session == nil || r.guildID == "" || r.roleID == "" {
		return nil
	}
	if _, err := strconv.ParseUint(discordUserID, 10, 64); err != nil {
		return nil
	}

	member, err := r.session.GuildMember(r.guildID, discordUserID, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 404 {
			return nil
		}
		logging.Ctx(ctx).Warn().Err(err).Str("discord_user", logging.MaskID(discordUserID)).Msg("discordrole: fetch member failed")
		return err
	}

	if !hasRole(member.Roles, r.roleID) {
		return nil
	}

	if err := r.session.GuildMemberRoleRemove(r.guildID, discordUserID, r.roleID, discordgo.WithContext(ctx)); err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case 403:
				logging.Ctx(ctx).Warn().Str("discord_user", logging.MaskID(discordUserID)).Msg("discordrole: missing permission to remove role, will retry")
				return fmt.Errorf("%w: guild %s role %s", ErrMissingPermission, r.guildID, r.roleID)
			case 404:
				return nil
			}
		}
		return err
	}

	logging.Ctx(ctx).Info().Str("discord_user", logging.MaskID(discordUserID)).Msg("discordrole: partnership role removed")
	return nil
}

func hasRole(roles []string, roleID string) bool {
	for _, r := range roles {
		if r == roleID {
			return true
		}
	}
	return false
}
