// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package discordrole

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
)

func TestHasRole(t *testing.T) {
	require.True(t, hasRole([]string{"111", "222"}, "222"))
	require.False(t, hasRole([]string{"111", "222"}, "333"))
	require.False(t, hasRole(nil, "111"))
}

func TestRemoveRoleNoopsWithoutConfiguredSession(t *testing.T) {
	r := New(nil, "", "")
	require.NoError(t, r.RemoveRole(context.Background(), "12345"))
}

func TestRemoveRoleNoopsOnMalformedUserID(t *testing.T) {
	r := New(&discordgo.Session{}, "guild", "role")
	require.NoError(t, r.RemoveRole(context.Background(), "not-a-snowflake"))
}

func TestErrMissingPermissionWraps(t *testing.T) {
	guildID, roleID := "guild1", "role1"
	wrapped := fmt.Errorf("%w: guild %s role %s", ErrMissingPermission, guildID, roleID)
	require.ErrorIs(t, wrapped, ErrMissingPermission)
	require.True(t, errors.Is(wrapped, ErrMissingPermission))
}
