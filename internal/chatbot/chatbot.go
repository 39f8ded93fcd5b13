// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package chatbot provides a logging-only implementation of
// credential.Notifier and raid.ChatBot. Message wording and the IRC/EventSub
// chat transport itself are explicitly out of scope; this satisfies the
// collaborator interfaces so the rest of the system can be built and tested
// end-to-end ahead of a real chat integration.
package chatbot

import (
	"context"

	"github.com/tomtom215/partner-relay/internal/logging"
)

// LoggingBot implements credential.Notifier and raid.ChatBot by logging the
// structured facts a real implementation would use to compose a message.
type LoggingBot struct{}

// New builds a LoggingBot.
func New() *LoggingBot { return &LoggingBot{} }

func (b *LoggingBot) NotifyUserAuthFailed(ctx context.Context, broadcasterLogin, authURL string) error {
	logging.Ctx(ctx).Info().Str("broadcaster", logging.MaskID(broadcasterLogin)).Msg("chatbot: would DM user about auth failure")
	return nil
}

func (b *LoggingBot) NotifyAdminAuthFailed(ctx context.Context, broadcasterLogin string) error {
	logging.Ctx(ctx).Info().Str("broadcaster", logging.MaskID(broadcasterLogin)).Msg("chatbot: would notify admin channel about auth failure")
	return nil
}

func (b *LoggingBot) NotifyUserGraceReminder(ctx context.Context, broadcasterLogin, authURL string) error {
	logging.Ctx(ctx).Info().Str("broadcaster", logging.MaskID(broadcasterLogin)).Msg("chatbot: would DM user grace-period reminder")
	return nil
}

func (b *LoggingBot) NotifyAdminGraceExpired(ctx context.Context, broadcasterLogin string) error {
	logging.Ctx(ctx).Info().Str("broadcaster", logging.MaskID(broadcasterLogin)).Msg("chatbot: would notify admin that grace period expired")
	return nil
}

func (b *LoggingBot) SendPostRaidMessage(ctx context.Context, targetLogin string, partnerRaid bool, priorNetworkRaids int) error {
	logging.Ctx(ctx).Info().
		Str("target", targetLogin).
		Bool("partner_raid", partnerRaid).
		Int("prior_network_raids", priorNetworkRaids).
		Msg("chatbot: would send post-raid chat message")
	return nil
}
