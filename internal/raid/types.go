// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package raid implements the raid dispatcher (candidate selection and
// platform raid-API invocation) and the pending-raid correlator (matching
// inbound arrival events to outstanding dispatches), grounded on
// original_source's raid/manager.py RaidBot/RaidExecutor methods translated
// into explicit Go types and error returns.
package raid

import (
	"context"
	"time"
)

// Candidate is one live broadcaster eligible for a raid target.
type Candidate struct {
	Login         string
	BroadcasterID string
	ViewerCount   int
	FollowerTotal int
	HasFollowers  bool
	StartedAt     time.Time
	Partner       bool
}

// PendingRaid is the in-memory record of a dispatched raid awaiting
// correlation with an inbound arrival event. Per the data model, this is
// process memory only: it survives neither restart nor clean shutdown.
type PendingRaid struct {
	OriginLogin   string
	TargetSnapshot Candidate
	CreatedAt     time.Time
	PartnerRaid   bool
	ViewerCount   int
}

// ChatBot is the outbound collaborator for post-raid chat messages. Wording
// is explicitly out of scope; implementations receive only the structured
// facts needed to compose one.
type ChatBot interface {
	SendPostRaidMessage(ctx context.Context, targetLogin string, partnerRaid bool, priorNetworkRaids int) error
}

// ReasonCode names why a raid was dispatched, for the append-only history log.
type ReasonCode string

const (
	ReasonAutoRaidOnOffline ReasonCode = "auto_raid_on_offline"
	ReasonManualChatCommand ReasonCode = "manual_chat_command"
)
