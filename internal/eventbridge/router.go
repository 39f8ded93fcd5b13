// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package eventbridge decodes inbound Twitch EventSub notifications and
// dispatches them to the typed calls on the live-state tracker and raid
// correlator. It does not terminate TLS, verify webhook signatures, or own
// the public endpoint itself: the caller mounts Routes behind whatever
// external EventSub host handles subscription verification and signature
// checking, per the "does not host the Twitch EventSub endpoint, does not
// implement its own transport-layer security" design boundary.
package eventbridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tomtom215/partner-relay/internal/logging"
	"github.com/tomtom215/partner-relay/internal/metrics"
	"github.com/tomtom215/partner-relay/internal/storage"
	"github.com/tomtom215/partner-relay/internal/twitchapi"
)

// LiveStateHandler is the narrow capability this package needs from the
// live-state tracker.
type LiveStateHandler interface {
	HandleOnlineEvent(ctx context.Context, login string, snap twitchapi.StreamSnapshot) error
	HandleOfflineEvent(ctx context.Context, login string) error
}

// RaidArrivalHandler is the narrow capability this package needs from the
// raid correlator.
type RaidArrivalHandler interface {
	HandleRaidArrival(ctx context.Context, fromLogin, toLogin string, viewerCount int) error
}

// Dependencies wires the decoded event types to their consuming components.
type Dependencies struct {
	LiveState LiveStateHandler
	Raid      RaidArrivalHandler
	DB        *storage.DB
}

// eventSubEnvelope is the subset of Twitch's EventSub notification shape
// this package cares about; unrecognized fields are dropped on decode.
type eventSubEnvelope struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type streamOnlineEvent struct {
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	StartedAt            string `json:"started_at"`
}

type streamOfflineEvent struct {
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}

type channelRaidEvent struct {
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
	Viewers                  int    `json:"viewers"`
}

// recordedEventTypes are EventSub notification types this repo stores for
// history but does not otherwise interpret.
var recordedEventTypes = map[string]bool{
	"channel.update":            true,
	"channel.subscribe":         true,
	"channel.subscription.gift": true,
	"channel.cheer":             true,
	"channel.ad_break.begin":    true,
	"channel.hype_train.begin":  true,
	"channel.hype_train.end":    true,
	"channel.ban":               true,
	"channel.shoutout.create":   true,
	"channel.shoutout.receive":  true,
}

// Routes builds the chi.Router the caller mounts behind its own EventSub
// host. It exposes exactly one decoding endpoint; health/auth/TLS are the
// caller's responsibility.
func Routes(deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodPost},
	}))

	r.Post("/events", deps.handleEvent)
	return r
}

func (d Dependencies) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var envelope eventSubEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "decode envelope", http.StatusBadRequest)
		return
	}

	ctx := logging.ContextWithNewCorrelationID(r.Context())

	eventType := envelope.Subscription.Type
	switch eventType {
	case "stream.online":
		metrics.RecordEventIngested(eventType, "live_state")
		d.handleStreamOnline(ctx, w, envelope.Event)
	case "stream.offline":
		metrics.RecordEventIngested(eventType, "live_state")
		d.handleStreamOffline(ctx, w, envelope.Event)
	case "channel.raid":
		metrics.RecordEventIngested(eventType, "raid_correlation")
		d.handleChannelRaid(ctx, w, envelope.Event)
	default:
		if recordedEventTypes[eventType] {
			metrics.RecordEventIngested(eventType, "recorded")
			d.recordEvent(ctx, w, eventType, envelope.Event)
			return
		}
		metrics.RecordEventIngested(eventType, "ignored")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (d Dependencies) handleStreamOnline(ctx context.Context, w http.ResponseWriter, raw json.RawMessage) {
	var evt streamOnlineEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		http.Error(w, "decode stream.online", http.StatusBadRequest)
		return
	}
	startedAt, _ := time.Parse(time.RFC3339, evt.StartedAt)
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	snap := twitchapi.StreamSnapshot{
		BroadcasterLogin: evt.BroadcasterUserLogin,
		BroadcasterID:    evt.BroadcasterUserID,
		StartedAt:        startedAt,
	}
	if err := d.LiveState.HandleOnlineEvent(ctx, evt.BroadcasterUserLogin, snap); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", evt.BroadcasterUserLogin).Msg("eventbridge: stream.online handling failed")
		http.Error(w, "handle stream.online", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Dependencies) handleStreamOffline(ctx context.Context, w http.ResponseWriter, raw json.RawMessage) {
	var evt streamOfflineEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		http.Error(w, "decode stream.offline", http.StatusBadRequest)
		return
	}
	if err := d.LiveState.HandleOfflineEvent(ctx, evt.BroadcasterUserLogin); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("broadcaster", evt.BroadcasterUserLogin).Msg("eventbridge: stream.offline handling failed")
		http.Error(w, "handle stream.offline", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Dependencies) handleChannelRaid(ctx context.Context, w http.ResponseWriter, raw json.RawMessage) {
	var evt channelRaidEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		http.Error(w, "decode channel.raid", http.StatusBadRequest)
		return
	}
	if err := d.Raid.HandleRaidArrival(ctx, evt.FromBroadcasterUserLogin, evt.ToBroadcasterUserLogin, evt.Viewers); err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("from", evt.FromBroadcasterUserLogin).
			Str("to", evt.ToBroadcasterUserLogin).
			Msg("eventbridge: channel.raid handling failed")
		http.Error(w, "handle channel.raid", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Dependencies) recordEvent(ctx context.Context, w http.ResponseWriter, eventType string, raw json.RawMessage) {
	if d.DB == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	broadcasterLogin := extractBroadcasterLogin(raw)
	err := d.DB.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_log (event_type, broadcaster_login, payload_json, received_at)
			VALUES (?, ?, ?, ?)
		`, eventType, broadcasterLogin, string(raw), time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("event_type", eventType).Msg("eventbridge: record event failed")
		http.Error(w, "record event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func extractBroadcasterLogin(raw json.RawMessage) string {
	var generic struct {
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
	}
	_ = json.Unmarshal(raw, &generic)
	return generic.BroadcasterUserLogin
}
