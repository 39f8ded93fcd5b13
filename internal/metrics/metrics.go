// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package metrics centralizes partner-relay's Prometheus instrumentation:
// credential refresh outcomes, grace-period role removals, live-state
// session transitions, raid dispatch outcomes, and inbound event-bridge
// throughput. Scoped to the domain this service actually owns; the
// twitchapi circuit breaker registers its own gauge alongside the client
// it instruments rather than here, since that metric is private to the
// breaker's internal state machine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshAttemptsTotal counts credential refresh attempts by outcome:
	// "success", "invalid_grant", "rate_limited", "transient".
	RefreshAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partner_relay",
			Subsystem: "credential",
			Name:      "refresh_attempts_total",
			Help:      "Total credential refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// BroadcastersBlacklisted tracks the current number of broadcasters
	// disabled after exhausting the consecutive-failure threshold.
	BroadcastersBlacklisted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "partner_relay",
			Subsystem: "credential",
			Name:      "broadcasters_blacklisted",
			Help:      "Current number of broadcasters disabled after exceeding the consecutive-failure threshold.",
		},
	)

	// GraceRoleRemovalsTotal counts partnership-role removals performed by
	// the grace-period controller once a grant's grace window elapses.
	GraceRoleRemovalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partner_relay",
			Subsystem: "credential",
			Name:      "grace_role_removals_total",
			Help:      "Total partnership role removals performed after a grace period expired.",
		},
	)

	// LiveSessionsStarted counts stream sessions opened by the live-state
	// tracker.
	LiveSessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partner_relay",
			Subsystem: "livestate",
			Name:      "sessions_started_total",
			Help:      "Total stream sessions opened.",
		},
	)

	// LiveSessionsClosed counts stream sessions closed by the live-state
	// tracker, either from a poll miss or an inbound offline event.
	LiveSessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partner_relay",
			Subsystem: "livestate",
			Name:      "sessions_closed_total",
			Help:      "Total stream sessions closed, labeled by close reason.",
		},
		[]string{"reason"}, // "offline_event", "missed_snapshots"
	)

	// LiveBroadcastersTracked gauges the current count of broadcasters
	// with an open live session.
	LiveBroadcastersTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "partner_relay",
			Subsystem: "livestate",
			Name:      "broadcasters_live",
			Help:      "Current number of broadcasters with an open live session.",
		},
	)

	// RaidsDispatchedTotal counts raid dispatch attempts by trigger reason
	// and outcome.
	RaidsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partner_relay",
			Subsystem: "raid",
			Name:      "dispatched_total",
			Help:      "Total raid dispatch attempts by trigger reason and outcome.",
		},
		[]string{"reason", "outcome"}, // outcome: "success", "failed", "suppressed", "no_candidates", "exhausted"
	)

	// RaidCandidatePoolSize observes the candidate pool size considered
	// for each dispatch, to catch a network thinning out over time.
	RaidCandidatePoolSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "partner_relay",
			Subsystem: "raid",
			Name:      "candidate_pool_size",
			Help:      "Number of candidates considered per raid dispatch.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// RaidTargetsBlacklistedTotal counts candidates blacklisted after
	// refusing a raid.
	RaidTargetsBlacklistedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partner_relay",
			Subsystem: "raid",
			Name:      "targets_blacklisted_total",
			Help:      "Total raid candidates blacklisted after refusing a raid.",
		},
	)

	// PendingRaidsExpiredTotal counts pending-raid entries reaped without a
	// correlated arrival event.
	PendingRaidsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "partner_relay",
			Subsystem: "raid",
			Name:      "pending_expired_total",
			Help:      "Total pending raid dispatches reaped without a correlated arrival event.",
		},
	)

	// EventsIngestedTotal counts inbound EventSub notifications by type and
	// handling path.
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "partner_relay",
			Subsystem: "eventbridge",
			Name:      "events_ingested_total",
			Help:      "Total inbound EventSub notifications by type and handling path.",
		},
		[]string{"event_type", "path"}, // path: "live_state", "raid_correlation", "recorded", "ignored"
	)
)

// RecordRefreshAttempt records the outcome of a single credential refresh
// attempt.
func RecordRefreshAttempt(outcome string) {
	RefreshAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordRaidDispatch records a single raid dispatch attempt's outcome and
// candidate pool size.
func RecordRaidDispatch(reason, outcome string, poolSize int) {
	RaidsDispatchedTotal.WithLabelValues(reason, outcome).Inc()
	RaidCandidatePoolSize.Observe(float64(poolSize))
}

// RecordEventIngested records an inbound EventSub notification's handling
// path.
func RecordEventIngested(eventType, path string) {
	EventsIngestedTotal.WithLabelValues(eventType, path).Inc()
}

// RecordLiveSessionClosed records a live session closing for the given
// reason and updates the elapsed-duration-free counters; callers that also
// have the session duration should observe it through their own histogram
// if finer granularity is needed.
func RecordLiveSessionClosed(reason string, _ time.Duration) {
	LiveSessionsClosed.WithLabelValues(reason).Inc()
}
