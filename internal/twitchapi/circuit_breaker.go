// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package twitchapi

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/partner-relay/internal/logging"
)

var circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "partner_relay",
	Subsystem: "twitchapi",
	Name:      "circuit_breaker_state",
	Help:      "Circuit breaker state per Twitch endpoint class (0=closed, 0.5=half-open, 1=open).",
}, []string{"breaker"})

func init() {
	prometheus.MustRegister(circuitBreakerState)
}

// CircuitBreakerClient wraps Client with one gobreaker per endpoint class
// (token exchange/refresh, helix queries, raids), so a flapping endpoint
// trips independently of the others rather than one global breaker
// starving healthy call classes.
type CircuitBreakerClient struct {
	client *Client

	tokenBreaker  *gobreaker.CircuitBreaker[*TokenResult]
	streamsBreaker *gobreaker.CircuitBreaker[[]StreamSnapshot]
	raidBreaker   *gobreaker.CircuitBreaker[struct{}]
}

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			circuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("twitchapi: circuit breaker state change")
		},
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// NewCircuitBreakerClient wraps client with per-endpoint-class breakers.
func NewCircuitBreakerClient(client *Client) *CircuitBreakerClient {
	return &CircuitBreakerClient{
		client:         client,
		tokenBreaker:   gobreaker.NewCircuitBreaker[*TokenResult](breakerSettings("twitch_oauth_token")),
		streamsBreaker: gobreaker.NewCircuitBreaker[[]StreamSnapshot](breakerSettings("twitch_helix_streams")),
		raidBreaker:    gobreaker.NewCircuitBreaker[struct{}](breakerSettings("twitch_raids")),
	}
}

func (cb *CircuitBreakerClient) ExchangeCode(ctx context.Context, code string) (*TokenResult, error) {
	return cb.tokenBreaker.Execute(func() (*TokenResult, error) {
		return cb.client.ExchangeCode(ctx, code)
	})
}

func (cb *CircuitBreakerClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	return cb.tokenBreaker.Execute(func() (*TokenResult, error) {
		return cb.client.RefreshToken(ctx, refreshToken)
	})
}

func (cb *CircuitBreakerClient) GetStreamsByLogin(ctx context.Context, accessToken string, logins []string) ([]StreamSnapshot, error) {
	return cb.streamsBreaker.Execute(func() ([]StreamSnapshot, error) {
		return cb.client.GetStreamsByLogin(ctx, accessToken, logins)
	})
}

func (cb *CircuitBreakerClient) GetStreamsByGame(ctx context.Context, accessToken, gameID string, first int) ([]StreamSnapshot, error) {
	return cb.streamsBreaker.Execute(func() ([]StreamSnapshot, error) {
		return cb.client.GetStreamsByGame(ctx, accessToken, gameID, first)
	})
}

func (cb *CircuitBreakerClient) GetFollowerTotal(ctx context.Context, accessToken, broadcasterID string) (int, error) {
	// Best-effort tie-break lookup; not worth its own breaker state, so it
	// calls the client directly and bypasses every breaker: its failures are
	// not counted by the streams breaker, and an open breaker does not stop it.
	return cb.client.GetFollowerTotal(ctx, accessToken, broadcasterID)
}

func (cb *CircuitBreakerClient) StartRaid(ctx context.Context, accessToken, fromBroadcasterID, toBroadcasterID string, partner bool) error {
	_, err := cb.raidBreaker.Execute(func() (struct{}, error) {
		return struct{}{}, cb.client.StartRaid(ctx, accessToken, fromBroadcasterID, toBroadcasterID, partner)
	})
	return err
}

func (cb *CircuitBreakerClient) BuildAuthURL(state string, scopes []string) string {
	return cb.client.BuildAuthURL(state, scopes)
}
