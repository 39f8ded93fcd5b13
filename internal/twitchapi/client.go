// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package twitchapi is the only caller of Twitch's Helix and identity HTTP
// surfaces: OAuth code exchange and refresh, the streams/users/followers
// query endpoints used for live-state polling and raid candidate scoring,
// and the raid endpoint itself. Every outbound call is classified into the
// ErrorKind taxonomy at the call site and shares one rate-limited HTTP
// client and circuit breaker per endpoint class.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/partner-relay/internal/logging"
)

const (
	oauthTokenURL  = "https://id.twitch.tv/oauth2/token"
	helixStreamsURL = "https://api.twitch.tv/helix/streams"
	helixUsersURL   = "https://api.twitch.tv/helix/users"
	helixFollowersURL = "https://api.twitch.tv/helix/channels/followers"
	helixRaidsURL   = "https://api.twitch.tv/helix/raids"
)

// Client wraps the raw HTTP surface; internal/raid and internal/credential
// call through CircuitBreakerClient, which wraps *Client.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	clientID   string
	clientSecret string
	redirectURI  string
}

// Config holds the OAuth application identity used for token exchange.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// New builds a Client sharing one *http.Client (and thus one connection
// pool) across every outbound call, matching the "single HTTP client
// shared across components, resilient to remote closes" requirement.
func New(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Twitch's Helix rate limit is bucketed per app; 8 req/s is a
		// conservative shared ceiling across polling, scoring, and raids.
		limiter:      rate.NewLimiter(rate.Limit(8), 8),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
	}
}

// TokenResult is the decoded response from the OAuth token endpoint.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
	Error        string   `json:"error"`
	ErrorMessage string   `json:"message"`
}

// ExchangeCode performs the authorization_code grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResult, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {c.redirectURI},
	}
	return c.doTokenRequest(ctx, form)
}

// RefreshToken performs the refresh_token grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.doTokenRequest(ctx, form)
}

func (c *Client) doTokenRequest(ctx context.Context, form url.Values) (*TokenResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &APIError{Kind: KindTransientRemote, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &APIError{Kind: KindTransientRemote, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindTransientRemote, Err: err}
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &APIError{Kind: KindTransientRemote, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyTokenError(resp.StatusCode, body.Error, body.ErrorMessage)
		return nil, &APIError{Kind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s: %s", body.Error, body.ErrorMessage)}
	}

	return &TokenResult{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresIn:    time.Duration(body.ExpiresIn) * time.Second,
		Scopes:       body.Scope,
	}, nil
}

// oauth2Config exposes this client's identity as a golang.org/x/oauth2
// Config, for callers that prefer the standard library's token-source
// abstraction over the hand-rolled form encoding above (used by the
// authorize-URL builder, which needs oauth2.Config.AuthCodeURL).
func (c *Client) oauth2Config(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://id.twitch.tv/oauth2/authorize",
			TokenURL: oauthTokenURL,
		},
	}
}

// BuildAuthURL generates a fresh authorization-start link carrying state and
// the requested scopes; callers needing credential.AuthURLBuilder's
// single-argument shape wrap this with a fixed scope list.
func (c *Client) BuildAuthURL(state string, scopes []string) string {
	return c.oauth2Config(scopes).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// StreamSnapshot is one row of the /helix/streams response.
type StreamSnapshot struct {
	BroadcasterLogin string
	BroadcasterID    string
	Title            string
	GameID           string
	ViewerCount      int
	StartedAt        time.Time
}

type streamsResponse struct {
	Data []struct {
		UserLogin   string `json:"user_login"`
		UserID      string `json:"user_id"`
		Title       string `json:"title"`
		GameID      string `json:"game_id"`
		ViewerCount int    `json:"viewer_count"`
		StartedAt   string `json:"started_at"`
	} `json:"data"`
}

// GetStreamsByLogin fetches live-stream snapshots for the given logins
// (Helix allows up to 100 user_login params per call).
func (c *Client) GetStreamsByLogin(ctx context.Context, accessToken string, logins []string) ([]StreamSnapshot, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", l)
	}
	return c.getStreams(ctx, accessToken, q)
}

// GetStreamsByGame fetches the current snapshot of live streams in the
// tracked category, matching the periodic poll's primary snapshot source.
func (c *Client) GetStreamsByGame(ctx context.Context, accessToken, gameID string, first int) ([]StreamSnapshot, error) {
	q := url.Values{"game_id": {gameID}, "first": {fmt.Sprintf("%d", first)}}
	return c.getStreams(ctx, accessToken, q)
}

func (c *Client) getStreams(ctx context.Context, accessToken string, q url.Values) ([]StreamSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &APIError{Kind: KindTransientRemote, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixStreamsURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &APIError{Kind: KindTransientRemote, Err: err}
	}
	c.setHelixHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindTransientRemote, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkHelixStatus(resp); err != nil {
		return nil, err
	}

	var body streamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &APIError{Kind: KindTransientRemote, Err: err}
	}

	out := make([]StreamSnapshot, 0, len(body.Data))
	for _, d := range body.Data {
		started, _ := time.Parse(time.RFC3339, d.StartedAt)
		out = append(out, StreamSnapshot{
			BroadcasterLogin: d.UserLogin,
			BroadcasterID:    d.UserID,
			Title:            d.Title,
			GameID:           d.GameID,
			ViewerCount:      d.ViewerCount,
			StartedAt:        started,
		})
	}
	return out, nil
}

// GetFollowerTotal returns the follower count for broadcasterID,
// best-effort: used only for the raid candidate tie-break.
func (c *Client) GetFollowerTotal(ctx context.Context, accessToken, broadcasterID string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, &APIError{Kind: KindTransientRemote, Err: err}
	}

	q := url.Values{"broadcaster_id": {broadcasterID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixFollowersURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, &APIError{Kind: KindTransientRemote, Err: err}
	}
	c.setHelixHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &APIError{Kind: KindTransientRemote, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkHelixStatus(resp); err != nil {
		return 0, err
	}

	var body struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, &APIError{Kind: KindTransientRemote, Err: err}
	}
	return body.Total, nil
}

// StartRaid invokes the raid endpoint; Partner tells the caller whether a
// refusal should produce a blacklist entry (never for partner candidates).
func (c *Client) StartRaid(ctx context.Context, accessToken, fromBroadcasterID, toBroadcasterID string, partner bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Kind: KindTransientRemote, Err: err}
	}

	q := url.Values{"from_broadcaster_id": {fromBroadcasterID}, "to_broadcaster_id": {toBroadcasterID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, helixRaidsURL+"?"+q.Encode(), nil)
	if err != nil {
		return &APIError{Kind: KindTransientRemote, Err: err}
	}
	c.setHelixHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransientRemote, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: KindRaidTargetRefused, StatusCode: resp.StatusCode, Partner: partner}
	case resp.StatusCode >= 500:
		return &APIError{Kind: KindTransientRemote, StatusCode: resp.StatusCode}
	default:
		return &APIError{Kind: KindRaidAPIFatal, StatusCode: resp.StatusCode}
	}
}

func (c *Client) setHelixHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", c.clientID)
}

func (c *Client) checkHelixStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: KindInvalidGrant, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &APIError{Kind: KindTransientRemote, StatusCode: resp.StatusCode}
	default:
		logging.Warn().Int("status", resp.StatusCode).Msg("twitchapi: unexpected helix status")
		return &APIError{Kind: KindTransientRemote, StatusCode: resp.StatusCode}
	}
}
