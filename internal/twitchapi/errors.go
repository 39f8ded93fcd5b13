// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package twitchapi

import "strings"

// ErrorKind classifies an outbound Twitch API failure per the error
// handling design (§7): the distinction between transient and terminal is
// explicit at the classification site, not inferred later from strings.
type ErrorKind int

const (
	KindInvalidGrant ErrorKind = iota
	KindTransientRemote
	KindRateLimited
	KindRaidTargetRefused
	KindRaidAPIFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidGrant:
		return "invalid_grant"
	case KindTransientRemote:
		return "transient_remote"
	case KindRateLimited:
		return "rate_limited"
	case KindRaidTargetRefused:
		return "raid_target_refused"
	case KindRaidAPIFatal:
		return "raid_api_fatal"
	default:
		return "unknown"
	}
}

// APIError wraps a classified Twitch API failure. RaidTargetRefused
// additionally carries Partner so dispatch logic can apply the
// "no blacklist entry for partner candidates" rule without a second lookup.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Partner    bool
	Err        error
}

func (e *APIError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *APIError) Unwrap() error { return e.Err }

// classifyTokenError maps a Twitch id.twitch.tv error response onto an
// ErrorKind. Only a payload indicating "invalid refresh grant" counts as
// InvalidGrant; everything else is transient or rate-limited, matching the
// failure-classification policy in the credential repository design.
func classifyTokenError(statusCode int, errorCode, message string) ErrorKind {
	switch {
	case statusCode == 429:
		return KindRateLimited
	case statusCode >= 500:
		return KindTransientRemote
	case errorCode == "invalid_grant":
		return KindInvalidGrant
	case strings.Contains(strings.ToLower(message), "invalid refresh token"):
		return KindInvalidGrant
	default:
		return KindTransientRemote
	}
}
