// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package credential implements the OAuth credential lifecycle: the
// credential repository (grant + failure storage), the token refresher
// background loop, and the grace controller that revokes the partnership
// role after a grant has been unusable past its grace period.
package credential

import (
	"context"
	"time"
)

// Grant is the decrypted view of a broadcaster's OAuth credential pair.
type Grant struct {
	BroadcasterLogin string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	Scopes           []string
	RaidEnabled      bool
	NeedsReauth      bool
}

// FailureRecord mirrors the failure_records row for one broadcaster.
type FailureRecord struct {
	BroadcasterLogin  string
	ConsecutiveCount  int
	FirstFailureAt    time.Time
	LastFailureAt     time.Time
	GraceExpiresAt    time.Time
	AdminNotified     bool
	UserDMSent        bool
	ReminderSent      bool
	RoleRemoved       bool
	LastError         string
}

// ErrorKind classifies why a refresh or decrypt operation failed, per the
// error handling design: transient vs. terminal distinctions are explicit
// at every call site rather than inferred from error string contents.
type ErrorKind int

const (
	// KindInvalidGrant: the refresh token is no longer valid.
	KindInvalidGrant ErrorKind = iota
	// KindTransientRemote: network error, timeout, 5xx — retried without penalty.
	KindTransientRemote
	// KindRateLimited: explicit 429 or platform rate-limit signal.
	KindRateLimited
	// KindDecryptFailed: stored ciphertext could not be decrypted.
	KindDecryptFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidGrant:
		return "invalid_grant"
	case KindTransientRemote:
		return "transient_remote"
	case KindRateLimited:
		return "rate_limited"
	case KindDecryptFailed:
		return "decrypt_failed"
	default:
		return "unknown"
	}
}

// RefreshError wraps an ErrorKind with the underlying cause.
type RefreshError struct {
	Kind ErrorKind
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error { return e.Err }

// RoleSync is the external collaborator capability for partnership role
// synchronization, satisfied by internal/discordrole. The grace controller
// depends on this narrow interface, not on a concrete Discord client, per
// the "typed capability interface, not dynamic attribute access" design note.
type RoleSync interface {
	// RemoveRole removes the partnership role from the linked discord user.
	// Implementations must be idempotent: removing an already-removed role,
	// or acting on a user no longer in the guild, is a no-op, not an error.
	RemoveRole(ctx context.Context, discordUserID string) error
}

// Notifier is the external collaborator for user/admin messaging around
// credential failures and grace expiry. Message wording is out of scope;
// this interface only carries the structured facts a real implementation
// would need to compose a message.
type Notifier interface {
	NotifyUserAuthFailed(ctx context.Context, broadcasterLogin string, authURL string) error
	NotifyAdminAuthFailed(ctx context.Context, broadcasterLogin string) error
	NotifyUserGraceReminder(ctx context.Context, broadcasterLogin string, authURL string) error
	NotifyAdminGraceExpired(ctx context.Context, broadcasterLogin string) error
}

// AuthURLBuilder generates a fresh authorization-start link for DMs, per
// the "all DMs include a freshly generated auth-start link" requirement.
type AuthURLBuilder interface {
	BuildAuthURL(broadcasterLogin string) (string, error)
}
