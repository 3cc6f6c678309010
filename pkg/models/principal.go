package models

import (
	"strings"
	"time"
)

// Principal is a human or service account subject to authorization.
type Principal struct {
	ID              string     `json:"id"`
	Login           string     `json:"login"`
	Email           string     `json:"email"`
	SecretHash      string     `json:"-"`
	DisplayName     string     `json:"display_name"`
	Active          bool       `json:"active"`
	Approved        bool       `json:"approved"`
	Suspended       bool       `json:"suspended"`
	Superuser       bool       `json:"superuser"`
	CreatedAt       time.Time  `json:"created_at"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	LastLoginSource string     `json:"last_login_source,omitempty"`
}

// CanAuthenticate reports whether the principal may exchange a secret for a credential.
func (p *Principal) CanAuthenticate() bool {
	return p.Active && p.Approved && !p.Suspended
}

// FoldIdentity normalises a login name or email for case-insensitive comparison.
func FoldIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AccountStatus values stored in SecurityProfile.
const (
	AccountActive          = "active"
	AccountInactive        = "inactive"
	AccountSuspended       = "suspended"
	AccountLocked          = "locked"
	AccountPendingApproval = "pending_approval"
	AccountExpired         = "expired"
	AccountArchived        = "archived"
)

// ValidAccountStatus reports whether s is a known account status.
func ValidAccountStatus(s string) bool {
	switch s {
	case AccountActive, AccountInactive, AccountSuspended, AccountLocked,
		AccountPendingApproval, AccountExpired, AccountArchived:
		return true
	}
	return false
}

// SecurityProfile holds per-principal lockout and session policy state.
type SecurityProfile struct {
	PrincipalID           string     `json:"principal_id"`
	FailedLoginAttempts   int        `json:"failed_login_attempts"`
	LastFailedLoginAt     *time.Time `json:"last_failed_login_at,omitempty"`
	FailureWindowStart    *time.Time `json:"failure_window_start,omitempty"`
	LockoutUntil          *time.Time `json:"lockout_until,omitempty"`
	AllowedSources        []string   `json:"allowed_sources"`
	SessionTimeoutMinutes int        `json:"session_timeout_minutes"`
	MaxConcurrentSessions int        `json:"max_concurrent_sessions"`
	AccountStatus         string     `json:"account_status"`
	ForceSecretChange     bool       `json:"force_secret_change"`
	SecretExpiresAt       *time.Time `json:"secret_expires_at,omitempty"`
	ApprovedBy            string     `json:"approved_by,omitempty"`
	ApprovedAt            *time.Time `json:"approved_at,omitempty"`
}

// LockedAt reports whether the profile is locked out at now.
func (s *SecurityProfile) LockedAt(now time.Time) bool {
	return s.LockoutUntil != nil && now.Before(*s.LockoutUntil)
}

// SourceAllowed reports whether source may act for this principal. An empty list is unrestricted.
func (s *SecurityProfile) SourceAllowed(source string) bool {
	if len(s.AllowedSources) == 0 {
		return true
	}
	for _, a := range s.AllowedSources {
		if a == source {
			return true
		}
	}
	return false
}

// LoginOutcome is the post-update state returned by an atomic failure increment.
type LoginOutcome struct {
	FailedAttempts int
	LockoutUntil   *time.Time
	NewlyLocked    bool
}

// LockoutPolicy parameterises failure counting.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}
