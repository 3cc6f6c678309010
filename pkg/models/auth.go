package models

import "time"

// Session is a bearer credential plus its usage metadata. The token value
// itself is never stored; TokenHash is its keyed hash.
type Session struct {
	ID           string     `json:"id"`
	PrincipalID  string     `json:"principal_id"`
	TokenHash    []byte     `json:"-"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	Source       string     `json:"source"`
	UserAgent    string     `json:"user_agent_fingerprint"`
	LastActivity time.Time  `json:"last_activity"`
	RiskScore    int        `json:"risk_score"`
	Suspicious   bool       `json:"suspicious"`
}

// IsExpired returns true if the session has passed its expiry time.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsRevoked returns true if the session has been revoked.
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// LiveAt reports whether the session is neither revoked nor expired.
func (s *Session) LiveAt(now time.Time) bool {
	return !s.IsRevoked() && !s.IsExpired(now)
}

// Registration request states.
const (
	RegistrationPending  = "pending"
	RegistrationApproved = "approved"
	RegistrationRejected = "rejected"
)

// RegistrationRequest is an inbound application to create a principal.
type RegistrationRequest struct {
	ID              string     `json:"id"`
	Login           string     `json:"login"`
	Email           string     `json:"email"`
	SecretHash      string     `json:"-"`
	DisplayName     string     `json:"display_name"`
	State           string     `json:"state"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	ProcessedBy     string     `json:"processed_by,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	PrincipalID     string     `json:"principal_id,omitempty"`
	Source          string     `json:"source"`
	SubmittedAt     time.Time  `json:"submitted_at"`
}

// Terminal reports whether the request can no longer change state.
func (r *RegistrationRequest) Terminal() bool {
	return r.State == RegistrationApproved || r.State == RegistrationRejected
}
