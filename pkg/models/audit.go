package models

import "time"

// Audit event kinds.
const (
	EventLogin            = "login"
	EventLogout           = "logout"
	EventSecretChange     = "secret-change"
	EventRoleChange       = "role-change"
	EventPermissionChange = "permission-change"
	EventProfileUpdate    = "profile-update"
	EventDataAccess       = "data-access"
	EventSystemAction     = "system-action"
	EventSecurity         = "security-event"
	EventAdminAction      = "admin-action"
)

// Audit severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// AuditEvent is an append-only structured record. ActorID and SubjectID
// are plain ids; they stay readable after the principal is deleted.
type AuditEvent struct {
	ID           string         `json:"id"`
	ActorID      string         `json:"actor_id,omitempty"`
	SubjectID    string         `json:"subject_id,omitempty"`
	Kind         string         `json:"kind"`
	Severity     string         `json:"severity"`
	Action       string         `json:"action"`
	Metadata     map[string]any `json:"metadata"`
	Source       string         `json:"source,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// AuditFilter specifies query parameters for audit log retrieval.
// Results are ordered by (timestamp desc, id desc).
type AuditFilter struct {
	ActorID  string
	Kind     string
	Severity string
	Since    *time.Time
	Until    *time.Time
	Text     string
	Limit    int
	Offset   int
}
