package models

import "time"

// Role categories.
const (
	CategoryMedical        = "medical"
	CategoryTechnical      = "technical"
	CategoryAdministrative = "administrative"
	CategorySystem         = "system"
	CategoryCustom         = "custom"
)

// ValidRoleCategory reports whether c is a known role category.
func ValidRoleCategory(c string) bool {
	switch c {
	case CategoryMedical, CategoryTechnical, CategoryAdministrative, CategorySystem, CategoryCustom:
		return true
	}
	return false
}

// Security levels are ordered 1..5.
const (
	MinSecurityLevel = 1
	MaxSecurityLevel = 5
)

// Role is a named bundle of permissions, possibly inheriting from a parent.
type Role struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	DisplayName        string    `json:"display_name"`
	Category           string    `json:"category"`
	SecurityLevel      int       `json:"security_level"`
	ParentID           string    `json:"parent_id,omitempty"`
	System             bool      `json:"system"`
	RequiresApproval   bool      `json:"requires_approval"`
	MaxSessionDuration int       `json:"max_session_duration_minutes,omitempty"` // minutes, 0 = unset
	IPRestricted       bool      `json:"ip_restricted"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Permission is a capability referenced by codename.
type Permission struct {
	ID          string `json:"id"`
	Codename    string `json:"codename"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
}

// RolePermission links a role to a permission.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	Codename     string    `json:"codename"`
	GrantedBy    string    `json:"granted_by,omitempty"`
	GrantedAt    time.Time `json:"granted_at"`
	Active       bool      `json:"active"`
}

// DirectPermissionGrant gives a permission to a principal outside any role.
type DirectPermissionGrant struct {
	PrincipalID  string     `json:"principal_id"`
	PermissionID string     `json:"permission_id"`
	Codename     string     `json:"codename"`
	GrantedBy    string     `json:"granted_by,omitempty"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Active       bool       `json:"active"`
}

// EffectiveAt reports whether the grant counts at now.
func (g *DirectPermissionGrant) EffectiveAt(now time.Time) bool {
	return g.Active && (g.ExpiresAt == nil || now.Before(*g.ExpiresAt))
}

// Assignment states.
const (
	AssignmentPending  = "pending"
	AssignmentApproved = "approved"
	AssignmentActive   = "active"
	AssignmentExpired  = "expired"
	AssignmentRevoked  = "revoked"
	AssignmentRejected = "rejected"
)

var assignmentTransitions = map[string][]string{
	AssignmentPending:  {AssignmentApproved, AssignmentRejected},
	AssignmentApproved: {AssignmentActive},
	AssignmentActive:   {AssignmentExpired, AssignmentRevoked},
}

// AssignmentTransitionAllowed reports whether the workflow permits from → to.
func AssignmentTransitionAllowed(from, to string) bool {
	for _, s := range assignmentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RoleAssignment binds a role to a principal.
type RoleAssignment struct {
	PrincipalID   string     `json:"principal_id"`
	RoleID        string     `json:"role_id"`
	RoleName      string     `json:"role_name,omitempty"`
	State         string     `json:"state"`
	Reason        string     `json:"reason,omitempty"`
	EffectiveFrom time.Time  `json:"effective_from"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RequestedBy   string     `json:"requested_by,omitempty"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
}

// EffectiveAt reports whether the assignment contributes to the effective role set at now.
func (a *RoleAssignment) EffectiveAt(now time.Time) bool {
	if a.State != AssignmentActive || now.Before(a.EffectiveFrom) {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}
