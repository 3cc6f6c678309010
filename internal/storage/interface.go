package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/medgate/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a write would violate a uniqueness constraint.
var ErrAlreadyExists = errors.New("already exists")

// ErrReadOnly is returned when a write is attempted inside View.
var ErrReadOnly = errors.New("read-only transaction")

// Store is the persistence boundary of the principal & role store, the
// credential tables and the audit log.
type Store interface {
	// InTx runs fn inside a single read-write transaction. Either every write
	// made by fn commits or none does. Serialization failures and deadlocks
	// are retried a bounded number of times.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn with read-only access.
	View(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close()
}

// Tx is the set of operations available inside InTx and View.
type Tx interface {
	// Principals
	CreatePrincipal(ctx context.Context, p *models.Principal) error
	GetPrincipal(ctx context.Context, id string) (*models.Principal, error)
	// FindPrincipal matches login name or email, case-insensitively.
	FindPrincipal(ctx context.Context, loginOrEmail string) (*models.Principal, error)
	// LockPrincipal serialises writers on one principal until the transaction ends.
	LockPrincipal(ctx context.Context, id string) error
	UpdatePrincipal(ctx context.Context, p *models.Principal) error
	// DeletePrincipal cascades to profile, grants, assignments and sessions. Audit events are kept.
	DeletePrincipal(ctx context.Context, id string) error
	ListPrincipals(ctx context.Context, f PrincipalFilter) ([]*models.Principal, error)

	// Security profiles
	PutSecurityProfile(ctx context.Context, sp *models.SecurityProfile) error
	GetSecurityProfile(ctx context.Context, principalID string) (*models.SecurityProfile, error)
	// RecordLoginFailure increments the failure counter atomically and applies
	// the lockout when the threshold is reached inside the window.
	RecordLoginFailure(ctx context.Context, principalID string, now time.Time, policy models.LockoutPolicy) (models.LoginOutcome, error)
	// RecordLoginSuccess resets the counter and stamps last-login on the principal.
	RecordLoginSuccess(ctx context.Context, principalID string, now time.Time, source string) error
	ListLockedProfiles(ctx context.Context, now time.Time) ([]*models.SecurityProfile, error)

	// Roles
	// LockRoleGraph serialises role hierarchy edits until the transaction ends.
	LockRoleGraph(ctx context.Context) error
	// LockRole serialises writers on one role until the transaction ends.
	LockRole(ctx context.Context, id string) error
	CreateRole(ctx context.Context, r *models.Role) error
	GetRole(ctx context.Context, id string) (*models.Role, error)
	GetRoleByName(ctx context.Context, name string) (*models.Role, error)
	UpdateRole(ctx context.Context, r *models.Role) error
	DeleteRole(ctx context.Context, id string) error
	ListRoles(ctx context.Context) ([]*models.Role, error)

	// Permissions
	CreatePermission(ctx context.Context, p *models.Permission) error
	GetPermission(ctx context.Context, codename string) (*models.Permission, error)
	ListPermissions(ctx context.Context) ([]*models.Permission, error)
	// SetRolePermissions replaces the permission set of a role.
	SetRolePermissions(ctx context.Context, roleID string, perms []models.RolePermission) error
	ListRolePermissions(ctx context.Context, roleID string) ([]models.RolePermission, error)

	// Direct grants
	CreatePermissionGrant(ctx context.Context, g *models.DirectPermissionGrant) error
	DeletePermissionGrant(ctx context.Context, principalID, permissionID string) error
	ListPermissionGrants(ctx context.Context, principalID string) ([]models.DirectPermissionGrant, error)
	DeactivateExpiredGrants(ctx context.Context, now time.Time) (int, error)

	// Role assignments
	CreateRoleAssignment(ctx context.Context, a *models.RoleAssignment) error
	GetRoleAssignment(ctx context.Context, principalID, roleID string) (*models.RoleAssignment, error)
	UpdateRoleAssignment(ctx context.Context, a *models.RoleAssignment) error
	ListRoleAssignments(ctx context.Context, principalID string) ([]models.RoleAssignment, error)
	ListRoleHolders(ctx context.Context, roleID string) ([]models.RoleAssignment, error)
	// ListDueAssignments returns approved assignments whose effective_from has
	// passed and active assignments whose expires_at has passed.
	ListDueAssignments(ctx context.Context, now time.Time) ([]models.RoleAssignment, error)

	// Registration requests
	CreateRegistration(ctx context.Context, r *models.RegistrationRequest) error
	// GetRegistration locks the row when called inside InTx.
	GetRegistration(ctx context.Context, id string) (*models.RegistrationRequest, error)
	FindRegistration(ctx context.Context, loginOrEmail, state string) (*models.RegistrationRequest, error)
	UpdateRegistration(ctx context.Context, r *models.RegistrationRequest) error
	ListRegistrations(ctx context.Context, state string, limit, offset int) ([]*models.RegistrationRequest, error)

	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByHash(ctx context.Context, hash []byte) (*models.Session, error)
	TouchSession(ctx context.Context, id string, now time.Time) error
	// RevokeSession is idempotent; an already revoked session keeps its first revocation time.
	RevokeSession(ctx context.Context, id string, now time.Time) error
	RevokePrincipalSessions(ctx context.Context, principalID string, now time.Time) (int, error)
	// ListLiveSessions returns non-revoked, non-expired sessions oldest first.
	// An empty principalID lists every principal's sessions.
	ListLiveSessions(ctx context.Context, principalID string, now time.Time) ([]*models.Session, error)

	// Audit
	AppendAudit(ctx context.Context, e *models.AuditEvent) error
	QueryAudit(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error)
}

// PrincipalFilter narrows ListPrincipals. Results are ordered by login.
type PrincipalFilter struct {
	Text      string
	Active    *bool
	Approved  *bool
	Suspended *bool
	RoleID    string
	Limit     int
	Offset    int
}

// Read runs fn under View and returns its value.
func Read[T any](ctx context.Context, s Store, fn func(tx Tx) (T, error)) (T, error) {
	var out T
	err := s.View(ctx, func(tx Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}

// Write runs fn under InTx and returns its value.
func Write[T any](ctx context.Context, s Store, fn func(tx Tx) (T, error)) (T, error) {
	var out T
	err := s.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}
