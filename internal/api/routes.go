package api

import (
	"net/http"

	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/pkg/models"
)

// Route declares how the gate treats one operation.
type Route struct {
	Method  string
	Pattern string
	// Public routes skip authentication altogether.
	Public bool
	// Throttle applies the per-source login limiter.
	Throttle bool
	// Permission is required from the caller; empty means any authenticated principal.
	Permission string
	// Admin additionally requires the top-level administrative role.
	Admin bool
	// SecretChange marks the only operation open while a secret change is due.
	SecretChange bool
	// Audit is the kind the gate records after the handler. Empty means the
	// handler's service records its own event.
	Audit   string
	Handler http.HandlerFunc
}

func (s *Server) routes() []Route {
	return []Route{
		{Method: http.MethodGet, Pattern: "/health", Public: true, Handler: s.handleHealth},

		{Method: http.MethodPost, Pattern: "/auth/register", Public: true, Throttle: true, Handler: s.handleRegister},
		{Method: http.MethodPost, Pattern: "/auth/login", Public: true, Throttle: true, Handler: s.handleLogin},
		{Method: http.MethodPost, Pattern: "/auth/logout", Handler: s.handleLogout},
		{Method: http.MethodPost, Pattern: "/auth/change-secret", SecretChange: true, Handler: s.handleChangeSecret},
		{Method: http.MethodGet, Pattern: "/auth/me", Audit: models.EventDataAccess, Handler: s.handleMe},

		{Method: http.MethodGet, Pattern: "/admin/principals", Permission: policy.PermManageUsers, Admin: true, Audit: models.EventDataAccess, Handler: s.handleListPrincipals},
		{Method: http.MethodPost, Pattern: "/admin/principals", Permission: policy.PermManageUsers, Admin: true, Handler: s.handleCreatePrincipal},
		{Method: http.MethodPost, Pattern: "/admin/principals/bulk", Permission: policy.PermManageUsers, Admin: true, Handler: s.handleBulk},
		{Method: http.MethodGet, Pattern: "/admin/principals/{id}", Permission: policy.PermManageUsers, Admin: true, Audit: models.EventDataAccess, Handler: s.handleGetPrincipal},
		{Method: http.MethodPatch, Pattern: "/admin/principals/{id}", Permission: policy.PermManageUsers, Admin: true, Handler: s.handleUpdatePrincipal},
		{Method: http.MethodDelete, Pattern: "/admin/principals/{id}", Permission: policy.PermManageUsers, Admin: true, Handler: s.handleDeletePrincipal},
		{Method: http.MethodPost, Pattern: "/admin/principals/{id}/unlock", Permission: policy.PermManageSessions, Admin: true, Handler: s.handleUnlock},
		{Method: http.MethodPost, Pattern: "/admin/principals/{id}/roles", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleAssignRole},
		{Method: http.MethodPost, Pattern: "/admin/principals/{id}/roles/{role}/approve", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleApproveAssignment},
		{Method: http.MethodPost, Pattern: "/admin/principals/{id}/roles/{role}/reject", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleRejectAssignment},
		{Method: http.MethodDelete, Pattern: "/admin/principals/{id}/roles/{role}", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleRevokeAssignment},
		{Method: http.MethodPost, Pattern: "/admin/principals/{id}/permissions", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleGrantPermission},
		{Method: http.MethodDelete, Pattern: "/admin/principals/{id}/permissions/{codename}", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleRevokePermission},

		{Method: http.MethodGet, Pattern: "/admin/roles", Permission: policy.PermManageRoles, Admin: true, Audit: models.EventDataAccess, Handler: s.handleListRoles},
		{Method: http.MethodPost, Pattern: "/admin/roles", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleCreateRole},
		{Method: http.MethodGet, Pattern: "/admin/roles/{id}", Permission: policy.PermManageRoles, Admin: true, Audit: models.EventDataAccess, Handler: s.handleGetRole},
		{Method: http.MethodPatch, Pattern: "/admin/roles/{id}", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleUpdateRole},
		{Method: http.MethodDelete, Pattern: "/admin/roles/{id}", Permission: policy.PermManageRoles, Admin: true, Handler: s.handleDeleteRole},
		{Method: http.MethodGet, Pattern: "/admin/permissions", Permission: policy.PermManageRoles, Admin: true, Audit: models.EventDataAccess, Handler: s.handleListPermissions},

		{Method: http.MethodGet, Pattern: "/admin/registrations", Permission: policy.PermManageUsers, Admin: true, Audit: models.EventDataAccess, Handler: s.handleListRegistrations},
		{Method: http.MethodPost, Pattern: "/admin/registrations/{id}/approve", Permission: policy.PermManageUsers, Admin: true, Handler: s.handleApproveRegistration},
		{Method: http.MethodPost, Pattern: "/admin/registrations/{id}/reject", Permission: policy.PermManageUsers, Admin: true, Handler: s.handleRejectRegistration},

		{Method: http.MethodGet, Pattern: "/admin/audit", Permission: policy.PermViewAuditLog, Admin: true, Audit: models.EventDataAccess, Handler: s.handleAuditQuery},
		{Method: http.MethodGet, Pattern: "/admin/sessions", Permission: policy.PermManageSessions, Admin: true, Audit: models.EventDataAccess, Handler: s.handleSessions},
		{Method: http.MethodDelete, Pattern: "/admin/sessions/{id}", Permission: policy.PermManageSessions, Admin: true, Handler: s.handleRevokeSession},
	}
}
