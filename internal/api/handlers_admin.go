package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/medgate/internal/admin"
	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

// caller returns the authenticated caller with the URL parameters and the
// decoded body attached as audit arguments.
func caller(r *http.Request, body any) audit.Caller {
	c := identityFromCtx(r.Context()).Caller
	args := map[string]any{}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		for i, k := range rc.URLParams.Keys {
			if k != "*" && i < len(rc.URLParams.Values) {
				args[k] = rc.URLParams.Values[i]
			}
		}
	}
	if body != nil {
		if b, err := json.Marshal(body); err == nil {
			var m map[string]any
			if json.Unmarshal(b, &m) == nil {
				for k, v := range m {
					args[k] = v
				}
			}
		}
	}
	c.Args = args
	return c
}

// --- principals ---

// handleListPrincipals handles GET /admin/principals
func (s *Server) handleListPrincipals(w http.ResponseWriter, r *http.Request) {
	f := storage.PrincipalFilter{Text: r.URL.Query().Get("q")}
	var err error
	if f.Active, err = queryBool(r, "active"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Approved, err = queryBool(r, "approved"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Suspended, err = queryBool(r, "suspended"); err != nil {
		writeError(w, r, err)
		return
	}
	if role := r.URL.Query().Get("role"); role != "" {
		rl, err := s.admin.RoleNamed(r.Context(), role)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.RoleID = rl.ID
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, r, err)
		return
	}

	out, err := s.admin.ListPrincipals(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// handleCreatePrincipal handles POST /admin/principals
func (s *Server) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var in admin.PrincipalInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.admin.CreatePrincipal(r.Context(), caller(r, in), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// handleGetPrincipal handles GET /admin/principals/{id}
func (s *Server) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	v, err := s.admin.GetPrincipal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleUpdatePrincipal handles PATCH /admin/principals/{id}
func (s *Server) handleUpdatePrincipal(w http.ResponseWriter, r *http.Request) {
	var patch admin.PrincipalPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.admin.UpdatePrincipal(r.Context(), caller(r, patch), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleDeletePrincipal handles DELETE /admin/principals/{id}
func (s *Server) handleDeletePrincipal(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeletePrincipal(r.Context(), caller(r, nil), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBulk handles POST /admin/principals/bulk
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operation string   `json:"operation"`
		IDs       []string `json:"ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	results, err := s.admin.Bulk(r.Context(), caller(r, req), req.Operation, req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":      results,
		"succeeded": len(results) - failed,
		"failed":    failed,
	})
}

// handleUnlock handles POST /admin/principals/{id}/unlock
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	sp, err := s.admin.Unlock(r.Context(), caller(r, nil), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

// --- role assignments and direct grants ---

// handleAssignRole handles POST /admin/principals/{id}/roles
func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var in admin.AssignmentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.admin.AssignRole(r.Context(), caller(r, in), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleApproveAssignment handles POST /admin/principals/{id}/roles/{role}/approve
func (s *Server) handleApproveAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.admin.ApproveAssignment(r.Context(), caller(r, nil), chi.URLParam(r, "id"), chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleRejectAssignment handles POST /admin/principals/{id}/roles/{role}/reject
func (s *Server) handleRejectAssignment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	a, err := s.admin.RejectAssignment(r.Context(), caller(r, req), chi.URLParam(r, "id"), chi.URLParam(r, "role"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleRevokeAssignment handles DELETE /admin/principals/{id}/roles/{role}
func (s *Server) handleRevokeAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.admin.RevokeAssignment(r.Context(), caller(r, nil), chi.URLParam(r, "id"), chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleGrantPermission handles POST /admin/principals/{id}/permissions
func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var in admin.GrantInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := s.admin.GrantPermission(r.Context(), caller(r, in), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleRevokePermission handles DELETE /admin/principals/{id}/permissions/{codename}
func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	err := s.admin.RevokePermission(r.Context(), caller(r, nil), chi.URLParam(r, "id"), chi.URLParam(r, "codename"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- roles ---

// handleListRoles handles GET /admin/roles
func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.admin.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": roles})
}

// handleCreateRole handles POST /admin/roles
func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var in admin.RoleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.admin.CreateRole(r.Context(), caller(r, in), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// handleGetRole handles GET /admin/roles/{id}
func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	v, err := s.admin.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleUpdateRole handles PATCH /admin/roles/{id}
func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var patch admin.RolePatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.admin.UpdateRole(r.Context(), caller(r, patch), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleDeleteRole handles DELETE /admin/roles/{id}
func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteRole(r.Context(), caller(r, nil), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListPermissions handles GET /admin/permissions
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.admin.ListPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": perms})
}

// --- registrations ---

// handleListRegistrations handles GET /admin/registrations
func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = models.RegistrationPending
	} else if state == "all" {
		state = ""
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.workflow.List(r.Context(), state, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// handleApproveRegistration handles POST /admin/registrations/{id}/approve
func (s *Server) handleApproveRegistration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Role == "" {
		writeError(w, r, errs.E(errs.Validation, "role is required"))
		return
	}
	out, err := s.workflow.Approve(r.Context(), chi.URLParam(r, "id"), req.Role, caller(r, req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRejectRegistration handles POST /admin/registrations/{id}/reject
func (s *Server) handleRejectRegistration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.workflow.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason, caller(r, req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- sessions ---

// handleSessions handles GET /admin/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := s.admin.Sessions(r.Context(), r.URL.Query().Get("principal"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleRevokeSession handles DELETE /admin/sessions/{id}
func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.admin.RevokeSession(r.Context(), caller(r, nil), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
