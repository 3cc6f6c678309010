package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/workflow"
	"github.com/org/medgate/pkg/models"
)

// principalSummary is what a principal sees about itself.
type principalSummary struct {
	ID          string     `json:"id"`
	Login       string     `json:"login"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Superuser   bool       `json:"superuser"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func summarize(p *models.Principal) principalSummary {
	return principalSummary{
		ID:          p.ID,
		Login:       p.Login,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Superuser:   p.Superuser,
		LastLoginAt: p.LastLoginAt,
	}
}

// handleRegister handles POST /auth/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login       string `json:"login"`
		Email       string `json:"email"`
		Secret      string `json:"secret"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	reg, err := s.workflow.Submit(r.Context(), workflow.Submission{
		Login:       req.Login,
		Email:       req.Email,
		Secret:      req.Secret,
		DisplayName: req.DisplayName,
		Source:      clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": reg.ID, "state": reg.State})
}

// handleLogin handles POST /auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login  string `json:"login"`
		Email  string `json:"email"`
		Secret string `json:"secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		loginsTotal.WithLabelValues(string(errs.Validation)).Inc()
		writeError(w, r, err)
		return
	}
	identity := req.Login
	if identity == "" {
		identity = req.Email
	}

	res, err := s.auth.Login(r.Context(), auth.LoginRequest{
		Identity:  identity,
		Secret:    req.Secret,
		Source:    clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		loginsTotal.WithLabelValues(string(errs.KindOf(err))).Inc()
		writeError(w, r, err)
		return
	}
	loginsTotal.WithLabelValues("success").Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"token":                  res.Token,
		"expires_at":             res.Session.ExpiresAt,
		"secret_change_required": res.SecretChangeRequired,
		"principal":              summarize(res.Principal),
	})
}

// handleLogout handles POST /auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := identityFromCtx(r.Context())
	if err := s.auth.Logout(r.Context(), id.Resolved, id.Caller.Source, id.Caller.UserAgent); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChangeSecret handles POST /auth/change-secret
func (s *Server) handleChangeSecret(w http.ResponseWriter, r *http.Request) {
	id := identityFromCtx(r.Context())
	var req struct {
		Old string `json:"old"`
		New string `json:"new"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	err := s.auth.ChangeSecret(r.Context(), id.Resolved, auth.ChangeSecretRequest{
		Old:       req.Old,
		New:       req.New,
		Source:    id.Caller.Source,
		UserAgent: id.Caller.UserAgent,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("principal_id", id.Principal.ID).Msg("secret changed")
	w.WriteHeader(http.StatusNoContent)
}

// handleMe handles GET /auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := identityFromCtx(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":   summarize(id.Principal),
		"roles":       id.Grants.RoleList(),
		"permissions": id.Grants.PermissionList(),
		"session": map[string]any{
			"id":         id.Session.ID,
			"expires_at": id.Session.ExpiresAt,
			"suspicious": id.Session.Suspicious,
		},
		"secret_change_required": auth.SecretChangeDue(id.Profile, s.now().UTC()),
	})
}
