package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/ids"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

// PrincipalView is a principal with its security profile and active role names.
type PrincipalView struct {
	*models.Principal
	Profile *models.SecurityProfile `json:"profile,omitempty"`
	Roles   []string                `json:"roles"`
}

// PrincipalDetail adds every assignment and direct grant.
type PrincipalDetail struct {
	PrincipalView
	Assignments []models.RoleAssignment        `json:"assignments"`
	Grants      []models.DirectPermissionGrant `json:"grants"`
}

// PrincipalInput creates an approved, active principal.
type PrincipalInput struct {
	Login                 string   `json:"login"`
	Email                 string   `json:"email"`
	Secret                string   `json:"secret"`
	DisplayName           string   `json:"display_name"`
	Roles                 []string `json:"roles"`
	AllowedSources        []string `json:"allowed_sources"`
	SessionTimeoutMinutes int      `json:"session_timeout_minutes"`
	MaxConcurrentSessions int      `json:"max_concurrent_sessions"`
	ForceSecretChange     bool     `json:"force_secret_change"`
}

// PrincipalPatch edits a principal. Nil fields are left unchanged.
type PrincipalPatch struct {
	Email                 *string   `json:"email"`
	DisplayName           *string   `json:"display_name"`
	Active                *bool     `json:"active"`
	Approved              *bool     `json:"approved"`
	Suspended             *bool     `json:"suspended"`
	AllowedSources        *[]string `json:"allowed_sources"`
	SessionTimeoutMinutes *int      `json:"session_timeout_minutes"`
	MaxConcurrentSessions *int      `json:"max_concurrent_sessions"`
	ForceSecretChange     *bool     `json:"force_secret_change"`
}

// disabling reports whether the patch takes away the ability to authenticate.
func (p PrincipalPatch) disabling() bool {
	return (p.Active != nil && !*p.Active) || (p.Approved != nil && !*p.Approved) || (p.Suspended != nil && *p.Suspended)
}

// ListPrincipals returns principals matching f, ordered by login.
func (s *Service) ListPrincipals(ctx context.Context, f storage.PrincipalFilter) ([]*PrincipalView, error) {
	f.Limit, f.Offset = page(f.Limit, f.Offset)
	now := s.now().UTC()
	return storage.Read(ctx, s.store, func(tx storage.Tx) ([]*PrincipalView, error) {
		ps, err := tx.ListPrincipals(ctx, f)
		if err != nil {
			return nil, err
		}
		out := make([]*PrincipalView, 0, len(ps))
		for _, p := range ps {
			v, _, err := principalView(ctx, tx, p, now)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// GetPrincipal returns one principal with its assignments and grants.
func (s *Service) GetPrincipal(ctx context.Context, id string) (*PrincipalDetail, error) {
	now := s.now().UTC()
	return storage.Read(ctx, s.store, func(tx storage.Tx) (*PrincipalDetail, error) {
		p, err := tx.GetPrincipal(ctx, id)
		if err != nil {
			return nil, notFound(err, "principal %s not found", id)
		}
		v, as, err := principalView(ctx, tx, p, now)
		if err != nil {
			return nil, err
		}
		gs, err := tx.ListPermissionGrants(ctx, id)
		if err != nil {
			return nil, err
		}
		return &PrincipalDetail{PrincipalView: *v, Assignments: as, Grants: gs}, nil
	})
}

func principalView(ctx context.Context, tx storage.Tx, p *models.Principal, now time.Time) (*PrincipalView, []models.RoleAssignment, error) {
	v := &PrincipalView{Principal: p, Roles: []string{}}
	sp, err := tx.GetSecurityProfile(ctx, p.ID)
	switch {
	case err == nil:
		v.Profile = sp
	case !errors.Is(err, storage.ErrNotFound):
		return nil, nil, err
	}
	as, err := tx.ListRoleAssignments(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	for i := range as {
		if !as[i].EffectiveAt(now) {
			continue
		}
		name := as[i].RoleName
		if name == "" {
			if r, err := tx.GetRole(ctx, as[i].RoleID); err == nil {
				name = r.Name
			}
		}
		v.Roles = append(v.Roles, name)
	}
	return v, as, nil
}

// CreatePrincipal creates an approved, active principal with an active
// assignment for every named role.
func (s *Service) CreatePrincipal(ctx context.Context, c audit.Caller, in PrincipalInput) (*PrincipalView, error) {
	in.Login = strings.TrimSpace(in.Login)
	in.Email = strings.TrimSpace(in.Email)
	if err := auth.ValidateIdentity(in.Login, in.Email); err != nil {
		return nil, err
	}
	if in.SessionTimeoutMinutes < 0 || in.MaxConcurrentSessions < 0 {
		return nil, errs.E(errs.Validation, "session limits cannot be negative")
	}
	hash, err := s.secrets.HashSecret(ctx, in.Secret, in.Login)
	if err != nil {
		return nil, err
	}

	ev := c.Event(models.EventAdminAction, models.SeverityHigh, "create_principal")
	var out *PrincipalView
	err = s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		if _, err := tx.FindRegistration(ctx, in.Login, models.RegistrationPending); err == nil {
			return errs.E(errs.Duplicate, "a registration for %s is pending", in.Login)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		p := &models.Principal{
			ID:          ids.NewAt(now),
			Login:       in.Login,
			Email:       in.Email,
			SecretHash:  hash,
			DisplayName: strings.TrimSpace(in.DisplayName),
			Active:      true,
			Approved:    true,
			CreatedAt:   now,
		}
		if err := tx.CreatePrincipal(ctx, p); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return errs.E(errs.Duplicate, "login or email already in use")
			}
			return err
		}
		sp := &models.SecurityProfile{
			PrincipalID:           p.ID,
			AllowedSources:        in.AllowedSources,
			SessionTimeoutMinutes: in.SessionTimeoutMinutes,
			MaxConcurrentSessions: in.MaxConcurrentSessions,
			AccountStatus:         models.AccountActive,
			ForceSecretChange:     in.ForceSecretChange,
			ApprovedBy:            c.ID,
			ApprovedAt:            &now,
		}
		if err := tx.PutSecurityProfile(ctx, sp); err != nil {
			return err
		}
		for _, name := range in.Roles {
			r, err := tx.GetRoleByName(ctx, name)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return errs.E(errs.Validation, "unknown role %s", name)
				}
				return err
			}
			err = tx.CreateRoleAssignment(ctx, &models.RoleAssignment{
				PrincipalID:   p.ID,
				RoleID:        r.ID,
				State:         models.AssignmentActive,
				Reason:        "created by administrator",
				EffectiveFrom: now,
				RequestedBy:   c.ID,
				ApprovedBy:    c.ID,
				ApprovedAt:    &now,
			})
			if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
				return err
			}
		}
		ev.SubjectID = p.ID
		ev.Metadata["principal_id"] = p.ID
		var err error
		out, _, err = principalView(ctx, tx, p, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("principal_id", out.ID).Str("actor_id", c.ID).Msg("principal created")
	return out, nil
}

// UpdatePrincipal applies patch. Taking away the ability to authenticate
// revokes every credential and is refused for the last administrator.
func (s *Service) UpdatePrincipal(ctx context.Context, c audit.Caller, id string, patch PrincipalPatch) (*PrincipalView, error) {
	ev := c.Event(models.EventProfileUpdate, models.SeverityMedium, "update_principal")
	if patch.disabling() {
		ev.Severity = models.SeverityHigh
	}
	ev.SubjectID = id
	ev.Metadata["principal_id"] = id
	var out *PrincipalView
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		v, err := s.applyPatch(ctx, tx, c, id, patch, now)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.Invalidate(id)
	return out, nil
}

// DeactivatePrincipal clears the active flag.
func (s *Service) DeactivatePrincipal(ctx context.Context, c audit.Caller, id string) (*PrincipalView, error) {
	inactive := false
	return s.UpdatePrincipal(ctx, c, id, PrincipalPatch{Active: &inactive})
}

func (s *Service) applyPatch(ctx context.Context, tx storage.Tx, c audit.Caller, id string, patch PrincipalPatch, now time.Time) (*PrincipalView, error) {
	if err := tx.LockPrincipal(ctx, id); err != nil {
		return nil, notFound(err, "principal %s not found", id)
	}
	p, err := tx.GetPrincipal(ctx, id)
	if err != nil {
		return nil, notFound(err, "principal %s not found", id)
	}
	sp, err := tx.GetSecurityProfile(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		sp = &models.SecurityProfile{PrincipalID: id}
	} else if err != nil {
		return nil, err
	}

	if patch.Email != nil {
		email := strings.TrimSpace(*patch.Email)
		if err := auth.ValidateIdentity(p.Login, email); err != nil {
			return nil, err
		}
		p.Email = email
	}
	if patch.DisplayName != nil {
		p.DisplayName = strings.TrimSpace(*patch.DisplayName)
	}
	if patch.Active != nil {
		p.Active = *patch.Active
	}
	if patch.Approved != nil {
		p.Approved = *patch.Approved
		if p.Approved && sp.ApprovedAt == nil {
			sp.ApprovedBy, sp.ApprovedAt = c.ID, &now
		}
	}
	if patch.Suspended != nil {
		p.Suspended = *patch.Suspended
	}
	if patch.AllowedSources != nil {
		sp.AllowedSources = *patch.AllowedSources
	}
	if patch.SessionTimeoutMinutes != nil {
		if *patch.SessionTimeoutMinutes < 0 {
			return nil, errs.E(errs.Validation, "session timeout cannot be negative")
		}
		sp.SessionTimeoutMinutes = *patch.SessionTimeoutMinutes
	}
	if patch.MaxConcurrentSessions != nil {
		if *patch.MaxConcurrentSessions < 0 {
			return nil, errs.E(errs.Validation, "max sessions cannot be negative")
		}
		sp.MaxConcurrentSessions = *patch.MaxConcurrentSessions
	}
	if patch.ForceSecretChange != nil {
		sp.ForceSecretChange = *patch.ForceSecretChange
	}
	sp.AccountStatus = accountStatus(p, sp)

	if !p.CanAuthenticate() {
		if err := s.ensureOtherAdmin(ctx, tx, id, now); err != nil {
			return nil, err
		}
	}
	if err := tx.UpdatePrincipal(ctx, p); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, errs.E(errs.Duplicate, "email already in use")
		}
		return nil, err
	}
	if err := tx.PutSecurityProfile(ctx, sp); err != nil {
		return nil, err
	}
	if !p.CanAuthenticate() {
		n, err := auth.RevokeAllTx(ctx, tx, id, now)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Info().Str("principal_id", id).Int("sessions", n).Msg("sessions revoked on deactivation")
		}
	}
	v, _, err := principalView(ctx, tx, p, now)
	return v, err
}

// accountStatus derives the profile status from the principal flags.
// Terminal administrative states are kept.
func accountStatus(p *models.Principal, sp *models.SecurityProfile) string {
	switch {
	case sp.AccountStatus == models.AccountArchived || sp.AccountStatus == models.AccountExpired:
		return sp.AccountStatus
	case p.Suspended:
		return models.AccountSuspended
	case !p.Approved:
		return models.AccountPendingApproval
	case !p.Active:
		return models.AccountInactive
	}
	return models.AccountActive
}

// DeletePrincipal removes the principal and everything that hangs off it.
// Audit events are kept.
func (s *Service) DeletePrincipal(ctx context.Context, c audit.Caller, id string) error {
	if id == c.ID {
		return errs.E(errs.StateIllegal, "principals cannot delete themselves")
	}
	ev := c.Event(models.EventAdminAction, models.SeverityHigh, "delete_principal")
	ev.SubjectID = id
	ev.Metadata["principal_id"] = id
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		if err := tx.LockPrincipal(ctx, id); err != nil {
			return notFound(err, "principal %s not found", id)
		}
		p, err := tx.GetPrincipal(ctx, id)
		if err != nil {
			return notFound(err, "principal %s not found", id)
		}
		if err := s.ensureOtherAdmin(ctx, tx, id, now); err != nil {
			return err
		}
		ev.Metadata["login"] = p.Login
		return tx.DeletePrincipal(ctx, id)
	})
	if err != nil {
		return err
	}
	s.engine.Invalidate(id)
	return nil
}

// Bulk operations.
const (
	BulkActivate          = "activate"
	BulkDeactivate        = "deactivate"
	BulkSuspend           = "suspend"
	BulkApprove           = "approve"
	BulkForceSecretChange = "force_secret_change"
	BulkRevokeSessions    = "revoke_sessions"
)

// BulkResult is the outcome for one principal of a bulk operation.
type BulkResult struct {
	PrincipalID string `json:"principal_id"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

func bulkPatch(op string) (PrincipalPatch, bool) {
	yes, no := true, false
	switch op {
	case BulkActivate:
		return PrincipalPatch{Active: &yes, Suspended: &no}, true
	case BulkDeactivate:
		return PrincipalPatch{Active: &no}, true
	case BulkSuspend:
		return PrincipalPatch{Suspended: &yes}, true
	case BulkApprove:
		return PrincipalPatch{Approved: &yes}, true
	case BulkForceSecretChange:
		return PrincipalPatch{ForceSecretChange: &yes}, true
	case BulkRevokeSessions:
		return PrincipalPatch{}, true
	}
	return PrincipalPatch{}, false
}

// Bulk applies op to every principal in its own transaction. A failure on
// one principal does not undo the others.
func (s *Service) Bulk(ctx context.Context, c audit.Caller, op string, principalIDs []string) ([]BulkResult, error) {
	patch, ok := bulkPatch(op)
	if !ok {
		return nil, errs.E(errs.Validation, "unknown bulk operation %q", op)
	}
	if len(principalIDs) == 0 {
		return nil, errs.E(errs.Validation, "ids must not be empty")
	}
	if len(principalIDs) > maxPageSize {
		return nil, errs.E(errs.Validation, "at most %d ids per call", maxPageSize)
	}

	out := make([]BulkResult, 0, len(principalIDs))
	seen := map[string]bool{}
	for _, id := range principalIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := ctx.Err(); err != nil {
			return out, errs.Wrap(errs.InternalTimeout, err, "bulk operation interrupted")
		}
		var err error
		if op == BulkRevokeSessions {
			err = s.revokeSessions(ctx, c, id)
		} else {
			_, err = s.UpdatePrincipal(ctx, c.With("bulk", op), id, patch)
		}
		res := BulkResult{PrincipalID: id, OK: err == nil}
		if err != nil {
			res.Error = string(errs.KindOf(err))
			res.Detail = errs.Detail(err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Service) revokeSessions(ctx context.Context, c audit.Caller, id string) error {
	ev := c.Event(models.EventSecurity, models.SeverityMedium, "revoke_sessions")
	ev.SubjectID = id
	ev.Metadata["principal_id"] = id
	return s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		if _, err := tx.GetPrincipal(ctx, id); err != nil {
			return notFound(err, "principal %s not found", id)
		}
		n, err := auth.RevokeAllTx(ctx, tx, id, now)
		ev.Metadata["sessions_revoked"] = n
		return err
	})
}
