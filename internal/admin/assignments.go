package admin

import (
	"context"
	"errors"
	"time"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

// AssignmentInput requests a role for a principal.
type AssignmentInput struct {
	Role          string     `json:"role"`
	Reason        string     `json:"reason"`
	EffectiveFrom *time.Time `json:"effective_from"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// GrantInput gives a principal one permission directly.
type GrantInput struct {
	Permission string     `json:"permission"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func roleChange(c audit.Caller, action, principalID, role string) *models.AuditEvent {
	sev := models.SeverityMedium
	if role == policy.RoleAdmin {
		sev = models.SeverityHigh
	}
	ev := c.Event(models.EventRoleChange, sev, action)
	ev.SubjectID = principalID
	ev.Metadata["principal_id"] = principalID
	ev.Metadata["role"] = role
	return ev
}

// AssignRole creates an assignment. Roles that require approval start
// pending; the others are approved by the caller and become active at
// effective_from. A principal holds at most one live assignment per role.
func (s *Service) AssignRole(ctx context.Context, c audit.Caller, principalID string, in AssignmentInput) (*models.RoleAssignment, error) {
	ev := roleChange(c, "assign_role", principalID, in.Role)
	var out *models.RoleAssignment
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		if err := tx.LockPrincipal(ctx, principalID); err != nil {
			return notFound(err, "principal %s not found", principalID)
		}
		if _, err := tx.GetPrincipal(ctx, principalID); err != nil {
			return notFound(err, "principal %s not found", principalID)
		}
		role, err := tx.GetRoleByName(ctx, in.Role)
		if err != nil {
			return notFound(err, "role %s not found", in.Role)
		}
		if role.Category == models.CategorySystem {
			return errs.E(errs.Validation, "role %s is reserved", role.Name)
		}

		a := &models.RoleAssignment{
			PrincipalID:   principalID,
			RoleID:        role.ID,
			RoleName:      role.Name,
			Reason:        in.Reason,
			EffectiveFrom: now,
			ExpiresAt:     in.ExpiresAt,
			RequestedBy:   c.ID,
		}
		if in.EffectiveFrom != nil {
			a.EffectiveFrom = in.EffectiveFrom.UTC()
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(a.EffectiveFrom) {
			return errs.E(errs.Validation, "expires_at must be after effective_from")
		}
		switch {
		case role.RequiresApproval:
			a.State = models.AssignmentPending
		case a.EffectiveFrom.After(now):
			a.State = models.AssignmentApproved
			a.ApprovedBy, a.ApprovedAt = c.ID, &now
		default:
			a.State = models.AssignmentActive
			a.ApprovedBy, a.ApprovedAt = c.ID, &now
		}
		ev.Metadata["state"] = a.State

		existing, err := tx.GetRoleAssignment(ctx, principalID, role.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			err = tx.CreateRoleAssignment(ctx, a)
		case err != nil:
		case terminalAssignment(existing.State):
			err = tx.UpdateRoleAssignment(ctx, a)
		default:
			return errs.E(errs.Duplicate, "role %s is already assigned (%s)", role.Name, existing.State)
		}
		if errors.Is(err, storage.ErrAlreadyExists) {
			return errs.E(errs.Duplicate, "role %s is already assigned", role.Name)
		}
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	s.engine.Invalidate(principalID)
	return out, nil
}

func terminalAssignment(state string) bool {
	switch state {
	case models.AssignmentExpired, models.AssignmentRevoked, models.AssignmentRejected:
		return true
	}
	return false
}

// ApproveAssignment moves a pending assignment to approved, and on to
// active when it is already due. Requesters cannot approve their own
// requests unless they are superusers.
func (s *Service) ApproveAssignment(ctx context.Context, c audit.Caller, principalID, roleName string) (*models.RoleAssignment, error) {
	return s.transition(ctx, c, "approve_assignment", principalID, roleName, models.AssignmentApproved,
		func(tx storage.Tx, a *models.RoleAssignment, now time.Time) error {
			if a.RequestedBy == c.ID || principalID == c.ID {
				actor, err := tx.GetPrincipal(ctx, c.ID)
				if err != nil || !actor.Superuser {
					return errs.E(errs.Forbidden, "an assignment cannot be approved by its requester or holder")
				}
			}
			a.ApprovedBy, a.ApprovedAt = c.ID, &now
			if !now.Before(a.EffectiveFrom) {
				a.State = models.AssignmentActive
			}
			return nil
		})
}

// RejectAssignment moves a pending assignment to rejected.
func (s *Service) RejectAssignment(ctx context.Context, c audit.Caller, principalID, roleName, reason string) (*models.RoleAssignment, error) {
	return s.transition(ctx, c, "reject_assignment", principalID, roleName, models.AssignmentRejected,
		func(_ storage.Tx, a *models.RoleAssignment, _ time.Time) error {
			if reason != "" {
				a.Reason = reason
			}
			return nil
		})
}

// RevokeAssignment ends an active assignment and revokes every credential
// of the principal.
func (s *Service) RevokeAssignment(ctx context.Context, c audit.Caller, principalID, roleName string) (*models.RoleAssignment, error) {
	return s.transition(ctx, c, "revoke_assignment", principalID, roleName, models.AssignmentRevoked,
		func(tx storage.Tx, _ *models.RoleAssignment, now time.Time) error {
			if roleName == policy.RoleAdmin {
				if err := s.ensureOtherAdmin(ctx, tx, principalID, now); err != nil {
					return err
				}
			}
			_, err := auth.RevokeAllTx(ctx, tx, principalID, now)
			return err
		})
}

// transition moves an assignment to target. An assignment already in
// target is returned unchanged.
func (s *Service) transition(ctx context.Context, c audit.Caller, action, principalID, roleName, target string,
	apply func(tx storage.Tx, a *models.RoleAssignment, now time.Time) error) (*models.RoleAssignment, error) {
	ev := roleChange(c, action, principalID, roleName)
	var out *models.RoleAssignment
	changed := false
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		if err := tx.LockPrincipal(ctx, principalID); err != nil {
			return notFound(err, "principal %s not found", principalID)
		}
		role, err := tx.GetRoleByName(ctx, roleName)
		if err != nil {
			return notFound(err, "role %s not found", roleName)
		}
		a, err := tx.GetRoleAssignment(ctx, principalID, role.ID)
		if err != nil {
			return notFound(err, "principal %s has no %s assignment", principalID, roleName)
		}
		a.RoleName = role.Name
		out = a
		ev.Metadata["from"] = a.State
		if a.State == target {
			ev.Metadata["to"] = a.State
			return nil
		}
		if !models.AssignmentTransitionAllowed(a.State, target) {
			return errs.E(errs.StateIllegal, "assignment is %s and cannot become %s", a.State, target)
		}
		a.State = target
		if err := apply(tx, a, now); err != nil {
			return err
		}
		ev.Metadata["to"] = a.State
		changed = true
		return tx.UpdateRoleAssignment(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.engine.Invalidate(principalID)
	}
	return out, nil
}

// GrantPermission gives a principal one permission outside any role.
func (s *Service) GrantPermission(ctx context.Context, c audit.Caller, principalID string, in GrantInput) (*models.DirectPermissionGrant, error) {
	ev := c.Event(models.EventPermissionChange, models.SeverityMedium, "grant_permission")
	ev.SubjectID = principalID
	ev.Metadata["principal_id"] = principalID
	ev.Metadata["permission"] = in.Permission
	var out *models.DirectPermissionGrant
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		if err := tx.LockPrincipal(ctx, principalID); err != nil {
			return notFound(err, "principal %s not found", principalID)
		}
		perm, err := tx.GetPermission(ctx, in.Permission)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errs.E(errs.Validation, "unknown permission %s", in.Permission)
			}
			return err
		}
		if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
			return errs.E(errs.Validation, "expires_at must be in the future")
		}
		g := &models.DirectPermissionGrant{
			PrincipalID:  principalID,
			PermissionID: perm.ID,
			Codename:     perm.Codename,
			GrantedBy:    c.ID,
			GrantedAt:    now,
			ExpiresAt:    in.ExpiresAt,
			Active:       true,
		}
		if err := tx.CreatePermissionGrant(ctx, g); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return errs.E(errs.Duplicate, "permission %s is already granted", perm.Codename)
			}
			return notFound(err, "principal %s not found", principalID)
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.Invalidate(principalID)
	return out, nil
}

// RevokePermission removes a direct grant.
func (s *Service) RevokePermission(ctx context.Context, c audit.Caller, principalID, codename string) error {
	ev := c.Event(models.EventPermissionChange, models.SeverityMedium, "revoke_permission")
	ev.SubjectID = principalID
	ev.Metadata["principal_id"] = principalID
	ev.Metadata["permission"] = codename
	err := s.mutate(ctx, ev, func(tx storage.Tx, _ time.Time) error {
		if err := tx.LockPrincipal(ctx, principalID); err != nil {
			return notFound(err, "principal %s not found", principalID)
		}
		perm, err := tx.GetPermission(ctx, codename)
		if err != nil {
			return notFound(err, "permission %s not found", codename)
		}
		return notFound(tx.DeletePermissionGrant(ctx, principalID, perm.ID), "permission %s is not granted", codename)
	})
	if err != nil {
		return err
	}
	s.engine.Invalidate(principalID)
	return nil
}
