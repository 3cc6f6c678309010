package admin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/ids"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

var roleNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,63}$`)

// RoleView is a role with its permission codenames.
type RoleView struct {
	models.Role
	ParentName  string   `json:"parent,omitempty"`
	Permissions []string `json:"permissions"`
}

// RoleInput creates a role. Parent and Permissions are referenced by name.
type RoleInput struct {
	Name               string   `json:"name"`
	DisplayName        string   `json:"display_name"`
	Category           string   `json:"category"`
	SecurityLevel      int      `json:"security_level"`
	Parent             string   `json:"parent"`
	RequiresApproval   bool     `json:"requires_approval"`
	MaxSessionDuration int      `json:"max_session_duration_minutes"`
	IPRestricted       bool     `json:"ip_restricted"`
	Permissions        []string `json:"permissions"`
}

// RolePatch edits a role. Nil fields are left unchanged; an empty Parent clears it.
type RolePatch struct {
	DisplayName        *string   `json:"display_name"`
	Category           *string   `json:"category"`
	SecurityLevel      *int      `json:"security_level"`
	Parent             *string   `json:"parent"`
	RequiresApproval   *bool     `json:"requires_approval"`
	MaxSessionDuration *int      `json:"max_session_duration_minutes"`
	IPRestricted       *bool     `json:"ip_restricted"`
	Permissions        *[]string `json:"permissions"`
}

// ListRoles returns every role, by name.
func (s *Service) ListRoles(ctx context.Context) ([]*RoleView, error) {
	return storage.Read(ctx, s.store, func(tx storage.Tx) ([]*RoleView, error) {
		roles, err := tx.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		names := make(map[string]string, len(roles))
		for _, r := range roles {
			names[r.ID] = r.Name
		}
		out := make([]*RoleView, 0, len(roles))
		for _, r := range roles {
			v, err := roleView(ctx, tx, r, names[r.ParentID])
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// GetRole returns one role.
func (s *Service) GetRole(ctx context.Context, id string) (*RoleView, error) {
	return storage.Read(ctx, s.store, func(tx storage.Tx) (*RoleView, error) {
		r, err := tx.GetRole(ctx, id)
		if err != nil {
			return nil, notFound(err, "role %s not found", id)
		}
		parent := ""
		if r.ParentID != "" {
			if pr, err := tx.GetRole(ctx, r.ParentID); err == nil {
				parent = pr.Name
			}
		}
		return roleView(ctx, tx, r, parent)
	})
}

func roleView(ctx context.Context, tx storage.Tx, r *models.Role, parent string) (*RoleView, error) {
	rps, err := tx.ListRolePermissions(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	perms := make([]string, 0, len(rps))
	for _, rp := range rps {
		if rp.Active {
			perms = append(perms, rp.Codename)
		}
	}
	sort.Strings(perms)
	return &RoleView{Role: *r, ParentName: parent, Permissions: perms}, nil
}

func validateRoleFields(category string, level, maxSession int) error {
	if !models.ValidRoleCategory(category) || category == models.CategorySystem {
		return errs.E(errs.Validation, "category %q is not assignable", category)
	}
	if level < models.MinSecurityLevel || level > models.MaxSecurityLevel {
		return errs.E(errs.Validation, "security level must be between %d and %d", models.MinSecurityLevel, models.MaxSecurityLevel)
	}
	if maxSession < 0 {
		return errs.E(errs.Validation, "max session duration cannot be negative")
	}
	return nil
}

// CreateRole adds a non-system role.
func (s *Service) CreateRole(ctx context.Context, c audit.Caller, in RoleInput) (*RoleView, error) {
	in.Name = strings.ToUpper(strings.TrimSpace(in.Name))
	if in.Category == "" {
		in.Category = models.CategoryCustom
	}
	if in.SecurityLevel == 0 {
		in.SecurityLevel = models.MinSecurityLevel
	}
	if !roleNamePattern.MatchString(in.Name) {
		return nil, errs.E(errs.Validation, "role name must be upper case letters, digits and '_'")
	}
	if err := validateRoleFields(in.Category, in.SecurityLevel, in.MaxSessionDuration); err != nil {
		return nil, err
	}

	ev := c.Event(models.EventAdminAction, models.SeverityMedium, "create_role")
	var out *RoleView
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		if in.Parent != "" {
			if err := tx.LockRoleGraph(ctx); err != nil {
				return err
			}
		}
		r := &models.Role{
			ID:                 ids.NewAt(now),
			Name:               in.Name,
			DisplayName:        in.DisplayName,
			Category:           in.Category,
			SecurityLevel:      in.SecurityLevel,
			RequiresApproval:   in.RequiresApproval,
			MaxSessionDuration: in.MaxSessionDuration,
			IPRestricted:       in.IPRestricted,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if in.Parent != "" {
			parent, err := tx.GetRoleByName(ctx, in.Parent)
			if err != nil {
				return notFound(err, "parent role %s not found", in.Parent)
			}
			if err := s.checkDepth(ctx, tx, parent.ID, 1); err != nil {
				return err
			}
			r.ParentID = parent.ID
		}
		if err := tx.CreateRole(ctx, r); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return errs.E(errs.Duplicate, "role %s already exists", in.Name)
			}
			return err
		}
		if err := s.setPermissions(ctx, tx, r.ID, in.Permissions, c.ID, now); err != nil {
			return err
		}
		ev.SubjectID = r.ID
		ev.Metadata["role_id"] = r.ID
		var err error
		out, err = roleView(ctx, tx, r, in.Parent)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("role_id", out.ID).Str("name", out.Name).Msg("role created")
	return out, nil
}

// UpdateRole edits a role. System roles only accept display name changes.
func (s *Service) UpdateRole(ctx context.Context, c audit.Caller, id string, patch RolePatch) (*RoleView, error) {
	ev := c.Event(models.EventAdminAction, models.SeverityMedium, "update_role")
	ev.SubjectID = id
	ev.Metadata["role_id"] = id
	var out *RoleView
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		if patch.Parent != nil {
			if err := tx.LockRoleGraph(ctx); err != nil {
				return err
			}
		}
		r, err := tx.GetRole(ctx, id)
		if err != nil {
			return notFound(err, "role %s not found", id)
		}
		if r.System && (patch.Category != nil || patch.SecurityLevel != nil || patch.Parent != nil ||
			patch.RequiresApproval != nil || patch.MaxSessionDuration != nil || patch.IPRestricted != nil || patch.Permissions != nil) {
			return errs.E(errs.Forbidden, "system role %s can only be renamed", r.Name)
		}
		if patch.DisplayName != nil {
			r.DisplayName = *patch.DisplayName
		}
		if patch.Category != nil {
			r.Category = *patch.Category
		}
		if patch.SecurityLevel != nil {
			r.SecurityLevel = *patch.SecurityLevel
		}
		if patch.RequiresApproval != nil {
			r.RequiresApproval = *patch.RequiresApproval
		}
		if patch.MaxSessionDuration != nil {
			r.MaxSessionDuration = *patch.MaxSessionDuration
		}
		if patch.IPRestricted != nil {
			r.IPRestricted = *patch.IPRestricted
		}
		if !r.System {
			if err := validateRoleFields(r.Category, r.SecurityLevel, r.MaxSessionDuration); err != nil {
				return err
			}
		}

		parentName := ""
		if patch.Parent != nil {
			r.ParentID = ""
			if *patch.Parent != "" {
				parent, err := tx.GetRoleByName(ctx, *patch.Parent)
				if err != nil {
					return notFound(err, "parent role %s not found", *patch.Parent)
				}
				if err := s.checkParent(ctx, tx, r.ID, parent.ID); err != nil {
					return err
				}
				r.ParentID = parent.ID
				parentName = parent.Name
			}
		} else if r.ParentID != "" {
			if pr, err := tx.GetRole(ctx, r.ParentID); err == nil {
				parentName = pr.Name
			}
		}

		r.UpdatedAt = now
		if err := tx.UpdateRole(ctx, r); err != nil {
			return err
		}
		if patch.Permissions != nil {
			if err := s.setPermissions(ctx, tx, r.ID, *patch.Permissions, c.ID, now); err != nil {
				return err
			}
		}
		out, err = roleView(ctx, tx, r, parentName)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.engine.InvalidateAll()
	return out, nil
}

// DeleteRole removes a non-system role that nobody holds.
func (s *Service) DeleteRole(ctx context.Context, c audit.Caller, id string) error {
	ev := c.Event(models.EventAdminAction, models.SeverityHigh, "delete_role")
	ev.SubjectID = id
	ev.Metadata["role_id"] = id
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		r, err := tx.GetRole(ctx, id)
		if err != nil {
			return notFound(err, "role %s not found", id)
		}
		if r.System {
			return errs.E(errs.Forbidden, "system role %s cannot be deleted", r.Name)
		}
		holders, err := tx.ListRoleHolders(ctx, id)
		if err != nil {
			return err
		}
		for _, h := range holders {
			switch h.State {
			case models.AssignmentPending, models.AssignmentApproved, models.AssignmentActive:
				return errs.E(errs.StateIllegal, "role %s is still assigned to %s", r.Name, h.PrincipalID)
			}
		}
		ev.Metadata["name"] = r.Name
		return tx.DeleteRole(ctx, id)
	})
	if err != nil {
		return err
	}
	s.engine.InvalidateAll()
	return nil
}

// setPermissions replaces the active permission set of a role.
func (s *Service) setPermissions(ctx context.Context, tx storage.Tx, roleID string, codenames []string, grantedBy string, now time.Time) error {
	seen := map[string]bool{}
	perms := make([]models.RolePermission, 0, len(codenames))
	for _, c := range codenames {
		if seen[c] {
			continue
		}
		seen[c] = true
		p, err := tx.GetPermission(ctx, c)
		if errors.Is(err, storage.ErrNotFound) {
			return errs.E(errs.Validation, "unknown permission %s", c)
		}
		if err != nil {
			return err
		}
		perms = append(perms, models.RolePermission{
			RoleID: roleID, PermissionID: p.ID, Codename: c, GrantedBy: grantedBy, GrantedAt: now, Active: true,
		})
	}
	if err := tx.SetRolePermissions(ctx, roleID, perms); err != nil {
		return fmt.Errorf("setting role permissions: %w", err)
	}
	return nil
}

// checkParent rejects a parent edge that would close a cycle or make a chain
// deeper than the evaluator can walk. The walk starts at the proposed parent.
func (s *Service) checkParent(ctx context.Context, tx storage.Tx, roleID, parentID string) error {
	if parentID == roleID {
		return errs.E(errs.Cycle, "role cannot be its own parent")
	}
	visited := map[string]bool{}
	for id, steps := parentID, 0; id != ""; steps++ {
		if id == roleID {
			return errs.E(errs.Cycle, "parent change would create a cycle")
		}
		if visited[id] || steps > s.depth {
			return errs.E(errs.Cycle, "role hierarchy already contains a cycle")
		}
		visited[id] = true
		r, err := tx.GetRole(ctx, id)
		if err != nil {
			return notFound(err, "role %s not found", id)
		}
		id = r.ParentID
	}
	height, err := s.subtreeHeight(ctx, tx, roleID)
	if err != nil {
		return err
	}
	return s.checkDepth(ctx, tx, parentID, height)
}

// checkDepth rejects hanging a subtree of the given height below parentID when
// the longest resulting chain would exceed the depth limit.
func (s *Service) checkDepth(ctx context.Context, tx storage.Tx, parentID string, height int) error {
	chain := 0
	for id := parentID; id != "" && chain <= s.depth; chain++ {
		r, err := tx.GetRole(ctx, id)
		if err != nil {
			return notFound(err, "role %s not found", id)
		}
		id = r.ParentID
	}
	if chain+height > s.depth {
		return errs.E(errs.Validation, "role hierarchy would be deeper than %d", s.depth)
	}
	return nil
}

// subtreeHeight counts the roles on the longest chain from roleID down to a leaf, inclusive.
func (s *Service) subtreeHeight(ctx context.Context, tx storage.Tx, roleID string) (int, error) {
	roles, err := tx.ListRoles(ctx)
	if err != nil {
		return 0, err
	}
	children := map[string][]string{}
	for _, r := range roles {
		if r.ParentID != "" {
			children[r.ParentID] = append(children[r.ParentID], r.ID)
		}
	}
	var walk func(id string, depth int) int
	walk = func(id string, depth int) int {
		if depth > s.depth {
			return depth
		}
		best := 1
		for _, c := range children[id] {
			best = max(best, 1+walk(c, depth+1))
		}
		return best
	}
	return walk(roleID, 1), nil
}

// ListPermissions returns the permission catalogue.
func (s *Service) ListPermissions(ctx context.Context) ([]*models.Permission, error) {
	return storage.Read(ctx, s.store, func(tx storage.Tx) ([]*models.Permission, error) {
		return tx.ListPermissions(ctx)
	})
}

// RoleNamed resolves a role name for callers holding only names.
func (s *Service) RoleNamed(ctx context.Context, name string) (*models.Role, error) {
	r, err := storage.Read(ctx, s.store, func(tx storage.Tx) (*models.Role, error) {
		return tx.GetRoleByName(ctx, name)
	})
	if err != nil {
		return nil, notFound(err, "role %s not found", name)
	}
	return r, nil
}
