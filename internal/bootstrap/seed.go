// Package bootstrap seeds the permission catalogue, the built-in roles and the
// first administrator. Seeding is idempotent and never overwrites edits.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/crypto"
	"github.com/org/medgate/internal/ids"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

type roleSeed struct {
	name     string
	display  string
	category string
	level    int
	parent   string
	system   bool
	perms    []string
}

var allPermissions = func() []string {
	out := make([]string, len(policy.Catalogue))
	for i, e := range policy.Catalogue {
		out[i] = e.Codename
	}
	return out
}()

// Parents precede children.
var roleSeeds = []roleSeed{
	{policy.RoleAdmin, "Administrator", models.CategoryAdministrative, 5, "", true, allPermissions},
	{policy.RoleSystem, "System", models.CategorySystem, 5, "", true, allPermissions},
	{"DOCTOR", "Doctor", models.CategoryMedical, 3, "", false, []string{
		policy.PermViewReport, policy.PermEditReport, policy.PermCreateReport, policy.PermExportReport,
		policy.PermViewPatient, policy.PermViewTerminology,
	}},
	{"LEAD_DOCTOR", "Lead doctor", models.CategoryMedical, 4, "DOCTOR", false, []string{
		policy.PermDeleteReport, policy.PermAnalyzeReport, policy.PermEditPatient,
	}},
	{"TECHNICIAN", "Technician", models.CategoryTechnical, 2, "", false, []string{
		policy.PermViewReport, policy.PermAnalyzeReport, policy.PermViewTerminology, policy.PermManageTerminology,
	}},
	{"NURSE", "Nurse", models.CategoryMedical, 2, "", false, []string{
		policy.PermViewReport, policy.PermViewPatient,
	}},
	{"RADIOLOGIST", "Radiologist", models.CategoryMedical, 3, "", false, []string{
		policy.PermViewReport, policy.PermCreateReport, policy.PermEditReport, policy.PermAnalyzeReport, policy.PermViewPatient,
	}},
}

// Admin is the first administrator to create when no principal has the login.
type Admin struct {
	Login  string
	Email  string
	Secret string
}

// Result reports what a Seed call created.
type Result struct {
	Permissions int
	Roles       int
	AdminID     string
}

// Seed creates whatever part of the baseline is missing.
func Seed(ctx context.Context, store storage.Store, hasher *crypto.SecretHasher, auditLog *audit.Logger, admin Admin, now time.Time) (Result, error) {
	var adminHash string
	if admin.Login != "" {
		h, err := hasher.Hash(ctx, admin.Secret)
		if err != nil {
			return Result{}, fmt.Errorf("hashing bootstrap secret: %w", err)
		}
		adminHash = h
	}

	var res Result
	err := store.InTx(ctx, func(tx storage.Tx) error {
		res = Result{}
		permIDs, n, err := seedPermissions(ctx, tx)
		if err != nil {
			return err
		}
		res.Permissions = n

		roleIDs := map[string]string{}
		for _, s := range roleSeeds {
			id, created, err := seedRole(ctx, tx, s, roleIDs, permIDs, now)
			if err != nil {
				return fmt.Errorf("seeding role %s: %w", s.name, err)
			}
			roleIDs[s.name] = id
			if created {
				res.Roles++
			}
		}

		if admin.Login != "" {
			id, err := seedAdmin(ctx, tx, admin, adminHash, roleIDs[policy.RoleAdmin], now)
			if err != nil {
				return fmt.Errorf("seeding administrator: %w", err)
			}
			res.AdminID = id
		}

		if res.Permissions == 0 && res.Roles == 0 && res.AdminID == "" {
			return nil
		}
		return auditLog.Record(ctx, tx, &models.AuditEvent{
			SubjectID: res.AdminID,
			Kind:      models.EventSystemAction,
			Severity:  models.SeverityMedium,
			Action:    "bootstrap",
			Success:   true,
			Metadata: map[string]any{
				"permissions_created": res.Permissions,
				"roles_created":       res.Roles,
				"admin_id":            res.AdminID,
			},
		})
	})
	if err != nil {
		return Result{}, err
	}
	log.Info().
		Int("permissions_created", res.Permissions).
		Int("roles_created", res.Roles).
		Str("admin_id", res.AdminID).
		Msg("bootstrap complete")
	return res, nil
}

func seedPermissions(ctx context.Context, tx storage.Tx) (map[string]string, int, error) {
	byCode := map[string]string{}
	created := 0
	for _, e := range policy.Catalogue {
		p, err := tx.GetPermission(ctx, e.Codename)
		if err == nil {
			byCode[e.Codename] = p.ID
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, 0, err
		}
		p = &models.Permission{ID: ids.New(), Codename: e.Codename, DisplayName: e.DisplayName, Category: e.Category}
		if err := tx.CreatePermission(ctx, p); err != nil {
			return nil, 0, fmt.Errorf("creating permission %s: %w", e.Codename, err)
		}
		byCode[e.Codename] = p.ID
		created++
	}
	return byCode, created, nil
}

func seedRole(ctx context.Context, tx storage.Tx, s roleSeed, roleIDs, permIDs map[string]string, now time.Time) (string, bool, error) {
	r, err := tx.GetRoleByName(ctx, s.name)
	if err == nil {
		return r.ID, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", false, err
	}
	r = &models.Role{
		ID:            ids.New(),
		Name:          s.name,
		DisplayName:   s.display,
		Category:      s.category,
		SecurityLevel: s.level,
		ParentID:      roleIDs[s.parent],
		System:        s.system,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.CreateRole(ctx, r); err != nil {
		return "", false, err
	}
	perms := make([]models.RolePermission, 0, len(s.perms))
	for _, c := range s.perms {
		perms = append(perms, models.RolePermission{RoleID: r.ID, PermissionID: permIDs[c], Codename: c, GrantedAt: now, Active: true})
	}
	if err := tx.SetRolePermissions(ctx, r.ID, perms); err != nil {
		return "", false, err
	}
	return r.ID, true, nil
}

func seedAdmin(ctx context.Context, tx storage.Tx, admin Admin, hash, adminRoleID string, now time.Time) (string, error) {
	if _, err := tx.FindPrincipal(ctx, admin.Login); err == nil {
		return "", nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	p := &models.Principal{
		ID:          ids.New(),
		Login:       admin.Login,
		Email:       admin.Email,
		SecretHash:  hash,
		DisplayName: "Administrator",
		Active:      true,
		Approved:    true,
		Superuser:   true,
		CreatedAt:   now,
	}
	if err := tx.CreatePrincipal(ctx, p); err != nil {
		return "", err
	}
	if err := tx.PutSecurityProfile(ctx, &models.SecurityProfile{
		PrincipalID:   p.ID,
		AccountStatus: models.AccountActive,
		ApprovedAt:    &now,
	}); err != nil {
		return "", err
	}
	if err := tx.CreateRoleAssignment(ctx, &models.RoleAssignment{
		PrincipalID:   p.ID,
		RoleID:        adminRoleID,
		State:         models.AssignmentActive,
		Reason:        "bootstrap",
		EffectiveFrom: now,
		ApprovedAt:    &now,
	}); err != nil {
		return "", err
	}
	return p.ID, nil
}
