// Package workflow implements the registration approval state machine.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/ids"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

const maxListLimit = 200

// SecretHasher validates and hashes a new secret.
type SecretHasher interface {
	HashSecret(ctx context.Context, secret, login string) (string, error)
}

// Workflow moves registration requests through pending, approved and rejected.
type Workflow struct {
	store   storage.Store
	engine  *policy.Engine
	secrets SecretHasher
	audit   *audit.Logger
	now     func() time.Time
}

// New creates a Workflow. A nil clock uses time.Now.
func New(store storage.Store, engine *policy.Engine, secrets SecretHasher, auditLog *audit.Logger, clock func() time.Time) *Workflow {
	if clock == nil {
		clock = time.Now
	}
	return &Workflow{store: store, engine: engine, secrets: secrets, audit: auditLog, now: clock}
}

// Submission is an inbound registration.
type Submission struct {
	Login       string
	Email       string
	Secret      string
	DisplayName string
	Source      string
	UserAgent   string
}

// Submit validates the submission and stores a pending request.
func (w *Workflow) Submit(ctx context.Context, s Submission) (*models.RegistrationRequest, error) {
	s.Login = strings.TrimSpace(s.Login)
	s.Email = strings.TrimSpace(s.Email)
	if s.Email == "" {
		return nil, errs.E(errs.Validation, "email is required")
	}
	if err := auth.ValidateIdentity(s.Login, s.Email); err != nil {
		return nil, err
	}
	hash, err := w.secrets.HashSecret(ctx, s.Secret, s.Login)
	if err != nil {
		return nil, err
	}

	now := w.now().UTC()
	req := &models.RegistrationRequest{
		ID:          ids.NewAt(now),
		Login:       s.Login,
		Email:       s.Email,
		SecretHash:  hash,
		DisplayName: strings.TrimSpace(s.DisplayName),
		State:       models.RegistrationPending,
		Source:      s.Source,
		SubmittedAt: now,
	}
	err = w.store.InTx(ctx, func(tx storage.Tx) error {
		for _, identity := range []string{s.Login, s.Email} {
			if _, err := tx.FindPrincipal(ctx, identity); err == nil {
				return errs.E(errs.Duplicate, "%s is already registered", identity)
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if _, err := tx.FindRegistration(ctx, identity, models.RegistrationPending); err == nil {
				return errs.E(errs.Duplicate, "a registration for %s is already pending", identity)
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		return tx.CreateRegistration(ctx, req)
	})
	if err != nil {
		return nil, storage.Classify(err)
	}

	w.audit.Log(ctx, &models.AuditEvent{
		SubjectID: req.ID,
		Kind:      models.EventSystemAction,
		Action:    "register",
		Source:    s.Source,
		UserAgent: s.UserAgent,
		Success:   true,
		Metadata:  map[string]any{"request_id": req.ID, "login": req.Login, "email": req.Email},
	})
	log.Info().Str("request_id", req.ID).Msg("registration submitted")
	return req, nil
}

// Approve marks the request approved and creates the principal, its profile
// and its role assignment in one transaction. Approving an approved request
// returns it unchanged.
func (w *Workflow) Approve(ctx context.Context, requestID, roleName string, c audit.Caller) (*models.RegistrationRequest, error) {
	now := w.now().UTC()
	var created *models.Principal
	req, err := storage.Write(ctx, w.store, func(tx storage.Tx) (*models.RegistrationRequest, error) {
		req, err := w.load(ctx, tx, requestID, models.RegistrationApproved)
		if err != nil || req.Terminal() {
			return req, err
		}
		approver, err := w.approver(ctx, tx, c.ID, now)
		if err != nil {
			return nil, err
		}
		role, err := w.grantable(ctx, tx, approver, roleName)
		if err != nil {
			return nil, err
		}

		p := &models.Principal{
			ID:          ids.NewAt(now),
			Login:       req.Login,
			Email:       req.Email,
			SecretHash:  req.SecretHash,
			DisplayName: req.DisplayName,
			Active:      true,
			Approved:    true,
			CreatedAt:   now,
		}
		if err := tx.CreatePrincipal(ctx, p); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return nil, errs.E(errs.Duplicate, "login or email of request %s is already taken", req.ID)
			}
			return nil, err
		}
		if err := tx.PutSecurityProfile(ctx, &models.SecurityProfile{
			PrincipalID:   p.ID,
			AccountStatus: models.AccountActive,
			ApprovedBy:    c.ID,
			ApprovedAt:    &now,
		}); err != nil {
			return nil, err
		}
		if err := tx.CreateRoleAssignment(ctx, &models.RoleAssignment{
			PrincipalID:   p.ID,
			RoleID:        role.ID,
			State:         models.AssignmentActive,
			Reason:        "registration approved",
			EffectiveFrom: now,
			RequestedBy:   c.ID,
			ApprovedBy:    c.ID,
			ApprovedAt:    &now,
		}); err != nil {
			return nil, err
		}

		req.State = models.RegistrationApproved
		req.ProcessedBy = c.ID
		req.ProcessedAt = &now
		req.PrincipalID = p.ID
		if err := tx.UpdateRegistration(ctx, req); err != nil {
			return nil, err
		}
		created = p
		ev := c.Event(models.EventAdminAction, models.SeverityHigh, "approve_registration")
		ev.SubjectID = p.ID
		ev.Success = true
		ev.Metadata["request_id"] = req.ID
		ev.Metadata["principal_id"] = p.ID
		ev.Metadata["role"] = role.Name
		ev.Metadata["login"] = p.Login
		return req, w.audit.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, storage.Classify(err)
	}
	if created != nil {
		w.engine.Invalidate(created.ID)
		log.Info().Str("request_id", req.ID).Str("principal_id", created.ID).Str("role", roleName).Msg("registration approved")
	}
	return req, nil
}

// Reject marks the request rejected. Rejecting a rejected request returns it unchanged.
func (w *Workflow) Reject(ctx context.Context, requestID, reason string, c audit.Caller) (*models.RegistrationRequest, error) {
	now := w.now().UTC()
	reason = strings.TrimSpace(reason)
	req, err := storage.Write(ctx, w.store, func(tx storage.Tx) (*models.RegistrationRequest, error) {
		req, err := w.load(ctx, tx, requestID, models.RegistrationRejected)
		if err != nil || req.Terminal() {
			return req, err
		}
		if _, err := w.approver(ctx, tx, c.ID, now); err != nil {
			return nil, err
		}
		req.State = models.RegistrationRejected
		req.RejectionReason = reason
		req.ProcessedBy = c.ID
		req.ProcessedAt = &now
		if err := tx.UpdateRegistration(ctx, req); err != nil {
			return nil, err
		}
		ev := c.Event(models.EventAdminAction, models.SeverityMedium, "reject_registration")
		ev.SubjectID = req.ID
		ev.Success = true
		ev.Metadata["request_id"] = req.ID
		ev.Metadata["reason"] = reason
		return req, w.audit.Record(ctx, tx, ev)
	})
	if err != nil {
		return nil, storage.Classify(err)
	}
	return req, nil
}

// load locks the request. A request already in target is returned as is; a
// request in the other terminal state cannot move.
func (w *Workflow) load(ctx context.Context, tx storage.Tx, id, target string) (*models.RegistrationRequest, error) {
	req, err := tx.GetRegistration(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.E(errs.NotFound, "registration request %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if req.Terminal() && req.State != target {
		return nil, errs.E(errs.StateIllegal, "registration request %s is already %s", id, req.State)
	}
	return req, nil
}

func (w *Workflow) approver(ctx context.Context, tx storage.Tx, approverID string, now time.Time) (*policy.Grants, error) {
	g, err := w.engine.Resolve(ctx, tx, approverID, now)
	if errors.Is(err, policy.ErrUnknownPrincipal) {
		return nil, errs.E(errs.Forbidden, "approver %s does not exist", approverID)
	}
	if err != nil {
		return nil, err
	}
	if !g.Has(policy.PermManageUsers) {
		return nil, errs.E(errs.Forbidden, "approver lacks %s", policy.PermManageUsers)
	}
	return g, nil
}

// grantable returns the named role if the approver may hand it out: it must
// exist, must not be a system role, and must not outrank the approver.
func (w *Workflow) grantable(ctx context.Context, tx storage.Tx, approver *policy.Grants, name string) (*models.Role, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errs.E(errs.Validation, "role is required")
	}
	role, err := tx.GetRoleByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.E(errs.Validation, "role %s does not exist", name)
	}
	if err != nil {
		return nil, err
	}
	if role.System {
		return nil, errs.E(errs.Validation, "system role %s cannot be granted on approval", name)
	}
	if approver.Superuser || approver.HasRole(policy.RoleAdmin) {
		return role, nil
	}
	level, err := MaxLevel(ctx, tx, approver)
	if err != nil {
		return nil, err
	}
	if role.SecurityLevel > level {
		return nil, errs.E(errs.Forbidden, "role %s outranks the approver", name)
	}
	return role, nil
}

// MaxLevel is the highest security level in the grants' role closure.
func MaxLevel(ctx context.Context, tx storage.Tx, g *policy.Grants) (int, error) {
	level := 0
	for _, name := range g.RoleList() {
		r, err := tx.GetRoleByName(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("loading role %s: %w", name, err)
		}
		level = max(level, r.SecurityLevel)
	}
	return level, nil
}

// Get returns one request.
func (w *Workflow) Get(ctx context.Context, id string) (*models.RegistrationRequest, error) {
	req, err := storage.Read(ctx, w.store, func(tx storage.Tx) (*models.RegistrationRequest, error) {
		return tx.GetRegistration(ctx, id)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.E(errs.NotFound, "registration request %s not found", id)
	}
	return req, err
}

// List returns requests in state, newest first. An empty state lists all.
func (w *Workflow) List(ctx context.Context, state string, limit, offset int) ([]*models.RegistrationRequest, error) {
	switch state {
	case "", models.RegistrationPending, models.RegistrationApproved, models.RegistrationRejected:
	default:
		return nil, errs.E(errs.Validation, "unknown state %q", state)
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return storage.Read(ctx, w.store, func(tx storage.Tx) ([]*models.RegistrationRequest, error) {
		return tx.ListRegistrations(ctx, state, limit, max(offset, 0))
	})
}
