// Package sweeper applies the time-driven state changes: approved
// assignments becoming active, active assignments expiring and direct
// grants lapsing.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

// Report counts what one pass changed.
type Report struct {
	Activated     int
	Expired       int
	GrantsExpired int
}

// Sweeper runs the periodic transitions.
type Sweeper struct {
	store   storage.Store
	engine  *policy.Engine
	audit   *audit.Logger
	now     func() time.Time
	timeout time.Duration
}

// New creates a Sweeper. A nil clock uses time.Now.
func New(store storage.Store, engine *policy.Engine, auditLog *audit.Logger, clock func() time.Time) *Sweeper {
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{store: store, engine: engine, audit: auditLog, now: clock, timeout: time.Minute}
}

// Run makes one pass. Each assignment moves in its own transaction together
// with its audit record.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now().UTC()

	due, err := storage.Read(ctx, s.store, func(tx storage.Tx) ([]models.RoleAssignment, error) {
		return tx.ListDueAssignments(ctx, now)
	})
	if err != nil {
		return rep, fmt.Errorf("listing due assignments: %w", err)
	}
	for _, a := range due {
		to, err := s.advance(ctx, a, now)
		if err != nil {
			return rep, err
		}
		switch to {
		case models.AssignmentActive:
			rep.Activated++
		case models.AssignmentExpired:
			rep.Expired++
		default:
			continue
		}
		s.engine.Invalidate(a.PrincipalID)
	}

	n, err := storage.Write(ctx, s.store, func(tx storage.Tx) (int, error) {
		n, err := tx.DeactivateExpiredGrants(ctx, now)
		if err != nil || n == 0 {
			return n, err
		}
		return n, s.audit.Record(ctx, tx, &models.AuditEvent{
			Kind:     models.EventPermissionChange,
			Action:   "expire_grants",
			Success:  true,
			Metadata: map[string]any{"grants_expired": n},
		})
	})
	if err != nil {
		return rep, fmt.Errorf("deactivating grants: %w", err)
	}
	if n > 0 {
		rep.GrantsExpired = n
		s.engine.InvalidateAll()
	}
	return rep, nil
}

// advance moves one assignment if it is still due and returns the new state.
func (s *Sweeper) advance(ctx context.Context, due models.RoleAssignment, now time.Time) (string, error) {
	return storage.Write(ctx, s.store, func(tx storage.Tx) (string, error) {
		if err := tx.LockPrincipal(ctx, due.PrincipalID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", nil
			}
			return "", err
		}
		a, err := tx.GetRoleAssignment(ctx, due.PrincipalID, due.RoleID)
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}

		from := a.State
		switch {
		case a.State == models.AssignmentApproved && !now.Before(a.EffectiveFrom):
			a.State = models.AssignmentActive
		case a.State == models.AssignmentActive && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt):
			a.State = models.AssignmentExpired
		default:
			return "", nil
		}
		if err := tx.UpdateRoleAssignment(ctx, a); err != nil {
			return "", err
		}
		action := "activate_assignment"
		if a.State == models.AssignmentExpired {
			action = "expire_assignment"
		}
		err = s.audit.Record(ctx, tx, &models.AuditEvent{
			SubjectID: a.PrincipalID,
			Kind:      models.EventRoleChange,
			Action:    action,
			Success:   true,
			Metadata: map[string]any{
				"principal_id": a.PrincipalID,
				"role_id":      a.RoleID,
				"role":         a.RoleName,
				"from":         from,
				"to":           a.State,
			},
		})
		return a.State, err
	})
}

// Schedule registers Run on c with the given cron spec.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		rep, err := s.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("sweep failed")
			return
		}
		if rep != (Report{}) {
			log.Info().
				Int("activated", rep.Activated).
				Int("expired", rep.Expired).
				Int("grants_expired", rep.GrantsExpired).
				Msg("sweep complete")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweeper %q: %w", spec, err)
	}
	return nil
}
