// Package admin implements the administrative operations on principals,
// roles, grants and sessions. Every mutation runs in its own transaction and
// records one audit event carrying the redacted arguments and affected ids.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// SecretHasher validates and hashes a new secret.
type SecretHasher interface {
	HashSecret(ctx context.Context, secret, login string) (string, error)
}

// Options configures a Service.
type Options struct {
	DepthLimit int
	Clock      func() time.Time
}

// Service is the administrative API.
type Service struct {
	store   storage.Store
	engine  *policy.Engine
	creds   *auth.CredentialService
	secrets SecretHasher
	audit   *audit.Logger
	depth   int
	now     func() time.Time
}

// New creates the administrative Service.
func New(store storage.Store, engine *policy.Engine, creds *auth.CredentialService, secrets SecretHasher, auditLog *audit.Logger, opts Options) *Service {
	if opts.DepthLimit <= 0 {
		opts.DepthLimit = 8
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:   store,
		engine:  engine,
		creds:   creds,
		secrets: secrets,
		audit:   auditLog,
		depth:   opts.DepthLimit,
		now:     opts.Clock,
	}
}

// mutate runs fn in a transaction and records ev with it. A failed fn is
// recorded after the rollback with the failure kind; that record is best effort.
func (s *Service) mutate(ctx context.Context, ev *models.AuditEvent, fn func(tx storage.Tx, now time.Time) error) error {
	now := s.now().UTC()
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		if err := fn(tx, now); err != nil {
			return err
		}
		ev.Success = true
		return s.audit.Record(ctx, tx, ev)
	})
	if err == nil {
		return nil
	}
	err = storage.Classify(err)
	ev.Success = false
	ev.ErrorKind = string(errs.KindOf(err))
	ev.ErrorMessage = errs.Detail(err)
	if errs.KindOf(err) == errs.InternalTimeout {
		ev.Severity = models.SeverityHigh
	}
	s.audit.Log(ctx, ev)
	return err
}

func page(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	return limit, max(offset, 0)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errs.E(errs.NotFound, format, args...)
	}
	return err
}

// ensureOtherAdmin refuses a change that would leave no usable holder of the
// ADMIN role besides principalID.
func (s *Service) ensureOtherAdmin(ctx context.Context, tx storage.Tx, principalID string, now time.Time) error {
	role, err := tx.GetRoleByName(ctx, policy.RoleAdmin)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// Concurrent removals of the last two administrators queue on the role row.
	if err := tx.LockRole(ctx, role.ID); err != nil {
		return err
	}
	holders, err := tx.ListRoleHolders(ctx, role.ID)
	if err != nil {
		return fmt.Errorf("listing administrators: %w", err)
	}
	held := false
	for i := range holders {
		h := &holders[i]
		if !h.EffectiveAt(now) {
			continue
		}
		if h.PrincipalID == principalID {
			held = true
			continue
		}
		p, err := tx.GetPrincipal(ctx, h.PrincipalID)
		if err != nil {
			return err
		}
		if p.CanAuthenticate() {
			return nil
		}
	}
	if !held {
		return nil
	}
	return errs.E(errs.StateIllegal, "principal %s is the last administrator", principalID)
}
