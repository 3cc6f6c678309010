package admin

import (
	"context"
	"time"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

// SessionReport lists live sessions and locked accounts.
type SessionReport struct {
	Sessions []*models.Session         `json:"sessions"`
	Locked   []*models.SecurityProfile `json:"locked_accounts"`
}

// Sessions returns the live sessions, optionally of one principal, and every
// currently locked account.
func (s *Service) Sessions(ctx context.Context, principalID string, limit, offset int) (*SessionReport, error) {
	limit, offset = page(limit, offset)
	now := s.now().UTC()
	return storage.Read(ctx, s.store, func(tx storage.Tx) (*SessionReport, error) {
		live, err := tx.ListLiveSessions(ctx, principalID, now)
		if err != nil {
			return nil, err
		}
		locked, err := tx.ListLockedProfiles(ctx, now)
		if err != nil {
			return nil, err
		}
		return &SessionReport{Sessions: window(live, limit, offset), Locked: window(locked, limit, 0)}, nil
	})
}

func window[T any](xs []T, limit, offset int) []T {
	if offset >= len(xs) {
		return []T{}
	}
	xs = xs[offset:]
	if len(xs) > limit {
		xs = xs[:limit]
	}
	return xs
}

// RevokeSession revokes one session. Revoking a revoked session returns it unchanged.
func (s *Service) RevokeSession(ctx context.Context, c audit.Caller, sessionID string) (*models.Session, error) {
	ev := c.Event(models.EventSecurity, models.SeverityMedium, "revoke_session")
	ev.Metadata["session_id"] = sessionID
	var out *models.Session
	err := s.mutate(ctx, ev, func(tx storage.Tx, now time.Time) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return notFound(err, "session %s not found", sessionID)
		}
		ev.SubjectID = sess.PrincipalID
		if err := tx.RevokeSession(ctx, sessionID, now); err != nil {
			return err
		}
		out, err = tx.GetSession(ctx, sessionID)
		return err
	})
	return out, err
}

// Unlock clears the lockout and the failure counter of a principal.
func (s *Service) Unlock(ctx context.Context, c audit.Caller, principalID string) (*models.SecurityProfile, error) {
	ev := c.Event(models.EventSecurity, models.SeverityMedium, "unlock")
	ev.SubjectID = principalID
	ev.Metadata["principal_id"] = principalID
	var out *models.SecurityProfile
	err := s.mutate(ctx, ev, func(tx storage.Tx, _ time.Time) error {
		if err := tx.LockPrincipal(ctx, principalID); err != nil {
			return notFound(err, "principal %s not found", principalID)
		}
		sp, err := tx.GetSecurityProfile(ctx, principalID)
		if err != nil {
			return notFound(err, "principal %s has no security profile", principalID)
		}
		ev.Metadata["failed_login_attempts"] = sp.FailedLoginAttempts
		sp.FailedLoginAttempts = 0
		sp.LastFailedLoginAt = nil
		sp.FailureWindowStart = nil
		sp.LockoutUntil = nil
		if sp.AccountStatus == models.AccountLocked {
			sp.AccountStatus = models.AccountActive
		}
		out = sp
		return tx.PutSecurityProfile(ctx, sp)
	})
	return out, err
}
