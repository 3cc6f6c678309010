// Package auth implements credential issuance and resolution, the session and
// lockout guard, and the login flows built on them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/crypto"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/ids"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

const (
	touchInterval = time.Minute

	riskNewSource      = 40
	riskPerFailure     = 10
	riskFailureCap     = 50
	riskEmptyUserAgent = 10
	riskSuspicious     = 70
)

// SessionDefaults apply when a principal's profile leaves a value unset.
type SessionDefaults struct {
	Timeout       time.Duration
	MaxConcurrent int
}

// CredentialService issues, resolves and revokes bearer credentials.
type CredentialService struct {
	store    storage.Store
	hasher   *crypto.TokenHasher
	defaults SessionDefaults
	now      func() time.Time
}

// NewCredentialService creates a CredentialService. A nil clock uses time.Now.
func NewCredentialService(store storage.Store, hasher *crypto.TokenHasher, defaults SessionDefaults, clock func() time.Time) *CredentialService {
	if defaults.Timeout <= 0 {
		defaults.Timeout = 8 * time.Hour
	}
	if defaults.MaxConcurrent <= 0 {
		defaults.MaxConcurrent = 3
	}
	if clock == nil {
		clock = time.Now
	}
	return &CredentialService{store: store, hasher: hasher, defaults: defaults, now: clock}
}

// IssueRequest describes the context a credential is issued in.
type IssueRequest struct {
	PrincipalID string
	Source      string
	UserAgent   string
}

// Issued is a fresh credential. Token is returned exactly once and never stored.
type Issued struct {
	Token   string
	Session *models.Session
	// Evicted counts sessions revoked to respect the concurrency cap.
	Evicted int
}

// Issue creates a credential in its own transaction.
func (s *CredentialService) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	return storage.Write(ctx, s.store, func(tx storage.Tx) (*Issued, error) {
		return s.issue(ctx, tx, req, s.now().UTC())
	})
}

func (s *CredentialService) issue(ctx context.Context, tx storage.Tx, req IssueRequest, now time.Time) (*Issued, error) {
	p, err := tx.GetPrincipal(ctx, req.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("loading principal: %w", err)
	}
	sp, err := s.profile(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}
	lifetime, err := s.lifetime(ctx, tx, p.ID, sp, now)
	if err != nil {
		return nil, err
	}

	token, err := crypto.GenerateToken()
	if err != nil {
		return nil, err
	}
	score := riskScore(p, sp, req)
	sess := &models.Session{
		ID:           ids.NewAt(now),
		PrincipalID:  p.ID,
		TokenHash:    s.hasher.Hash(token),
		IssuedAt:     now,
		ExpiresAt:    now.Add(lifetime),
		Source:       req.Source,
		UserAgent:    req.UserAgent,
		LastActivity: now,
		RiskScore:    score,
		Suspicious:   score >= riskSuspicious,
	}
	if err := tx.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	evicted, err := s.enforceCap(ctx, tx, p.ID, sp, now)
	if err != nil {
		return nil, err
	}
	return &Issued{Token: token, Session: sess, Evicted: evicted}, nil
}

func (s *CredentialService) profile(ctx context.Context, tx storage.Tx, principalID string) (*models.SecurityProfile, error) {
	sp, err := tx.GetSecurityProfile(ctx, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.SecurityProfile{PrincipalID: principalID, AccountStatus: models.AccountActive}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading security profile: %w", err)
	}
	return sp, nil
}

// lifetime is the profile timeout, shortened by any effective role's max session duration.
func (s *CredentialService) lifetime(ctx context.Context, tx storage.Tx, principalID string, sp *models.SecurityProfile, now time.Time) (time.Duration, error) {
	d := s.defaults.Timeout
	if sp.SessionTimeoutMinutes > 0 {
		d = time.Duration(sp.SessionTimeoutMinutes) * time.Minute
	}
	assignments, err := tx.ListRoleAssignments(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("listing assignments: %w", err)
	}
	for i := range assignments {
		if !assignments[i].EffectiveAt(now) {
			continue
		}
		r, err := tx.GetRole(ctx, assignments[i].RoleID)
		if err != nil {
			return 0, fmt.Errorf("loading role: %w", err)
		}
		if m := time.Duration(r.MaxSessionDuration) * time.Minute; m > 0 && m < d {
			d = m
		}
	}
	return d, nil
}

// enforceCap revokes the oldest live sessions until at most the cap remain.
func (s *CredentialService) enforceCap(ctx context.Context, tx storage.Tx, principalID string, sp *models.SecurityProfile, now time.Time) (int, error) {
	limit := s.defaults.MaxConcurrent
	if sp.MaxConcurrentSessions > 0 {
		limit = sp.MaxConcurrentSessions
	}
	live, err := tx.ListLiveSessions(ctx, principalID, now)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}
	n := 0
	for ; len(live)-n > limit; n++ {
		if err := tx.RevokeSession(ctx, live[n].ID, now); err != nil {
			return n, fmt.Errorf("revoking session: %w", err)
		}
	}
	return n, nil
}

func riskScore(p *models.Principal, sp *models.SecurityProfile, req IssueRequest) int {
	score := 0
	if p.LastLoginSource != "" && p.LastLoginSource != req.Source {
		score += riskNewSource
	}
	score += min(sp.FailedLoginAttempts*riskPerFailure, riskFailureCap)
	if strings.TrimSpace(req.UserAgent) == "" {
		score += riskEmptyUserAgent
	}
	return score
}

// Resolved is the identity behind a credential.
type Resolved struct {
	Session   *models.Session
	Principal *models.Principal
	Profile   *models.SecurityProfile
}

// Resolve maps a token to its principal. Failures are unknown_credential,
// expired_credential or revoked_credential.
func (s *CredentialService) Resolve(ctx context.Context, token string) (*Resolved, error) {
	if !strings.HasPrefix(token, crypto.TokenPrefix) {
		return nil, errs.E(errs.UnknownCredential, "unrecognised credential")
	}
	hash := s.hasher.Hash(token)
	now := s.now().UTC()

	res, err := storage.Read(ctx, s.store, func(tx storage.Tx) (*Resolved, error) {
		sess, err := tx.GetSessionByHash(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.E(errs.UnknownCredential, "unrecognised credential")
		}
		if err != nil {
			return nil, err
		}
		if !crypto.Equal(sess.TokenHash, hash) {
			return nil, errs.E(errs.UnknownCredential, "unrecognised credential")
		}
		if sess.IsRevoked() {
			return nil, errs.E(errs.RevokedCredential, "credential revoked")
		}
		if sess.IsExpired(now) {
			return nil, errs.E(errs.ExpiredCredential, "credential expired")
		}
		p, err := tx.GetPrincipal(ctx, sess.PrincipalID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.E(errs.UnknownCredential, "unrecognised credential")
		}
		if err != nil {
			return nil, err
		}
		sp, err := s.profile(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		return &Resolved{Session: sess, Principal: p, Profile: sp}, nil
	})
	if err != nil {
		return nil, err
	}

	if now.Sub(res.Session.LastActivity) >= touchInterval {
		if err := s.maintain(ctx, res, now); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// maintain records activity and re-applies the concurrency cap, which an
// administrator may have lowered since issue.
func (s *CredentialService) maintain(ctx context.Context, res *Resolved, now time.Time) error {
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.TouchSession(ctx, res.Session.ID, now); err != nil {
			return err
		}
		_, err := s.enforceCap(ctx, tx, res.Principal.ID, res.Profile, now)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", res.Session.ID).Msg("session maintenance failed")
		return nil
	}
	still, err := storage.Read(ctx, s.store, func(tx storage.Tx) (*models.Session, error) {
		return tx.GetSession(ctx, res.Session.ID)
	})
	if err == nil && still.IsRevoked() {
		return errs.E(errs.RevokedCredential, "credential revoked")
	}
	res.Session.LastActivity = now
	return nil
}

// Revoke marks the session revoked. Revoking an already revoked session is a no-op.
func (s *CredentialService) Revoke(ctx context.Context, sessionID string) (*models.Session, error) {
	now := s.now().UTC()
	return storage.Write(ctx, s.store, func(tx storage.Tx) (*models.Session, error) {
		if err := tx.RevokeSession(ctx, sessionID, now); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, errs.E(errs.NotFound, "session %s not found", sessionID)
			}
			return nil, err
		}
		return tx.GetSession(ctx, sessionID)
	})
}

// RevokeToken revokes the session a plaintext token belongs to.
func (s *CredentialService) RevokeToken(ctx context.Context, token string) (*models.Session, error) {
	hash := s.hasher.Hash(token)
	sess, err := storage.Read(ctx, s.store, func(tx storage.Tx) (*models.Session, error) {
		return tx.GetSessionByHash(ctx, hash)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.E(errs.UnknownCredential, "unrecognised credential")
	}
	if err != nil {
		return nil, err
	}
	return s.Revoke(ctx, sess.ID)
}

// RevokeAll revokes every credential of the principal.
func (s *CredentialService) RevokeAll(ctx context.Context, principalID string) (int, error) {
	return storage.Write(ctx, s.store, func(tx storage.Tx) (int, error) {
		return RevokeAllTx(ctx, tx, principalID, s.now().UTC())
	})
}

// RevokeAllTx revokes every credential of the principal inside tx.
func RevokeAllTx(ctx context.Context, tx storage.Tx, principalID string, now time.Time) (int, error) {
	n, err := tx.RevokePrincipalSessions(ctx, principalID, now)
	if err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}
	return n, nil
}
