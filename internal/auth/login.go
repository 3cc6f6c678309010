package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/crypto"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

// GenericFailure is the only detail a caller sees before it is authenticated.
const GenericFailure = "invalid credentials"

// Options configures an Authenticator.
type Options struct {
	Lockout      models.LockoutPolicy
	Secrets      SecretPolicy
	HashTimeout  time.Duration
	SecretMaxAge time.Duration
	Clock        func() time.Time
}

// Authenticator runs the login, logout and change-secret flows.
type Authenticator struct {
	store   storage.Store
	creds   *CredentialService
	secrets *crypto.SecretHasher
	audit   *audit.Logger
	opts    Options

	// dummy keeps the unknown-identity path as slow as a real verification.
	dummyOnce sync.Once
	dummy     string
}

// NewAuthenticator wires the login flows.
func NewAuthenticator(store storage.Store, creds *CredentialService, secrets *crypto.SecretHasher, auditLog *audit.Logger, opts Options) *Authenticator {
	if opts.HashTimeout <= 0 {
		opts.HashTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Authenticator{store: store, creds: creds, secrets: secrets, audit: auditLog, opts: opts}
}

// Policy returns the secret policy applied to new secrets.
func (a *Authenticator) Policy() SecretPolicy { return a.opts.Secrets }

// HashSecret validates secret against the policy and hashes it.
func (a *Authenticator) HashSecret(ctx context.Context, secret, login string) (string, error) {
	if err := a.opts.Secrets.Validate(secret, login); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.HashTimeout)
	defer cancel()
	h, err := a.secrets.Hash(ctx, secret)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return h, nil
}

// LoginRequest carries the credentials and request context of a login attempt.
type LoginRequest struct {
	Identity  string
	Secret    string
	Source    string
	UserAgent string
}

// LoginResult is a successful login.
type LoginResult struct {
	Token                string
	Session              *models.Session
	Principal            *models.Principal
	SecretChangeRequired bool
}

// denial is the outcome of a refused login: what the caller sees and what is recorded.
type denial struct {
	kind   errs.Kind
	reason string
}

func (d denial) public() error {
	if d.kind == errs.AccountLocked {
		return &errs.Error{Kind: errs.AccountLocked, Detail: GenericFailure}
	}
	return &errs.Error{Kind: errs.Unauthenticated, Detail: GenericFailure}
}

// Login exchanges a secret for a credential. Every call records exactly one
// login audit event; when that record cannot be written for a refused attempt
// the attempt fails with internal.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	now := a.opts.Clock().UTC()
	event := &models.AuditEvent{
		Kind:      models.EventLogin,
		Action:    "login",
		Source:    req.Source,
		UserAgent: req.UserAgent,
		Metadata:  map[string]any{"identity": strings.TrimSpace(req.Identity)},
	}

	if strings.TrimSpace(req.Identity) == "" || req.Secret == "" {
		return nil, a.refuse(ctx, event, denial{errs.Validation, "identity and secret are required"})
	}

	p, sp, err := a.lookup(ctx, req.Identity)
	if err != nil {
		return nil, a.fail(ctx, event, err)
	}
	if p == nil {
		return nil, a.refuse(ctx, event, a.unknownIdentity(ctx, req))
	}
	event.ActorID, event.SubjectID = p.ID, p.ID

	if sp.LockedAt(now) {
		event.Severity = models.SeverityMedium
		return nil, a.refuse(ctx, event, denial{errs.AccountLocked, "account locked"})
	}

	ok, err := a.verify(ctx, req.Secret, p.SecretHash)
	if err != nil {
		return nil, a.fail(ctx, event, err)
	}
	if !ok {
		return nil, a.wrongSecret(ctx, event, p, now)
	}

	if err := CheckStatus(p, sp, now); err != nil {
		return nil, a.refuse(ctx, event, denial{errs.KindOf(err), errs.Detail(err)})
	}
	if err := CheckSource(sp, req.Source); err != nil {
		event.Severity = models.SeverityMedium
		return nil, a.refuse(ctx, event, denial{errs.SourceNotPermitted, errs.Detail(err)})
	}

	issued, err := storage.Write(ctx, a.store, func(tx storage.Tx) (*Issued, error) {
		iss, err := a.creds.issue(ctx, tx, IssueRequest{PrincipalID: p.ID, Source: req.Source, UserAgent: req.UserAgent}, now)
		if err != nil {
			return nil, err
		}
		if err := tx.RecordLoginSuccess(ctx, p.ID, now, req.Source); err != nil {
			return nil, fmt.Errorf("recording login: %w", err)
		}
		return iss, nil
	})
	if err != nil {
		return nil, a.fail(ctx, event, err)
	}

	event.Success = true
	event.Metadata["session_id"] = issued.Session.ID
	event.Metadata["risk_score"] = issued.Session.RiskScore
	if issued.Evicted > 0 {
		event.Metadata["evicted_sessions"] = issued.Evicted
	}
	a.audit.Log(ctx, event)
	if issued.Session.Suspicious {
		a.audit.Log(ctx, &models.AuditEvent{
			ActorID:   p.ID,
			SubjectID: p.ID,
			Kind:      models.EventSecurity,
			Severity:  models.SeverityMedium,
			Action:    "suspicious_session",
			Source:    req.Source,
			UserAgent: req.UserAgent,
			Success:   true,
			Metadata:  map[string]any{"session_id": issued.Session.ID, "risk_score": issued.Session.RiskScore},
		})
	}
	log.Info().Str("principal_id", p.ID).Str("session_id", issued.Session.ID).Msg("login succeeded")

	return &LoginResult{
		Token:                issued.Token,
		Session:              issued.Session,
		Principal:            p,
		SecretChangeRequired: SecretChangeDue(sp, now),
	}, nil
}

// lookup returns the principal and its profile, or nil when no principal matches.
func (a *Authenticator) lookup(ctx context.Context, identity string) (*models.Principal, *models.SecurityProfile, error) {
	var p *models.Principal
	var sp *models.SecurityProfile
	err := a.store.View(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.FindPrincipal(ctx, identity)
		if errors.Is(err, storage.ErrNotFound) {
			p = nil
			return nil
		}
		if err != nil {
			return err
		}
		sp, err = tx.GetSecurityProfile(ctx, p.ID)
		if errors.Is(err, storage.ErrNotFound) {
			sp = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("looking up principal: %w", err)
	}
	if p != nil && sp == nil {
		sp, err = a.ensureProfile(ctx, p.ID)
		if err != nil {
			return nil, nil, err
		}
	}
	return p, sp, nil
}

func (a *Authenticator) ensureProfile(ctx context.Context, principalID string) (*models.SecurityProfile, error) {
	return storage.Write(ctx, a.store, func(tx storage.Tx) (*models.SecurityProfile, error) {
		sp, err := tx.GetSecurityProfile(ctx, principalID)
		if err == nil {
			return sp, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		sp = &models.SecurityProfile{PrincipalID: principalID, AccountStatus: models.AccountActive}
		return sp, tx.PutSecurityProfile(ctx, sp)
	})
}

// unknownIdentity classifies an attempt against an identity with no principal.
// A matching secret on a pending registration is recorded as pending_approval.
func (a *Authenticator) unknownIdentity(ctx context.Context, req LoginRequest) denial {
	reg, err := storage.Read(ctx, a.store, func(tx storage.Tx) (*models.RegistrationRequest, error) {
		return tx.FindRegistration(ctx, req.Identity, models.RegistrationPending)
	})
	var hash string
	if err == nil {
		hash = reg.SecretHash
	} else {
		hash = a.dummyHash(ctx)
	}
	ok, verr := a.verify(ctx, req.Secret, hash)
	if err == nil && verr == nil && ok {
		return denial{errs.PendingApproval, "registration pending approval"}
	}
	return denial{errs.Unauthenticated, "unknown identity or wrong secret"}
}

func (a *Authenticator) dummyHash(ctx context.Context) string {
	a.dummyOnce.Do(func() {
		h, err := a.secrets.Hash(context.WithoutCancel(ctx), "medgate-unknown-identity")
		if err != nil {
			log.Warn().Err(err).Msg("computing placeholder hash")
		}
		a.dummy = h
	})
	return a.dummy
}

func (a *Authenticator) verify(ctx context.Context, secret, hash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.HashTimeout)
	defer cancel()
	return a.secrets.Verify(ctx, secret, hash)
}

// wrongSecret counts a failed login and records it.
func (a *Authenticator) wrongSecret(ctx context.Context, event *models.AuditEvent, p *models.Principal, now time.Time) error {
	event.ErrorKind = string(errs.Unauthenticated)
	event.ErrorMessage = "wrong secret"
	if err := a.countFailure(ctx, event, p, now); err != nil {
		return a.internal(err)
	}
	return denial{errs.Unauthenticated, ""}.public()
}

// countFailure increments the failure counter and records event, plus the
// lockout when this failure reaches the threshold, in one transaction. The
// counter never moves without its audit record.
func (a *Authenticator) countFailure(ctx context.Context, event *models.AuditEvent, p *models.Principal, now time.Time) error {
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	return a.store.InTx(ctx, func(tx storage.Tx) error {
		out, err := tx.RecordLoginFailure(ctx, p.ID, now, a.opts.Lockout)
		if err != nil {
			return fmt.Errorf("recording login failure: %w", err)
		}
		event.Metadata["failed_attempts"] = out.FailedAttempts
		if err := a.audit.Record(ctx, tx, event); err != nil {
			return err
		}
		if !out.NewlyLocked {
			return nil
		}
		log.Warn().Str("principal_id", p.ID).Time("lockout_until", *out.LockoutUntil).Msg("account locked")
		return a.audit.Record(ctx, tx, &models.AuditEvent{
			ActorID:   p.ID,
			SubjectID: p.ID,
			Kind:      models.EventSecurity,
			Severity:  models.SeverityHigh,
			Action:    "account_locked",
			Source:    event.Source,
			UserAgent: event.UserAgent,
			Success:   true,
			Metadata: map[string]any{
				"failed_attempts": out.FailedAttempts,
				"lockout_until":   out.LockoutUntil.Format(time.RFC3339),
				"trigger":         event.Action,
			},
		})
	})
}

// refuse records a refused attempt and returns the public error.
func (a *Authenticator) refuse(ctx context.Context, event *models.AuditEvent, d denial) error {
	event.ErrorKind = string(d.kind)
	event.ErrorMessage = d.reason
	if err := a.audit.Append(ctx, event); err != nil {
		return a.internal(err)
	}
	return d.public()
}

// fail records an attempt that broke on an internal error.
func (a *Authenticator) fail(ctx context.Context, event *models.AuditEvent, cause error) error {
	kind := errs.KindOf(cause)
	if kind != errs.InternalTimeout {
		kind = errs.Internal
	}
	event.ErrorKind = string(kind)
	event.ErrorMessage = cause.Error()
	if kind == errs.InternalTimeout {
		event.Severity = models.SeverityHigh
	}
	if err := a.audit.Append(ctx, event); err != nil {
		log.Error().Err(err).Msg("failed login could not be audited")
	}
	return a.internal(cause)
}

func (a *Authenticator) internal(err error) error {
	if errs.KindOf(err) == errs.InternalTimeout {
		return errs.Wrap(errs.InternalTimeout, err, "operation timed out")
	}
	return errs.Wrap(errs.Internal, err, "internal error")
}

// Logout revokes the caller's session.
func (a *Authenticator) Logout(ctx context.Context, res *Resolved, source, userAgent string) error {
	_, err := a.creds.Revoke(ctx, res.Session.ID)
	event := &models.AuditEvent{
		ActorID:   res.Principal.ID,
		SubjectID: res.Principal.ID,
		Kind:      models.EventLogout,
		Action:    "logout",
		Source:    source,
		UserAgent: userAgent,
		Success:   err == nil,
		Metadata:  map[string]any{"session_id": res.Session.ID},
	}
	if err != nil {
		event.ErrorKind = string(errs.KindOf(err))
		event.ErrorMessage = err.Error()
	}
	a.audit.Log(ctx, event)
	return err
}

// ChangeSecretRequest replaces the caller's secret.
type ChangeSecretRequest struct {
	Old       string
	New       string
	Source    string
	UserAgent string
}

// ChangeSecret verifies the current secret, stores the new one, clears a
// pending forced change and revokes every credential of the principal.
func (a *Authenticator) ChangeSecret(ctx context.Context, res *Resolved, req ChangeSecretRequest) error {
	now := a.opts.Clock().UTC()
	p := res.Principal
	event := &models.AuditEvent{
		ActorID:   p.ID,
		SubjectID: p.ID,
		Kind:      models.EventSecretChange,
		Severity:  models.SeverityMedium,
		Action:    "change_secret",
		Source:    req.Source,
		UserAgent: req.UserAgent,
	}
	record := func(err error) error {
		event.ErrorKind = string(errs.KindOf(err))
		event.ErrorMessage = errs.Detail(err)
		a.audit.Log(ctx, event)
		return err
	}

	if req.Old == "" || req.New == "" {
		return record(errs.E(errs.Validation, "old and new secrets are required"))
	}
	ok, err := a.verify(ctx, req.Old, p.SecretHash)
	if err != nil {
		return record(a.internal(err))
	}
	if !ok {
		event.ErrorKind = string(errs.Unauthenticated)
		event.ErrorMessage = "current secret is incorrect"
		if err := a.countFailure(ctx, event, p, now); err != nil {
			log.Error().Err(err).Str("principal_id", p.ID).Msg("failed secret change could not be recorded")
			return a.internal(err)
		}
		return errs.E(errs.Unauthenticated, "current secret is incorrect")
	}
	if req.Old == req.New {
		return record(errs.E(errs.Validation, "secret does not meet policy: %s", ReasonReused))
	}
	hash, err := a.HashSecret(ctx, req.New, p.Login)
	if err != nil {
		if errs.Is(err, errs.Validation) {
			return record(err)
		}
		return record(a.internal(err))
	}

	revoked, err := storage.Write(ctx, a.store, func(tx storage.Tx) (int, error) {
		cur, err := tx.GetPrincipal(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		cur.SecretHash = hash
		if err := tx.UpdatePrincipal(ctx, cur); err != nil {
			return 0, err
		}
		sp, err := a.creds.profile(ctx, tx, p.ID)
		if err != nil {
			return 0, err
		}
		sp.ForceSecretChange = false
		sp.SecretExpiresAt = nil
		if a.opts.SecretMaxAge > 0 {
			exp := now.Add(a.opts.SecretMaxAge)
			sp.SecretExpiresAt = &exp
		}
		if err := tx.PutSecurityProfile(ctx, sp); err != nil {
			return 0, err
		}
		return RevokeAllTx(ctx, tx, p.ID, now)
	})
	if err != nil {
		return record(a.internal(err))
	}
	event.Success = true
	event.Metadata = map[string]any{"revoked_sessions": revoked}
	a.audit.Log(ctx, event)
	return nil
}
