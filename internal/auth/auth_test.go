package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/crypto"
	"github.com/org/medgate/internal/errs"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

var cheapArgon2 = crypto.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1, KeyLength: 16, SaltLength: 8}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	store  *storage.MemoryStore
	clock  *fakeClock
	hasher *crypto.SecretHasher
	creds  *CredentialService
	auth   *Authenticator
	audit  *audit.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	th, err := crypto.NewTokenHasher([]byte("test-pepper-0123456789"))
	require.NoError(t, err)
	hasher := crypto.NewSecretHasher(cheapArgon2)
	creds := NewCredentialService(store, th, SessionDefaults{Timeout: time.Hour, MaxConcurrent: 2}, clock.Now)
	log := audit.NewLogger(store, time.Second).WithClock(clock.Now)
	a := NewAuthenticator(store, creds, hasher, log, Options{
		Lockout:     models.LockoutPolicy{Threshold: 5, Window: 15 * time.Minute, Duration: 30 * time.Minute},
		Secrets:     SecretPolicy{MinLength: 10},
		HashTimeout: 5 * time.Second,
		Clock:       clock.Now,
	})
	return &env{store: store, clock: clock, hasher: hasher, creds: creds, auth: a, audit: log}
}

func (e *env) addPrincipal(t *testing.T, login, secret string, mutate func(*models.Principal, *models.SecurityProfile)) *models.Principal {
	t.Helper()
	ctx := context.Background()
	hash, err := e.hasher.Hash(ctx, secret)
	require.NoError(t, err)
	p := &models.Principal{
		ID: "p-" + login, Login: login, Email: login + "@x.test", SecretHash: hash,
		Active: true, Approved: true, CreatedAt: e.clock.Now(),
	}
	sp := &models.SecurityProfile{PrincipalID: p.ID, AccountStatus: models.AccountActive}
	if mutate != nil {
		mutate(p, sp)
	}
	require.NoError(t, e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreatePrincipal(ctx, p); err != nil {
			return err
		}
		return tx.PutSecurityProfile(ctx, sp)
	}))
	return p
}

func (e *env) events(t *testing.T, kind, actor string) []*models.AuditEvent {
	t.Helper()
	out, err := e.audit.Query(context.Background(), models.AuditFilter{Kind: kind, ActorID: actor, Limit: 500})
	require.NoError(t, err)
	return out
}

func (e *env) login(identity, secret string) (*LoginResult, error) {
	return e.auth.Login(context.Background(), LoginRequest{Identity: identity, Secret: secret, Source: "10.0.0.1", UserAgent: "test"})
}

const goodSecret = "C0rrect-Horse!"

func TestIssueResolveRoundTrip(t *testing.T) {
	e := newEnv(t)
	p := e.addPrincipal(t, "bob", goodSecret, nil)
	ctx := context.Background()

	iss, err := e.creds.Issue(ctx, IssueRequest{PrincipalID: p.ID, Source: "10.0.0.1", UserAgent: "ua"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(iss.Token, crypto.TokenPrefix))
	assert.NotContains(t, string(iss.Session.TokenHash), iss.Token)

	res, err := e.creds.Resolve(ctx, iss.Token)
	require.NoError(t, err)
	assert.Equal(t, p.ID, res.Principal.ID)
	assert.Equal(t, iss.Session.ID, res.Session.ID)

	e.clock.Advance(time.Hour)
	_, err = e.creds.Resolve(ctx, iss.Token)
	assert.Equal(t, errs.ExpiredCredential, errs.KindOf(err))
}

func TestResolveRejectsUnknownAndRevoked(t *testing.T) {
	e := newEnv(t)
	p := e.addPrincipal(t, "bob", goodSecret, nil)
	ctx := context.Background()

	_, err := e.creds.Resolve(ctx, "not-a-token")
	assert.Equal(t, errs.UnknownCredential, errs.KindOf(err))
	_, err = e.creds.Resolve(ctx, crypto.TokenPrefix+"AAAA")
	assert.Equal(t, errs.UnknownCredential, errs.KindOf(err))

	iss, err := e.creds.Issue(ctx, IssueRequest{PrincipalID: p.ID})
	require.NoError(t, err)
	first, err := e.creds.RevokeToken(ctx, iss.Token)
	require.NoError(t, err)
	require.NotNil(t, first.RevokedAt)

	e.clock.Advance(time.Minute)
	again, err := e.creds.Revoke(ctx, iss.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.RevokedAt, *again.RevokedAt, "revoke is idempotent")

	_, err = e.creds.Resolve(ctx, iss.Token)
	assert.Equal(t, errs.RevokedCredential, errs.KindOf(err))
	assert.Equal(t, errs.Unauthenticated, errs.Public(errs.KindOf(err)))
}

func TestSessionCapRevokesOldest(t *testing.T) {
	e := newEnv(t)
	p := e.addPrincipal(t, "bob", goodSecret, nil)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		iss, err := e.creds.Issue(ctx, IssueRequest{PrincipalID: p.ID})
		require.NoError(t, err)
		tokens = append(tokens, iss.Token)
		e.clock.Advance(time.Second)
	}
	_, err := e.creds.Resolve(ctx, tokens[0])
	assert.Equal(t, errs.RevokedCredential, errs.KindOf(err), "oldest session evicted")
	for _, tok := range tokens[1:] {
		_, err := e.creds.Resolve(ctx, tok)
		assert.NoError(t, err)
	}
}

func TestRoleShortensSessionLifetime(t *testing.T) {
	e := newEnv(t)
	p := e.addPrincipal(t, "bob", goodSecret, func(_ *models.Principal, sp *models.SecurityProfile) {
		sp.SessionTimeoutMinutes = 120
	})
	ctx := context.Background()
	now := e.clock.Now()
	require.NoError(t, e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateRole(ctx, &models.Role{ID: "r-tech", Name: "TECHNICIAN", SecurityLevel: 2, MaxSessionDuration: 15}); err != nil {
			return err
		}
		return tx.CreateRoleAssignment(ctx, &models.RoleAssignment{PrincipalID: p.ID, RoleID: "r-tech", State: models.AssignmentActive, EffectiveFrom: now})
	}))

	iss, err := e.creds.Issue(ctx, IssueRequest{PrincipalID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), iss.Session.ExpiresAt)
}

func TestRiskScore(t *testing.T) {
	p := &models.Principal{LastLoginSource: "10.0.0.1"}
	cases := []struct {
		name     string
		failures int
		req      IssueRequest
		want     int
	}{
		{"known source", 0, IssueRequest{Source: "10.0.0.1", UserAgent: "ua"}, 0},
		{"new source", 0, IssueRequest{Source: "10.9.9.9", UserAgent: "ua"}, 40},
		{"failures capped", 9, IssueRequest{Source: "10.0.0.1", UserAgent: "ua"}, 50},
		{"everything", 3, IssueRequest{Source: "10.9.9.9"}, 80},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := riskScore(p, &models.SecurityProfile{FailedLoginAttempts: tc.failures}, tc.req)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLoginAndLockout(t *testing.T) {
	e := newEnv(t)
	p := e.addPrincipal(t, "alice", goodSecret, nil)

	for i := 1; i <= 5; i++ {
		_, err := e.login("alice", "wrong")
		require.Error(t, err)
		assert.Equal(t, errs.Unauthenticated, errs.KindOf(err), "attempt %d", i)
		assert.Equal(t, GenericFailure, errs.Detail(err))
		e.clock.Advance(5 * time.Second)
	}
	_, err := e.login("alice", "wrong")
	assert.Equal(t, errs.AccountLocked, errs.KindOf(err), "attempt 6")
	assert.Equal(t, GenericFailure, errs.Detail(err))

	_, err = e.login("ALICE", goodSecret)
	assert.Equal(t, errs.AccountLocked, errs.KindOf(err), "correct secret while locked")

	locks := e.events(t, models.EventSecurity, p.ID)
	require.Len(t, locks, 1)
	assert.Equal(t, models.SeverityHigh, locks[0].Severity)
	assert.Len(t, e.events(t, models.EventLogin, p.ID), 7, "one login record per attempt")

	e.clock.Advance(31 * time.Minute)
	res, err := e.login("alice@x.test", goodSecret)
	require.NoError(t, err)
	assert.Equal(t, p.ID, res.Principal.ID)

	logins := e.events(t, models.EventLogin, p.ID)
	assert.True(t, logins[0].Success)

	sp, err := storage.Read(context.Background(), e.store, func(tx storage.Tx) (*models.SecurityProfile, error) {
		return tx.GetSecurityProfile(context.Background(), p.ID)
	})
	require.NoError(t, err)
	assert.Zero(t, sp.FailedLoginAttempts)
	assert.Nil(t, sp.LockoutUntil)
}

func TestLoginRefusesAccountStates(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.Principal, *models.SecurityProfile)
		kind   errs.Kind
	}{
		{"suspended", func(p *models.Principal, _ *models.SecurityProfile) { p.Suspended = true }, errs.AccountSuspended},
		{"unapproved", func(p *models.Principal, _ *models.SecurityProfile) { p.Approved = false }, errs.PendingApproval},
		{"source", func(_ *models.Principal, sp *models.SecurityProfile) { sp.AllowedSources = []string{"192.168.1.1"} }, errs.SourceNotPermitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			p := e.addPrincipal(t, "carol", goodSecret, tc.mutate)
			_, err := e.login("carol", goodSecret)
			assert.Equal(t, errs.Unauthenticated, errs.KindOf(err))
			assert.Equal(t, GenericFailure, errs.Detail(err))

			evs := e.events(t, models.EventLogin, p.ID)
			require.Len(t, evs, 1)
			assert.False(t, evs[0].Success)
			assert.Equal(t, string(tc.kind), evs[0].ErrorKind)
		})
	}
}

func TestLoginAgainstPendingRegistration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hash, err := e.hasher.Hash(ctx, "P@ss-long-123")
	require.NoError(t, err)
	require.NoError(t, e.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.CreateRegistration(ctx, &models.RegistrationRequest{
			ID: "reg-1", Login: "alice", Email: "alice@x.test", SecretHash: hash,
			State: models.RegistrationPending, SubmittedAt: e.clock.Now(),
		})
	}))

	_, err = e.login("alice", "P@ss-long-123")
	assert.Equal(t, errs.Unauthenticated, errs.KindOf(err))

	_, err = e.login("alice", "not-it")
	assert.Equal(t, errs.Unauthenticated, errs.KindOf(err))

	evs := e.events(t, models.EventLogin, "")
	require.Len(t, evs, 2)
	assert.Equal(t, string(errs.Unauthenticated), evs[0].ErrorKind)
	assert.Equal(t, string(errs.PendingApproval), evs[1].ErrorKind)
}

func TestChangeSecret(t *testing.T) {
	e := newEnv(t)
	p := e.addPrincipal(t, "dave", goodSecret, func(_ *models.Principal, sp *models.SecurityProfile) {
		sp.ForceSecretChange = true
	})
	ctx := context.Background()

	res, err := e.login("dave", goodSecret)
	require.NoError(t, err)
	assert.True(t, res.SecretChangeRequired)

	resolved, err := e.creds.Resolve(ctx, res.Token)
	require.NoError(t, err)
	err = Check(resolved, "10.0.0.1", e.clock.Now(), false)
	assert.Equal(t, errs.SecretChangeRequired, errs.KindOf(err))
	assert.NoError(t, Check(resolved, "10.0.0.1", e.clock.Now(), true))

	err = e.auth.ChangeSecret(ctx, resolved, ChangeSecretRequest{Old: "nope", New: "An0ther-Secret!"})
	assert.Equal(t, errs.Unauthenticated, errs.KindOf(err))
	err = e.auth.ChangeSecret(ctx, resolved, ChangeSecretRequest{Old: goodSecret, New: "short"})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
	assert.Contains(t, errs.Detail(err), ReasonTooShort)
	err = e.auth.ChangeSecret(ctx, resolved, ChangeSecretRequest{Old: goodSecret, New: goodSecret})
	assert.Contains(t, errs.Detail(err), ReasonReused)

	require.NoError(t, e.auth.ChangeSecret(ctx, resolved, ChangeSecretRequest{Old: goodSecret, New: "An0ther-Secret!"}))

	_, err = e.creds.Resolve(ctx, res.Token)
	assert.Equal(t, errs.RevokedCredential, errs.KindOf(err), "change revokes every credential")

	again, err := e.login("dave", "An0ther-Secret!")
	require.NoError(t, err)
	assert.False(t, again.SecretChangeRequired)

	changes := e.events(t, models.EventSecretChange, p.ID)
	require.Len(t, changes, 4)
	assert.True(t, changes[0].Success)
}

func TestSecretPolicy(t *testing.T) {
	pol := SecretPolicy{MinLength: 10}
	cases := map[string][]string{
		"P@ss-long-123":   nil,
		"short1!A":        {ReasonTooShort},
		"alllowercase1!":  {ReasonMissingUpper},
		"NoDigitsHere!!":  {ReasonMissingDigit},
		"NoSymbols12345":  {ReasonMissingSymbol},
		"xx-Alice-2024!":  {ReasonContainsLogin},
		"ALLUPPER123456!": {ReasonMissingLower},
	}
	for secret, want := range cases {
		assert.Equal(t, want, pol.Violations(secret, "alice"), secret)
	}
	assert.Equal(t, errs.Validation, errs.KindOf(pol.Validate("short", "")))
}

func TestGuardCheck(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	expired := now.Add(-time.Minute)
	base := func() *Resolved {
		return &Resolved{
			Principal: &models.Principal{ID: "p", Active: true, Approved: true},
			Profile:   &models.SecurityProfile{AccountStatus: models.AccountActive},
		}
	}
	cases := []struct {
		name   string
		mutate func(r *Resolved)
		want   errs.Kind
	}{
		{"ok", func(*Resolved) {}, ""},
		{"suspended", func(r *Resolved) { r.Principal.Suspended = true }, errs.AccountSuspended},
		{"locked", func(r *Resolved) { r.Profile.LockoutUntil = &until }, errs.AccountLocked},
		{"source", func(r *Resolved) { r.Profile.AllowedSources = []string{"10.1.1.1"} }, errs.SourceNotPermitted},
		{"secret expired", func(r *Resolved) { r.Profile.SecretExpiresAt = &expired }, errs.SecretChangeRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := base()
			tc.mutate(r)
			assert.Equal(t, tc.want, errs.KindOf(Check(r, "10.0.0.1", now, false)))
		})
	}
}

func TestChangeSecretWrongOldSecretLocksAccount(t *testing.T) {
	e := newEnv(t)
	p := e.addPrincipal(t, "bob", goodSecret, nil)
	ctx := context.Background()

	res, err := e.login("bob", goodSecret)
	require.NoError(t, err)
	resolved, err := e.creds.Resolve(ctx, res.Token)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		err := e.auth.ChangeSecret(ctx, resolved, ChangeSecretRequest{Old: "wrong", New: "An0ther-Secret!"})
		assert.Equal(t, errs.Unauthenticated, errs.KindOf(err), "attempt %d", i)
		e.clock.Advance(5 * time.Second)
	}

	sp, err := storage.Read(ctx, e.store, func(tx storage.Tx) (*models.SecurityProfile, error) {
		return tx.GetSecurityProfile(ctx, p.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, 5, sp.FailedLoginAttempts)
	require.NotNil(t, sp.LockoutUntil)

	locks := e.events(t, models.EventSecurity, p.ID)
	require.Len(t, locks, 1)
	assert.Equal(t, "account_locked", locks[0].Action)
	assert.Equal(t, models.SeverityHigh, locks[0].Severity)
	assert.Equal(t, "change_secret", locks[0].Metadata["trigger"])

	changes := e.events(t, models.EventSecretChange, p.ID)
	require.Len(t, changes, 5)
	for _, ev := range changes {
		assert.False(t, ev.Success)
		assert.Equal(t, string(errs.Unauthenticated), ev.ErrorKind)
	}

	_, err = e.login("bob", goodSecret)
	assert.Equal(t, errs.AccountLocked, errs.KindOf(err))
}

func TestConcurrentFailedLoginsLockOnce(t *testing.T) {
	e := newEnv(t)
	p := e.addPrincipal(t, "erin", goodSecret, nil)

	const workers = 12
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.login("erin", "wrong")
			assert.Error(t, err)
		}()
	}
	wg.Wait()

	logins := e.events(t, models.EventLogin, p.ID)
	assert.Len(t, logins, workers, "one login record per attempt")

	wrong := 0
	for _, ev := range logins {
		if ev.ErrorKind == string(errs.Unauthenticated) {
			wrong++
		}
	}
	sp, err := storage.Read(context.Background(), e.store, func(tx storage.Tx) (*models.SecurityProfile, error) {
		return tx.GetSecurityProfile(context.Background(), p.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, wrong, sp.FailedLoginAttempts, "every counted failure has its record")
	assert.GreaterOrEqual(t, wrong, 5)
	require.NotNil(t, sp.LockoutUntil)

	locks := e.events(t, models.EventSecurity, p.ID)
	require.Len(t, locks, 1)
	assert.Equal(t, models.SeverityHigh, locks[0].Severity)
}
