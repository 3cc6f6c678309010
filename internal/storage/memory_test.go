package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/medgate/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedPrincipal(t *testing.T, s Store, id, login, email string) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.CreatePrincipal(context.Background(), &models.Principal{
			ID: id, Login: login, Email: email, SecretHash: "$argon2id$x", Active: true, Approved: true, CreatedAt: t0,
		}); err != nil {
			return err
		}
		return tx.PutSecurityProfile(context.Background(), &models.SecurityProfile{
			PrincipalID: id, SessionTimeoutMinutes: 60, MaxConcurrentSessions: 3, AccountStatus: models.AccountActive,
		})
	})
	require.NoError(t, err)
}

func TestMemoryPrincipalUniquenessIsCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "Alice", "alice@x.test")

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.CreatePrincipal(ctx, &models.Principal{ID: "p2", Login: "ALICE", Email: "other@x.test"})
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.CreatePrincipal(ctx, &models.Principal{ID: "p3", Login: "bob", Email: "Alice@X.test"})
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	p, err := Read(ctx, s, func(tx Tx) (*models.Principal, error) { return tx.FindPrincipal(ctx, " alice@x.TEST ") })
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
}

func TestMemoryTransactionRollsBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreatePrincipal(ctx, &models.Principal{ID: "p1", Login: "alice"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = Read(ctx, s, func(tx Tx) (*models.Principal, error) { return tx.GetPrincipal(ctx, "p1") })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryViewIsReadOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.View(ctx, func(tx Tx) error {
		return tx.CreatePrincipal(ctx, &models.Principal{ID: "p1", Login: "alice"})
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestMemoryDeletePrincipalCascadesButKeepsAudit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "alice", "alice@x.test")

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateRole(ctx, &models.Role{ID: "r1", Name: "DOCTOR", SecurityLevel: 2}); err != nil {
			return err
		}
		if err := tx.CreateRoleAssignment(ctx, &models.RoleAssignment{PrincipalID: "p1", RoleID: "r1", State: models.AssignmentActive, EffectiveFrom: t0}); err != nil {
			return err
		}
		if err := tx.CreateSession(ctx, &models.Session{ID: "s1", PrincipalID: "p1", TokenHash: []byte("h1"), IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &models.AuditEvent{ID: "e1", ActorID: "p1", Kind: models.EventLogin, Timestamp: t0})
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.DeletePrincipal(ctx, "p1") }))

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		_, err := tx.GetSecurityProfile(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = tx.GetSessionByHash(ctx, []byte("h1"))
		assert.ErrorIs(t, err, ErrNotFound)
		holders, err := tx.ListRoleHolders(ctx, "r1")
		require.NoError(t, err)
		assert.Empty(t, holders)
		events, err := tx.QueryAudit(ctx, models.AuditFilter{ActorID: "p1"})
		require.NoError(t, err)
		assert.Len(t, events, 1)
		return nil
	}))
}

func TestMemoryConcurrentLoginFailuresCountOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "alice", "")
	policy := models.LockoutPolicy{Threshold: 5, Window: 15 * time.Minute, Duration: 30 * time.Minute}

	const workers = 20
	var locked atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := Write(ctx, s, func(tx Tx) (models.LoginOutcome, error) {
				return tx.RecordLoginFailure(ctx, "p1", t0, policy)
			})
			assert.NoError(t, err)
			if out.NewlyLocked {
				locked.Add(1)
			}
		}()
	}
	wg.Wait()

	sp, err := Read(ctx, s, func(tx Tx) (*models.SecurityProfile, error) { return tx.GetSecurityProfile(ctx, "p1") })
	require.NoError(t, err)
	assert.Equal(t, workers, sp.FailedLoginAttempts)
	assert.Equal(t, int32(1), locked.Load())
	require.NotNil(t, sp.LockoutUntil)
	assert.Equal(t, t0.Add(30*time.Minute), *sp.LockoutUntil)
}

func TestMemoryLoginFailureWindowResets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "alice", "")
	policy := models.LockoutPolicy{Threshold: 5, Window: 15 * time.Minute, Duration: 30 * time.Minute}

	fail := func(at time.Time) models.LoginOutcome {
		out, err := Write(ctx, s, func(tx Tx) (models.LoginOutcome, error) {
			return tx.RecordLoginFailure(ctx, "p1", at, policy)
		})
		require.NoError(t, err)
		return out
	}
	for i := 0; i < 4; i++ {
		fail(t0.Add(time.Duration(i) * time.Second))
	}
	out := fail(t0.Add(20 * time.Minute))
	assert.Equal(t, 1, out.FailedAttempts)
	assert.False(t, out.NewlyLocked)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.RecordLoginSuccess(ctx, "p1", t0.Add(21*time.Minute), "10.0.0.1")
	}))
	sp, _ := Read(ctx, s, func(tx Tx) (*models.SecurityProfile, error) { return tx.GetSecurityProfile(ctx, "p1") })
	assert.Zero(t, sp.FailedLoginAttempts)
	p, _ := Read(ctx, s, func(tx Tx) (*models.Principal, error) { return tx.GetPrincipal(ctx, "p1") })
	assert.Equal(t, "10.0.0.1", p.LastLoginSource)
}

func TestMemoryRoleAssignmentUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "alice", "")
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CreateRole(ctx, &models.Role{ID: "r1", Name: "TECHNICIAN", SecurityLevel: 2})
	}))

	assign := func() error {
		return s.InTx(ctx, func(tx Tx) error {
			return tx.CreateRoleAssignment(ctx, &models.RoleAssignment{PrincipalID: "p1", RoleID: "r1", State: models.AssignmentActive, EffectiveFrom: t0})
		})
	}
	require.NoError(t, assign())
	assert.ErrorIs(t, assign(), ErrAlreadyExists)

	as, err := Read(ctx, s, func(tx Tx) ([]models.RoleAssignment, error) { return tx.ListRoleAssignments(ctx, "p1") })
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, "TECHNICIAN", as[0].RoleName)
}

func TestMemorySessions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "alice", "")

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i, id := range []string{"s1", "s2", "s3"} {
			issued := t0.Add(time.Duration(i) * time.Minute)
			if err := tx.CreateSession(ctx, &models.Session{
				ID: id, PrincipalID: "p1", TokenHash: []byte("hash-" + id), IssuedAt: issued, ExpiresAt: issued.Add(time.Hour), LastActivity: issued,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	revokeAt := t0.Add(5 * time.Minute)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.RevokeSession(ctx, "s1", revokeAt) }))
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.RevokeSession(ctx, "s1", revokeAt.Add(time.Minute)) }))

	sess, err := Read(ctx, s, func(tx Tx) (*models.Session, error) { return tx.GetSession(ctx, "s1") })
	require.NoError(t, err)
	assert.Equal(t, revokeAt, *sess.RevokedAt)

	live, err := Read(ctx, s, func(tx Tx) ([]*models.Session, error) { return tx.ListLiveSessions(ctx, "p1", t0.Add(10*time.Minute)) })
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "s2", live[0].ID)

	// s2 expires at t0+61m, s3 at t0+62m
	live, _ = Read(ctx, s, func(tx Tx) ([]*models.Session, error) { return tx.ListLiveSessions(ctx, "", t0.Add(61*time.Minute)) })
	require.Len(t, live, 1)
	assert.Equal(t, "s3", live[0].ID)

	n, err := Write(ctx, s, func(tx Tx) (int, error) { return tx.RevokePrincipalSessions(ctx, "p1", revokeAt) })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryAuditOrderingAndFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		events := []models.AuditEvent{
			{ID: "01A", ActorID: "p1", Kind: models.EventLogin, Severity: models.SeverityLow, Action: "login", Timestamp: t0},
			{ID: "01B", ActorID: "p1", Kind: models.EventLogin, Severity: models.SeverityLow, Action: "login", Timestamp: t0},
			{ID: "01C", ActorID: "p2", Kind: models.EventAdminAction, Severity: models.SeverityHigh, Action: "approve registration", Timestamp: t0.Add(time.Second)},
		}
		for i := range events {
			if err := tx.AppendAudit(ctx, &events[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := Read(ctx, s, func(tx Tx) ([]*models.AuditEvent, error) { return tx.QueryAudit(ctx, models.AuditFilter{}) })
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"01C", "01B", "01A"}, []string{all[0].ID, all[1].ID, all[2].ID})

	second, _ := Read(ctx, s, func(tx Tx) ([]*models.AuditEvent, error) {
		return tx.QueryAudit(ctx, models.AuditFilter{Limit: 1, Offset: 1})
	})
	require.Len(t, second, 1)
	assert.Equal(t, "01B", second[0].ID)

	text, _ := Read(ctx, s, func(tx Tx) ([]*models.AuditEvent, error) {
		return tx.QueryAudit(ctx, models.AuditFilter{Text: "APPROVE"})
	})
	require.Len(t, text, 1)
	assert.Equal(t, "p2", text[0].ActorID)

	high, _ := Read(ctx, s, func(tx Tx) ([]*models.AuditEvent, error) {
		return tx.QueryAudit(ctx, models.AuditFilter{Severity: models.SeverityHigh, Kind: models.EventAdminAction})
	})
	assert.Len(t, high, 1)
}

func TestMemoryDueAssignments(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "alice", "")
	seedPrincipal(t, s, "p2", "bob", "")
	exp := t0.Add(time.Hour)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateRole(ctx, &models.Role{ID: "r1", Name: "NURSE", SecurityLevel: 1}); err != nil {
			return err
		}
		if err := tx.CreateRoleAssignment(ctx, &models.RoleAssignment{PrincipalID: "p1", RoleID: "r1", State: models.AssignmentApproved, EffectiveFrom: t0}); err != nil {
			return err
		}
		return tx.CreateRoleAssignment(ctx, &models.RoleAssignment{PrincipalID: "p2", RoleID: "r1", State: models.AssignmentActive, EffectiveFrom: t0, ExpiresAt: &exp})
	}))

	due, err := Read(ctx, s, func(tx Tx) ([]models.RoleAssignment, error) { return tx.ListDueAssignments(ctx, t0.Add(time.Minute)) })
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "p1", due[0].PrincipalID)

	due, _ = Read(ctx, s, func(tx Tx) ([]models.RoleAssignment, error) { return tx.ListDueAssignments(ctx, exp) })
	assert.Len(t, due, 2)
}

func TestMemoryPermissionGrants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "alice", "")
	exp := t0.Add(time.Hour)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreatePermission(ctx, &models.Permission{ID: "perm1", Codename: "export_report"}); err != nil {
			return err
		}
		return tx.CreatePermissionGrant(ctx, &models.DirectPermissionGrant{PrincipalID: "p1", PermissionID: "perm1", GrantedAt: t0, ExpiresAt: &exp, Active: true})
	}))

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.CreatePermissionGrant(ctx, &models.DirectPermissionGrant{PrincipalID: "p1", PermissionID: "perm1", GrantedAt: t0, Active: true})
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	n, err := Write(ctx, s, func(tx Tx) (int, error) { return tx.DeactivateExpiredGrants(ctx, exp) })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	grants, _ := Read(ctx, s, func(tx Tx) ([]models.DirectPermissionGrant, error) { return tx.ListPermissionGrants(ctx, "p1") })
	require.Len(t, grants, 1)
	assert.Equal(t, "export_report", grants[0].Codename)
	assert.False(t, grants[0].Active)

	// An inactive grant can be re-issued.
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CreatePermissionGrant(ctx, &models.DirectPermissionGrant{PrincipalID: "p1", PermissionID: "perm1", GrantedAt: exp, Active: true})
	}))
}

func TestMemoryLoginFailureWindowOpensAtFirstFailure(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPrincipal(t, s, "p1", "alice", "")
	policy := models.LockoutPolicy{Threshold: 3, Window: 15 * time.Minute, Duration: 30 * time.Minute}

	fail := func(at time.Time) models.LoginOutcome {
		out, err := Write(ctx, s, func(tx Tx) (models.LoginOutcome, error) {
			return tx.RecordLoginFailure(ctx, "p1", at, policy)
		})
		require.NoError(t, err)
		return out
	}
	// Failures 14 minutes apart never fall inside one window.
	for i := 0; i < 6; i++ {
		out := fail(t0.Add(time.Duration(i) * 14 * time.Minute))
		assert.False(t, out.NewlyLocked, "failure %d", i)
		assert.LessOrEqual(t, out.FailedAttempts, 2, "failure %d", i)
	}

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.RecordLoginSuccess(ctx, "p1", t0.Add(2*time.Hour), "10.0.0.1")
	}))
	start := t0.Add(3 * time.Hour)
	fail(start)
	fail(start.Add(time.Minute))
	out := fail(start.Add(2 * time.Minute))
	assert.True(t, out.NewlyLocked)
	sp, err := Read(ctx, s, func(tx Tx) (*models.SecurityProfile, error) { return tx.GetSecurityProfile(ctx, "p1") })
	require.NoError(t, err)
	require.NotNil(t, sp.FailureWindowStart)
	assert.Equal(t, start, *sp.FailureWindowStart)
}
