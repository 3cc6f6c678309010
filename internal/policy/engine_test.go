package policy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// fixture is a small role graph: LEAD_DOCTOR -> DOCTOR, plus an unrelated NURSE.
type fixture struct {
	store *storage.MemoryStore
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storage.NewMemoryStore()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx storage.Tx) error {
		for _, e := range Catalogue {
			if err := tx.CreatePermission(ctx, &models.Permission{ID: "perm-" + e.Codename, Codename: e.Codename}); err != nil {
				return err
			}
		}
		roles := []models.Role{
			{ID: "r-doctor", Name: "DOCTOR", SecurityLevel: 3},
			{ID: "r-lead", Name: "LEAD_DOCTOR", SecurityLevel: 4, ParentID: "r-doctor"},
			{ID: "r-nurse", Name: "NURSE", SecurityLevel: 2},
		}
		for i := range roles {
			if err := tx.CreateRole(ctx, &roles[i]); err != nil {
				return err
			}
		}
		if err := tx.SetRolePermissions(ctx, "r-doctor", []models.RolePermission{
			{PermissionID: "perm-view_report", Active: true, GrantedAt: now},
			{PermissionID: "perm-edit_report", Active: false, GrantedAt: now},
		}); err != nil {
			return err
		}
		if err := tx.SetRolePermissions(ctx, "r-lead", []models.RolePermission{
			{PermissionID: "perm-export_report", Active: true, GrantedAt: now},
		}); err != nil {
			return err
		}
		if err := tx.SetRolePermissions(ctx, "r-nurse", []models.RolePermission{
			{PermissionID: "perm-view_patient", Active: true, GrantedAt: now},
		}); err != nil {
			return err
		}
		for _, p := range []models.Principal{
			{ID: "alice", Login: "alice"},
			{ID: "root", Login: "root", Superuser: true},
		} {
			p := p
			if err := tx.CreatePrincipal(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	return &fixture{store: s, eng: NewEngine(s, Options{DepthLimit: 8, CacheTTL: time.Minute})}
}

func (f *fixture) assign(t *testing.T, a models.RoleAssignment) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateRoleAssignment(context.Background(), &a)
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.eng.Invalidate(a.PrincipalID)
}

func (f *fixture) has(t *testing.T, principal, perm string, at time.Time) bool {
	t.Helper()
	ok, err := f.eng.Has(context.Background(), principal, perm, at)
	if err != nil {
		t.Fatalf("Has(%s, %s): %v", principal, perm, err)
	}
	return ok
}

func TestInheritedPermission(t *testing.T) {
	f := newFixture(t)
	f.assign(t, models.RoleAssignment{PrincipalID: "alice", RoleID: "r-lead", State: models.AssignmentActive, EffectiveFrom: now.Add(-time.Hour)})

	if !f.has(t, "alice", PermViewReport, now) {
		t.Error("LEAD_DOCTOR should inherit view_report from DOCTOR")
	}
	if !f.has(t, "alice", PermExportReport, now) {
		t.Error("expected export_report from LEAD_DOCTOR")
	}
	if f.has(t, "alice", PermEditReport, now) {
		t.Error("inactive role permission must not count")
	}
	if f.has(t, "alice", PermViewPatient, now) {
		t.Error("NURSE permission must not leak")
	}

	g, _ := f.eng.Effective(context.Background(), "alice", now)
	if !g.HasRole("DOCTOR") || !g.HasRole("LEAD_DOCTOR") || g.HasRole("NURSE") {
		t.Errorf("unexpected closure %v", g.RoleList())
	}
}

func TestSuperuserHoldsEverything(t *testing.T) {
	f := newFixture(t)
	for _, e := range Catalogue {
		if !f.has(t, "root", e.Codename, now) {
			t.Errorf("superuser should hold %s", e.Codename)
		}
	}
	if !f.has(t, "root", "not_even_defined", now) {
		t.Error("superuser bypass is unconditional")
	}
}

func TestOnlyEffectiveAssignmentsCount(t *testing.T) {
	expired := now.Add(-time.Minute)
	cases := []struct {
		name string
		a    models.RoleAssignment
	}{
		{"pending", models.RoleAssignment{State: models.AssignmentPending, EffectiveFrom: now.Add(-time.Hour)}},
		{"approved", models.RoleAssignment{State: models.AssignmentApproved, EffectiveFrom: now.Add(-time.Hour)}},
		{"future", models.RoleAssignment{State: models.AssignmentActive, EffectiveFrom: now.Add(time.Hour)}},
		{"expired", models.RoleAssignment{State: models.AssignmentActive, EffectiveFrom: now.Add(-time.Hour), ExpiresAt: &expired}},
		{"revoked", models.RoleAssignment{State: models.AssignmentRevoked, EffectiveFrom: now.Add(-time.Hour)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			a := tc.a
			a.PrincipalID, a.RoleID = "alice", "r-doctor"
			f.assign(t, a)
			if f.has(t, "alice", PermViewReport, now) {
				t.Errorf("%s assignment must not be effective", tc.name)
			}
		})
	}
}

func TestDirectGrantExpiryIsHonouredDespiteCache(t *testing.T) {
	f := newFixture(t)
	exp := now.Add(10 * time.Minute)
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreatePermissionGrant(context.Background(), &models.DirectPermissionGrant{
			PrincipalID: "alice", PermissionID: "perm-view_audit_log", GrantedAt: now, ExpiresAt: &exp, Active: true,
		})
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	if !f.has(t, "alice", PermViewAuditLog, now) {
		t.Fatal("expected direct grant to count")
	}
	if !f.has(t, "alice", PermViewAuditLog, exp.Add(-time.Second)) {
		t.Error("grant should still count before expiry")
	}
	if f.has(t, "alice", PermViewAuditLog, exp) {
		t.Error("grant must not count at expiry even when cached")
	}
}

func TestInvalidateDropsStaleResult(t *testing.T) {
	f := newFixture(t)
	if f.has(t, "alice", PermViewPatient, now) {
		t.Fatal("alice starts without view_patient")
	}
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateRoleAssignment(context.Background(), &models.RoleAssignment{
			PrincipalID: "alice", RoleID: "r-nurse", State: models.AssignmentActive, EffectiveFrom: now.Add(-time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if f.has(t, "alice", PermViewPatient, now) {
		t.Error("cached result expected until invalidation")
	}
	f.eng.Invalidate("alice")
	if !f.has(t, "alice", PermViewPatient, now) {
		t.Error("expected fresh result after invalidation")
	}
}

func TestActiveAssignmentBecomesEffectiveOnSchedule(t *testing.T) {
	f := newFixture(t)
	start := now.Add(5 * time.Minute)
	f.assign(t, models.RoleAssignment{PrincipalID: "alice", RoleID: "r-nurse", State: models.AssignmentActive, EffectiveFrom: start})

	if f.has(t, "alice", PermViewPatient, now) {
		t.Error("assignment not yet effective")
	}
	if !f.has(t, "alice", PermViewPatient, start) {
		t.Error("assignment effective from its start even with a cached result")
	}
}

func TestDepthLimit(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreatePermission(ctx, &models.Permission{ID: "p", Codename: "deep"}); err != nil {
			return err
		}
		parent := ""
		for _, id := range []string{"r0", "r1", "r2", "r3"} {
			if err := tx.CreateRole(ctx, &models.Role{ID: id, Name: id, SecurityLevel: 1, ParentID: parent}); err != nil {
				return err
			}
			parent = id
		}
		if err := tx.SetRolePermissions(ctx, "r0", []models.RolePermission{{PermissionID: "p", Active: true}}); err != nil {
			return err
		}
		if err := tx.CreatePrincipal(ctx, &models.Principal{ID: "u", Login: "u"}); err != nil {
			return err
		}
		return tx.CreateRoleAssignment(ctx, &models.RoleAssignment{PrincipalID: "u", RoleID: "r3", State: models.AssignmentActive, EffectiveFrom: now.Add(-time.Hour)})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	shallow := NewEngine(s, Options{DepthLimit: 3})
	if ok, _ := shallow.Has(ctx, "u", "deep", now); ok {
		t.Error("r0 is beyond a depth limit of 3")
	}
	deep := NewEngine(s, Options{DepthLimit: 4})
	if ok, _ := deep.Has(ctx, "u", "deep", now); !ok {
		t.Error("r0 is within a depth limit of 4")
	}
}

func TestCanUsesActionTable(t *testing.T) {
	f := newFixture(t)
	f.assign(t, models.RoleAssignment{PrincipalID: "alice", RoleID: "r-doctor", State: models.AssignmentActive, EffectiveFrom: now.Add(-time.Hour)})

	ok, err := f.eng.Can(context.Background(), "alice", "report", "view", now)
	if err != nil || !ok {
		t.Errorf("expected report:view allowed, got ok=%v err=%v", ok, err)
	}
	ok, _ = f.eng.Can(context.Background(), "alice", "report", "delete", now)
	if ok {
		t.Error("expected report:delete denied")
	}
	if _, err := f.eng.Can(context.Background(), "alice", "report", "teleport", now); err == nil {
		t.Error("expected error for unmapped action")
	}
}

func TestUnknownPrincipal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eng.Has(context.Background(), "ghost", PermViewReport, now); err != ErrUnknownPrincipal {
		t.Errorf("expected ErrUnknownPrincipal, got %v", err)
	}
}

// pausingStore holds the first View after its read until release is closed.
type pausingStore struct {
	*storage.MemoryStore
	calls   atomic.Int32
	read    chan struct{}
	release chan struct{}
}

func (s *pausingStore) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	err := s.MemoryStore.View(ctx, fn)
	if s.calls.Add(1) == 1 {
		close(s.read)
		<-s.release
	}
	return err
}

func TestFillStartedBeforeRevocationIsNotShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.CreatePermissionGrant(ctx, &models.DirectPermissionGrant{
			PrincipalID: "alice", PermissionID: "perm-view_audit_log", GrantedAt: now, Active: true,
		})
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	ps := &pausingStore{MemoryStore: f.store, read: make(chan struct{}), release: make(chan struct{})}
	eng := NewEngine(ps, Options{DepthLimit: 8, CacheTTL: time.Minute})

	first := make(chan error, 1)
	go func() {
		_, err := eng.Effective(ctx, "alice", now)
		first <- err
	}()
	<-ps.read

	err = f.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.DeletePermissionGrant(ctx, "alice", "perm-view_audit_log")
	})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	eng.Invalidate("alice")

	second := make(chan *Grants, 1)
	go func() {
		g, err := eng.Effective(ctx, "alice", now)
		if err != nil {
			t.Errorf("Effective after revoke: %v", err)
		}
		second <- g
	}()
	select {
	case g := <-second:
		if g != nil && g.Has(PermViewAuditLog) {
			t.Error("revoked grant returned by a fill that started after the revocation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call after invalidation waited on the earlier fill")
	}

	close(ps.release)
	if err := <-first; err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if ok, err := eng.Has(ctx, "alice", PermViewAuditLog, now); err != nil || ok {
		t.Errorf("Has after revoke = %v, %v; want false", ok, err)
	}
}
