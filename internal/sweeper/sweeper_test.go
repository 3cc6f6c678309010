package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

func TestSweepTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	start, end, later := now.Add(-time.Minute), now.Add(-time.Second), now.Add(time.Hour)

	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		for _, r := range []string{"DOCTOR", "NURSE", "TECHNICIAN"} {
			if err := tx.CreateRole(ctx, &models.Role{ID: r, Name: r, Category: models.CategoryMedical, SecurityLevel: 2}); err != nil {
				return err
			}
		}
		if err := tx.CreatePermission(ctx, &models.Permission{ID: "p1", Codename: policy.PermExportReport}); err != nil {
			return err
		}
		if err := tx.CreatePrincipal(ctx, &models.Principal{ID: "bob", Login: "bob", Active: true, Approved: true}); err != nil {
			return err
		}
		for _, a := range []models.RoleAssignment{
			{PrincipalID: "bob", RoleID: "DOCTOR", State: models.AssignmentApproved, EffectiveFrom: start},
			{PrincipalID: "bob", RoleID: "NURSE", State: models.AssignmentActive, EffectiveFrom: start.Add(-time.Hour), ExpiresAt: &end},
			{PrincipalID: "bob", RoleID: "TECHNICIAN", State: models.AssignmentApproved, EffectiveFrom: later},
		} {
			if err := tx.CreateRoleAssignment(ctx, &a); err != nil {
				return err
			}
		}
		return tx.CreatePermissionGrant(ctx, &models.DirectPermissionGrant{PrincipalID: "bob", PermissionID: "p1", GrantedAt: start, ExpiresAt: &end, Active: true})
	}))

	engine := policy.NewEngine(store, policy.Options{})
	log := audit.NewLogger(store, time.Second)
	sw := New(store, engine, log, func() time.Time { return now })

	rep, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Activated: 1, Expired: 1, GrantsExpired: 1}, rep)

	again, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, again, "second pass is a no-op")

	g, err := engine.Effective(ctx, "bob", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"DOCTOR"}, g.RoleList())
	assert.False(t, g.Has(policy.PermExportReport))

	evs, err := log.Query(ctx, models.AuditFilter{Kind: models.EventRoleChange})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	for _, e := range evs {
		assert.Empty(t, e.ActorID)
		assert.Equal(t, "bob", e.SubjectID)
		assert.True(t, e.Success)
	}
	grants, err := log.Query(ctx, models.AuditFilter{Kind: models.EventPermissionChange})
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	sw := New(storage.NewMemoryStore(), policy.NewEngine(storage.NewMemoryStore(), policy.Options{}), nil, nil)
	c := cron.New()
	assert.Error(t, sw.Schedule(context.Background(), c, "every now and then"))
	assert.NoError(t, sw.Schedule(context.Background(), c, "@every 1m"))
	assert.Len(t, c.Entries(), 1)
}
