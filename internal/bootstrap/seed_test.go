package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/crypto"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hasher := crypto.NewSecretHasher(crypto.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1, KeyLength: 16, SaltLength: 8})
	log := audit.NewLogger(store, time.Second)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	admin := Admin{Login: "admin", Email: "admin@x.test", Secret: "Adm1n-secret!"}

	first, err := Seed(ctx, store, hasher, log, admin, now)
	require.NoError(t, err)
	assert.Equal(t, len(policy.Catalogue), first.Permissions)
	assert.Equal(t, len(roleSeeds), first.Roles)
	require.NotEmpty(t, first.AdminID)

	second, err := Seed(ctx, store, hasher, log, admin, now)
	require.NoError(t, err)
	assert.Equal(t, Result{}, second)

	eng := policy.NewEngine(store, policy.Options{})
	g, err := eng.Effective(ctx, first.AdminID, now)
	require.NoError(t, err)
	assert.True(t, g.Superuser)
	assert.True(t, g.HasRole(policy.RoleAdmin))

	err = store.View(ctx, func(tx storage.Tx) error {
		lead, err := tx.GetRoleByName(ctx, "LEAD_DOCTOR")
		require.NoError(t, err)
		doctor, err := tx.GetRoleByName(ctx, "DOCTOR")
		require.NoError(t, err)
		assert.Equal(t, doctor.ID, lead.ParentID)

		adminRole, err := tx.GetRoleByName(ctx, policy.RoleAdmin)
		require.NoError(t, err)
		assert.True(t, adminRole.System)
		rps, err := tx.ListRolePermissions(ctx, adminRole.ID)
		require.NoError(t, err)
		assert.Len(t, rps, len(policy.Catalogue))
		return nil
	})
	require.NoError(t, err)

	evs, err := log.Query(ctx, models.AuditFilter{Kind: models.EventSystemAction})
	require.NoError(t, err)
	assert.Len(t, evs, 1, "second run records nothing")
}
