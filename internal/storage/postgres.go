package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/org/medgate/pkg/models"
)

// PostgresOptions tunes the connection pool and contention retry.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxRetries      uint64
}

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db         *sql.DB
	maxRetries uint64
}

// OpenPostgres connects through the pgx database/sql driver and returns a ready store.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return NewPostgresStore(db, opts.MaxRetries), nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB, maxRetries uint64) *PostgresStore {
	return &PostgresStore{db: db, maxRetries: maxRetries}
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return withRetry(ctx, s.maxRetries, func() error {
		return s.run(ctx, nil, true, fn)
	})
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return withRetry(ctx, s.maxRetries, func() error {
		return s.run(ctx, &sql.TxOptions{ReadOnly: true}, false, fn)
	})
}

func (s *PostgresStore) run(ctx context.Context, opts *sql.TxOptions, forUpdate bool, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&pgTx{q: tx, forUpdate: forUpdate}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type pgTx struct {
	q         querier
	forUpdate bool
}

func (t *pgTx) lockClause() string {
	if t.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// execOne runs a write that must touch exactly one row.
func (t *pgTx) execOne(ctx context.Context, query string, args ...any) error {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// where accumulates positional filter conditions. A "?" in cond is replaced
// by the placeholder of arg.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(w.args))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(w.args))
	}
	return b.String()
}

// --- Principals ---

const principalCols = `id, login, email, secret_hash, display_name, active, approved, suspended, superuser,
	created_at, last_login_at, last_login_source`

func scanPrincipal(row scanner) (*models.Principal, error) {
	var p models.Principal
	err := row.Scan(&p.ID, &p.Login, &p.Email, &p.SecretHash, &p.DisplayName, &p.Active, &p.Approved,
		&p.Suspended, &p.Superuser, &p.CreatedAt, &p.LastLoginAt, &p.LastLoginSource)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (t *pgTx) CreatePrincipal(ctx context.Context, p *models.Principal) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO principals (`+principalCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.Login, p.Email, p.SecretHash, p.DisplayName, p.Active, p.Approved, p.Suspended, p.Superuser,
		p.CreatedAt, p.LastLoginAt, p.LastLoginSource,
	)
	return mapErr(err)
}

func (t *pgTx) GetPrincipal(ctx context.Context, id string) (*models.Principal, error) {
	return scanPrincipal(t.q.QueryRowContext(ctx,
		`SELECT `+principalCols+` FROM principals WHERE id = $1`, id))
}

func (t *pgTx) FindPrincipal(ctx context.Context, loginOrEmail string) (*models.Principal, error) {
	return scanPrincipal(t.q.QueryRowContext(ctx,
		`SELECT `+principalCols+` FROM principals
		 WHERE lower(login) = $1 OR (email <> '' AND lower(email) = $1)
		 ORDER BY (lower(login) = $1) DESC LIMIT 1`,
		models.FoldIdentity(loginOrEmail)))
}

func (t *pgTx) LockPrincipal(ctx context.Context, id string) error {
	var got string
	err := t.q.QueryRowContext(ctx, `SELECT id FROM principals WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	return mapErr(err)
}

func (t *pgTx) UpdatePrincipal(ctx context.Context, p *models.Principal) error {
	return t.execOne(ctx,
		`UPDATE principals SET login = $2, email = $3, secret_hash = $4, display_name = $5, active = $6,
		        approved = $7, suspended = $8, superuser = $9, last_login_at = $10, last_login_source = $11
		 WHERE id = $1`,
		p.ID, p.Login, p.Email, p.SecretHash, p.DisplayName, p.Active, p.Approved, p.Suspended, p.Superuser,
		p.LastLoginAt, p.LastLoginSource,
	)
}

// DeletePrincipal relies on ON DELETE CASCADE for the owned rows.
func (t *pgTx) DeletePrincipal(ctx context.Context, id string) error {
	return t.execOne(ctx, `DELETE FROM principals WHERE id = $1`, id)
}

func (t *pgTx) ListPrincipals(ctx context.Context, f PrincipalFilter) ([]*models.Principal, error) {
	var w where
	if f.Active != nil {
		w.add("active = ?", *f.Active)
	}
	if f.Approved != nil {
		w.add("approved = ?", *f.Approved)
	}
	if f.Suspended != nil {
		w.add("suspended = ?", *f.Suspended)
	}
	if f.Text != "" {
		w.add("(login ILIKE ? OR email ILIKE ? OR display_name ILIKE ?)", "%"+f.Text+"%")
	}
	if f.RoleID != "" {
		w.add(`EXISTS (SELECT 1 FROM role_assignments ra
		        WHERE ra.principal_id = principals.id AND ra.role_id = ? AND ra.state = 'active')`, f.RoleID)
	}
	query := `SELECT ` + principalCols + ` FROM principals` + w.String() + ` ORDER BY login`
	query += w.page(f.Limit, f.Offset)
	rows, err := t.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPrincipal)
}

// --- Security profiles ---

const profileCols = `principal_id, failed_login_attempts, last_failed_login_at, lockout_until, allowed_sources,
	session_timeout_minutes, max_concurrent_sessions, account_status, force_secret_change, secret_expires_at,
	approved_by, approved_at, failure_window_start`

func scanProfile(row scanner) (*models.SecurityProfile, error) {
	var sp models.SecurityProfile
	var sources []byte
	err := row.Scan(&sp.PrincipalID, &sp.FailedLoginAttempts, &sp.LastFailedLoginAt, &sp.LockoutUntil, &sources,
		&sp.SessionTimeoutMinutes, &sp.MaxConcurrentSessions, &sp.AccountStatus, &sp.ForceSecretChange,
		&sp.SecretExpiresAt, &sp.ApprovedBy, &sp.ApprovedAt, &sp.FailureWindowStart)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &sp.AllowedSources); err != nil {
			return nil, fmt.Errorf("decoding allowed_sources: %w", err)
		}
	}
	return &sp, nil
}

func (t *pgTx) PutSecurityProfile(ctx context.Context, sp *models.SecurityProfile) error {
	sources := sp.AllowedSources
	if sources == nil {
		sources = []string{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO security_profiles (`+profileCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (principal_id) DO UPDATE SET
		   failed_login_attempts = EXCLUDED.failed_login_attempts,
		   last_failed_login_at = EXCLUDED.last_failed_login_at,
		   lockout_until = EXCLUDED.lockout_until,
		   allowed_sources = EXCLUDED.allowed_sources,
		   session_timeout_minutes = EXCLUDED.session_timeout_minutes,
		   max_concurrent_sessions = EXCLUDED.max_concurrent_sessions,
		   account_status = EXCLUDED.account_status,
		   force_secret_change = EXCLUDED.force_secret_change,
		   secret_expires_at = EXCLUDED.secret_expires_at,
		   approved_by = EXCLUDED.approved_by,
		   approved_at = EXCLUDED.approved_at,
		   failure_window_start = EXCLUDED.failure_window_start`,
		sp.PrincipalID, sp.FailedLoginAttempts, sp.LastFailedLoginAt, sp.LockoutUntil, string(raw),
		sp.SessionTimeoutMinutes, sp.MaxConcurrentSessions, sp.AccountStatus, sp.ForceSecretChange,
		sp.SecretExpiresAt, sp.ApprovedBy, sp.ApprovedAt, sp.FailureWindowStart,
	)
	return mapErr(err)
}

func (t *pgTx) GetSecurityProfile(ctx context.Context, principalID string) (*models.SecurityProfile, error) {
	return scanProfile(t.q.QueryRowContext(ctx,
		`SELECT `+profileCols+` FROM security_profiles WHERE principal_id = $1`, principalID))
}

// RecordLoginFailure is a single UPDATE so concurrent failures each count once.
// The window opens at the first failure; the counter restarts once it has closed.
func (t *pgTx) RecordLoginFailure(ctx context.Context, principalID string, now time.Time, policy models.LockoutPolicy) (models.LoginOutcome, error) {
	windowStart := now.Add(-policy.Window)
	until := now.Add(policy.Duration)
	var out models.LoginOutcome
	var newlyLocked sql.NullBool
	err := t.q.QueryRowContext(ctx,
		`WITH prev AS (
		   SELECT principal_id, lockout_until AS old_lockout,
		          failure_window_start IS NOT NULL AND failure_window_start >= $3 AS in_window,
		          failure_window_start AS old_start,
		          CASE WHEN failure_window_start IS NOT NULL AND failure_window_start >= $3
		               THEN failed_login_attempts + 1 ELSE 1 END AS attempts
		   FROM security_profiles WHERE principal_id = $1 FOR UPDATE
		 )
		 UPDATE security_profiles sp SET
		   failed_login_attempts = prev.attempts,
		   last_failed_login_at = $2,
		   failure_window_start = CASE WHEN prev.in_window THEN prev.old_start ELSE $2 END,
		   lockout_until = CASE
		     WHEN prev.attempts >= $4 AND (prev.old_lockout IS NULL OR prev.old_lockout <= $2) THEN $5
		     ELSE prev.old_lockout END
		 FROM prev
		 WHERE sp.principal_id = prev.principal_id
		 RETURNING sp.failed_login_attempts, sp.lockout_until,
		   prev.attempts >= $4 AND (prev.old_lockout IS NULL OR prev.old_lockout <= $2)`,
		principalID, now, windowStart, policy.Threshold, until,
	).Scan(&out.FailedAttempts, &out.LockoutUntil, &newlyLocked)
	if err != nil {
		return models.LoginOutcome{}, mapErr(err)
	}
	out.NewlyLocked = newlyLocked.Valid && newlyLocked.Bool
	return out, nil
}

func (t *pgTx) RecordLoginSuccess(ctx context.Context, principalID string, now time.Time, source string) error {
	if err := t.execOne(ctx,
		`UPDATE principals SET last_login_at = $2, last_login_source = $3 WHERE id = $1`,
		principalID, now, source); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx,
		`UPDATE security_profiles
		 SET failed_login_attempts = 0, last_failed_login_at = NULL, failure_window_start = NULL, lockout_until = NULL
		 WHERE principal_id = $1`, principalID)
	return mapErr(err)
}

func (t *pgTx) ListLockedProfiles(ctx context.Context, now time.Time) ([]*models.SecurityProfile, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+profileCols+` FROM security_profiles WHERE lockout_until > $1 ORDER BY lockout_until`, now)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanProfile)
}

// --- Roles ---

const roleCols = `id, name, display_name, category, security_level, COALESCE(parent_id, ''), system,
	requires_approval, max_session_minutes, ip_restricted, created_at, updated_at`

func scanRole(row scanner) (*models.Role, error) {
	var r models.Role
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Category, &r.SecurityLevel, &r.ParentID, &r.System,
		&r.RequiresApproval, &r.MaxSessionDuration, &r.IPRestricted, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

// roleGraphLockKey names the transaction-scoped advisory lock taken for hierarchy edits.
const roleGraphLockKey int64 = 0x6d67_726f_6c65

func (t *pgTx) LockRoleGraph(ctx context.Context) error {
	_, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, roleGraphLockKey)
	return mapErr(err)
}

func (t *pgTx) LockRole(ctx context.Context, id string) error {
	var got string
	err := t.q.QueryRowContext(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	return mapErr(err)
}

func (t *pgTx) CreateRole(ctx context.Context, r *models.Role) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO roles (id, name, display_name, category, security_level, parent_id, system,
		                    requires_approval, max_session_minutes, ip_restricted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Name, r.DisplayName, r.Category, r.SecurityLevel, r.ParentID, r.System,
		r.RequiresApproval, r.MaxSessionDuration, r.IPRestricted, r.CreatedAt, r.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) GetRole(ctx context.Context, id string) (*models.Role, error) {
	return scanRole(t.q.QueryRowContext(ctx, `SELECT `+roleCols+` FROM roles WHERE id = $1`, id))
}

func (t *pgTx) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	return scanRole(t.q.QueryRowContext(ctx, `SELECT `+roleCols+` FROM roles WHERE name = $1`, name))
}

func (t *pgTx) UpdateRole(ctx context.Context, r *models.Role) error {
	return t.execOne(ctx,
		`UPDATE roles SET name = $2, display_name = $3, category = $4, security_level = $5,
		        parent_id = NULLIF($6, ''), system = $7, requires_approval = $8, max_session_minutes = $9,
		        ip_restricted = $10, updated_at = $11
		 WHERE id = $1`,
		r.ID, r.Name, r.DisplayName, r.Category, r.SecurityLevel, r.ParentID, r.System,
		r.RequiresApproval, r.MaxSessionDuration, r.IPRestricted, r.UpdatedAt,
	)
}

func (t *pgTx) DeleteRole(ctx context.Context, id string) error {
	return t.execOne(ctx, `DELETE FROM roles WHERE id = $1`, id)
}

func (t *pgTx) ListRoles(ctx context.Context) ([]*models.Role, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+roleCols+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRole)
}

// --- Permissions ---

func scanPermission(row scanner) (*models.Permission, error) {
	var p models.Permission
	if err := row.Scan(&p.ID, &p.Codename, &p.DisplayName, &p.Category); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (t *pgTx) CreatePermission(ctx context.Context, p *models.Permission) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO permissions (id, codename, display_name, category) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Codename, p.DisplayName, p.Category)
	return mapErr(err)
}

func (t *pgTx) GetPermission(ctx context.Context, codename string) (*models.Permission, error) {
	return scanPermission(t.q.QueryRowContext(ctx,
		`SELECT id, codename, display_name, category FROM permissions WHERE codename = $1`, codename))
}

func (t *pgTx) ListPermissions(ctx context.Context) ([]*models.Permission, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT id, codename, display_name, category FROM permissions ORDER BY codename`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPermission)
}

func (t *pgTx) SetRolePermissions(ctx context.Context, roleID string, perms []models.RolePermission) error {
	var id string
	if err := t.q.QueryRowContext(ctx, `SELECT id FROM roles WHERE id = $1`+t.lockClause(), roleID).Scan(&id); err != nil {
		return mapErr(err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	for _, rp := range perms {
		_, err := t.q.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission_id, granted_by, granted_at, active)
			 VALUES ($1, $2, $3, $4, $5)`,
			roleID, rp.PermissionID, rp.GrantedBy, rp.GrantedAt, rp.Active)
		if err != nil {
			return fmt.Errorf("permission %s: %w", rp.PermissionID, mapErr(err))
		}
	}
	return nil
}

func (t *pgTx) ListRolePermissions(ctx context.Context, roleID string) ([]models.RolePermission, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT rp.role_id, rp.permission_id, p.codename, rp.granted_by, rp.granted_at, rp.active
		 FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = $1 ORDER BY p.codename`, roleID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row scanner) (models.RolePermission, error) {
		var rp models.RolePermission
		err := row.Scan(&rp.RoleID, &rp.PermissionID, &rp.Codename, &rp.GrantedBy, &rp.GrantedAt, &rp.Active)
		return rp, err
	})
}

// --- Direct grants ---

// CreatePermissionGrant replaces an inactive grant; an active one is a duplicate.
func (t *pgTx) CreatePermissionGrant(ctx context.Context, g *models.DirectPermissionGrant) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO direct_permission_grants (principal_id, permission_id, granted_by, granted_at, expires_at, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (principal_id, permission_id) DO UPDATE SET
		   granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at,
		   expires_at = EXCLUDED.expires_at, active = EXCLUDED.active
		 WHERE direct_permission_grants.active = FALSE`,
		g.PrincipalID, g.PermissionID, g.GrantedBy, g.GrantedAt, g.ExpiresAt, g.Active)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) DeletePermissionGrant(ctx context.Context, principalID, permissionID string) error {
	return t.execOne(ctx,
		`DELETE FROM direct_permission_grants WHERE principal_id = $1 AND permission_id = $2`,
		principalID, permissionID)
}

func (t *pgTx) ListPermissionGrants(ctx context.Context, principalID string) ([]models.DirectPermissionGrant, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT g.principal_id, g.permission_id, p.codename, g.granted_by, g.granted_at, g.expires_at, g.active
		 FROM direct_permission_grants g JOIN permissions p ON p.id = g.permission_id
		 WHERE g.principal_id = $1 ORDER BY p.codename`, principalID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row scanner) (models.DirectPermissionGrant, error) {
		var g models.DirectPermissionGrant
		err := row.Scan(&g.PrincipalID, &g.PermissionID, &g.Codename, &g.GrantedBy, &g.GrantedAt, &g.ExpiresAt, &g.Active)
		return g, err
	})
}

func (t *pgTx) DeactivateExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE direct_permission_grants SET active = FALSE
		 WHERE active AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Role assignments ---

const assignmentSelect = `SELECT ra.principal_id, ra.role_id, r.name, ra.state, ra.reason, ra.effective_from,
	ra.expires_at, ra.requested_by, ra.approved_by, ra.approved_at
	FROM role_assignments ra JOIN roles r ON r.id = ra.role_id`

func scanAssignment(row scanner) (models.RoleAssignment, error) {
	var a models.RoleAssignment
	err := row.Scan(&a.PrincipalID, &a.RoleID, &a.RoleName, &a.State, &a.Reason, &a.EffectiveFrom,
		&a.ExpiresAt, &a.RequestedBy, &a.ApprovedBy, &a.ApprovedAt)
	return a, mapErr(err)
}

func (t *pgTx) CreateRoleAssignment(ctx context.Context, a *models.RoleAssignment) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO role_assignments (principal_id, role_id, state, reason, effective_from, expires_at,
		                               requested_by, approved_by, approved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.PrincipalID, a.RoleID, a.State, a.Reason, a.EffectiveFrom, a.ExpiresAt,
		a.RequestedBy, a.ApprovedBy, a.ApprovedAt)
	return mapErr(err)
}

func (t *pgTx) GetRoleAssignment(ctx context.Context, principalID, roleID string) (*models.RoleAssignment, error) {
	query := assignmentSelect + ` WHERE ra.principal_id = $1 AND ra.role_id = $2`
	if t.forUpdate {
		query += ` FOR UPDATE OF ra`
	}
	a, err := scanAssignment(t.q.QueryRowContext(ctx, query, principalID, roleID))
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) UpdateRoleAssignment(ctx context.Context, a *models.RoleAssignment) error {
	return t.execOne(ctx,
		`UPDATE role_assignments SET state = $3, reason = $4, effective_from = $5, expires_at = $6,
		        requested_by = $7, approved_by = $8, approved_at = $9
		 WHERE principal_id = $1 AND role_id = $2`,
		a.PrincipalID, a.RoleID, a.State, a.Reason, a.EffectiveFrom, a.ExpiresAt,
		a.RequestedBy, a.ApprovedBy, a.ApprovedAt)
}

func (t *pgTx) listAssignments(ctx context.Context, cond string, args ...any) ([]models.RoleAssignment, error) {
	rows, err := t.q.QueryContext(ctx, assignmentSelect+` WHERE `+cond+` ORDER BY ra.principal_id, r.name`, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAssignment)
}

func (t *pgTx) ListRoleAssignments(ctx context.Context, principalID string) ([]models.RoleAssignment, error) {
	return t.listAssignments(ctx, `ra.principal_id = $1`, principalID)
}

func (t *pgTx) ListRoleHolders(ctx context.Context, roleID string) ([]models.RoleAssignment, error) {
	return t.listAssignments(ctx, `ra.role_id = $1`, roleID)
}

func (t *pgTx) ListDueAssignments(ctx context.Context, now time.Time) ([]models.RoleAssignment, error) {
	return t.listAssignments(ctx,
		`(ra.state = 'approved' AND ra.effective_from <= $1)
		 OR (ra.state = 'active' AND ra.expires_at IS NOT NULL AND ra.expires_at <= $1)`, now)
}

// --- Registration requests ---

const registrationCols = `id, login, email, secret_hash, display_name, state, rejection_reason, processed_by,
	processed_at, principal_id, source, submitted_at`

func scanRegistration(row scanner) (*models.RegistrationRequest, error) {
	var r models.RegistrationRequest
	err := row.Scan(&r.ID, &r.Login, &r.Email, &r.SecretHash, &r.DisplayName, &r.State, &r.RejectionReason,
		&r.ProcessedBy, &r.ProcessedAt, &r.PrincipalID, &r.Source, &r.SubmittedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (t *pgTx) CreateRegistration(ctx context.Context, r *models.RegistrationRequest) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO registration_requests (`+registrationCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Login, r.Email, r.SecretHash, r.DisplayName, r.State, r.RejectionReason,
		r.ProcessedBy, r.ProcessedAt, r.PrincipalID, r.Source, r.SubmittedAt)
	return mapErr(err)
}

func (t *pgTx) GetRegistration(ctx context.Context, id string) (*models.RegistrationRequest, error) {
	return scanRegistration(t.q.QueryRowContext(ctx,
		`SELECT `+registrationCols+` FROM registration_requests WHERE id = $1`+t.lockClause(), id))
}

func (t *pgTx) FindRegistration(ctx context.Context, loginOrEmail, state string) (*models.RegistrationRequest, error) {
	return scanRegistration(t.q.QueryRowContext(ctx,
		`SELECT `+registrationCols+` FROM registration_requests
		 WHERE (lower(login) = $1 OR lower(email) = $1) AND ($2 = '' OR state = $2)
		 ORDER BY submitted_at DESC LIMIT 1`,
		models.FoldIdentity(loginOrEmail), state))
}

func (t *pgTx) UpdateRegistration(ctx context.Context, r *models.RegistrationRequest) error {
	return t.execOne(ctx,
		`UPDATE registration_requests SET state = $2, rejection_reason = $3, processed_by = $4,
		        processed_at = $5, principal_id = $6
		 WHERE id = $1`,
		r.ID, r.State, r.RejectionReason, r.ProcessedBy, r.ProcessedAt, r.PrincipalID)
}

func (t *pgTx) ListRegistrations(ctx context.Context, state string, limit, offset int) ([]*models.RegistrationRequest, error) {
	var w where
	if state != "" {
		w.add("state = ?", state)
	}
	query := `SELECT ` + registrationCols + ` FROM registration_requests` + w.String() + ` ORDER BY submitted_at, id`
	query += w.page(limit, offset)
	rows, err := t.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRegistration)
}

// --- Sessions ---

const sessionCols = `id, principal_id, token_hash, issued_at, expires_at, revoked_at, source, user_agent,
	last_activity, risk_score, suspicious`

func scanSession(row scanner) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.PrincipalID, &s.TokenHash, &s.IssuedAt, &s.ExpiresAt, &s.RevokedAt, &s.Source,
		&s.UserAgent, &s.LastActivity, &s.RiskScore, &s.Suspicious)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (t *pgTx) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.PrincipalID, s.TokenHash, s.IssuedAt, s.ExpiresAt, s.RevokedAt, s.Source,
		s.UserAgent, s.LastActivity, s.RiskScore, s.Suspicious)
	return mapErr(err)
}

func (t *pgTx) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(t.q.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
}

func (t *pgTx) GetSessionByHash(ctx context.Context, hash []byte) (*models.Session, error) {
	return scanSession(t.q.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE token_hash = $1`, hash))
}

func (t *pgTx) TouchSession(ctx context.Context, id string, now time.Time) error {
	return t.execOne(ctx,
		`UPDATE sessions SET last_activity = GREATEST(last_activity, $2) WHERE id = $1`, id, now)
}

func (t *pgTx) RevokeSession(ctx context.Context, id string, now time.Time) error {
	return t.execOne(ctx,
		`UPDATE sessions SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, now)
}

func (t *pgTx) RevokePrincipalSessions(ctx context.Context, principalID string, now time.Time) (int, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE principal_id = $1 AND revoked_at IS NULL`, principalID, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *pgTx) ListLiveSessions(ctx context.Context, principalID string, now time.Time) ([]*models.Session, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE revoked_at IS NULL AND expires_at > $1 AND ($2 = '' OR principal_id = $2)
		 ORDER BY issued_at, id`, now, principalID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSession)
}

// --- Audit ---

const auditCols = `id, actor_id, subject_id, kind, severity, action, metadata, source, user_agent, success,
	error_message, error_kind, ts`

func scanAudit(row scanner) (*models.AuditEvent, error) {
	var e models.AuditEvent
	var meta []byte
	err := row.Scan(&e.ID, &e.ActorID, &e.SubjectID, &e.Kind, &e.Severity, &e.Action, &meta, &e.Source,
		&e.UserAgent, &e.Success, &e.ErrorMessage, &e.ErrorKind, &e.Timestamp)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding audit metadata: %w", err)
		}
	}
	return &e, nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e *models.AuditEvent) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ActorID, e.SubjectID, e.Kind, e.Severity, e.Action, string(raw), e.Source,
		e.UserAgent, e.Success, e.ErrorMessage, e.ErrorKind, e.Timestamp)
	return mapErr(err)
}

func (t *pgTx) QueryAudit(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	var w where
	if f.ActorID != "" {
		w.add("actor_id = ?", f.ActorID)
	}
	if f.Kind != "" {
		w.add("kind = ?", f.Kind)
	}
	if f.Severity != "" {
		w.add("severity = ?", f.Severity)
	}
	if f.Since != nil {
		w.add("ts >= ?", *f.Since)
	}
	if f.Until != nil {
		w.add("ts <= ?", *f.Until)
	}
	if f.Text != "" {
		w.add("(action ILIKE ? OR error_message ILIKE ?)", "%"+f.Text+"%")
	}
	query := `SELECT ` + auditCols + ` FROM audit_events` + w.String() + ` ORDER BY ts DESC, id DESC`
	query += w.page(f.Limit, f.Offset)
	rows, err := t.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAudit)
}

var _ Store = (*PostgresStore)(nil)
