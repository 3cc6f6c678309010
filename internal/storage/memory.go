package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/medgate/pkg/models"
)

// MemoryStore is a Store held in process memory. A write transaction works
// on a copy of the state that replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	principals    map[string]models.Principal
	logins        map[string]string // folded login -> id
	emails        map[string]string // folded email -> id
	profiles      map[string]models.SecurityProfile
	roles         map[string]models.Role
	roleNames     map[string]string
	perms         map[string]models.Permission
	permCodes     map[string]string
	rolePerms     map[string]map[string]models.RolePermission        // role -> perm
	grants        map[string]map[string]models.DirectPermissionGrant // principal -> perm
	assignments   map[string]map[string]models.RoleAssignment        // principal -> role
	registrations map[string]models.RegistrationRequest
	sessions      map[string]models.Session
	sessionHashes map[string]string
	audit         []models.AuditEvent
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		principals:    map[string]models.Principal{},
		logins:        map[string]string{},
		emails:        map[string]string{},
		profiles:      map[string]models.SecurityProfile{},
		roles:         map[string]models.Role{},
		roleNames:     map[string]string{},
		perms:         map[string]models.Permission{},
		permCodes:     map[string]string{},
		rolePerms:     map[string]map[string]models.RolePermission{},
		grants:        map[string]map[string]models.DirectPermissionGrant{},
		assignments:   map[string]map[string]models.RoleAssignment{},
		registrations: map[string]models.RegistrationRequest{},
		sessions:      map[string]models.Session{},
		sessionHashes: map[string]string{},
	}}
}

func cloneNested[V any](m map[string]map[string]V) map[string]map[string]V {
	out := make(map[string]map[string]V, len(m))
	for k, inner := range m {
		out[k] = maps.Clone(inner)
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		principals:    maps.Clone(s.principals),
		logins:        maps.Clone(s.logins),
		emails:        maps.Clone(s.emails),
		profiles:      maps.Clone(s.profiles),
		roles:         maps.Clone(s.roles),
		roleNames:     maps.Clone(s.roleNames),
		perms:         maps.Clone(s.perms),
		permCodes:     maps.Clone(s.permCodes),
		rolePerms:     cloneNested(s.rolePerms),
		grants:        cloneNested(s.grants),
		assignments:   cloneNested(s.assignments),
		registrations: maps.Clone(s.registrations),
		sessions:      maps.Clone(s.sessions),
		sessionHashes: maps.Clone(s.sessionHashes),
		audit:         slices.Clone(s.audit),
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{st: m.state, readOnly: true})
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() {}

type memTx struct {
	st       *memState
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

// --- Principals ---

func (t *memTx) CreatePrincipal(_ context.Context, p *models.Principal) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.principals[p.ID]; ok {
		return ErrAlreadyExists
	}
	login, email := models.FoldIdentity(p.Login), models.FoldIdentity(p.Email)
	if taken(t.st.logins, login, "") || taken(t.st.emails, email, "") {
		return ErrAlreadyExists
	}
	t.st.principals[p.ID] = *p
	t.st.logins[login] = p.ID
	if email != "" {
		t.st.emails[email] = p.ID
	}
	return nil
}

// taken reports whether key is indexed for a principal other than except.
func taken(index map[string]string, key, except string) bool {
	if key == "" {
		return false
	}
	id, ok := index[key]
	return ok && id != except
}

func (t *memTx) GetPrincipal(_ context.Context, id string) (*models.Principal, error) {
	p, ok := t.st.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) FindPrincipal(ctx context.Context, loginOrEmail string) (*models.Principal, error) {
	key := models.FoldIdentity(loginOrEmail)
	if id, ok := t.st.logins[key]; ok {
		return t.GetPrincipal(ctx, id)
	}
	if id, ok := t.st.emails[key]; ok {
		return t.GetPrincipal(ctx, id)
	}
	return nil, ErrNotFound
}

// LockPrincipal only checks existence; the store-wide write lock already serialises writers.
func (t *memTx) LockPrincipal(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.principals[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (t *memTx) UpdatePrincipal(_ context.Context, p *models.Principal) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.st.principals[p.ID]
	if !ok {
		return ErrNotFound
	}
	login, email := models.FoldIdentity(p.Login), models.FoldIdentity(p.Email)
	if taken(t.st.logins, login, p.ID) || taken(t.st.emails, email, p.ID) {
		return ErrAlreadyExists
	}
	delete(t.st.logins, models.FoldIdentity(old.Login))
	delete(t.st.emails, models.FoldIdentity(old.Email))
	t.st.logins[login] = p.ID
	if email != "" {
		t.st.emails[email] = p.ID
	}
	t.st.principals[p.ID] = *p
	return nil
}

func (t *memTx) DeletePrincipal(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, ok := t.st.principals[id]
	if !ok {
		return ErrNotFound
	}
	delete(t.st.principals, id)
	delete(t.st.logins, models.FoldIdentity(p.Login))
	delete(t.st.emails, models.FoldIdentity(p.Email))
	delete(t.st.profiles, id)
	delete(t.st.grants, id)
	delete(t.st.assignments, id)
	for sid, s := range t.st.sessions {
		if s.PrincipalID == id {
			delete(t.st.sessions, sid)
			delete(t.st.sessionHashes, string(s.TokenHash))
		}
	}
	return nil
}

func (t *memTx) ListPrincipals(_ context.Context, f PrincipalFilter) ([]*models.Principal, error) {
	text := strings.ToLower(f.Text)
	var out []*models.Principal
	for _, p := range t.st.principals {
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		if f.Approved != nil && p.Approved != *f.Approved {
			continue
		}
		if f.Suspended != nil && p.Suspended != *f.Suspended {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(p.Login), text) &&
			!strings.Contains(strings.ToLower(p.Email), text) &&
			!strings.Contains(strings.ToLower(p.DisplayName), text) {
			continue
		}
		if f.RoleID != "" {
			a, ok := t.st.assignments[p.ID][f.RoleID]
			if !ok || a.State != models.AssignmentActive {
				continue
			}
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return page(out, f.Limit, f.Offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// --- Security profiles ---

func (t *memTx) PutSecurityProfile(_ context.Context, sp *models.SecurityProfile) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.principals[sp.PrincipalID]; !ok {
		return ErrNotFound
	}
	cp := *sp
	cp.AllowedSources = slices.Clone(sp.AllowedSources)
	t.st.profiles[sp.PrincipalID] = cp
	return nil
}

func (t *memTx) GetSecurityProfile(_ context.Context, principalID string) (*models.SecurityProfile, error) {
	sp, ok := t.st.profiles[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	sp.AllowedSources = slices.Clone(sp.AllowedSources)
	return &sp, nil
}

func (t *memTx) RecordLoginFailure(_ context.Context, principalID string, now time.Time, policy models.LockoutPolicy) (models.LoginOutcome, error) {
	if err := t.writable(); err != nil {
		return models.LoginOutcome{}, err
	}
	sp, ok := t.st.profiles[principalID]
	if !ok {
		return models.LoginOutcome{}, ErrNotFound
	}
	// The window opens at the first failure; a failure after it closes starts a fresh count.
	if sp.FailureWindowStart == nil || now.Sub(*sp.FailureWindowStart) > policy.Window {
		sp.FailedLoginAttempts = 0
		start := now
		sp.FailureWindowStart = &start
	}
	sp.FailedLoginAttempts++
	sp.LastFailedLoginAt = &now
	out := models.LoginOutcome{FailedAttempts: sp.FailedLoginAttempts}
	if sp.FailedLoginAttempts >= policy.Threshold && !sp.LockedAt(now) {
		until := now.Add(policy.Duration)
		sp.LockoutUntil = &until
		out.NewlyLocked = true
	}
	out.LockoutUntil = sp.LockoutUntil
	t.st.profiles[principalID] = sp
	return out, nil
}

func (t *memTx) RecordLoginSuccess(_ context.Context, principalID string, now time.Time, source string) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, ok := t.st.principals[principalID]
	if !ok {
		return ErrNotFound
	}
	p.LastLoginAt = &now
	p.LastLoginSource = source
	t.st.principals[principalID] = p
	if sp, ok := t.st.profiles[principalID]; ok {
		sp.FailedLoginAttempts = 0
		sp.LastFailedLoginAt = nil
		sp.FailureWindowStart = nil
		sp.LockoutUntil = nil
		t.st.profiles[principalID] = sp
	}
	return nil
}

func (t *memTx) ListLockedProfiles(_ context.Context, now time.Time) ([]*models.SecurityProfile, error) {
	var out []*models.SecurityProfile
	for _, sp := range t.st.profiles {
		if sp.LockedAt(now) {
			sp := sp
			sp.AllowedSources = slices.Clone(sp.AllowedSources)
			out = append(out, &sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockoutUntil.Before(*out[j].LockoutUntil) })
	return out, nil
}

// --- Roles ---

// LockRoleGraph only checks writability; the store-wide write lock already serialises writers.
func (t *memTx) LockRoleGraph(_ context.Context) error {
	return t.writable()
}

func (t *memTx) LockRole(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.roles[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (t *memTx) CreateRole(_ context.Context, r *models.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.roles[r.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := t.st.roleNames[r.Name]; ok {
		return ErrAlreadyExists
	}
	t.st.roles[r.ID] = *r
	t.st.roleNames[r.Name] = r.ID
	return nil
}

func (t *memTx) GetRole(_ context.Context, id string) (*models.Role, error) {
	r, ok := t.st.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memTx) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	id, ok := t.st.roleNames[name]
	if !ok {
		return nil, ErrNotFound
	}
	return t.GetRole(ctx, id)
}

func (t *memTx) UpdateRole(_ context.Context, r *models.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.st.roles[r.ID]
	if !ok {
		return ErrNotFound
	}
	if id, ok := t.st.roleNames[r.Name]; ok && id != r.ID {
		return ErrAlreadyExists
	}
	delete(t.st.roleNames, old.Name)
	t.st.roleNames[r.Name] = r.ID
	t.st.roles[r.ID] = *r
	return nil
}

func (t *memTx) DeleteRole(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	r, ok := t.st.roles[id]
	if !ok {
		return ErrNotFound
	}
	delete(t.st.roles, id)
	delete(t.st.roleNames, r.Name)
	delete(t.st.rolePerms, id)
	for pid, byRole := range t.st.assignments {
		delete(byRole, id)
		if len(byRole) == 0 {
			delete(t.st.assignments, pid)
		}
	}
	// Children lose their parent link.
	for cid, c := range t.st.roles {
		if c.ParentID == id {
			c.ParentID = ""
			t.st.roles[cid] = c
		}
	}
	return nil
}

func (t *memTx) ListRoles(_ context.Context) ([]*models.Role, error) {
	out := make([]*models.Role, 0, len(t.st.roles))
	for _, r := range t.st.roles {
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Permissions ---

func (t *memTx) CreatePermission(_ context.Context, p *models.Permission) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.permCodes[p.Codename]; ok {
		return ErrAlreadyExists
	}
	t.st.perms[p.ID] = *p
	t.st.permCodes[p.Codename] = p.ID
	return nil
}

func (t *memTx) GetPermission(_ context.Context, codename string) (*models.Permission, error) {
	id, ok := t.st.permCodes[codename]
	if !ok {
		return nil, ErrNotFound
	}
	p := t.st.perms[id]
	return &p, nil
}

func (t *memTx) ListPermissions(_ context.Context) ([]*models.Permission, error) {
	out := make([]*models.Permission, 0, len(t.st.perms))
	for _, p := range t.st.perms {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

func (t *memTx) SetRolePermissions(_ context.Context, roleID string, perms []models.RolePermission) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.roles[roleID]; !ok {
		return ErrNotFound
	}
	set := make(map[string]models.RolePermission, len(perms))
	for _, rp := range perms {
		p, ok := t.st.perms[rp.PermissionID]
		if !ok {
			return fmt.Errorf("permission %s: %w", rp.PermissionID, ErrNotFound)
		}
		rp.RoleID = roleID
		rp.Codename = p.Codename
		set[rp.PermissionID] = rp
	}
	t.st.rolePerms[roleID] = set
	return nil
}

func (t *memTx) ListRolePermissions(_ context.Context, roleID string) ([]models.RolePermission, error) {
	out := make([]models.RolePermission, 0, len(t.st.rolePerms[roleID]))
	for _, rp := range t.st.rolePerms[roleID] {
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

// --- Direct grants ---

func (t *memTx) CreatePermissionGrant(_ context.Context, g *models.DirectPermissionGrant) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.principals[g.PrincipalID]; !ok {
		return ErrNotFound
	}
	p, ok := t.st.perms[g.PermissionID]
	if !ok {
		return ErrNotFound
	}
	if existing, ok := t.st.grants[g.PrincipalID][g.PermissionID]; ok && existing.Active {
		return ErrAlreadyExists
	}
	cp := *g
	cp.Codename = p.Codename
	if t.st.grants[g.PrincipalID] == nil {
		t.st.grants[g.PrincipalID] = map[string]models.DirectPermissionGrant{}
	}
	t.st.grants[g.PrincipalID][g.PermissionID] = cp
	return nil
}

func (t *memTx) DeletePermissionGrant(_ context.Context, principalID, permissionID string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.grants[principalID][permissionID]; !ok {
		return ErrNotFound
	}
	delete(t.st.grants[principalID], permissionID)
	return nil
}

func (t *memTx) ListPermissionGrants(_ context.Context, principalID string) ([]models.DirectPermissionGrant, error) {
	out := make([]models.DirectPermissionGrant, 0, len(t.st.grants[principalID]))
	for _, g := range t.st.grants[principalID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

func (t *memTx) DeactivateExpiredGrants(_ context.Context, now time.Time) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	n := 0
	for _, byPerm := range t.st.grants {
		for pid, g := range byPerm {
			if g.Active && g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
				g.Active = false
				byPerm[pid] = g
				n++
			}
		}
	}
	return n, nil
}

// --- Role assignments ---

func (t *memTx) CreateRoleAssignment(_ context.Context, a *models.RoleAssignment) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.principals[a.PrincipalID]; !ok {
		return ErrNotFound
	}
	r, ok := t.st.roles[a.RoleID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := t.st.assignments[a.PrincipalID][a.RoleID]; ok {
		return ErrAlreadyExists
	}
	cp := *a
	cp.RoleName = r.Name
	if t.st.assignments[a.PrincipalID] == nil {
		t.st.assignments[a.PrincipalID] = map[string]models.RoleAssignment{}
	}
	t.st.assignments[a.PrincipalID][a.RoleID] = cp
	return nil
}

func (t *memTx) GetRoleAssignment(_ context.Context, principalID, roleID string) (*models.RoleAssignment, error) {
	a, ok := t.st.assignments[principalID][roleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memTx) UpdateRoleAssignment(_ context.Context, a *models.RoleAssignment) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.st.assignments[a.PrincipalID][a.RoleID]
	if !ok {
		return ErrNotFound
	}
	cp := *a
	cp.RoleName = old.RoleName
	t.st.assignments[a.PrincipalID][a.RoleID] = cp
	return nil
}

func sortAssignments(out []models.RoleAssignment) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].PrincipalID != out[j].PrincipalID {
			return out[i].PrincipalID < out[j].PrincipalID
		}
		return out[i].RoleName < out[j].RoleName
	})
}

func (t *memTx) ListRoleAssignments(_ context.Context, principalID string) ([]models.RoleAssignment, error) {
	out := make([]models.RoleAssignment, 0, len(t.st.assignments[principalID]))
	for _, a := range t.st.assignments[principalID] {
		out = append(out, a)
	}
	sortAssignments(out)
	return out, nil
}

func (t *memTx) ListRoleHolders(_ context.Context, roleID string) ([]models.RoleAssignment, error) {
	var out []models.RoleAssignment
	for _, byRole := range t.st.assignments {
		if a, ok := byRole[roleID]; ok {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (t *memTx) ListDueAssignments(_ context.Context, now time.Time) ([]models.RoleAssignment, error) {
	var out []models.RoleAssignment
	for _, byRole := range t.st.assignments {
		for _, a := range byRole {
			switch {
			case a.State == models.AssignmentApproved && !now.Before(a.EffectiveFrom):
				out = append(out, a)
			case a.State == models.AssignmentActive && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt):
				out = append(out, a)
			}
		}
	}
	sortAssignments(out)
	return out, nil
}

// --- Registration requests ---

func (t *memTx) CreateRegistration(_ context.Context, r *models.RegistrationRequest) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.registrations[r.ID]; ok {
		return ErrAlreadyExists
	}
	t.st.registrations[r.ID] = *r
	return nil
}

func (t *memTx) GetRegistration(_ context.Context, id string) (*models.RegistrationRequest, error) {
	r, ok := t.st.registrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memTx) FindRegistration(_ context.Context, loginOrEmail, state string) (*models.RegistrationRequest, error) {
	key := models.FoldIdentity(loginOrEmail)
	var found *models.RegistrationRequest
	for _, r := range t.st.registrations {
		if state != "" && r.State != state {
			continue
		}
		if models.FoldIdentity(r.Login) != key && models.FoldIdentity(r.Email) != key {
			continue
		}
		if found == nil || r.SubmittedAt.After(found.SubmittedAt) {
			r := r
			found = &r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (t *memTx) UpdateRegistration(_ context.Context, r *models.RegistrationRequest) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.registrations[r.ID]; !ok {
		return ErrNotFound
	}
	t.st.registrations[r.ID] = *r
	return nil
}

func (t *memTx) ListRegistrations(_ context.Context, state string, limit, offset int) ([]*models.RegistrationRequest, error) {
	var out []*models.RegistrationRequest
	for _, r := range t.st.registrations {
		if state != "" && r.State != state {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, limit, offset), nil
}

// --- Sessions ---

func (t *memTx) CreateSession(_ context.Context, s *models.Session) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.principals[s.PrincipalID]; !ok {
		return ErrNotFound
	}
	if _, ok := t.st.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := t.st.sessionHashes[string(s.TokenHash)]; ok {
		return ErrAlreadyExists
	}
	cp := *s
	cp.TokenHash = slices.Clone(s.TokenHash)
	t.st.sessions[s.ID] = cp
	t.st.sessionHashes[string(s.TokenHash)] = s.ID
	return nil
}

func (t *memTx) GetSession(_ context.Context, id string) (*models.Session, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (t *memTx) GetSessionByHash(ctx context.Context, hash []byte) (*models.Session, error) {
	id, ok := t.st.sessionHashes[string(hash)]
	if !ok {
		return nil, ErrNotFound
	}
	return t.GetSession(ctx, id)
}

func (t *memTx) TouchSession(_ context.Context, id string, now time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	s, ok := t.st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if now.After(s.LastActivity) {
		s.LastActivity = now
		t.st.sessions[id] = s
	}
	return nil
}

func (t *memTx) RevokeSession(_ context.Context, id string, now time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	s, ok := t.st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RevokedAt == nil {
		s.RevokedAt = &now
		t.st.sessions[id] = s
	}
	return nil
}

func (t *memTx) RevokePrincipalSessions(_ context.Context, principalID string, now time.Time) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	n := 0
	for id, s := range t.st.sessions {
		if s.PrincipalID == principalID && s.RevokedAt == nil {
			s.RevokedAt = &now
			t.st.sessions[id] = s
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListLiveSessions(_ context.Context, principalID string, now time.Time) ([]*models.Session, error) {
	var out []*models.Session
	for _, s := range t.st.sessions {
		if principalID != "" && s.PrincipalID != principalID {
			continue
		}
		if !s.LiveAt(now) {
			continue
		}
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Audit ---

func (t *memTx) AppendAudit(_ context.Context, e *models.AuditEvent) error {
	if err := t.writable(); err != nil {
		return err
	}
	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	t.st.audit = append(t.st.audit, cp)
	return nil
}

func (t *memTx) QueryAudit(_ context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	text := strings.ToLower(f.Text)
	var out []*models.AuditEvent
	for i := range t.st.audit {
		e := t.st.audit[i]
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(e.Action), text) &&
			!strings.Contains(strings.ToLower(e.ErrorMessage), text) {
			continue
		}
		e.Metadata = maps.Clone(e.Metadata)
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

var _ Store = (*MemoryStore)(nil)
