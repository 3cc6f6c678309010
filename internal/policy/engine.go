// Package policy resolves the effective permission set of a principal.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/pkg/models"
)

// ErrUnknownPrincipal is returned when the principal does not exist.
var ErrUnknownPrincipal = errors.New("unknown principal")

const closureCacheSize = 1024

// Grants is the resolved authorization state of one principal at a point in time.
type Grants struct {
	PrincipalID string
	Superuser   bool
	// Roles is the role closure by name.
	Roles       map[string]struct{}
	Permissions map[string]struct{}

	computedAt time.Time
	// validUntil is the first instant an assignment or grant changes effect.
	validUntil time.Time
}

// Has reports whether codename is held.
func (g *Grants) Has(codename string) bool {
	if g.Superuser {
		return true
	}
	_, ok := g.Permissions[codename]
	return ok
}

// HasRole reports whether role is in the closure.
func (g *Grants) HasRole(name string) bool {
	_, ok := g.Roles[name]
	return ok
}

// PermissionList returns the held codenames, sorted.
func (g *Grants) PermissionList() []string {
	return sortedKeys(g.Permissions)
}

// RoleList returns the role closure, sorted.
func (g *Grants) RoleList() []string {
	return sortedKeys(g.Roles)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (g *Grants) validAt(now time.Time) bool {
	return !now.Before(g.computedAt) && now.Before(g.validUntil)
}

type roleRef struct {
	ID   string
	Name string
}

// Options tunes the engine.
type Options struct {
	DepthLimit int
	CacheTTL   time.Duration
}

// Engine evaluates permissions for principals. Results are cached until an
// invalidation, the TTL, or the next time-driven change in the principal's grants.
type Engine struct {
	store    storage.Store
	depth    int
	grants   *cache.Cache
	closures *expirable.LRU[string, []roleRef]
	fills    singleflight.Group
	gen      atomic.Uint64
}

// NewEngine creates a new policy Engine backed by the given storage.
func NewEngine(store storage.Store, opts Options) *Engine {
	if opts.DepthLimit <= 0 {
		opts.DepthLimit = 8
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Engine{
		store:    store,
		depth:    opts.DepthLimit,
		grants:   cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		closures: expirable.NewLRU[string, []roleRef](closureCacheSize, nil, opts.CacheTTL),
	}
}

// Has reports whether the principal holds codename at now.
func (e *Engine) Has(ctx context.Context, principalID, codename string, now time.Time) (bool, error) {
	g, err := e.Effective(ctx, principalID, now)
	if err != nil {
		return false, err
	}
	return g.Has(codename), nil
}

// Can resolves (resource, action) through the action table and checks it.
func (e *Engine) Can(ctx context.Context, principalID, resource, action string, now time.Time) (bool, error) {
	codename, ok := PermissionFor(resource, action)
	if !ok {
		return false, fmt.Errorf("no permission mapped for %s:%s", resource, action)
	}
	return e.Has(ctx, principalID, codename, now)
}

// Effective returns the principal's resolved grants at now.
func (e *Engine) Effective(ctx context.Context, principalID string, now time.Time) (*Grants, error) {
	if v, ok := e.grants.Get(principalID); ok {
		if g := v.(*Grants); g.validAt(now) {
			return g, nil
		}
	}

	// Fills started before an invalidation are never shared with callers
	// that arrive after it.
	gen := e.gen.Load()
	v, err, _ := e.fills.Do(principalID+"/"+strconv.FormatUint(gen, 10), func() (any, error) {
		return e.compute(ctx, principalID, now)
	})
	if err != nil {
		return nil, err
	}
	g := v.(*Grants)
	if !g.validAt(now) {
		// A shared fill computed for a different instant.
		if g, err = e.compute(ctx, principalID, now); err != nil {
			return nil, err
		}
	}
	if e.gen.Load() == gen {
		e.grants.Set(principalID, g, cache.DefaultExpiration)
	}
	return g, nil
}

// Invalidate drops the cached grants of one principal.
func (e *Engine) Invalidate(principalID string) {
	e.gen.Add(1)
	e.grants.Delete(principalID)
}

// InvalidateAll drops every cached result. Role graph and role permission
// edits affect every holder.
func (e *Engine) InvalidateAll() {
	e.gen.Add(1)
	e.grants.Flush()
	e.closures.Purge()
}

func (e *Engine) compute(ctx context.Context, principalID string, now time.Time) (*Grants, error) {
	var g *Grants
	err := e.store.View(ctx, func(tx storage.Tx) error {
		var err error
		g, err = e.Resolve(ctx, tx, principalID, now)
		return err
	})
	return g, err
}

// Resolve computes grants inside an existing transaction without consulting the principal cache.
func (e *Engine) Resolve(ctx context.Context, tx storage.Tx, principalID string, now time.Time) (*Grants, error) {
	p, err := tx.GetPrincipal(ctx, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownPrincipal
	}
	if err != nil {
		return nil, err
	}
	g := &Grants{
		PrincipalID: principalID,
		Superuser:   p.Superuser,
		Roles:       map[string]struct{}{},
		Permissions: map[string]struct{}{},
		computedAt:  now,
		validUntil:  now.Add(100 * 365 * 24 * time.Hour),
	}
	boundary := func(t time.Time) {
		if t.After(now) && t.Before(g.validUntil) {
			g.validUntil = t
		}
	}

	assignments, err := tx.ListRoleAssignments(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	seen := map[string]bool{}
	for i := range assignments {
		a := &assignments[i]
		if a.State == models.AssignmentActive {
			boundary(a.EffectiveFrom)
			if a.ExpiresAt != nil {
				boundary(*a.ExpiresAt)
			}
		}
		if !a.EffectiveAt(now) {
			continue
		}
		chain, err := e.closure(ctx, tx, a.RoleID)
		if err != nil {
			return nil, err
		}
		for _, r := range chain {
			g.Roles[r.Name] = struct{}{}
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			rps, err := tx.ListRolePermissions(ctx, r.ID)
			if err != nil {
				return nil, fmt.Errorf("listing permissions of role %s: %w", r.Name, err)
			}
			for _, rp := range rps {
				if rp.Active {
					g.Permissions[rp.Codename] = struct{}{}
				}
			}
		}
	}

	direct, err := tx.ListPermissionGrants(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing direct grants: %w", err)
	}
	for i := range direct {
		d := &direct[i]
		if d.Active && d.ExpiresAt != nil {
			boundary(*d.ExpiresAt)
		}
		if d.EffectiveAt(now) {
			g.Permissions[d.Codename] = struct{}{}
		}
	}
	return g, nil
}

// closure returns roleID followed by its ancestors, at most depth entries.
func (e *Engine) closure(ctx context.Context, tx storage.Tx, roleID string) ([]roleRef, error) {
	if chain, ok := e.closures.Get(roleID); ok {
		return chain, nil
	}
	gen := e.gen.Load()
	var chain []roleRef
	visited := map[string]bool{}
	for id := roleID; id != "" && len(chain) < e.depth; {
		if visited[id] {
			log.Error().Str("role_id", roleID).Str("repeat", id).Msg("role graph cycle encountered")
			break
		}
		visited[id] = true
		r, err := tx.GetRole(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("loading role %s: %w", id, err)
		}
		chain = append(chain, roleRef{ID: r.ID, Name: r.Name})
		id = r.ParentID
	}
	if e.gen.Load() == gen {
		e.closures.Add(roleID, chain)
	}
	return chain, nil
}
