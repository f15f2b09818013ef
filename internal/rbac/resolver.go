package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RoleSource reads the roles the backend assigns to a principal.
type RoleSource interface {
	FetchRoles(ctx context.Context, principalID string) ([]Role, error)
}

// PermissionSource reads the effective permissions the backend grants a principal.
type PermissionSource interface {
	FetchPermissions(ctx context.Context, principalID string) ([]Permission, error)
}

// PermissionOrigin records where a snapshot's permissions came from.
type PermissionOrigin string

const (
	OriginGate         PermissionOrigin = "onboarding_gate"
	OriginOverride     PermissionOrigin = "override"
	OriginBackend      PermissionOrigin = "backend"
	OriginRoleDefaults PermissionOrigin = "role_defaults"
)

// Snapshot is the resolved access of a principal at a point in time.
type Snapshot struct {
	Roles       RoleSet
	Permissions PermissionSet
	Origin      PermissionOrigin
}

// ResolverConfig tunes the effective permission cache.
type ResolverConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver computes effective roles and permissions for principals.
type Resolver struct {
	roles  RoleSource
	perms  PermissionSource
	cache  *expirable.LRU[string, Snapshot]
	logger *slog.Logger

	// generations counts invalidations per principal so a fetch that raced a
	// role change does not cache its stale result.
	mu          sync.Mutex
	generations map[string]uint64
}

// NewResolver constructs a Resolver. perms may be nil, in which case role
// defaults are always used.
func NewResolver(roles RoleSource, perms PermissionSource, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		roles:  roles,
		perms:  perms,
		cache:       expirable.NewLRU[string, Snapshot](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// Resolve computes the snapshot for p. A role fetch failure is returned as an
// error so callers can tell "unavailable" apart from "forbidden"; a failing
// permission query degrades to role defaults.
func (r *Resolver) Resolve(ctx context.Context, p Principal) (Snapshot, error) {
	key := cacheKey(p)
	if snap, ok := r.cache.Get(key); ok {
		return snap, nil
	}
	gen := r.generation(p.ID)

	var snap Snapshot
	switch {
	case !p.GateOpen():
		snap = Snapshot{Roles: RoleSet{}, Permissions: PermissionSet{}, Origin: OriginGate}
	case p.Override.Active:
		if !p.Override.Role.Valid() {
			return Snapshot{}, fmt.Errorf("rbac: override role: %w", ErrUnknownRole)
		}
		snap = Snapshot{
			Roles:       NewRoleSet(p.Override.Role),
			Permissions: DefaultPermissions(p.Override.Role),
			Origin:      OriginOverride,
		}
	default:
		if r.roles == nil {
			return Snapshot{}, fmt.Errorf("rbac: role source not configured")
		}
		assigned, err := r.roles.FetchRoles(ctx, p.ID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("rbac: fetch roles: %w", err)
		}
		snap = Snapshot{Roles: NewRoleSet(assigned...)}
		snap.Permissions, snap.Origin = r.permissionsFor(ctx, p, snap.Roles)
	}

	r.mu.Lock()
	if r.generations[p.ID] == gen {
		r.cache.Add(key, snap)
	}
	r.mu.Unlock()
	return snap, nil
}

func (r *Resolver) generation(principalID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[principalID]
}

func (r *Resolver) permissionsFor(ctx context.Context, p Principal, roles RoleSet) (PermissionSet, PermissionOrigin) {
	if len(roles) == 0 {
		return PermissionSet{}, OriginRoleDefaults
	}
	if r.perms != nil {
		granted, err := r.perms.FetchPermissions(ctx, p.ID)
		switch {
		case err != nil:
			r.logger.Warn("rbac fetch permissions, using role defaults", slog.String("principal", p.ID), slog.Any("error", err))
		case len(granted) > 0:
			set := make(PermissionSet, len(granted))
			for _, perm := range granted {
				if canonical := perm.Canonical(); canonical != "" {
					set[canonical] = struct{}{}
				}
			}
			if len(set) > 0 {
				return set, OriginBackend
			}
		}
	}
	set := PermissionSet{}
	for role := range roles {
		set.Add(DefaultPermissions(role))
	}
	return set, OriginRoleDefaults
}

// EffectiveRoles returns the roles of p, or an empty set when they cannot be
// resolved.
func (r *Resolver) EffectiveRoles(ctx context.Context, p Principal) RoleSet {
	snap, err := r.Resolve(ctx, p)
	if err != nil {
		r.logger.Error("rbac effective roles", slog.String("principal", p.ID), slog.Any("error", err))
		return RoleSet{}
	}
	return snap.Roles
}

// EffectivePermissions returns the permissions of p, or an empty set when
// they cannot be resolved.
func (r *Resolver) EffectivePermissions(ctx context.Context, p Principal) PermissionSet {
	snap, err := r.Resolve(ctx, p)
	if err != nil {
		r.logger.Error("rbac effective permissions", slog.String("principal", p.ID), slog.Any("error", err))
		return PermissionSet{}
	}
	return snap.Permissions
}

// Has reports whether p holds the permission named by name, which may be a
// legacy alias.
func (r *Resolver) Has(ctx context.Context, p Principal, name string) bool {
	perm, err := NewPermission(name)
	if err != nil {
		return false
	}
	return r.EffectivePermissions(ctx, p).Has(perm)
}

// AtLeastRole reports whether p's highest role is at or above minRole.
func (r *Resolver) AtLeastRole(ctx context.Context, p Principal, minRole Role) bool {
	minLevel, err := LevelOf(minRole)
	if err != nil {
		return false
	}
	top, ok := r.EffectiveRoles(ctx, p).Highest()
	if !ok {
		return false
	}
	return int(top) >= minLevel
}

// Invalidate drops every cached snapshot of principalID.
func (r *Resolver) Invalidate(principalID string) {
	r.mu.Lock()
	r.generations[principalID]++
	r.mu.Unlock()

	prefix := principalID + "|"
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Remove(key)
		}
	}
}

func cacheKey(p Principal) string {
	var b strings.Builder
	b.WriteString(p.ID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(p.Override.Active))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(p.Override.Role)))
	b.WriteByte('|')
	b.WriteString(p.Onboarding.String())
	return b.String()
}
