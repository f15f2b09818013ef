package rbac

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidPermission indicates an empty permission identifier.
var ErrInvalidPermission = errors.New("rbac: invalid permission")

// Permission is an atomic capability identified by name.
type Permission string

const (
	PermViewOwnGoals          Permission = "view_own_goals"
	PermManageOwnGoals        Permission = "manage_own_goals"
	PermViewOwnAppraisals     Permission = "view_own_appraisals"
	PermSubmitSelfAppraisal   Permission = "submit_self_appraisal"
	PermViewTeam              Permission = "view_team"
	PermManageTeamGoals       Permission = "manage_team_goals"
	PermConductAppraisals     Permission = "conduct_appraisals"
	PermViewTeamReports       Permission = "view_team_reports"
	PermManageEmployees       Permission = "manage_employees"
	PermManageRoles           Permission = "manage_roles"
	PermApproveAppraisals     Permission = "approve_appraisals"
	PermViewReports           Permission = "view_reports"
	PermExportReports         Permission = "export_reports"
	PermManageDepartments     Permission = "manage_departments"
	PermManageAppraisalCycles Permission = "manage_appraisal_cycles"
	PermManageOrganization    Permission = "manage_organization"
	PermViewSecurityLog       Permission = "view_security_log"
	PermManageOnboarding      Permission = "manage_onboarding"
)

// legacyAliases maps names used by older clients to canonical permissions.
var legacyAliases = map[string]Permission{
	"manage_users":        PermManageEmployees,
	"view_goals":          PermViewOwnGoals,
	"edit_goals":          PermManageOwnGoals,
	"review_employees":    PermConductAppraisals,
	"view_analytics":      PermViewReports,
	"assign_roles":        PermManageRoles,
	"manage_settings":     PermManageOrganization,
	"view_audit_log":      PermViewSecurityLog,
	"approve_reviews":     PermApproveAppraisals,
	"manage_review_cycle": PermManageAppraisalCycles,
}

// NewPermission validates and normalizes a permission name. Legacy aliases
// are mapped to their canonical name.
func NewPermission(name string) (Permission, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "", ErrInvalidPermission
	}
	if canonical, ok := legacyAliases[normalized]; ok {
		return canonical, nil
	}
	return Permission(normalized), nil
}

// Canonical returns the canonical form of p.
func (p Permission) Canonical() Permission {
	canonical, err := NewPermission(string(p))
	if err != nil {
		return ""
	}
	return canonical
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports membership after canonicalizing p.
func (s PermissionSet) Has(p Permission) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[p.Canonical()]
	return ok
}

// Add inserts every permission of other into s.
func (s PermissionSet) Add(other PermissionSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from the valid roles in roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		if r.Valid() {
			set[r] = struct{}{}
		}
	}
	return set
}

// Has reports membership.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Highest returns the most privileged role, or false for an empty set.
func (s RoleSet) Highest() (Role, bool) {
	var top Role
	for r := range s {
		if r > top {
			top = r
		}
	}
	return top, top != 0
}

// Sorted returns the members highest level first.
func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}
