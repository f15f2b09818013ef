package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrUnknownRole indicates a role outside the fixed catalog.
var ErrUnknownRole = errors.New("rbac: unknown role")

// Role is a privilege tier. The numeric value is the hierarchy level; the
// zero value is not a valid role.
type Role uint8

const (
	RoleEmployee Role = iota + 1
	RoleSupervisor
	RoleManager
	RoleDirector
	RoleAdmin
)

// TopRole is the most privileged role in the catalog.
const TopRole = RoleAdmin

// LowestRole is the least privileged role in the catalog.
const LowestRole = RoleEmployee

type roleDefinition struct {
	name        string
	permissions []Permission
}

var catalog = map[Role]roleDefinition{
	RoleEmployee: {
		name: "employee",
		permissions: []Permission{
			PermViewOwnGoals, PermManageOwnGoals, PermViewOwnAppraisals, PermSubmitSelfAppraisal,
		},
	},
	RoleSupervisor: {
		name: "supervisor",
		permissions: []Permission{
			PermViewOwnGoals, PermManageOwnGoals, PermViewOwnAppraisals, PermSubmitSelfAppraisal,
			PermViewTeam, PermManageTeamGoals, PermConductAppraisals,
		},
	},
	RoleManager: {
		name: "manager",
		permissions: []Permission{
			PermViewOwnGoals, PermManageOwnGoals, PermViewOwnAppraisals, PermSubmitSelfAppraisal,
			PermViewTeam, PermManageTeamGoals, PermConductAppraisals,
			PermViewTeamReports, PermManageEmployees, PermManageRoles,
		},
	},
	RoleDirector: {
		name: "director",
		permissions: []Permission{
			PermViewOwnGoals, PermManageOwnGoals, PermViewOwnAppraisals, PermSubmitSelfAppraisal,
			PermViewTeam, PermManageTeamGoals, PermConductAppraisals,
			PermViewTeamReports, PermManageEmployees, PermManageRoles,
			PermApproveAppraisals, PermViewReports, PermExportReports, PermManageDepartments, PermManageAppraisalCycles,
		},
	},
	RoleAdmin: {
		name: "admin",
		permissions: []Permission{
			PermViewOwnGoals, PermManageOwnGoals, PermViewOwnAppraisals, PermSubmitSelfAppraisal,
			PermViewTeam, PermManageTeamGoals, PermConductAppraisals,
			PermViewTeamReports, PermManageEmployees, PermManageRoles,
			PermApproveAppraisals, PermViewReports, PermExportReports, PermManageDepartments, PermManageAppraisalCycles,
			PermManageOrganization, PermViewSecurityLog, PermManageOnboarding,
		},
	},
}

var (
	rolesByName  map[string]Role
	rolesByLevel []Role
)

func init() {
	rolesByName = make(map[string]Role, len(catalog))
	for role, def := range catalog {
		rolesByName[def.name] = role
		rolesByLevel = append(rolesByLevel, role)
	}
	sort.Slice(rolesByLevel, func(i, j int) bool { return rolesByLevel[i] > rolesByLevel[j] })
}

// ParseRole resolves a role name, case-insensitively.
func ParseRole(name string) (Role, error) {
	role, ok := rolesByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return role, nil
}

// Valid reports whether r is part of the catalog.
func (r Role) Valid() bool {
	_, ok := catalog[r]
	return ok
}

func (r Role) String() string {
	if def, ok := catalog[r]; ok {
		return def.name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// DisplayName returns the human-readable label, e.g. "Director".
func (r Role) DisplayName() string {
	// Casers are stateful; one per call.
	return cases.Title(language.English).String(r.String())
}

// Sensitive reports whether granting r needs an explicit second confirmation.
// The top two hierarchy levels are sensitive.
func (r Role) Sensitive() bool {
	return r.Valid() && r >= TopRole-1
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrUnknownRole
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// LevelOf returns the hierarchy level of role; higher is more privileged.
func LevelOf(role Role) (int, error) {
	if !role.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRole, uint8(role))
	}
	return int(role), nil
}

// DefaultPermissions returns the default permission set of role.
func DefaultPermissions(role Role) PermissionSet {
	def, ok := catalog[role]
	if !ok {
		return PermissionSet{}
	}
	return NewPermissionSet(def.permissions...)
}

// AllRoles lists the catalog, highest level first.
func AllRoles() []Role {
	out := make([]Role, len(rolesByLevel))
	copy(out, rolesByLevel)
	return out
}
