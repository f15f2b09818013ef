package roles

import (
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
)

// State tracks an assignment attempt.
type State string

const (
	StateRequested State = "requested"
	StateValidated State = "validated"
	StateSubmitted State = "submitted"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Request asks for role to be granted to Target, which is a user id or email.
type Request struct {
	Target        string    `json:"target" validate:"required,max=320"`
	Role          rbac.Role `json:"role" validate:"required"`
	Justification string    `json:"justification" validate:"max=1000"`
	// Confirmed records that the caller completed the second confirmation
	// step for a sensitive role.
	Confirmed bool `json:"confirmed"`
}

// Identity is a resolved assignment target.
type Identity struct {
	ID string
	// OrgID is the organization the target belongs to, or is invited to.
	OrgID string
}

// Assignment is the write submitted to the backend.
type Assignment struct {
	IdentityID    string
	OrgID         string
	Role          rbac.Role
	Justification string
	GrantedBy     string
}

// Outcome is the result of one assignment attempt.
type Outcome struct {
	Target     string    `json:"target"`
	Role       rbac.Role `json:"role"`
	IdentityID string    `json:"identity_id,omitempty"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	err        error
}

// Err returns the failure of the attempt, if any.
func (o Outcome) Err() error { return o.err }

// BulkResult aggregates a batch of assignments.
type BulkResult struct {
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Items     []Outcome `json:"items"`
	Success   bool      `json:"success"`
}

// RoleView describes a catalog role for a given actor.
type RoleView struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Level       int      `json:"level"`
	Sensitive   bool     `json:"sensitive"`
	Assignable  bool     `json:"assignable"`
	Permissions []string `json:"permissions"`
}
