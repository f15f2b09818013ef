package rbac

import "context"

// OnboardingState tracks whether the principal finished the setup flow.
type OnboardingState uint8

const (
	// OnboardingUnknown is treated exactly like OnboardingIncomplete.
	OnboardingUnknown OnboardingState = iota
	OnboardingIncomplete
	OnboardingComplete
)

func (s OnboardingState) String() string {
	switch s {
	case OnboardingIncomplete:
		return "incomplete"
	case OnboardingComplete:
		return "complete"
	}
	return "unknown"
}

// Override replaces backend roles with a locally supplied role (sandbox/demo).
type Override struct {
	Active bool
	Role   Role
}

// Principal describes the authenticated actor.
type Principal struct {
	ID         string
	OrgID      string
	Onboarding OnboardingState
	Override   Override
}

// GateOpen reports whether role-derived access may be granted at all.
func (p Principal) GateOpen() bool {
	return p.Onboarding == OnboardingComplete
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok && p.ID != ""
}
