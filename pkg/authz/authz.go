// Package authz wraps casbin behind a three-mode authorizer. Enforce is the
// production setting; shadow evaluates policy without blocking anything and
// exists for policy rollouts; disabled is gated behind an extra env flag so
// nobody ships it by accident.
package authz

import (
	"errors"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

func ModeFromEnv() (Mode, error) {
	switch m := Mode(strings.TrimSpace(strings.ToLower(os.Getenv("AUTHZ_MODE")))); m {
	case "", ModeEnforce:
		return ModeEnforce, nil
	case ModeShadow:
		return ModeShadow, nil
	case ModeDisabled:
		if os.Getenv("AUTHZ_UNSAFE_ALLOW_DISABLED") != "1" {
			return "", errors.New("authz: AUTHZ_MODE=disabled requires AUTHZ_UNSAFE_ALLOW_DISABLED=1")
		}
		return ModeDisabled, nil
	default:
		return "", errors.New("authz: invalid AUTHZ_MODE (expected enforce|shadow|disabled)")
	}
}

type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
}

// NewAuthorizer loads the model and CSV policy from disk. Policy is read
// once at startup; a policy change means a restart.
func NewAuthorizer(modelPath string, policyPath string, mode Mode) (*Authorizer, error) {
	enforcer, err := casbin.NewEnforcer(modelPath)
	if err != nil {
		return nil, err
	}
	enforcer.SetAdapter(fileadapter.NewAdapter(policyPath))
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	return &Authorizer{enforcer: enforcer, mode: mode}, nil
}

// Authorize evaluates one request tuple. enforced=false tells the caller
// the answer is advisory only (shadow or disabled mode) and must not be
// turned into a 403.
func (a *Authorizer) Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error) {
	switch a.mode {
	case ModeDisabled:
		return true, false, nil
	case ModeEnforce, ModeShadow:
	default:
		return false, false, errors.New("authz: unknown mode")
	}

	enforced = a.mode == ModeEnforce
	allowed, err = a.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return false, enforced, err
	}
	return allowed, enforced, nil
}

// SubjectFromRole maps a membership role to the policy subject. An empty
// role is the anonymous visitor.
func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = RoleAnonymous
	}
	return "role:" + role
}

func DomainFromTenantID(tenantID string) string {
	return strings.ToLower(strings.TrimSpace(tenantID))
}
