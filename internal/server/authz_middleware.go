package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluna-app/aluna/internal/routing"
	"github.com/aluna-app/aluna/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		tenant, ok := currentTenant(r.Context())
		if !ok {
			// Pre-selection: account-level endpoints need a principal, not a
			// tenant role.
			if _, ok := currentPrincipal(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		role := authz.RoleAnonymous
		if m, ok := membershipFor(r.Context(), tenant.ID); ok {
			role = m.Role
		}

		subject := authz.SubjectFromRole(role)
		domain := authz.DomainFromTenantID(tenant.ID)

		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authzRequirementForRoute maps a route to its required object and action.
// Routes without an entry are not checked here: either they carry their own
// gating (login, health) or the access gate already decided for them.
func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	if pathMatchRouteTemplate(path, "/learn/api/containers/{container_id}/access-map") {
		if method == http.MethodGet {
			return authz.ObjectLearnAccessMap, authz.ActionRead, true
		}
		return "", "", false
	}

	switch path {
	case "/logout":
		if method == http.MethodPost {
			return authz.ObjectIAMSession, authz.ActionWrite, true
		}
		return "", "", false
	case "/iam/api/tenant-context":
		if method == http.MethodGet {
			return authz.ObjectIAMTenantSelection, authz.ActionRead, true
		}
		return "", "", false
	case "/iam/api/tenant-selection":
		if method == http.MethodPost {
			return authz.ObjectIAMTenantSelection, authz.ActionWrite, true
		}
		return "", "", false
	case "/iam/api/accounts":
		if method == http.MethodGet {
			return authz.ObjectIAMAccounts, authz.ActionRead, true
		}
		return "", "", false
	case "/iam/api/accounts/switch":
		if method == http.MethodPost {
			return authz.ObjectIAMAccounts, authz.ActionWrite, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}

func pathMatchRouteTemplate(path string, template string) bool {
	p, ok := routing.ParsePathPattern(template)
	if !ok {
		return false
	}
	return p.Match(path)
}

func pathHasPrefixSegment(path string, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
