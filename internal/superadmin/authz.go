package superadmin

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
	return "", errors.New("superadmin: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("superadmin: authz policy not found")
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

		// Everyone behind the session middleware is a superadmin; the role
		// set here is closed.
		subject := authz.SubjectFromRole(authz.RoleSuperadmin)

		allowed, enforced, err := a.Authorize(subject, authz.DomainGlobal, object, action)
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

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch {
	case path == "/logout" && method == http.MethodPost:
		return authz.ObjectSuperadminSession, authz.ActionWrite, true
	case path == "/tenants" && method == http.MethodGet:
		return authz.ObjectSuperadminTenants, authz.ActionRead, true
	case path == "/superadmin/api/tenants" && method == http.MethodGet:
		return authz.ObjectSuperadminTenants, authz.ActionRead, true
	case path == "/superadmin/api/tenants" && method == http.MethodPost:
		return authz.ObjectSuperadminTenants, authz.ActionAdmin, true
	case strings.HasPrefix(path, "/superadmin/api/tenants/") && method == http.MethodPost:
		return authz.ObjectSuperadminTenants, authz.ActionAdmin, true
	default:
		return "", "", false
	}
}
