// Package superadmin serves the platform operator console: the tenant
// registry with its suspension and maintenance switches. It is a separate
// entrypoint from the tenant server and shares nothing with tenant sessions.
package superadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluna-app/aluna/internal/routing"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	Console          consoleStore
	IdentityProvider identityProvider
	Sessions         sessionStore
	Principals       principalStore
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, "superadmin")
	if err != nil {
		return nil, err
	}

	console := opts.Console
	sessions := opts.Sessions
	principals := opts.Principals
	if console == nil {
		dsn, err := dbDSNFromEnv()
		if err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		console = newPGConsoleStore(pool)
		if sessions == nil {
			sessions = newSessionStoreFromDB(pool)
		}
		if principals == nil {
			principals = newPrincipalStoreFromDB(pool)
		}
	}
	if sessions == nil {
		sessions = newMemorySessionStore()
	}
	if principals == nil {
		principals = newMemoryPrincipalStore()
	}

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	idp := opts.IdentityProvider

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassAuthn, http.MethodGet, "/login", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeLoginPage(w, http.StatusOK, "")
	}))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/login", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeLoginPage(w, http.StatusBadRequest, "bad request")
			return
		}
		email := strings.TrimSpace(r.FormValue("email"))
		pass := r.FormValue("password")
		if email == "" || pass == "" {
			writeLoginPage(w, http.StatusUnprocessableEntity, "email and password required")
			return
		}

		provider := idp
		if provider == nil {
			p, err := newKratosIdentityProviderFromEnv()
			if err != nil {
				routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "idp_error", "idp error")
				return
			}
			provider = p
		}

		ident, err := provider.AuthenticatePassword(r.Context(), email, pass)
		if err != nil {
			if errors.Is(err, errInvalidCredentials) {
				writeLoginPage(w, http.StatusUnprocessableEntity, "invalid credentials")
				return
			}
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "idp_error", "idp error")
			return
		}

		p, err := principals.UpsertFromKratos(r.Context(), ident.Email, ident.KratosIdentityID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "principal_error", "principal error")
			return
		}

		saSid, err := sessions.Create(r.Context(), p.ID, time.Now().Add(saSidTTLFromEnv()), r.RemoteAddr, r.UserAgent())
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "session_error", "session error")
			return
		}
		setSASIDCookie(w, saSid)
		http.Redirect(w, r, "/tenants", http.StatusFound)
	}))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if saSid, ok := readSASID(r); ok {
			_ = sessions.Revoke(r.Context(), saSid)
		}
		clearSASIDCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
	}))

	router.Handle(routing.RouteClassUI, http.MethodGet, "/tenants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantsIndex(w, r, console)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/superadmin/api/tenants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantsList(w, r, console)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/superadmin/api/tenants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantsCreate(w, r, console)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/superadmin/api/tenants/{tenant_id}/suspend", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSuspend(w, r, console)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/superadmin/api/tenants/{tenant_id}/reinstate", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleReinstate(w, r, console)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/superadmin/api/tenants/{tenant_id}/maintenance", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleMaintenance(w, r, console)
	}))

	guarded := withBasicAuth(withSession(sessions, principals, withAuthz(classifier, authorizer, router)))

	mux := http.NewServeMux()
	mux.Handle("/", guarded)
	return mux, nil
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("superadmin: failed to build handler: " + err.Error()))
	}
	return h
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("superadmin: allowlist not found")
}

type principalCtxKey struct{}

func withSession(store sessionStore, principals principalStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/login", "/logout":
			next.ServeHTTP(w, r)
			return
		}

		saSid, ok := readSASID(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		sess, found, err := store.Lookup(r.Context(), saSid)
		if err != nil {
			http.Error(w, "internal error\n", http.StatusInternalServerError)
			return
		}
		if !found {
			clearSASIDCookie(w)
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		p, ok, err := principals.GetByID(r.Context(), sess.PrincipalID)
		if err != nil {
			http.Error(w, "internal error\n", http.StatusInternalServerError)
			return
		}
		if !ok || p.Status != "active" {
			_ = store.Revoke(r.Context(), saSid)
			clearSASIDCookie(w)
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalCtxKey{}, p)))
	})
}

func writeLoginPage(w http.ResponseWriter, statusCode int, errMsg string) {
	body := `<h1>Operator sign-in</h1>` +
		`<form method="POST" action="/login">` +
		`<label>Email <input name="email" type="email" autocomplete="username" /></label><br/>` +
		`<label>Password <input name="password" type="password" autocomplete="current-password" /></label><br/>` +
		`<button type="submit">Sign in</button>` +
		`</form>`
	if errMsg != "" {
		body = `<p>` + html.EscapeString(errMsg) + `</p>` + body
	}
	routing.WritePage(w, statusCode, "Operator sign-in", body)
}

func handleTenantsIndex(w http.ResponseWriter, r *http.Request, console consoleStore) {
	tenants, err := console.ListTenants(r.Context())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}

	var b strings.Builder
	b.WriteString("<h1>Tenants</h1>")
	b.WriteString(`<form method="POST" action="/superadmin/api/tenants">`)
	b.WriteString(`<label>Name <input name="name" /></label> `)
	b.WriteString(`<label>Subdomain <input name="subdomain" /></label> `)
	b.WriteString(`<button type="submit">Create</button></form>`)
	if len(tenants) == 0 {
		b.WriteString("<p>(none)</p>")
	} else {
		b.WriteString("<table><tr><th>Name</th><th>Subdomain</th><th>Status</th><th>Suspended</th><th>Maintenance</th></tr>")
		for _, tr := range tenants {
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%v</td><td>%v</td></tr>",
				html.EscapeString(tr.Name), html.EscapeString(tr.Subdomain),
				html.EscapeString(tr.Status), tr.Suspended, tr.MaintenanceMode)
		}
		b.WriteString("</table>")
	}
	routing.WritePage(w, http.StatusOK, "Tenants", b.String())
}

func handleTenantsList(w http.ResponseWriter, r *http.Request, console consoleStore) {
	tenants, err := console.ListTenants(r.Context())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "db_error", "db error")
		return
	}
	type tenantOut struct {
		ID                 string `json:"id"`
		Name               string `json:"name"`
		Subdomain          string `json:"subdomain"`
		Status             string `json:"status"`
		Suspended          bool   `json:"suspended"`
		SuspensionReason   string `json:"suspension_reason,omitempty"`
		MaintenanceMode    bool   `json:"maintenance_mode"`
		MaintenanceMessage string `json:"maintenance_message,omitempty"`
	}
	out := make([]tenantOut, 0, len(tenants))
	for _, tr := range tenants {
		out = append(out, tenantOut(tr))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Tenants []tenantOut `json:"tenants"`
	}{Tenants: out})
}

func handleTenantsCreate(w http.ResponseWriter, r *http.Request, console consoleStore) {
	name, subdomain := formOrJSONPair(r, "name", "subdomain")
	if name == "" || subdomain == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "name and subdomain required")
		return
	}
	tr, err := console.CreateTenant(r.Context(), name, subdomain)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "create_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(struct {
		ID string `json:"id"`
	}{ID: tr.ID})
}

func handleSuspend(w http.ResponseWriter, r *http.Request, console consoleStore) {
	tenantID := tenantIDParam(r.URL.Path, "/superadmin/api/tenants/{tenant_id}/suspend")
	reason, _ := formOrJSONPair(r, "reason", "")
	if err := console.Suspend(r.Context(), tenantID, reason); err != nil {
		writeConsoleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleReinstate(w http.ResponseWriter, r *http.Request, console consoleStore) {
	tenantID := tenantIDParam(r.URL.Path, "/superadmin/api/tenants/{tenant_id}/reinstate")
	if err := console.Reinstate(r.Context(), tenantID); err != nil {
		writeConsoleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleMaintenance(w http.ResponseWriter, r *http.Request, console consoleStore) {
	tenantID := tenantIDParam(r.URL.Path, "/superadmin/api/tenants/{tenant_id}/maintenance")
	enabledRaw, message := formOrJSONPair(r, "enabled", "message")
	enabled := enabledRaw == "true" || enabledRaw == "1" || enabledRaw == "on"
	if err := console.SetMaintenance(r.Context(), tenantID, enabled, message); err != nil {
		writeConsoleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeConsoleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrTenantNotFound) {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "tenant_not_found", "tenant not found")
		return
	}
	routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "db_error", "db error")
}

func tenantIDParam(path string, template string) string {
	p, ok := routing.ParsePathPattern(template)
	if !ok {
		return ""
	}
	return p.Param(path, "tenant_id")
}

// formOrJSONPair reads two named fields from either a form post or a JSON
// body. Either key may be "" to skip it.
func formOrJSONPair(r *http.Request, keyA string, keyB string) (string, string) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var m map[string]any
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			return "", ""
		}
		return jsonString(m, keyA), jsonString(m, keyB)
	}
	if err := r.ParseForm(); err != nil {
		return "", ""
	}
	var a, b string
	if keyA != "" {
		a = strings.TrimSpace(r.PostFormValue(keyA))
	}
	if keyB != "" {
		b = strings.TrimSpace(r.PostFormValue(keyB))
	}
	return a, b
}

func jsonString(m map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
