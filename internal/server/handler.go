package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluna-app/aluna/internal/features"
	"github.com/aluna-app/aluna/internal/realtime"
	"github.com/aluna-app/aluna/internal/routing"
	"github.com/aluna-app/aluna/internal/tenantscope"
	"github.com/aluna-app/aluna/internal/unlock"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	TenancyResolver  TenancyResolver
	TenantLoader     tenantLoader
	IdentityProvider identityProvider
	Principals       principalStore
	Sessions         sessionStore
	Memberships      membershipStore
	Accounts         accountDirectory
	Suspensions      suspensionChecker
	UnlockStore      unlock.Store
	Features         *features.Registry
	ScopeSetter      tenantscope.Setter
	Logger           *slog.Logger
}

// tenantLoader resolves a tenant by id, for the case where the active tenant
// context comes from a selection or sole membership rather than the host.
type tenantLoader interface {
	TenantByID(ctx context.Context, tenantID string) (Tenant, bool, error)
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

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	baseDomain := baseDomainFromEnv()

	tenancyResolver := opts.TenancyResolver
	loader := opts.TenantLoader
	principals := opts.Principals
	sessions := opts.Sessions
	memberships := opts.Memberships
	accounts := opts.Accounts
	suspensions := opts.Suspensions
	unlockStore := opts.UnlockStore
	scopeSetter := opts.ScopeSetter

	var pgPool *pgxpool.Pool
	if sessions == nil {
		dsn := dbDSNFromEnv()
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		pgPool = pool
		principals = newPrincipalStore(pgPool)
		sessions = newSessionStore(pgPool)
	}
	if memberships == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing membership store")
		}
		memberships = newMembershipStore(pgPool)
	}
	if tenancyResolver == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing tenancy resolver")
		}
		resolver := newTenancyDBResolver(pgPool, baseDomain)
		tenancyResolver = resolver
		if loader == nil {
			loader = resolver.(*tenancyDBResolver)
		}
	}
	if loader == nil {
		return nil, errors.New("server: missing tenant loader")
	}
	if accounts == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing account directory")
		}
		accounts = newPGAccountDirectory(pgPool)
	}
	if suspensions == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing suspension checker")
		}
		suspensions = newPGSuspensionChecker(pgPool)
	}
	if unlockStore == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing unlock store")
		}
		unlockStore = unlock.NewPGStore(pgPool)
	}
	if scopeSetter == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing tenant scope setter")
		}
		scopeSetter = tenantscope.NewPGSetter(pgPool)
	}

	registry := opts.Features
	if registry == nil {
		registry = mustDefaultRegistry()
	}

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	scope := tenantscope.NewPropagator(scopeSetter, tenantscope.TTLFromEnv(), logger)
	if pgPool != nil {
		listener := realtime.NewListener(pgPool, logger)
		listener.Handle(realtime.ChannelTenantChanged, func(payload string) {
			if payload == "" {
				scope.InvalidateAll()
				return
			}
			scope.Invalidate(payload)
		})
		listener.Handle(realtime.ChannelMembershipChanged, func(payload string) {
			if payload == "" {
				scope.InvalidateAll()
				return
			}
			scope.Invalidate(payload)
		})
		go func() { _ = listener.Run(context.Background()) }()
	}

	g := newGate(classifier, suspensions, registry, scope, baseDomain, logger)

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassUI, http.MethodGet, "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/home", http.StatusFound)
	}))
	router.Handle(routing.RouteClassUI, http.MethodGet, "/home", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleHome(w, r, accounts, baseDomain)
	}))
	router.Handle(routing.RouteClassUI, http.MethodGet, "/iam/tenant-selection", http.HandlerFunc(handleTenantSelectionPage))

	for _, area := range []struct {
		path  string
		title string
	}{
		{"/learn", "Courses"},
		{"/community", "Community"},
		{"/market", "Marketplace"},
		{"/events", "Events"},
		{"/trails", "Trails"},
	} {
		title := area.title
		router.Handle(routing.RouteClassUI, http.MethodGet, area.path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, _ := currentTenant(r.Context())
			routing.WritePage(w, http.StatusOK, title,
				"<h1>"+html.EscapeString(title)+"</h1><p>"+html.EscapeString(tenant.Name)+"</p>")
		}))
	}

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassAuthn, http.MethodGet, "/login", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		routing.WritePage(w, http.StatusOK, "Sign in",
			`<form method="post" action="/iam/api/sessions">`+
				`<input name="email" type="email" placeholder="email">`+
				`<input name="password" type="password" placeholder="password">`+
				`<button type="submit">Sign in</button></form>`)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLogin(w, r, opts.IdentityProvider, principals, sessions)
	}))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sid, ok := readSID(r); ok {
			_ = sessions.Revoke(r.Context(), sid)
		}
		clearSIDCookie(w)
		clearSelectedTenantCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/tenant-context", http.HandlerFunc(handleTenantContext))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/tenant-selection", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantSelection(w, r, scope)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/accounts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAccountsList(w, r, accounts)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/accounts/switch", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAccountSwitch(w, r, accounts, sessions, baseDomain)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/learn/api/containers/{container_id}/access-map", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAccessMap(w, r, unlockStore)
	}))

	guarded := withTenantAndSession(classifier, tenancyResolver, loader, principals, sessions, memberships, g,
		g.middleware(withAuthz(classifier, authorizer, router)))

	mux := http.NewServeMux()
	mux.Handle("/", guarded)
	return mux, nil
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("server: failed to build handler: " + err.Error()))
	}
	return h
}

func mustDefaultRegistry() *features.Registry {
	r, err := features.LoadRegistry()
	if err == nil {
		return r
	}
	// No config file: every flag sits at its default.
	r, _ = features.ParseRegistryYAML([]byte("version: 1\ndefaults:\n  courses: true\n  community: true\n"))
	return r
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}

func handleHome(w http.ResponseWriter, r *http.Request, accounts accountDirectory, baseDomain string) {
	tenant, _ := currentTenant(r.Context())
	body := "<h1>" + html.EscapeString(tenant.Name) + "</h1>"

	if p, ok := currentPrincipal(r.Context()); ok {
		entries, err := accounts.ListByEmail(r.Context(), p.Email)
		if err == nil && showAccountSwitcher(entries) {
			body += "<nav><ul>"
			for _, a := range entries {
				body += fmt.Sprintf(`<li><a href="https://%s/">%s</a></li>`,
					html.EscapeString(a.Host(baseDomain)), html.EscapeString(a.TenantName))
			}
			body += "</ul></nav>"
		}
	}
	routing.WritePage(w, http.StatusOK, "Home", body)
}

func handleTenantSelectionPage(w http.ResponseWriter, r *http.Request) {
	body := `<h1>Choose a community</h1><form method="post" action="/iam/api/tenant-selection"><ul>`
	for _, m := range currentMemberships(r.Context()) {
		if !m.IsActive {
			continue
		}
		body += fmt.Sprintf(`<li><button name="tenant_id" value="%s">%s</button></li>`,
			html.EscapeString(m.TenantID), html.EscapeString(m.TenantName))
	}
	body += `</ul></form>`
	routing.WritePage(w, http.StatusOK, "Choose a community", body)
}

func handleLogin(w http.ResponseWriter, r *http.Request, provider identityProvider, principals principalStore, sessions sessionStore) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "invalid form")
			return
		}
		req.Email = r.PostFormValue("email")
		req.Password = r.PostFormValue("password")
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || strings.TrimSpace(req.Password) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "email and password required")
		return
	}

	if provider == nil {
		p, err := newKratosIdentityProviderFromEnv()
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_provider_error", "identity provider error")
			return
		}
		provider = p
	}

	ident, err := provider.AuthenticatePassword(r.Context(), email, req.Password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_credentials", "invalid credentials")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_error", "identity error")
		return
	}

	p, err := principals.UpsertFromKratos(r.Context(), ident.Email, ident.KratosIdentityID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "principal_error", "principal error")
		return
	}

	tenantID := ""
	if tenant, ok := currentTenant(r.Context()); ok {
		tenantID = tenant.ID
	}
	expiresAt := time.Now().Add(sidTTLFromEnv())
	sid, err := sessions.Create(r.Context(), p.ID, tenantID, expiresAt, r.RemoteAddr, r.UserAgent())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "session_error", "session error")
		return
	}
	setSIDCookie(w, sid)
	w.WriteHeader(http.StatusNoContent)
}

func handleTenantContext(w http.ResponseWriter, r *http.Request) {
	type membershipOut struct {
		TenantID   string `json:"tenant_id"`
		TenantName string `json:"tenant_name"`
		Role       string `json:"role"`
	}
	out := struct {
		TenantID          string          `json:"tenant_id,omitempty"`
		TenantName        string          `json:"tenant_name,omitempty"`
		SelectionRequired bool            `json:"selection_required"`
		Memberships       []membershipOut `json:"memberships"`
	}{
		SelectionRequired: selectionRequired(r.Context()),
		Memberships:       []membershipOut{},
	}
	if tenant, ok := currentTenant(r.Context()); ok {
		out.TenantID = tenant.ID
		out.TenantName = tenant.Name
	}
	for _, m := range currentMemberships(r.Context()) {
		if !m.IsActive {
			continue
		}
		out.Memberships = append(out.Memberships, membershipOut{TenantID: m.TenantID, TenantName: m.TenantName, Role: m.Role})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

func handleTenantSelection(w http.ResponseWriter, r *http.Request, scope *tenantscope.Propagator) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "tenant_id required")
		return
	}

	m, err := selectTenant(currentMemberships(r.Context()), tenantID)
	if err != nil {
		// The previous context stays untouched on rejection.
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_tenant", "tenant not in memberships")
		return
	}

	setSelectedTenantCookie(w, m.TenantID)
	scope.Invalidate(m.TenantID)
	http.Redirect(w, r, "/home", http.StatusSeeOther)
}

func handleAccountsList(w http.ResponseWriter, r *http.Request, accounts accountDirectory) {
	p, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	entries, err := accounts.ListByEmail(r.Context(), p.Email)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "accounts_error", "accounts error")
		return
	}

	type accountOut struct {
		TenantID   string `json:"tenant_id"`
		TenantName string `json:"tenant_name"`
		Role       string `json:"role"`
	}
	out := struct {
		Accounts     []accountOut `json:"accounts"`
		ShowSwitcher bool         `json:"show_switcher"`
	}{Accounts: []accountOut{}, ShowSwitcher: showAccountSwitcher(entries)}
	for _, a := range entries {
		out.Accounts = append(out.Accounts, accountOut{TenantID: a.TenantID, TenantName: a.TenantName, Role: a.Role})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// handleAccountSwitch ends the current session and sends the browser to the
// target tenant's host. The switch is one way: there is no "return to
// previous account" state to come back to.
func handleAccountSwitch(w http.ResponseWriter, r *http.Request, accounts accountDirectory, sessions sessionStore, baseDomain string) {
	p, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "tenant_id required")
		return
	}

	entries, err := accounts.ListByEmail(r.Context(), p.Email)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "accounts_error", "accounts error")
		return
	}
	target, err := findAccount(entries, tenantID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "account_not_found", "no account in that community")
		return
	}

	if sid, ok := readSID(r); ok {
		_ = sessions.Revoke(r.Context(), sid)
	}
	clearSIDCookie(w)
	clearSelectedTenantCookie(w)
	http.Redirect(w, r, "https://"+target.Host(baseDomain)+"/", http.StatusSeeOther)
}

func handleAccessMap(w http.ResponseWriter, r *http.Request, store unlock.Store) {
	p, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	pattern, _ := routing.ParsePathPattern("/learn/api/containers/{container_id}/access-map")
	containerID := pattern.Param(r.URL.Path, "container_id")
	if containerID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "container_id required")
		return
	}

	accessMap, err := unlock.AccessMapForContainer(r.Context(), store, p.ID, containerID)
	if err != nil {
		if errors.Is(err, unlock.ErrContainerNotFound) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "container_not_found", "container not found")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "access_map_error", "access map error")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		ContainerID string          `json:"container_id"`
		AccessMap   map[string]bool `json:"access_map"`
	}{ContainerID: containerID, AccessMap: accessMap})
}

// tenantIDFromRequest reads tenant_id from a JSON body or a form post.
func tenantIDFromRequest(r *http.Request) (string, bool) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var req struct {
			TenantID string `json:"tenant_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", false
		}
		req.TenantID = strings.TrimSpace(req.TenantID)
		return req.TenantID, req.TenantID != ""
	}
	if err := r.ParseForm(); err != nil {
		return "", false
	}
	v := strings.TrimSpace(r.PostFormValue("tenant_id"))
	return v, v != ""
}

func withTenantAndSession(classifier *routing.Classifier, tenants TenancyResolver, loader tenantLoader, principals principalStore, sessions sessionStore, memberships membershipStore, g *gate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" || pathHasPrefixSegment(path, "/assets") || pathHasPrefixSegment(path, "/static") {
			next.ServeHTTP(w, r)
			return
		}

		host := effectiveHost(r)
		var hostTenant *Tenant
		t, ok, err := tenants.ResolveTenant(r.Context(), host)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_resolve_error", "tenant resolve error")
			return
		}
		if ok {
			hostTenant = &t
		}

		if path == "/login" || (path == "/iam/api/sessions" && r.Method == http.MethodPost) {
			if hostTenant != nil {
				r = r.WithContext(withTenant(r.Context(), *hostTenant))
			}
			next.ServeHTTP(w, r)
			return
		}

		sid, ok := readSID(r)
		if !ok {
			serveUnauthenticated(w, r, rc, hostTenant, g, next)
			return
		}

		sess, ok, err := sessions.Lookup(r.Context(), sid)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "session_lookup_error", "session lookup error")
			return
		}
		// A session minted on one tenant host is not honored on another.
		// Base-domain sessions (TenantID == "") work everywhere.
		if !ok || (sess.TenantID != "" && (hostTenant == nil || sess.TenantID != hostTenant.ID)) {
			clearSIDCookie(w)
			serveUnauthenticated(w, r, rc, hostTenant, g, next)
			return
		}

		p, ok, err := principals.GetByID(r.Context(), sess.PrincipalID)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "principal_lookup_error", "principal lookup error")
			return
		}
		if !ok || p.Status != "active" {
			clearSIDCookie(w)
			serveUnauthenticated(w, r, rc, hostTenant, g, next)
			return
		}

		ctx := withPrincipal(r.Context(), p)
		ms, err := memberships.ListByPrincipal(r.Context(), p.ID)
		if err != nil {
			// A broken membership lookup must not read as "no memberships"
			// and lock the account out.
			g.logger.Error("membership lookup failed, continuing", "principal_id", p.ID, "err", err)
			ctx = withMembershipsUnknown(ctx)
			ms = nil
		} else {
			ctx = withMemberships(ctx, ms)
		}

		persisted, _ := readSelectedTenant(r)
		tenantID, needSelection := resolveCurrentTenant(hostTenant, ms, persisted)
		switch {
		case tenantID != "":
			if hostTenant != nil && hostTenant.ID == tenantID {
				ctx = withTenant(ctx, *hostTenant)
			} else {
				resolved, ok, err := loader.TenantByID(ctx, tenantID)
				if err != nil {
					routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_lookup_error", "tenant lookup error")
					return
				}
				if ok {
					ctx = withTenant(ctx, resolved)
				}
			}
		case needSelection:
			ctx = withSelectionRequired(ctx)
		case hostTenant != nil:
			// Signed in but no membership here: browse as a visitor.
			ctx = withTenant(ctx, *hostTenant)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// serveUnauthenticated handles requests with no usable session. Blocking
// tenant states outrank the sign-in redirect: an anonymous visitor on a
// suspended or maintenance host sees the notice, not a login form. UI routes
// on a healthy known tenant host go to the sign-in page; API routes get 401;
// the gate deals with unknown hosts.
func serveUnauthenticated(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, hostTenant *Tenant, g *gate, next http.Handler) {
	if hostTenant != nil && gated(rc) && !hasPathPrefix(r.URL.Path, "/iam") {
		r = r.WithContext(withTenant(r.Context(), *hostTenant))
		state := g.evaluate(r.Context(), r.URL.Path)
		if state != GateAllowed {
			g.render(w, r, rc, state)
			return
		}
	}
	if rc == routing.RouteClassInternalAPI || rc == routing.RouteClassPublicAPI {
		routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	if hostTenant == nil {
		next.ServeHTTP(w, r)
		return
	}
	if rc == routing.RouteClassUI {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), *hostTenant)))
}
