package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aluna-app/aluna/internal/features"
	"github.com/aluna-app/aluna/internal/routing"
	"github.com/aluna-app/aluna/internal/tenantscope"
)

type recordingSetter struct {
	calls []string
	err   error
}

func (s *recordingSetter) SetTenantScope(_ context.Context, tenantID string) error {
	s.calls = append(s.calls, tenantID)
	return s.err
}

func testGateRegistry(t *testing.T) *features.Registry {
	t.Helper()
	r, err := features.ParseRegistryYAML([]byte(`
version: 1
defaults:
  courses: true
  community: true
  marketplace: false
`))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func testGateClassifier(t *testing.T) *routing.Classifier {
	t.Helper()
	a := routing.Allowlist{
		Version: 1,
		Entrypoints: map[string]routing.Entrypoint{
			"server": {Routes: []routing.Route{
				{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"},
				{Path: "/login", Methods: []string{"GET", "POST"}, RouteClass: "authn"},
				{Path: "/dashboard", Methods: []string{"GET"}, RouteClass: "ui"},
			}},
		},
	}
	c, err := routing.NewClassifier(a, "server")
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	return c
}

func newTestGate(t *testing.T, suspensions suspensionChecker, setter tenantscope.Setter) *gate {
	t.Helper()
	if suspensions == nil {
		suspensions = &memorySuspensionChecker{}
	}
	if setter == nil {
		setter = &recordingSetter{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scope := tenantscope.NewPropagator(setter, tenantscope.DefaultTTL, logger)
	return newGate(testGateClassifier(t), suspensions, testGateRegistry(t), scope, "aluna.app", logger)
}

func activeTenant() Tenant {
	return Tenant{ID: "t-1", Name: "Alfa", Subdomain: "alfa", Status: TenantStatusActive}
}

func ctxWithTenant(tenant Tenant, role string) context.Context {
	ctx := withTenant(context.Background(), tenant)
	if role != "" {
		ctx = withMemberships(ctx, []Membership{{TenantID: tenant.ID, Role: role, IsActive: true}})
	}
	return ctx
}

func TestEvaluateFoldOrder(t *testing.T) {
	tenant := activeTenant()
	tenant.MaintenanceMode = true
	suspensions := &memorySuspensionChecker{suspended: map[string]bool{tenant.ID: true}}
	g := newTestGate(t, suspensions, nil)

	// Suspension is checked before maintenance: a suspended tenant in
	// maintenance mode shows the suspension state.
	if got := g.evaluate(ctxWithTenant(tenant, "member"), "/dashboard"); got != GateSuspended {
		t.Fatalf("got=%q want=%q", got, GateSuspended)
	}
}

func TestEvaluateTenantNotFound(t *testing.T) {
	g := newTestGate(t, nil, nil)
	if got := g.evaluate(context.Background(), "/dashboard"); got != GateTenantNotFound {
		t.Fatalf("got=%q", got)
	}
}

func TestEvaluateSelectionRequired(t *testing.T) {
	g := newTestGate(t, nil, nil)
	ctx := withSelectionRequired(context.Background())
	if got := g.evaluate(ctx, "/dashboard"); got != GateSelectionRequired {
		t.Fatalf("got=%q", got)
	}
}

func TestEvaluateSuspensionFailsOpen(t *testing.T) {
	suspensions := &memorySuspensionChecker{err: errors.New("billing store down")}
	g := newTestGate(t, suspensions, nil)
	if got := g.evaluate(ctxWithTenant(activeTenant(), "member"), "/dashboard"); got != GateAllowed {
		t.Fatalf("got=%q want=%q", got, GateAllowed)
	}
}

func TestEvaluateNoActiveMembershipsSuspended(t *testing.T) {
	g := newTestGate(t, nil, nil)
	ctx := withTenant(context.Background(), activeTenant())
	ctx = withPrincipal(ctx, Principal{ID: "p-1", Status: "active"})
	ctx = withMemberships(ctx, []Membership{{PrincipalID: "p-1", TenantID: "t-9", Role: "member", IsActive: false}})

	// All memberships deactivated: the account is locked out, not treated
	// as a visitor.
	if got := g.evaluate(ctx, "/dashboard"); got != GateSuspended {
		t.Fatalf("got=%q want=%q", got, GateSuspended)
	}
}

func TestEvaluateMembershipElsewhereBrowsesAsVisitor(t *testing.T) {
	g := newTestGate(t, nil, nil)
	ctx := withTenant(context.Background(), activeTenant())
	ctx = withPrincipal(ctx, Principal{ID: "p-1", Status: "active"})
	ctx = withMemberships(ctx, []Membership{{PrincipalID: "p-1", TenantID: "t-9", Role: "member", IsActive: true}})

	if got := g.evaluate(ctx, "/dashboard"); got != GateAllowed {
		t.Fatalf("got=%q want=%q", got, GateAllowed)
	}
}

func TestEvaluateUnknownMembershipsFailOpen(t *testing.T) {
	g := newTestGate(t, nil, nil)
	ctx := withTenant(context.Background(), activeTenant())
	ctx = withPrincipal(ctx, Principal{ID: "p-1", Status: "active"})
	ctx = withMembershipsUnknown(ctx)

	if got := g.evaluate(ctx, "/dashboard"); got != GateAllowed {
		t.Fatalf("got=%q want=%q", got, GateAllowed)
	}
}

func TestEvaluateInactiveTenantSuspended(t *testing.T) {
	tenant := activeTenant()
	tenant.Status = TenantStatusInactive
	g := newTestGate(t, nil, nil)
	if got := g.evaluate(ctxWithTenant(tenant, "member"), "/dashboard"); got != GateSuspended {
		t.Fatalf("got=%q", got)
	}
}

func TestEvaluateMaintenanceExemptions(t *testing.T) {
	tenant := activeTenant()
	tenant.MaintenanceMode = true
	g := newTestGate(t, nil, nil)

	cases := []struct {
		role string
		want GateState
	}{
		{"member", GateMaintenance},
		{"", GateMaintenance},
		{"owner", GateAllowed},
		{"admin", GateAllowed},
	}
	for _, tc := range cases {
		if got := g.evaluate(ctxWithTenant(tenant, tc.role), "/dashboard"); got != tc.want {
			t.Fatalf("role=%q got=%q want=%q", tc.role, got, tc.want)
		}
	}
}

func TestEvaluateFeatureGate(t *testing.T) {
	g := newTestGate(t, nil, nil)
	ctx := ctxWithTenant(activeTenant(), "member")

	if got := g.evaluate(ctx, "/learn/courses"); got != GateAllowed {
		t.Fatalf("courses: got=%q", got)
	}
	if got := g.evaluate(ctx, "/market/listings"); got != GateDeniedFeature {
		t.Fatalf("marketplace: got=%q", got)
	}
	// "/marketing" is not the "/market" area.
	if got := g.evaluate(ctx, "/marketing"); got != GateAllowed {
		t.Fatalf("marketing: got=%q", got)
	}
}

func TestMiddlewareSkipsUngatedRoutes(t *testing.T) {
	g := newTestGate(t, nil, nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := g.middleware(next)

	for _, path := range []string{"/health", "/login", "/assets/app.js"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: code=%d", path, rec.Code)
		}
	}
}

func TestMiddlewarePropagatesTenantScope(t *testing.T) {
	setter := &recordingSetter{}
	g := newTestGate(t, nil, setter)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := g.middleware(next)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req = req.WithContext(ctxWithTenant(activeTenant(), "member"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	if len(setter.calls) != 1 || setter.calls[0] != "t-1" {
		t.Fatalf("calls=%v", setter.calls)
	}
}

func TestMiddlewareScopeFailureIsServerError(t *testing.T) {
	setter := &recordingSetter{err: errors.New("db down")}
	g := newTestGate(t, nil, setter)
	h := g.middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("next must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req = req.WithContext(ctxWithTenant(activeTenant(), "member"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestRenderTenantNotFoundPage(t *testing.T) {
	g := newTestGate(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "https://ghost.aluna.app/dashboard", nil)
	rec := httptest.NewRecorder()
	g.render(rec, req, routing.RouteClassUI, GateTenantNotFound)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "ghost.aluna.app") {
		t.Fatalf("body=%q", body)
	}
	if !strings.Contains(body, `url=https://aluna.app/`) {
		t.Fatalf("missing redirect: %q", body)
	}
}

func TestRenderSuspendedPageHasNoRedirect(t *testing.T) {
	g := newTestGate(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "https://alfa.aluna.app/dashboard", nil)
	rec := httptest.NewRecorder()
	g.render(rec, req, routing.RouteClassUI, GateSuspended)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("code=%d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "http-equiv") {
		t.Fatalf("suspended page must not redirect")
	}
}

func TestRenderMaintenanceUsesTenantMessage(t *testing.T) {
	g := newTestGate(t, nil, nil)
	tenant := activeTenant()
	tenant.MaintenanceMode = true
	tenant.MaintenanceMessage = "Back at 9am UTC"

	req := httptest.NewRequest(http.MethodGet, "https://alfa.aluna.app/dashboard", nil)
	req = req.WithContext(withTenant(req.Context(), tenant))
	rec := httptest.NewRecorder()
	g.render(rec, req, routing.RouteClassUI, GateMaintenance)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Back at 9am UTC") {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestRenderAPIStatesAreJSON(t *testing.T) {
	g := newTestGate(t, nil, nil)
	cases := []struct {
		state GateState
		code  int
	}{
		{GateTenantNotFound, http.StatusNotFound},
		{GateSelectionRequired, http.StatusConflict},
		{GateSuspended, http.StatusForbidden},
		{GateMaintenance, http.StatusServiceUnavailable},
		{GateDeniedFeature, http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/iam/api/session", nil)
		rec := httptest.NewRecorder()
		g.render(rec, req, routing.RouteClassInternalAPI, tc.state)
		if rec.Code != tc.code {
			t.Fatalf("%s: code=%d want=%d", tc.state, rec.Code, tc.code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
			t.Fatalf("%s: content-type=%q", tc.state, ct)
		}
	}
}
