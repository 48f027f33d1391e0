package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aluna-app/aluna/internal/features"
	"github.com/aluna-app/aluna/internal/unlock"
)

type staticIdentityProvider struct {
	ident authenticatedIdentity
	err   error
}

func (s staticIdentityProvider) AuthenticatePassword(context.Context, string, string) (authenticatedIdentity, error) {
	return s.ident, s.err
}

const (
	demoTenantID  = "11111111-1111-1111-1111-111111111111"
	bravoTenantID = "22222222-2222-2222-2222-222222222222"
	quietTenantID = "33333333-3333-3333-3333-333333333333"
)

type handlerFixture struct {
	handler     http.Handler
	sessions    *memorySessionStore
	principals  *memoryPrincipalStore
	memberships *memoryMembershipStore
	suspensions *memorySuspensionChecker
	setter      *recordingSetter
	tenants     []Tenant
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	tenants := []Tenant{
		{ID: demoTenantID, Name: "Demo Community", Subdomain: "demo", Status: TenantStatusActive},
		{ID: bravoTenantID, Name: "Bravo Academy", Subdomain: "bravo", CustomDomain: "learn.bravo.example", Status: TenantStatusActive},
		{ID: quietTenantID, Name: "Quiet Corner", Subdomain: "quiet", Status: TenantStatusActive,
			MaintenanceMode: true, MaintenanceMessage: "Back at 9am UTC"},
	}
	resolver := newStaticTenancyResolver(tenants, "aluna.app")

	registry, err := features.ParseRegistryYAML([]byte("version: 1\ndefaults:\n  courses: true\n  community: true\n  marketplace: false\n"))
	if err != nil {
		t.Fatal(err)
	}

	f := &handlerFixture{
		sessions:    newMemorySessionStore(),
		principals:  newMemoryPrincipalStore(),
		memberships: newMemoryMembershipStore(nil),
		suspensions: &memorySuspensionChecker{suspended: map[string]bool{}},
		setter:      &recordingSetter{},
		tenants:     tenants,
	}

	unlockStore := unlock.NewMemoryStore()
	unlockStore.PutContainer("course-1", true,
		unlock.ContentUnit{ID: "u-1", ContainerID: "course-1", OrderIndex: 1},
		unlock.ContentUnit{ID: "u-2", ContainerID: "course-1", OrderIndex: 2})

	h, err := NewHandlerWithOptions(HandlerOptions{
		TenancyResolver: resolver,
		TenantLoader:    resolver.(*staticTenancyResolver),
		IdentityProvider: staticIdentityProvider{ident: authenticatedIdentity{
			KratosIdentityID: "kid-1",
			Email:            "user@example.com",
		}},
		Principals:  f.principals,
		Sessions:    f.sessions,
		Memberships: f.memberships,
		Accounts: newMemoryAccountDirectory(map[string][]Account{
			"user@example.com": {
				{PrincipalID: "p-1", TenantID: demoTenantID, TenantName: "Demo Community", Role: "member", Subdomain: "demo"},
				{PrincipalID: "p-1", TenantID: bravoTenantID, TenantName: "Bravo Academy", Role: "owner", Subdomain: "bravo", CustomDomain: "learn.bravo.example"},
			},
		}),
		Suspensions: f.suspensions,
		UnlockStore: unlockStore,
		Features:    registry,
		ScopeSetter: f.setter,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.handler = h
	return f
}

// signIn creates a principal and session directly in the stores and returns
// the sid cookie value.
func (f *handlerFixture) signIn(t *testing.T, hostTenantID string, roles map[string]string) string {
	t.Helper()
	p, err := f.principals.UpsertFromKratos(context.Background(), "user@example.com", "kid-1")
	if err != nil {
		t.Fatal(err)
	}
	for tenantID, role := range roles {
		name := "Demo Community"
		if tenantID == bravoTenantID {
			name = "Bravo Academy"
		}
		f.memberships.put(Membership{PrincipalID: p.ID, TenantID: tenantID, TenantName: name, Role: role, IsActive: true})
	}
	sid, err := f.sessions.Create(context.Background(), p.ID, hostTenantID, time.Now().Add(time.Hour), "", "")
	if err != nil {
		t.Fatal(err)
	}
	return sid
}

func (f *handlerFixture) get(t *testing.T, url string, sid string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: sidCookieName, Value: sid})
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *handlerFixture) postJSON(t *testing.T, url string, sid string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: sidCookieName, Value: sid})
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	f := newHandlerFixture(t)
	for _, path := range []string{"/health", "/healthz"} {
		rec := f.get(t, "https://demo.aluna.app"+path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", path, rec.Code)
		}
	}
}

func TestHandler_UnknownHostRendersNotFound(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.get(t, "https://ghost.aluna.app/home", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ghost.aluna.app") {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestHandler_ReservedSubdomainIsNotATenant(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.get(t, "https://www.aluna.app/home", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestHandler_LoginSetsSIDCookie(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.postJSON(t, "https://demo.aluna.app/iam/api/sessions", "", map[string]string{
		"email": "user@example.com", "password": "secret",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var sid string
	for _, c := range rec.Result().Cookies() {
		if c.Name == sidCookieName {
			sid = c.Value
		}
	}
	if sid == "" {
		t.Fatal("no sid cookie")
	}
}

func TestHandler_LoginBadCredentials(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.postJSON(t, "https://demo.aluna.app/iam/api/sessions", "", map[string]string{
		"email": "user@example.com", "password": "",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestHandler_HomeOnTenantHost(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})

	rec := f.get(t, "https://demo.aluna.app/home", sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Demo Community") {
		t.Fatalf("body=%q", rec.Body.String())
	}
	if len(f.setter.calls) != 1 || f.setter.calls[0] != demoTenantID {
		t.Fatalf("scope calls=%v", f.setter.calls)
	}
}

func TestHandler_AnonymousUIRedirectsToLogin(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.get(t, "https://demo.aluna.app/home", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Fatalf("location=%q", loc)
	}
}

func TestHandler_TenantContextSelectionRequired(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, "", map[string]string{demoTenantID: "member", bravoTenantID: "owner"})

	rec := f.get(t, "https://aluna.app/iam/api/tenant-context", sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		TenantID          string `json:"tenant_id"`
		SelectionRequired bool   `json:"selection_required"`
		Memberships       []struct {
			TenantID string `json:"tenant_id"`
		} `json:"memberships"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.SelectionRequired {
		t.Fatal("want selection_required")
	}
	if out.TenantID != "" {
		t.Fatalf("tenant_id=%q, no default may be picked", out.TenantID)
	}
	if len(out.Memberships) != 2 {
		t.Fatalf("memberships=%d", len(out.Memberships))
	}
}

func TestHandler_SoleMembershipResolvesWithoutSelection(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, "", map[string]string{demoTenantID: "member"})

	rec := f.get(t, "https://aluna.app/iam/api/tenant-context", sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var out struct {
		TenantID          string `json:"tenant_id"`
		SelectionRequired bool   `json:"selection_required"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.SelectionRequired || out.TenantID != demoTenantID {
		t.Fatalf("out=%+v", out)
	}
}

func TestHandler_TenantSelectionInvalidTenant(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, "", map[string]string{demoTenantID: "member", bravoTenantID: "owner"})

	rec := f.postJSON(t, "https://aluna.app/iam/api/tenant-selection", sid, map[string]string{
		"tenant_id": "99999999-9999-9999-9999-999999999999",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_tenant") {
		t.Fatalf("body=%q", rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == tidCookieName {
			t.Fatal("tid cookie must not change on rejection")
		}
	}
}

func TestHandler_TenantSelectionPersists(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, "", map[string]string{demoTenantID: "member", bravoTenantID: "owner"})

	rec := f.postJSON(t, "https://aluna.app/iam/api/tenant-selection", sid, map[string]string{
		"tenant_id": bravoTenantID,
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var tid string
	for _, c := range rec.Result().Cookies() {
		if c.Name == tidCookieName {
			tid = c.Value
		}
	}
	if tid != bravoTenantID {
		t.Fatalf("tid=%q", tid)
	}

	// The persisted selection now resolves the context on the base domain.
	req := httptest.NewRequest(http.MethodGet, "https://aluna.app/iam/api/tenant-context", nil)
	req.AddCookie(&http.Cookie{Name: sidCookieName, Value: sid})
	req.AddCookie(&http.Cookie{Name: tidCookieName, Value: tid})
	rec2 := httptest.NewRecorder()
	f.handler.ServeHTTP(rec2, req)

	var out struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.TenantID != bravoTenantID {
		t.Fatalf("tenant_id=%q", out.TenantID)
	}
}

func TestHandler_AccountsList(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})

	rec := f.get(t, "https://demo.aluna.app/iam/api/accounts", sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Accounts []struct {
			TenantID string `json:"tenant_id"`
		} `json:"accounts"`
		ShowSwitcher bool `json:"show_switcher"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Accounts) != 2 || !out.ShowSwitcher {
		t.Fatalf("out=%+v", out)
	}
}

func TestHandler_AccountSwitch(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})

	rec := f.postJSON(t, "https://demo.aluna.app/iam/api/accounts/switch", sid, map[string]string{
		"tenant_id": bravoTenantID,
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "https://learn.bravo.example/" {
		t.Fatalf("location=%q", loc)
	}

	// The old session is gone: the switch does not come back.
	if _, ok, _ := f.sessions.Lookup(context.Background(), sid); ok {
		t.Fatal("session must be revoked after switch")
	}
}

func TestHandler_AccountSwitchUnknownTenant(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})

	rec := f.postJSON(t, "https://demo.aluna.app/iam/api/accounts/switch", sid, map[string]string{
		"tenant_id": "99999999-9999-9999-9999-999999999999",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "account_not_found") {
		t.Fatalf("body=%q", rec.Body.String())
	}
	if _, ok, _ := f.sessions.Lookup(context.Background(), sid); !ok {
		t.Fatal("session must survive a rejected switch")
	}
}

func TestHandler_AccessMap(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})

	rec := f.get(t, "https://demo.aluna.app/learn/api/containers/course-1/access-map", sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		ContainerID string          `json:"container_id"`
		AccessMap   map[string]bool `json:"access_map"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.ContainerID != "course-1" {
		t.Fatalf("container=%q", out.ContainerID)
	}
	if !out.AccessMap["u-1"] || out.AccessMap["u-2"] {
		t.Fatalf("access_map=%v", out.AccessMap)
	}
}

func TestHandler_AccessMapUnknownContainer(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})

	rec := f.get(t, "https://demo.aluna.app/learn/api/containers/nope/access-map", sid)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestHandler_SuspendedTenant(t *testing.T) {
	f := newHandlerFixture(t)
	f.suspensions.suspended[demoTenantID] = true
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "owner"})

	rec := f.get(t, "https://demo.aluna.app/home", sid)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "suspended") {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestHandler_NoActiveMembershipsIsSuspended(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, nil)

	rec := f.get(t, "https://demo.aluna.app/home", sid)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "suspended") {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestHandler_InactiveMembershipsOnlyIsSuspended(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, nil)
	p, err := f.principals.UpsertFromKratos(context.Background(), "user@example.com", "kid-1")
	if err != nil {
		t.Fatal(err)
	}
	f.memberships.put(Membership{PrincipalID: p.ID, TenantID: demoTenantID, TenantName: "Demo Community", Role: "member", IsActive: false})

	rec := f.get(t, "https://demo.aluna.app/home", sid)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_MembershipLookupFailureFailsOpen(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})
	f.memberships.err = errors.New("memberships down")

	rec := f.get(t, "https://demo.aluna.app/home", sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_AnonymousSeesMaintenancePage(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.get(t, "https://quiet.aluna.app/home", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Back at 9am UTC") {
		t.Fatalf("body=%q", rec.Body.String())
	}

	// API routes on the same host report maintenance too, not a bare 401.
	rec = f.get(t, "https://quiet.aluna.app/learn/api/containers/course-1/access-map", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("api status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_AnonymousSeesSuspendedPage(t *testing.T) {
	f := newHandlerFixture(t)
	f.suspensions.suspended[demoTenantID] = true

	rec := f.get(t, "https://demo.aluna.app/home", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "suspended") {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestHandler_FeatureDisabledArea(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})

	rec := f.get(t, "https://demo.aluna.app/market", sid)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.get(t, "https://demo.aluna.app/community", sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("community status=%d", rec.Code)
	}
}

func TestHandler_MaintenanceBlocksMembersNotAdmins(t *testing.T) {
	f := newHandlerFixture(t)

	memberSID := f.signIn(t, quietTenantID, map[string]string{quietTenantID: "member"})
	rec := f.get(t, "https://quiet.aluna.app/home", memberSID)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("member status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Back at 9am UTC") {
		t.Fatalf("body=%q", rec.Body.String())
	}

	f2 := newHandlerFixture(t)
	ownerSID := f2.signIn(t, quietTenantID, map[string]string{quietTenantID: "owner"})
	rec = f2.get(t, "https://quiet.aluna.app/home", ownerSID)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_LogoutClearsCookies(t *testing.T) {
	f := newHandlerFixture(t)
	sid := f.signIn(t, demoTenantID, map[string]string{demoTenantID: "member"})

	req := httptest.NewRequest(http.MethodPost, "https://demo.aluna.app/logout", nil)
	req.AddCookie(&http.Cookie{Name: sidCookieName, Value: sid})
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status=%d", rec.Code)
	}
	if _, ok, _ := f.sessions.Lookup(context.Background(), sid); ok {
		t.Fatal("session must be revoked")
	}
}
