package server

import (
	"context"
	"errors"
	"net/http"
)

var ErrInvalidTenant = errors.New("server: tenant not in memberships")

type tenantCtxKey struct{}
type principalCtxKey struct{}
type membershipsCtxKey struct{}

func withTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenant)
}

func currentTenant(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantCtxKey{}).(Tenant)
	return t, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

func currentPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}

func withMemberships(ctx context.Context, ms []Membership) context.Context {
	return context.WithValue(ctx, membershipsCtxKey{}, ms)
}

func currentMemberships(ctx context.Context) []Membership {
	ms, _ := ctx.Value(membershipsCtxKey{}).([]Membership)
	return ms
}

type membershipsUnknownCtxKey struct{}

// withMembershipsUnknown marks a request whose membership lookup failed.
// The gate must not read the resulting empty list as "no memberships".
func withMembershipsUnknown(ctx context.Context) context.Context {
	return context.WithValue(ctx, membershipsUnknownCtxKey{}, true)
}

func membershipsUnknown(ctx context.Context) bool {
	v, _ := ctx.Value(membershipsUnknownCtxKey{}).(bool)
	return v
}

func hasActiveMembership(ms []Membership) bool {
	for _, m := range ms {
		if m.IsActive {
			return true
		}
	}
	return false
}

// The selected-tenant cookie persists the principal's explicit choice across
// reloads on hosts that do not imply a tenant (the base domain).
const tidCookieName = "tid"

func readSelectedTenant(r *http.Request) (string, bool) {
	c, err := r.Cookie(tidCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func setSelectedTenantCookie(w http.ResponseWriter, tenantID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tidCookieName,
		Value:    tenantID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSelectedTenantCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     tidCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// resolveCurrentTenant picks the active tenant context for a principal.
// Resolution order: the host-derived tenant when the principal holds an
// active membership there; otherwise the persisted selection when still
// valid; otherwise the sole active membership. With several memberships and
// no other signal the caller must prompt for a selection; an arbitrary
// default is never picked.
func resolveCurrentTenant(hostTenant *Tenant, memberships []Membership, persisted string) (tenantID string, selectionRequired bool) {
	if hostTenant != nil {
		for _, m := range memberships {
			if m.IsActive && m.TenantID == hostTenant.ID {
				return m.TenantID, false
			}
		}
	}

	active := make([]Membership, 0, len(memberships))
	for _, m := range memberships {
		if m.IsActive {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return "", false
	}

	if persisted != "" {
		for _, m := range active {
			if m.TenantID == persisted {
				return m.TenantID, false
			}
		}
	}

	if len(active) == 1 {
		return active[0].TenantID, false
	}
	return "", true
}

// selectTenant validates an explicit tenant choice against the principal's
// active memberships. Unknown or inactive tenants are rejected with
// ErrInvalidTenant; no partial switch happens.
func selectTenant(memberships []Membership, tenantID string) (Membership, error) {
	for _, m := range memberships {
		if m.TenantID == tenantID && m.IsActive {
			return m, nil
		}
	}
	return Membership{}, ErrInvalidTenant
}
