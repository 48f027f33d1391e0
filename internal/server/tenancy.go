package server

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TenantStatus string

const (
	TenantStatusActive   TenantStatus = "active"
	TenantStatusInactive TenantStatus = "inactive"
)

func ParseTenantStatus(raw string) (TenantStatus, error) {
	switch TenantStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TenantStatusActive:
		return TenantStatusActive, nil
	case TenantStatusInactive:
		return TenantStatusInactive, nil
	default:
		return "", errors.New("server: unknown tenant status " + raw)
	}
}

type Tenant struct {
	ID                 string
	Name               string
	Subdomain          string
	CustomDomain       string
	Status             TenantStatus
	MaintenanceMode    bool
	MaintenanceMessage string
}

func (t Tenant) IsActive() bool { return t.Status == TenantStatusActive }

// Host returns the canonical host for the tenant: a verified custom domain
// wins over the platform subdomain.
func (t Tenant) Host(baseDomain string) string {
	if t.CustomDomain != "" {
		return t.CustomDomain
	}
	return t.Subdomain + "." + baseDomain
}

// TenancyResolver maps a request host to a tenant. A miss is (Tenant{}, false,
// nil): "no such tenant" is a terminal state for the gate, not an error.
type TenancyResolver interface {
	ResolveTenant(ctx context.Context, host string) (Tenant, bool, error)
}

type staticTenancyResolver struct {
	byCustomDomain map[string]Tenant
	bySubdomain    map[string]Tenant
	baseDomain     string
}

func newStaticTenancyResolver(tenants []Tenant, baseDomain string) TenancyResolver {
	r := &staticTenancyResolver{
		byCustomDomain: make(map[string]Tenant),
		bySubdomain:    make(map[string]Tenant),
		baseDomain:     baseDomain,
	}
	for _, t := range tenants {
		if d := normalizeHostname(t.CustomDomain); d != "" {
			r.byCustomDomain[d] = t
		}
		if s := strings.ToLower(strings.TrimSpace(t.Subdomain)); s != "" {
			r.bySubdomain[s] = t
		}
	}
	return r
}

func (r *staticTenancyResolver) TenantByID(_ context.Context, tenantID string) (Tenant, bool, error) {
	for _, t := range r.bySubdomain {
		if t.ID == tenantID {
			return t, true, nil
		}
	}
	for _, t := range r.byCustomDomain {
		if t.ID == tenantID {
			return t, true, nil
		}
	}
	return Tenant{}, false, nil
}

func (r *staticTenancyResolver) ResolveTenant(_ context.Context, host string) (Tenant, bool, error) {
	host = normalizeHostname(host)
	if host == "" {
		return Tenant{}, false, nil
	}
	// Custom domain match takes precedence over subdomain parsing.
	if t, ok := r.byCustomDomain[host]; ok {
		return t, true, nil
	}
	label, ok := subdomainForHost(host, r.baseDomain)
	if !ok {
		return Tenant{}, false, nil
	}
	t, ok := r.bySubdomain[label]
	return t, ok, nil
}

type tenancyDBResolver struct {
	q          queryRower
	baseDomain string
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func newTenancyDBResolver(pool *pgxpool.Pool, baseDomain string) TenancyResolver {
	return &tenancyDBResolver{q: pool, baseDomain: baseDomain}
}

func (r *tenancyDBResolver) ResolveTenant(ctx context.Context, host string) (Tenant, bool, error) {
	host = normalizeHostname(host)
	if host == "" {
		return Tenant{}, false, nil
	}

	t, ok, err := r.lookupByCustomDomain(ctx, host)
	if err != nil || ok {
		return t, ok, err
	}

	label, ok := subdomainForHost(host, r.baseDomain)
	if !ok {
		return Tenant{}, false, nil
	}
	return r.lookupBySubdomain(ctx, label)
}

func (r *tenancyDBResolver) TenantByID(ctx context.Context, tenantID string) (Tenant, bool, error) {
	row := r.q.QueryRow(ctx, `
SELECT t.id::text, t.name, COALESCE(t.subdomain, ''),
       COALESCE((SELECT d.hostname FROM iam.tenant_domains d
                 WHERE d.tenant_id = t.id AND d.verified_at IS NOT NULL
                 ORDER BY d.verified_at LIMIT 1), ''),
       t.status, t.maintenance_mode, COALESCE(t.maintenance_message, '')
FROM iam.tenants t
WHERE t.id = $1::uuid
`, tenantID)
	return scanTenant(row)
}

func (r *tenancyDBResolver) lookupByCustomDomain(ctx context.Context, host string) (Tenant, bool, error) {
	row := r.q.QueryRow(ctx, `
SELECT t.id::text, t.name, COALESCE(t.subdomain, ''), d.hostname, t.status,
       t.maintenance_mode, COALESCE(t.maintenance_message, '')
FROM iam.tenant_domains d
JOIN iam.tenants t ON t.id = d.tenant_id
WHERE d.hostname = $1
  AND d.verified_at IS NOT NULL
LIMIT 1
`, host)
	return scanTenant(row)
}

func (r *tenancyDBResolver) lookupBySubdomain(ctx context.Context, label string) (Tenant, bool, error) {
	row := r.q.QueryRow(ctx, `
SELECT t.id::text, t.name, t.subdomain, '', t.status,
       t.maintenance_mode, COALESCE(t.maintenance_message, '')
FROM iam.tenants t
WHERE t.subdomain = $1
LIMIT 1
`, label)
	return scanTenant(row)
}

func scanTenant(row pgx.Row) (Tenant, bool, error) {
	var t Tenant
	var status string
	err := row.Scan(&t.ID, &t.Name, &t.Subdomain, &t.CustomDomain, &status, &t.MaintenanceMode, &t.MaintenanceMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, false, nil
		}
		return Tenant{}, false, err
	}
	st, err := ParseTenantStatus(status)
	if err != nil {
		return Tenant{}, false, err
	}
	t.Status = st
	return t, true, nil
}
