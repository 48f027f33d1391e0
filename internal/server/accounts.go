package server

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAccountNotFound is returned when a switch targets a tenant the signed-in
// email has no linked account in.
var ErrAccountNotFound = errors.New("server: account not found")

// Account is one entry of the cross-tenant account directory. Accounts are
// keyed by verified email across tenants, so the same human shows up once per
// tenant they belong to, each with its own principal id.
type Account struct {
	PrincipalID  string
	TenantID     string
	TenantName   string
	Role         string
	Subdomain    string
	CustomDomain string
}

// Host returns the canonical host for the account's tenant. A verified custom
// domain wins over the platform subdomain.
func (a Account) Host(baseDomain string) string {
	if a.CustomDomain != "" {
		return a.CustomDomain
	}
	return a.Subdomain + "." + baseDomain
}

type accountDirectory interface {
	ListByEmail(ctx context.Context, email string) ([]Account, error)
}

// findAccount selects the directory entry for tenantID. The switcher never
// falls back to another tenant on a miss.
func findAccount(accounts []Account, tenantID string) (Account, error) {
	for _, a := range accounts {
		if a.TenantID == tenantID {
			return a, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

// showAccountSwitcher reports whether the UI should offer switching at all.
// A directory with fewer than two entries has nothing to switch to.
func showAccountSwitcher(accounts []Account) bool {
	return len(accounts) >= 2
}

type pgAccountDirectory struct {
	pool *pgxpool.Pool
}

func newPGAccountDirectory(pool *pgxpool.Pool) *pgAccountDirectory {
	return &pgAccountDirectory{pool: pool}
}

func (d *pgAccountDirectory) ListByEmail(ctx context.Context, email string) ([]Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("server: email is required")
	}
	rows, err := d.pool.Query(ctx, `
		SELECT p.id, t.id, t.name, m.role, t.subdomain, COALESCE(t.custom_domain, '')
		FROM iam.principals p
		JOIN iam.memberships m ON m.principal_id = p.id AND m.is_active
		JOIN iam.tenants t ON t.id = m.tenant_id AND t.status = 'active'
		WHERE p.email = $1
		ORDER BY t.name, t.id`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.PrincipalID, &a.TenantID, &a.TenantName, &a.Role, &a.Subdomain, &a.CustomDomain); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type memoryAccountDirectory struct {
	byEmail map[string][]Account
}

func newMemoryAccountDirectory(seed map[string][]Account) *memoryAccountDirectory {
	d := &memoryAccountDirectory{byEmail: map[string][]Account{}}
	for email, accounts := range seed {
		d.byEmail[strings.ToLower(email)] = accounts
	}
	return d
}

func (d *memoryAccountDirectory) ListByEmail(_ context.Context, email string) ([]Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("server: email is required")
	}
	accounts := append([]Account(nil), d.byEmail[email]...)
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].TenantName != accounts[j].TenantName {
			return accounts[i].TenantName < accounts[j].TenantName
		}
		return accounts[i].TenantID < accounts[j].TenantID
	})
	return accounts, nil
}
