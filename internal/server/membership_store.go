package server

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluna-app/aluna/pkg/authz"
)

// Membership relates a principal to a tenant with a role. A principal may
// hold memberships in several tenants at once; at most one of them is the
// active context for a given browser session.
type Membership struct {
	PrincipalID string
	TenantID    string
	TenantName  string
	Role        string
	IsActive    bool
}

type membershipStore interface {
	// ListByPrincipal returns all memberships for the principal, active and
	// inactive. The suspension check needs to distinguish "no active
	// memberships" from "no memberships at all resolved yet".
	ListByPrincipal(ctx context.Context, principalID string) ([]Membership, error)
}

type pgMembershipStore struct {
	q queryMany
}

type queryMany interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func newMembershipStore(pool *pgxpool.Pool) membershipStore {
	if pool == nil {
		return newMemoryMembershipStore(nil)
	}
	return &pgMembershipStore{q: pool}
}

func (s *pgMembershipStore) ListByPrincipal(ctx context.Context, principalID string) ([]Membership, error) {
	rows, err := s.q.Query(ctx, `
SELECT m.principal_id::text, m.tenant_id::text, t.name, m.role, m.is_active
FROM iam.memberships m
JOIN iam.tenants t ON t.id = m.tenant_id
WHERE m.principal_id = $1
ORDER BY t.name;
`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.PrincipalID, &m.TenantID, &m.TenantName, &m.Role, &m.IsActive); err != nil {
			return nil, err
		}
		if !authz.KnownRole(m.Role) {
			return nil, errors.New("server: unknown membership role " + m.Role)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type memoryMembershipStore struct {
	mu          sync.Mutex
	byPrincipal map[string][]Membership
	err         error
}

func newMemoryMembershipStore(seed []Membership) *memoryMembershipStore {
	s := &memoryMembershipStore{byPrincipal: map[string][]Membership{}}
	for _, m := range seed {
		s.byPrincipal[m.PrincipalID] = append(s.byPrincipal[m.PrincipalID], m)
	}
	return s
}

func (s *memoryMembershipStore) ListByPrincipal(_ context.Context, principalID string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	ms := s.byPrincipal[principalID]
	out := make([]Membership, len(ms))
	copy(out, ms)
	return out, nil
}

func (s *memoryMembershipStore) put(m Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPrincipal[m.PrincipalID] = append(s.byPrincipal[m.PrincipalID], m)
}
