package superadmin

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type principal struct {
	ID               string
	Email            string
	Status           string
	KratosIdentityID string
}

type principalStore interface {
	UpsertFromKratos(ctx context.Context, email string, kratosIdentityID string) (principal, error)
	GetByID(ctx context.Context, principalID string) (principal, bool, error)
}

type memoryPrincipalStore struct {
	mu      sync.Mutex
	byEmail map[string]principal
	byID    map[string]principal
}

func newMemoryPrincipalStore() *memoryPrincipalStore {
	return &memoryPrincipalStore{
		byEmail: map[string]principal{},
		byID:    map[string]principal{},
	}
}

func (s *memoryPrincipalStore) UpsertFromKratos(_ context.Context, email string, kratosIdentityID string) (principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.byEmail[email]; ok {
		if p.Status != "active" {
			return principal{}, errors.New("superadmin: principal is not active")
		}
		if p.KratosIdentityID != "" && p.KratosIdentityID != kratosIdentityID {
			return principal{}, errors.New("superadmin: kratos identity mismatch")
		}
		if p.KratosIdentityID == "" {
			p.KratosIdentityID = kratosIdentityID
			s.byEmail[email] = p
			s.byID[p.ID] = p
		}
		return p, nil
	}

	p := principal{
		ID:               uuid.NewString(),
		Email:            email,
		Status:           "active",
		KratosIdentityID: kratosIdentityID,
	}
	s.byEmail[email] = p
	s.byID[p.ID] = p
	return p, nil
}

func (s *memoryPrincipalStore) GetByID(_ context.Context, principalID string) (principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[principalID]
	return p, ok, nil
}

type pgPrincipalStore struct {
	q queryExecer
}

func newPrincipalStoreFromDB(db queryExecer) principalStore {
	if db == nil {
		return newMemoryPrincipalStore()
	}
	return &pgPrincipalStore{q: db}
}

func (s *pgPrincipalStore) UpsertFromKratos(ctx context.Context, email string, kratosIdentityID string) (principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var p principal
	err := s.q.QueryRow(ctx, `
INSERT INTO iam.superadmin_principals (id, email, status, kratos_identity_id)
VALUES ($1::uuid, $2, 'active', $3)
ON CONFLICT (email) DO UPDATE
SET kratos_identity_id = COALESCE(NULLIF(iam.superadmin_principals.kratos_identity_id, ''), EXCLUDED.kratos_identity_id)
RETURNING id::text, email, status, kratos_identity_id
`, uuid.NewString(), email, kratosIdentityID).Scan(&p.ID, &p.Email, &p.Status, &p.KratosIdentityID)
	if err != nil {
		return principal{}, err
	}
	if p.Status != "active" {
		return principal{}, errors.New("superadmin: principal is not active")
	}
	if p.KratosIdentityID != kratosIdentityID {
		return principal{}, errors.New("superadmin: kratos identity mismatch")
	}
	return p, nil
}

func (s *pgPrincipalStore) GetByID(ctx context.Context, principalID string) (principal, bool, error) {
	var p principal
	err := s.q.QueryRow(ctx, `
SELECT id::text, email, status, kratos_identity_id
FROM iam.superadmin_principals
WHERE id = $1::uuid
`, principalID).Scan(&p.ID, &p.Email, &p.Status, &p.KratosIdentityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return principal{}, false, nil
		}
		return principal{}, false, err
	}
	return p, true, nil
}
