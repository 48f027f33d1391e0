package superadmin

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTenantNotFound = errors.New("superadmin: tenant not found")

// TenantRow is the console's view of a tenant: platform status plus the
// operator-controlled suspension and maintenance switches.
type TenantRow struct {
	ID                 string
	Name               string
	Subdomain          string
	Status             string
	Suspended          bool
	SuspensionReason   string
	MaintenanceMode    bool
	MaintenanceMessage string
}

type consoleStore interface {
	ListTenants(ctx context.Context) ([]TenantRow, error)
	CreateTenant(ctx context.Context, name string, subdomain string) (TenantRow, error)
	Suspend(ctx context.Context, tenantID string, reason string) error
	Reinstate(ctx context.Context, tenantID string) error
	SetMaintenance(ctx context.Context, tenantID string, enabled bool, message string) error
}

type pgConsoleStore struct {
	pool *pgxpool.Pool
}

func newPGConsoleStore(pool *pgxpool.Pool) consoleStore {
	return &pgConsoleStore{pool: pool}
}

func (s *pgConsoleStore) ListTenants(ctx context.Context) ([]TenantRow, error) {
	rows, err := s.pool.Query(ctx, `
SELECT t.id::text, t.name, COALESCE(t.subdomain, ''), t.status,
       susp.reason IS NOT NULL, COALESCE(susp.reason, ''),
       t.maintenance_mode, COALESCE(t.maintenance_message, '')
FROM iam.tenants t
LEFT JOIN LATERAL (
  SELECT reason FROM iam.tenant_suspensions
  WHERE tenant_id = t.id AND lifted_at IS NULL
  ORDER BY created_at DESC LIMIT 1
) susp ON true
ORDER BY t.name, t.id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantRow
	for rows.Next() {
		var tr TenantRow
		if err := rows.Scan(&tr.ID, &tr.Name, &tr.Subdomain, &tr.Status,
			&tr.Suspended, &tr.SuspensionReason, &tr.MaintenanceMode, &tr.MaintenanceMessage); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *pgConsoleStore) CreateTenant(ctx context.Context, name string, subdomain string) (TenantRow, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
INSERT INTO iam.tenants (id, name, subdomain, status)
VALUES ($1::uuid, $2, $3, 'active')
`, id, name, subdomain)
	if err != nil {
		return TenantRow{}, err
	}
	return TenantRow{ID: id, Name: name, Subdomain: subdomain, Status: "active"}, nil
}

func (s *pgConsoleStore) Suspend(ctx context.Context, tenantID string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO iam.tenant_suspensions (tenant_id, reason)
SELECT id, $2 FROM iam.tenants WHERE id = $1::uuid
`, tenantID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *pgConsoleStore) Reinstate(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE iam.tenant_suspensions
SET lifted_at = now()
WHERE tenant_id = $1::uuid AND lifted_at IS NULL
`, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *pgConsoleStore) SetMaintenance(ctx context.Context, tenantID string, enabled bool, message string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE iam.tenants
SET maintenance_mode = $2, maintenance_message = $3
WHERE id = $1::uuid
`, tenantID, enabled, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

type memoryConsoleStore struct {
	mu      sync.Mutex
	byID    map[string]TenantRow
	created map[string]time.Time
}

func newMemoryConsoleStore(seed []TenantRow) *memoryConsoleStore {
	s := &memoryConsoleStore{byID: map[string]TenantRow{}, created: map[string]time.Time{}}
	for _, tr := range seed {
		s.byID[tr.ID] = tr
		s.created[tr.ID] = time.Now()
	}
	return s
}

func (s *memoryConsoleStore) ListTenants(_ context.Context) ([]TenantRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TenantRow, 0, len(s.byID))
	for _, tr := range s.byID {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryConsoleStore) CreateTenant(_ context.Context, name string, subdomain string) (TenantRow, error) {
	name = strings.TrimSpace(name)
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if name == "" || subdomain == "" {
		return TenantRow{}, errors.New("superadmin: name and subdomain required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tr := range s.byID {
		if tr.Subdomain == subdomain {
			return TenantRow{}, errors.New("superadmin: subdomain taken")
		}
	}
	tr := TenantRow{ID: uuid.NewString(), Name: name, Subdomain: subdomain, Status: "active"}
	s.byID[tr.ID] = tr
	s.created[tr.ID] = time.Now()
	return tr, nil
}

func (s *memoryConsoleStore) Suspend(_ context.Context, tenantID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.byID[tenantID]
	if !ok {
		return ErrTenantNotFound
	}
	tr.Suspended = true
	tr.SuspensionReason = reason
	s.byID[tenantID] = tr
	return nil
}

func (s *memoryConsoleStore) Reinstate(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.byID[tenantID]
	if !ok {
		return ErrTenantNotFound
	}
	tr.Suspended = false
	tr.SuspensionReason = ""
	s.byID[tenantID] = tr
	return nil
}

func (s *memoryConsoleStore) SetMaintenance(_ context.Context, tenantID string, enabled bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.byID[tenantID]
	if !ok {
		return ErrTenantNotFound
	}
	tr.MaintenanceMode = enabled
	tr.MaintenanceMessage = message
	s.byID[tenantID] = tr
	return nil
}
