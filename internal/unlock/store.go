package unlock

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store resolves the inputs that ComputeAccessMap needs for one container.
type Store interface {
	ListUnits(ctx context.Context, containerID string) ([]ContentUnit, error)
	ListCompletions(ctx context.Context, principalID string, containerID string) ([]CompletionRecord, error)
	// ContainerLinearProgression returns ErrContainerNotFound for an unknown
	// container so the caller fails closed.
	ContainerLinearProgression(ctx context.Context, containerID string) (bool, error)
}

// AccessMapForContainer runs the full pipeline against the store. The three
// fetches are independent, but the result is always derived from one
// consistent recompute.
func AccessMapForContainer(ctx context.Context, s Store, principalID string, containerID string) (map[string]bool, error) {
	linear, err := s.ContainerLinearProgression(ctx, containerID)
	if err != nil {
		return nil, err
	}
	units, err := s.ListUnits(ctx, containerID)
	if err != nil {
		return nil, err
	}
	completions, err := s.ListCompletions(ctx, principalID, containerID)
	if err != nil {
		return nil, err
	}
	return ComputeAccessMap(units, completions, linear), nil
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) ListUnits(ctx context.Context, containerID string) ([]ContentUnit, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, container_id::text, order_index
FROM learn.content_units
WHERE container_id = $1
ORDER BY order_index, id;
`, containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContentUnit
	for rows.Next() {
		var u ContentUnit
		if err := rows.Scan(&u.ID, &u.ContainerID, &u.OrderIndex); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *pgStore) ListCompletions(ctx context.Context, principalID string, containerID string) ([]CompletionRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT c.principal_id::text, c.unit_id::text, c.completed_at
FROM learn.completions c
JOIN learn.content_units u ON u.id = c.unit_id
WHERE c.principal_id = $1 AND u.container_id = $2;
`, principalID, containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CompletionRecord
	for rows.Next() {
		var c CompletionRecord
		if err := rows.Scan(&c.PrincipalID, &c.UnitID, &c.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgStore) ContainerLinearProgression(ctx context.Context, containerID string) (bool, error) {
	var linear bool
	err := s.pool.QueryRow(ctx, `
SELECT linear_progression
FROM learn.containers
WHERE id = $1;
`, containerID).Scan(&linear)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrContainerNotFound
		}
		return false, err
	}
	return linear, nil
}

// MemoryStore backs tests and tenancy-less dev setups.
type MemoryStore struct {
	mu          sync.Mutex
	units       map[string][]ContentUnit
	completions map[string][]CompletionRecord
	linear      map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:       map[string][]ContentUnit{},
		completions: map[string][]CompletionRecord{},
		linear:      map[string]bool{},
	}
}

func (s *MemoryStore) PutContainer(containerID string, linearProgression bool, units ...ContentUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linear[containerID] = linearProgression
	s.units[containerID] = append([]ContentUnit(nil), units...)
}

func (s *MemoryStore) PutCompletion(c CompletionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions[c.PrincipalID] = append(s.completions[c.PrincipalID], c)
}

func (s *MemoryStore) ListUnits(_ context.Context, containerID string) ([]ContentUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContentUnit(nil), s.units[containerID]...), nil
}

func (s *MemoryStore) ListCompletions(_ context.Context, principalID string, containerID string) ([]CompletionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unitIDs := make(map[string]struct{})
	for _, u := range s.units[containerID] {
		unitIDs[u.ID] = struct{}{}
	}
	var out []CompletionRecord
	for _, c := range s.completions[principalID] {
		if _, ok := unitIDs[c.UnitID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ContainerLinearProgression(_ context.Context, containerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	linear, ok := s.linear[containerID]
	if !ok {
		return false, ErrContainerNotFound
	}
	return linear, nil
}
