// Package tenantscope propagates the active tenant to the database session
// scope used by row-level security. Every tenant-scoped read depends on the
// propagation having settled first, so callers go through Ensure, which
// coalesces concurrent calls for the same tenant into one in-flight RPC and
// remembers settled tenants for a bounded window.
package tenantscope

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how long a settled propagation is trusted. The server
// side can expire the scope (session recycling), so even a same-tenant
// caller re-propagates after the window elapses.
const DefaultTTL = 2 * time.Minute

type Setter interface {
	SetTenantScope(ctx context.Context, tenantID string) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgSetter struct {
	q execer
}

func NewPGSetter(pool *pgxpool.Pool) Setter {
	return &pgSetter{q: pool}
}

func (s *pgSetter) SetTenantScope(ctx context.Context, tenantID string) error {
	_, err := s.q.Exec(ctx, `SELECT iam.set_tenant_scope($1::uuid);`, tenantID)
	return err
}

func TTLFromEnv() time.Duration {
	v := os.Getenv("TENANT_SCOPE_TTL_SECONDS")
	if v == "" {
		return DefaultTTL
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return DefaultTTL
	}
	return time.Second * time.Duration(n)
}

type Propagator struct {
	setter Setter
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.Mutex
	settled map[string]time.Time

	now func() time.Time
}

func NewPropagator(setter Setter, ttl time.Duration, logger *slog.Logger) *Propagator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{
		setter:  setter,
		ttl:     ttl,
		logger:  logger,
		settled: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Ensure makes the tenant scope settled for tenantID before returning.
// Within the TTL window a previously settled tenant returns immediately;
// concurrent callers for the same tenant share one in-flight RPC.
func (p *Propagator) Ensure(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("tenantscope: empty tenant id")
	}

	p.mu.Lock()
	at, ok := p.settled[tenantID]
	fresh := ok && p.now().Sub(at) < p.ttl
	p.mu.Unlock()
	if fresh {
		return nil
	}

	_, err, shared := p.group.Do(tenantID, func() (any, error) {
		if err := p.setter.SetTenantScope(ctx, tenantID); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.settled[tenantID] = p.now()
		p.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return err
	}
	if shared {
		p.logger.Debug("tenant scope propagation coalesced", "tenant_id", tenantID)
	}
	return nil
}

// Invalidate drops the settled record for tenantID, forcing the next Ensure
// to re-propagate. Used by realtime invalidation when tenant rows change.
func (p *Propagator) Invalidate(tenantID string) {
	p.mu.Lock()
	delete(p.settled, tenantID)
	p.mu.Unlock()
}

func (p *Propagator) InvalidateAll() {
	p.mu.Lock()
	p.settled = make(map[string]time.Time)
	p.mu.Unlock()
}
