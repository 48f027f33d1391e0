package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluna-app/aluna/internal/features"
	"github.com/aluna-app/aluna/internal/routing"
	"github.com/aluna-app/aluna/internal/tenantscope"
	"github.com/aluna-app/aluna/pkg/authz"
)

// GateState is the outcome of the per-request access gate. Exactly one state
// is reached per request; terminal states render and stop the chain.
type GateState string

const (
	GateAllowed           GateState = "allowed"
	GateTenantNotFound    GateState = "tenant_not_found"
	GateSelectionRequired GateState = "selection_required"
	GateSuspended         GateState = "suspended"
	GateMaintenance       GateState = "maintenance"
	GateDeniedFeature     GateState = "denied_feature"
)

// failPolicy names what a check does when its backing store errors. The
// suspension check fails open so a flaky billing lookup cannot lock every
// tenant out; everything else fails closed.
type failPolicy int

const (
	failClosed failPolicy = iota
	failOpen
)

type suspensionChecker interface {
	IsSuspended(ctx context.Context, tenantID string) (bool, error)
}

type pgSuspensionChecker struct {
	q queryRower
}

func newPGSuspensionChecker(pool *pgxpool.Pool) suspensionChecker {
	return &pgSuspensionChecker{q: pool}
}

func (c *pgSuspensionChecker) IsSuspended(ctx context.Context, tenantID string) (bool, error) {
	row := c.q.QueryRow(ctx, `
SELECT 1
FROM iam.tenant_suspensions
WHERE tenant_id = $1::uuid
  AND lifted_at IS NULL
LIMIT 1
`, tenantID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type memorySuspensionChecker struct {
	suspended map[string]bool
	err       error
}

func (c *memorySuspensionChecker) IsSuspended(_ context.Context, tenantID string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.suspended[tenantID], nil
}

type selectionRequiredCtxKey struct{}

func withSelectionRequired(ctx context.Context) context.Context {
	return context.WithValue(ctx, selectionRequiredCtxKey{}, true)
}

func selectionRequired(ctx context.Context) bool {
	v, _ := ctx.Value(selectionRequiredCtxKey{}).(bool)
	return v
}

// featureForPath maps a request path to the capability flag gating it.
// Paths outside any flagged product area return ok=false and are not
// feature-gated.
func featureForPath(path string) (features.Flag, bool) {
	switch {
	case hasPathPrefix(path, "/learn"):
		return features.FlagCourses, true
	case hasPathPrefix(path, "/community"):
		return features.FlagCommunity, true
	case hasPathPrefix(path, "/market"):
		return features.FlagMarketplace, true
	case hasPathPrefix(path, "/events"):
		return features.FlagEvents, true
	case hasPathPrefix(path, "/trails"):
		return features.FlagTrails, true
	default:
		return "", false
	}
}

func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

type gate struct {
	classifier  *routing.Classifier
	suspensions suspensionChecker
	registry    *features.Registry
	scope       *tenantscope.Propagator
	baseDomain  string
	logger      *slog.Logger
}

func newGate(classifier *routing.Classifier, suspensions suspensionChecker, registry *features.Registry, scope *tenantscope.Propagator, baseDomain string, logger *slog.Logger) *gate {
	return &gate{
		classifier:  classifier,
		suspensions: suspensions,
		registry:    registry,
		scope:       scope,
		baseDomain:  baseDomain,
		logger:      logger,
	}
}

// gated reports whether a route class sits behind the tenant gate. Sign-in,
// health, webhooks and static assets must keep working for suspended and
// maintenance tenants.
func gated(rc routing.RouteClass) bool {
	switch rc {
	case routing.RouteClassUI, routing.RouteClassInternalAPI, routing.RouteClassPublicAPI:
		return true
	default:
		return false
	}
}

// evaluate folds the checks in a fixed order and returns the first terminal
// state. Later checks never run once a state is reached, so a suspended
// tenant's maintenance banner can never mask the suspension notice.
func (g *gate) evaluate(ctx context.Context, path string) GateState {
	tenant, ok := currentTenant(ctx)
	if !ok {
		if selectionRequired(ctx) {
			return GateSelectionRequired
		}
		return GateTenantNotFound
	}

	suspended, err := g.suspensions.IsSuspended(ctx, tenant.ID)
	if err != nil {
		// failOpen: a broken suspension lookup must not take tenants down.
		g.logger.Error("suspension check failed, continuing", "tenant_id", tenant.ID, "err", err)
		suspended = false
	}
	if suspended || !tenant.IsActive() {
		return GateSuspended
	}

	// An account whose every membership has been deactivated is locked out
	// the same way, not demoted to a visitor. When the membership lookup
	// itself failed upstream the list is unknown and the check fails open.
	if _, ok := currentPrincipal(ctx); ok && !membershipsUnknown(ctx) {
		if !hasActiveMembership(currentMemberships(ctx)) {
			return GateSuspended
		}
	}

	if tenant.MaintenanceMode {
		role := ""
		if m, ok := membershipFor(ctx, tenant.ID); ok {
			role = m.Role
		}
		if !authz.IsMaintenanceExempt(role) {
			return GateMaintenance
		}
	}

	if flag, ok := featureForPath(path); ok {
		enabled, err := g.featureEnabled(ctx, tenant, flag)
		if err != nil {
			// failClosed: an unevaluable flag denies the area.
			g.logger.Error("feature check failed, denying", "tenant_id", tenant.ID, "flag", string(flag), "err", err)
			return GateDeniedFeature
		}
		if !enabled {
			return GateDeniedFeature
		}
	}

	return GateAllowed
}

func (g *gate) featureEnabled(ctx context.Context, tenant Tenant, flag features.Flag) (bool, error) {
	rctx := features.RuleContext{"tenant_id": tenant.ID, "subdomain": tenant.Subdomain, "role": ""}
	if m, ok := membershipFor(ctx, tenant.ID); ok {
		rctx["role"] = m.Role
	}
	return g.registry.Enabled(tenant.ID, flag, rctx)
}

func membershipFor(ctx context.Context, tenantID string) (Membership, bool) {
	for _, m := range currentMemberships(ctx) {
		if m.TenantID == tenantID && m.IsActive {
			return m, true
		}
	}
	return Membership{}, false
}

func (g *gate) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := g.classifier.Classify(r.URL.Path)
		if !gated(rc) {
			next.ServeHTTP(w, r)
			return
		}
		// Account-level surfaces stay reachable in every gate state, or the
		// principal could never select or switch their way out of one.
		if hasPathPrefix(r.URL.Path, "/iam") {
			next.ServeHTTP(w, r)
			return
		}

		state := g.evaluate(r.Context(), r.URL.Path)
		if state != GateAllowed {
			g.render(w, r, rc, state)
			return
		}

		if tenant, ok := currentTenant(r.Context()); ok {
			if err := g.scope.Ensure(r.Context(), tenant.ID); err != nil {
				g.logger.Error("tenant scope propagation failed", "tenant_id", tenant.ID, "err", err)
				routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal", "tenant scope unavailable")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *gate) render(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, state GateState) {
	if rc != routing.RouteClassUI {
		status, code, message := gateErrorFor(state)
		routing.WriteError(w, r, rc, status, code, message)
		return
	}

	switch state {
	case GateTenantNotFound:
		// Unknown host: explain, then send the visitor to the base domain.
		body := fmt.Sprintf(
			`<p>There is no community at <strong>%s</strong>. You will be redirected shortly.</p>`+
				`<meta http-equiv="refresh" content="5;url=https://%s/">`,
			html.EscapeString(effectiveHost(r)), html.EscapeString(g.baseDomain))
		routing.WritePage(w, http.StatusNotFound, "Community not found", body)
	case GateSelectionRequired:
		routing.WritePage(w, http.StatusOK, "Choose a community",
			`<p>Your account belongs to more than one community. Pick one to continue.</p>`+
				`<p><a href="/iam/tenant-selection">Choose a community</a></p>`)
	case GateSuspended:
		// Fixed notice, no redirect: suspended stays suspended until an
		// operator lifts it.
		routing.WritePage(w, http.StatusForbidden, "Community suspended",
			`<p>This community is currently suspended. Contact the community owner for details.</p>`)
	case GateMaintenance:
		message := "We are doing some maintenance. Please check back soon."
		if tenant, ok := currentTenant(r.Context()); ok && tenant.MaintenanceMessage != "" {
			message = tenant.MaintenanceMessage
		}
		routing.WritePage(w, http.StatusServiceUnavailable, "Down for maintenance",
			"<p>"+html.EscapeString(message)+"</p>")
	case GateDeniedFeature:
		routing.WritePage(w, http.StatusForbidden, "Not available",
			`<p>This area is not enabled for this community.</p>`)
	default:
		routing.WritePage(w, http.StatusInternalServerError, "Error", `<p>Something went wrong.</p>`)
	}
}

func gateErrorFor(state GateState) (status int, code string, message string) {
	switch state {
	case GateTenantNotFound:
		return http.StatusNotFound, "tenant_not_found", "no tenant for this host"
	case GateSelectionRequired:
		return http.StatusConflict, "tenant_selection_required", "select a tenant to continue"
	case GateSuspended:
		return http.StatusForbidden, "tenant_suspended", "tenant is suspended"
	case GateMaintenance:
		return http.StatusServiceUnavailable, "maintenance", "tenant is under maintenance"
	case GateDeniedFeature:
		return http.StatusForbidden, "feature_disabled", "feature is not enabled for tenant"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
