package authz

// Role slugs are a closed set. Values read from the identity provider or the
// membership store must match one of these; unknown slugs are rejected at the
// boundary instead of being passed through.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleMember     = "member"
	RoleAnonymous  = "anonymous"
	RoleSuperadmin = "superadmin"
)

// KnownRole reports whether slug is one of the closed role set.
func KnownRole(slug string) bool {
	switch slug {
	case RoleOwner, RoleAdmin, RoleMember, RoleAnonymous, RoleSuperadmin:
		return true
	default:
		return false
	}
}

// IsMaintenanceExempt reports whether a role passes through tenant
// maintenance mode.
func IsMaintenanceExempt(slug string) bool {
	return slug == RoleOwner || slug == RoleAdmin
}

const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"
)

const DomainGlobal = "global"

const (
	ObjectIAMSession         = "iam.session"
	ObjectIAMTenantSelection = "iam.tenant-selection"
	ObjectIAMAccounts        = "iam.accounts"
	ObjectLearnContainers    = "learn.containers"
	ObjectLearnAccessMap     = "learn.access-map"
	ObjectCommunityFeed      = "community.feed"
	ObjectMarketListings     = "market.listings"
	ObjectEventsEvents       = "events.events"
	ObjectAdminTenant        = "admin.tenant"
	ObjectSuperadminTenants  = "superadmin.tenants"
	ObjectSuperadminSession  = "superadmin.session"
)
