package server

import (
	"net/http"
	"os"
	"strings"
)

// Labels that can never be tenant subdomains, no matter what the tenants
// table says. A host like www.aluna.app is the platform itself.
var reservedSubdomains = map[string]struct{}{
	"www":     {},
	"api":     {},
	"app":     {},
	"admin":   {},
	"assets":  {},
	"cdn":     {},
	"mail":    {},
	"smtp":    {},
	"staging": {},
	"status":  {},
	"ws":      {},
}

func effectiveHost(r *http.Request) string {
	if os.Getenv("TRUST_PROXY") == "1" {
		if h := forwardedHost(r); h != "" {
			return normalizeHostname(h)
		}
	}
	return normalizeHostname(r.Host)
}

func forwardedHost(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("X-Forwarded-Host"))
	if raw == "" {
		return ""
	}
	first, _, ok := strings.Cut(raw, ",")
	if ok {
		raw = first
	}
	return strings.TrimSpace(raw)
}

func normalizeHostname(host string) string {
	host = strings.TrimSpace(host)
	host = hostWithoutPort(host)
	return strings.ToLower(strings.TrimSpace(host))
}

func hostWithoutPort(host string) string {
	if h, _, ok := strings.Cut(host, ":"); ok {
		return h
	}
	return host
}

func baseDomainFromEnv() string {
	if v := normalizeHostname(os.Getenv("BASE_DOMAIN")); v != "" {
		return v
	}
	return "aluna.app"
}

// subdomainForHost extracts the candidate tenant subdomain from host relative
// to baseDomain. The base domain itself, hosts outside the base domain
// (candidate custom domains), and reserved labels all yield ok=false.
func subdomainForHost(host string, baseDomain string) (string, bool) {
	host = normalizeHostname(host)
	if host == "" || host == baseDomain {
		return "", false
	}
	label, found := strings.CutSuffix(host, "."+baseDomain)
	if !found || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	if _, reserved := reservedSubdomains[label]; reserved {
		return "", false
	}
	return label, true
}
