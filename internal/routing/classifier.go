package routing

import (
	"errors"
	"strings"
)

type RouteClass string

const (
	RouteClassUI          RouteClass = "ui"
	RouteClassInternalAPI RouteClass = "internal_api"
	RouteClassPublicAPI   RouteClass = "public_api"
	RouteClassAuthn       RouteClass = "authn"
	RouteClassOps         RouteClass = "ops"
	RouteClassStatic      RouteClass = "static"
	RouteClassWebhook     RouteClass = "webhook"
	RouteClassDevOnly     RouteClass = "dev_only"
)

func (rc RouteClass) known() bool {
	switch rc {
	case RouteClassUI, RouteClassInternalAPI, RouteClassPublicAPI, RouteClassAuthn,
		RouteClassOps, RouteClassStatic, RouteClassWebhook, RouteClassDevOnly:
		return true
	}
	return false
}

// Classifier maps a request path to its route class. Declared routes win;
// everything else falls through prefix rules and lands on ui.
type Classifier struct {
	entrypoint string
	exact      map[string]RouteClass
	patterns   []patternRoute
}

type patternRoute struct {
	pattern PathPattern
	rc      RouteClass
}

func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, errors.New("allowlist: missing entrypoint " + entrypoint)
	}
	if len(ep.Routes) == 0 {
		return nil, errors.New("allowlist: entrypoint " + entrypoint + " has no routes")
	}

	c := &Classifier{
		entrypoint: entrypoint,
		exact:      make(map[string]RouteClass, len(ep.Routes)),
	}
	for _, r := range ep.Routes {
		if r.Path == "" || r.RouteClass == "" {
			return nil, errors.New("allowlist: invalid route in entrypoint " + entrypoint)
		}
		p, parameterized := ParsePathPattern(r.Path)
		if parameterized {
			c.patterns = append(c.patterns, patternRoute{pattern: p, rc: RouteClass(r.RouteClass)})
		} else {
			c.exact[r.Path] = RouteClass(r.RouteClass)
		}
	}
	return c, nil
}

// fallbackPrefixes classify undeclared paths. Order matters only in that
// all entries are checked before the module-api shape.
var fallbackPrefixes = []struct {
	prefix string
	rc     RouteClass
}{
	{"/api/v1", RouteClassPublicAPI},
	{"/webhooks", RouteClassWebhook},
	{"/_dev", RouteClassDevOnly},
	{"/assets", RouteClassStatic},
	{"/static", RouteClassStatic},
}

func (c *Classifier) Classify(path string) RouteClass {
	if rc, ok := c.exact[path]; ok {
		return rc
	}
	for _, pr := range c.patterns {
		if pr.pattern.Match(path) {
			return pr.rc
		}
	}

	for _, fp := range fallbackPrefixes {
		if hasPrefixSegment(path, fp.prefix) {
			return fp.rc
		}
	}
	if isModuleInternalAPI(path) {
		return RouteClassInternalAPI
	}
	return RouteClassUI
}

func hasPrefixSegment(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// isModuleInternalAPI reports whether path has the /{module}/api/* shape
// used by module-scoped JSON endpoints.
func isModuleInternalAPI(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}
	segs := strings.SplitN(path[1:], "/", 3)
	return len(segs) >= 2 && segs[0] != "" && segs[1] == "api"
}
