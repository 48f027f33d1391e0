package routing

import "strings"

// PathPattern is a route template with {param} segments, e.g.
// /learn/api/containers/{container_id}/access-map.
type PathPattern struct {
	raw      string
	segments []patternSegment
}

type patternSegment struct {
	literal string
	param   bool
}

func ParsePathPattern(raw string) (PathPattern, bool) {
	if !strings.Contains(raw, "{") {
		return PathPattern{}, false
	}
	if raw == "" || raw[0] != '/' {
		return PathPattern{}, false
	}

	var segs []patternSegment
	for _, s := range splitSegments(raw) {
		if s == "" {
			return PathPattern{}, false
		}
		if strings.ContainsAny(s, "{}") {
			if !isParamSegment(s) {
				return PathPattern{}, false
			}
			segs = append(segs, patternSegment{param: true})
			continue
		}
		segs = append(segs, patternSegment{literal: s})
	}
	return PathPattern{raw: raw, segments: segs}, true
}

func (p PathPattern) Match(path string) bool {
	if p.raw == "" {
		return false
	}
	in := splitSegments(path)
	if len(in) != len(p.segments) {
		return false
	}
	for i, seg := range p.segments {
		if in[i] == "" {
			return false
		}
		if seg.param {
			continue
		}
		if in[i] != seg.literal {
			return false
		}
	}
	return true
}

// Param extracts the value of the named parameter from path, matching
// positionally against the raw template. Returns "" when the path does not
// match or the template has no such parameter.
func (p PathPattern) Param(path string, name string) string {
	want := splitSegments(p.raw)
	in := splitSegments(path)
	if len(want) != len(in) {
		return ""
	}
	target := "{" + name + "}"
	for i, w := range want {
		if w == target {
			return in[i]
		}
	}
	return ""
}

func splitSegments(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && len(s) > 2
}
