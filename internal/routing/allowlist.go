package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Allowlist is the declared routing surface per entrypoint. Routes absent
// from it still classify through the fallback rules, but declared routes
// are the source of truth for their class.
type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, fmt.Errorf("allowlist: %w", err)
	}
	return ParseAllowlistYAML(b)
}

func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, fmt.Errorf("allowlist: %w", err)
	}
	if err := a.validate(); err != nil {
		return Allowlist{}, err
	}
	return a, nil
}

func (a Allowlist) validate() error {
	if a.Version != 1 {
		return fmt.Errorf("allowlist: unsupported version %d", a.Version)
	}
	if a.Entrypoints == nil {
		return fmt.Errorf("allowlist: missing entrypoints")
	}
	for name, ep := range a.Entrypoints {
		for _, r := range ep.Routes {
			if !RouteClass(r.RouteClass).known() {
				return fmt.Errorf("allowlist: entrypoint %s: unknown route class %q", name, r.RouteClass)
			}
		}
	}
	return nil
}
