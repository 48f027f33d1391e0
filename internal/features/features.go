// Package features resolves named capability flags per tenant. Flag names
// are a closed set: unknown names read from config are rejected at load time
// instead of flowing through as opaque strings.
package features

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

type Flag string

const (
	FlagCourses      Flag = "courses"
	FlagCommunity    Flag = "community"
	FlagMarketplace  Flag = "marketplace"
	FlagEvents       Flag = "events"
	FlagGamification Flag = "gamification"
	FlagTrails       Flag = "trails"
)

func ParseFlag(raw string) (Flag, error) {
	switch Flag(strings.ToLower(strings.TrimSpace(raw))) {
	case FlagCourses:
		return FlagCourses, nil
	case FlagCommunity:
		return FlagCommunity, nil
	case FlagMarketplace:
		return FlagMarketplace, nil
	case FlagEvents:
		return FlagEvents, nil
	case FlagGamification:
		return FlagGamification, nil
	case FlagTrails:
		return FlagTrails, nil
	default:
		return "", errors.New("features: unknown flag " + raw)
	}
}

type registryFile struct {
	Version  int                        `yaml:"version"`
	Defaults map[string]bool            `yaml:"defaults"`
	Tenants  map[string]map[string]bool `yaml:"tenants"`
	Rules    map[string]string          `yaml:"rules"`
}

// Registry holds flag defaults, per-tenant overrides, and optional CEL rule
// expressions. Precedence at resolve time: tenant override, then rule, then
// default (false when nothing is configured).
type Registry struct {
	defaults map[Flag]bool
	tenants  map[string]map[Flag]bool
	rules    map[Flag]string
}

func ParseRegistryYAML(b []byte) (*Registry, error) {
	var rf registryFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, err
	}
	if rf.Version != 1 {
		return nil, errors.New("features: unsupported version")
	}

	r := &Registry{
		defaults: make(map[Flag]bool),
		tenants:  make(map[string]map[Flag]bool),
		rules:    make(map[Flag]string),
	}
	for raw, v := range rf.Defaults {
		f, err := ParseFlag(raw)
		if err != nil {
			return nil, err
		}
		r.defaults[f] = v
	}
	for tenantID, flags := range rf.Tenants {
		tenantID = strings.TrimSpace(tenantID)
		if tenantID == "" {
			return nil, errors.New("features: empty tenant id")
		}
		m := make(map[Flag]bool, len(flags))
		for raw, v := range flags {
			f, err := ParseFlag(raw)
			if err != nil {
				return nil, err
			}
			m[f] = v
		}
		r.tenants[tenantID] = m
	}
	for raw, expr := range rf.Rules {
		f, err := ParseFlag(raw)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(expr) == "" {
			return nil, errors.New("features: empty rule for flag " + raw)
		}
		// Compile eagerly so a broken rule fails the load, not a request.
		if _, err := compileRule(expr); err != nil {
			return nil, err
		}
		r.rules[f] = expr
	}
	return r, nil
}

func LoadRegistry() (*Registry, error) {
	path := os.Getenv("FEATURES_PATH")
	if path == "" {
		p, err := defaultFeaturesPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistryYAML(b)
}

func defaultFeaturesPath() (string, error) {
	path := "config/features.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("features: config not found")
}

// RuleContext is the evaluation input for CEL rules, exposed as a string map
// under the variable "ctx".
type RuleContext map[string]string

// Enabled resolves flag for tenantID. Rule evaluation errors surface to the
// caller; the gate decides the failure policy, not this package.
func (r *Registry) Enabled(tenantID string, flag Flag, rctx RuleContext) (bool, error) {
	if overrides, ok := r.tenants[tenantID]; ok {
		if v, ok := overrides[flag]; ok {
			return v, nil
		}
	}
	if expr, ok := r.rules[flag]; ok {
		return evalRule(expr, rctx)
	}
	return r.defaults[flag], nil
}

var ruleEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
})

var ruleProgramCache sync.Map

func compileRule(expr string) (cel.Program, error) {
	if cached, ok := ruleProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := ruleEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("features: rule must evaluate to bool")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	ruleProgramCache.Store(expr, program)
	return program, nil
}

func evalRule(expr string, rctx RuleContext) (bool, error) {
	program, err := compileRule(expr)
	if err != nil {
		return false, err
	}
	in := map[string]string(rctx)
	if in == nil {
		in = map[string]string{}
	}
	out, _, err := program.Eval(map[string]any{"ctx": in})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("features: rule result is not bool")
	}
	return v, nil
}
