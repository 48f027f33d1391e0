package features

import (
	"strings"
	"testing"
)

const testRegistryYAML = `
version: 1
defaults:
  courses: true
  marketplace: false
tenants:
  "11111111-1111-1111-1111-111111111111":
    marketplace: true
rules:
  events: 'ctx.plan == "pro"'
`

func mustRegistry(t *testing.T, src string) *Registry {
	t.Helper()
	r, err := ParseRegistryYAML([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return r
}

func TestParseFlagRejectsUnknown(t *testing.T) {
	if _, err := ParseFlag("courses"); err != nil {
		t.Fatalf("courses: %v", err)
	}
	if _, err := ParseFlag("ai-tutor"); err == nil {
		t.Fatalf("want error for unknown flag")
	}
}

func TestParseRegistryRejectsUnknownFlag(t *testing.T) {
	_, err := ParseRegistryYAML([]byte("version: 1\ndefaults:\n  nope: true\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("err=%v", err)
	}
}

func TestParseRegistryRejectsBadVersion(t *testing.T) {
	if _, err := ParseRegistryYAML([]byte("version: 2\n")); err == nil {
		t.Fatalf("want version error")
	}
}

func TestParseRegistryRejectsBrokenRule(t *testing.T) {
	_, err := ParseRegistryYAML([]byte("version: 1\nrules:\n  events: 'ctx.plan =='\n"))
	if err == nil {
		t.Fatalf("want compile error")
	}
}

func TestParseRegistryRejectsNonBoolRule(t *testing.T) {
	_, err := ParseRegistryYAML([]byte("version: 1\nrules:\n  events: 'ctx.plan'\n"))
	if err == nil || !strings.Contains(err.Error(), "bool") {
		t.Fatalf("err=%v", err)
	}
}

func TestEnabledPrecedence(t *testing.T) {
	r := mustRegistry(t, testRegistryYAML)
	t1 := "11111111-1111-1111-1111-111111111111"
	t2 := "22222222-2222-2222-2222-222222222222"

	cases := []struct {
		name     string
		tenantID string
		flag     Flag
		rctx     RuleContext
		want     bool
	}{
		{"default true", t2, FlagCourses, nil, true},
		{"default false", t2, FlagMarketplace, nil, false},
		{"tenant override wins", t1, FlagMarketplace, nil, true},
		{"rule true", t2, FlagEvents, RuleContext{"plan": "pro"}, true},
		{"rule false", t2, FlagEvents, RuleContext{"plan": "free"}, false},
		{"unconfigured flag defaults off", t2, FlagGamification, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Enabled(tc.tenantID, tc.flag, tc.rctx)
			if err != nil {
				t.Fatalf("Enabled: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestEnabledRuleMissingKeyErrors(t *testing.T) {
	r := mustRegistry(t, testRegistryYAML)
	if _, err := r.Enabled("t", FlagEvents, nil); err == nil {
		t.Fatalf("want eval error for missing ctx key")
	}
}
