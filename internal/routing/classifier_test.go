package routing

import "testing"

func testAllowlist() Allowlist {
	return Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{
				{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"},
				{Path: "/login", Methods: []string{"GET"}, RouteClass: "authn"},
				{Path: "/learn/api/containers/{container_id}/access-map", Methods: []string{"GET"}, RouteClass: "internal_api"},
			}},
		},
	}
}

func TestNewClassifier_MissingEntrypoint(t *testing.T) {
	if _, err := NewClassifier(testAllowlist(), "nope"); err == nil {
		t.Fatal("expected error")
	}
}

func TestClassify(t *testing.T) {
	c, err := NewClassifier(testAllowlist(), "server")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path string
		want RouteClass
	}{
		{"/health", RouteClassOps},
		{"/login", RouteClassAuthn},
		{"/learn/api/containers/c1/access-map", RouteClassInternalAPI},
		{"/api/v1/courses", RouteClassPublicAPI},
		{"/iam/api/sessions", RouteClassInternalAPI},
		{"/webhooks/billing", RouteClassWebhook},
		{"/_dev/whatever", RouteClassDevOnly},
		{"/assets/app.js", RouteClassStatic},
		{"/static/logo.png", RouteClassStatic},
		{"/dashboard", RouteClassUI},
		{"/", RouteClassUI},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.path); got != tc.want {
			t.Fatalf("Classify(%q)=%q want %q", tc.path, got, tc.want)
		}
	}
}

func TestIsModuleInternalAPI(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/iam/api/sessions", true},
		{"/learn/api/containers", true},
		{"/api/only", false},
		{"/iam/apix/sessions", false},
		{"/", false},
		{"relative/api/x", false},
	}
	for _, tc := range cases {
		if got := isModuleInternalAPI(tc.path); got != tc.want {
			t.Fatalf("isModuleInternalAPI(%q)=%v want %v", tc.path, got, tc.want)
		}
	}
}
