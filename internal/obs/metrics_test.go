package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/invites":                   "/v1/invites",
		"/v1/admin/whitelist/12345":     "/v1/admin/whitelist/:id",
		"/v1/admin/groups/-100200300":   "/v1/admin/groups/:id",
		"/v1/admin/accounts/session_7":  "/v1/admin/accounts/:id",
		"/v1/admin/whitelist?limit=10":  "/v1/admin/whitelist",
		"/v1/admin/groups/1/assignment": "/v1/admin/groups/1/assignment",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
