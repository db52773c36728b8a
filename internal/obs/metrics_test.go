package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/listings/abc":            "/v1/listings/:id",
		"/v1/listings/abc/bids":       "/v1/listings/:id/bids",
		"/v1/listings/abc/close":      "/v1/listings/:id/close",
		"/v1/bids/abc/accept":         "/v1/bids/:id/accept",
		"/v1/events":                  "/v1/events",
		"/v1/events?limit=10&after=2": "/v1/events",
		"/v1/credentials":             "/v1/credentials",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
