package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"psychat.org/internal/auth"
	"psychat.org/internal/market"
	"psychat.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("PSYCHAT_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	st := stream.New()
	svc := market.NewInMemory(market.WithNotifier(st))
	api := New(ReadyProbe{}, "test", svc, st)
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": []string{"user"},
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIMarketplaceFlow(t *testing.T) {
	api := newTestAPI(t)
	alice := api.obtainToken("alice")
	bob := api.obtainToken("bob")

	// Alice mints her identity credential.
	resp := api.post("/v1/credentials", map[string]any{
		"ciphertext": []byte("encrypted-profile"),
		"proof":      []byte("verified"),
		"category":   2,
	}, alice)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mint status: %d", resp.StatusCode)
	}
	cred := decode[map[string]any](t, resp)
	credID := cred["id"].(string)
	if credID != market.CredentialAddress("alice") {
		t.Fatalf("unexpected credential id: %s", credID)
	}
	if cred["soulbound"] != true {
		t.Fatalf("credential must be soulbound: %v", cred)
	}

	// A second mint for the same caller conflicts.
	resp = api.post("/v1/credentials", map[string]any{
		"ciphertext": []byte("other"),
		"proof":      []byte("verified"),
		"category":   1,
	}, alice)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate mint status: %d", resp.StatusCode)
	}

	// Alice lists her record at 100.
	resp = api.post("/v1/listings", map[string]any{
		"price":       100,
		"currency":    0,
		"description": "anonymized therapy notes",
	}, alice)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("listing status: %d", resp.StatusCode)
	}
	listing := decode[map[string]any](t, resp)
	listingID := listing["id"].(string)

	// Bob bids below the floor.
	resp = api.post("/v1/listings/"+listingID+"/bids", map[string]any{
		"amount": 50,
	}, bob)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("low bid status: %d", resp.StatusCode)
	}

	// Bob bids above the floor.
	resp = api.post("/v1/listings/"+listingID+"/bids", map[string]any{
		"amount": 150,
	}, bob)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bid status: %d", resp.StatusCode)
	}
	bid := decode[map[string]any](t, resp)
	if bid["amount"].(float64) != 150 {
		t.Fatalf("unexpected bid amount: %v", bid["amount"])
	}

	// The event log records the whole flow in order.
	resp = api.get("/v1/events", url.Values{"limit": []string{"10"}}, alice)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status: %d", resp.StatusCode)
	}
	page := decode[listEventsResponse](t, resp)
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page.Items))
	}
	wantTypes := []market.EventType{market.EventCredentialMinted, market.EventDataListed, market.EventBidPlaced}
	for i, want := range wantTypes {
		if page.Items[i].Type != want {
			t.Fatalf("event %d: got %s want %s", i, page.Items[i].Type, want)
		}
	}
}

func TestAPIRejectsUnauthenticated(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/credentials", map[string]any{
		"ciphertext": []byte("x"),
		"proof":      []byte("y"),
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestAPIUnspecifiedTransitions(t *testing.T) {
	api := newTestAPI(t)
	alice := api.obtainToken("alice")

	resp := api.post("/v1/listings/abc/close", nil, alice)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("close status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/bids/abc/accept", nil, alice)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("accept status: %d", resp.StatusCode)
	}
}

func TestAPIRejectsEmptyProof(t *testing.T) {
	api := newTestAPI(t)
	alice := api.obtainToken("alice")

	resp := api.post("/v1/credentials", map[string]any{
		"ciphertext": []byte("encrypted"),
		"category":   1,
	}, alice)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestAPIDatasetRequiresCredential(t *testing.T) {
	api := newTestAPI(t)
	alice := api.obtainToken("alice")

	resp := api.post("/v1/datasets", map[string]any{
		"locator":  "ipfs://bafy...",
		"category": "sleep",
	}, alice)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"user": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
