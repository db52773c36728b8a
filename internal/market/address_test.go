package market

import "testing"

func TestAddressesAreDeterministic(t *testing.T) {
	if CredentialAddress("alice") != CredentialAddress("alice") {
		t.Fatal("credential address must be a pure function of the owner")
	}
	if BidAddress("l1", "bob") != BidAddress("l1", "bob") {
		t.Fatal("bid address must be a pure function of (listing, bidder)")
	}
}

func TestAddressesDoNotCollide(t *testing.T) {
	seen := map[string]string{}
	add := func(name, addr string) {
		t.Helper()
		if prev, ok := seen[addr]; ok {
			t.Fatalf("address collision between %s and %s", prev, name)
		}
		seen[addr] = name
	}

	add("cred/alice", CredentialAddress("alice"))
	add("cred/bob", CredentialAddress("bob"))
	add("listing/alice", ListingAddress(CredentialAddress("alice")))
	add("dataset/alice", DatasetAddress(CredentialAddress("alice")))
	add("bid/alice-bob", BidAddress(ListingAddress(CredentialAddress("alice")), "bob"))
	add("bid/alice-carol", BidAddress(ListingAddress(CredentialAddress("alice")), "carol"))
}

func TestAddressSeedSeparation(t *testing.T) {
	// Seed boundaries must matter: ("ab","c") and ("a","bc") differ.
	if deriveAddress("ab", "c") == deriveAddress("a", "bc") {
		t.Fatal("seed concatenation is ambiguous")
	}
}
