package market

import (
	"crypto/sha256"
	"encoding/hex"
)

// Record addresses are pure functions of identifying fields. The address is
// the storage key, so atomic insert-if-absent at the address is the only
// uniqueness mechanism the service relies on: first writer wins, second
// observes ErrAlreadyExists.
//
// Seeds mirror the record hierarchy: credential from owner, listing from
// credential, bid from (listing, bidder), dataset from credential.

func deriveAddress(seeds ...string) string {
	h := sha256.New()
	for _, s := range seeds {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:20])
}

// CredentialAddress returns the canonical identity slot for an owner.
func CredentialAddress(owner string) string {
	return deriveAddress("hnft", owner)
}

// ListingAddress returns the single listing slot for a credential.
func ListingAddress(credentialID string) string {
	return deriveAddress("listing", credentialID)
}

// BidAddress returns the slot for a bidder's bid on a listing.
func BidAddress(listingID, bidder string) string {
	return deriveAddress("bid", listingID, bidder)
}

// DatasetAddress returns the derived-dataset slot for a credential.
func DatasetAddress(credentialID string) string {
	return deriveAddress("dataset", credentialID)
}
