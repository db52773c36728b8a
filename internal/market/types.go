package market

import (
	"errors"
	"time"
)

// Currency is the closed tag set accepted for listings.
type Currency uint8

const (
	// CurrencyNative settles in the chain's native asset.
	CurrencyNative Currency = 0
	// CurrencyStable settles in the stable asset rail.
	CurrencyStable Currency = 1
)

// Valid reports whether the tag belongs to the closed set.
func (c Currency) Valid() bool { return c == CurrencyNative || c == CurrencyStable }

// Credential is a soulbound identity record binding an owner to encrypted
// data and a privacy proof. There is no transfer operation for this type
// anywhere in the service; ownership is fixed at mint time.
type Credential struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Ciphertext   []byte    `json:"ciphertext"`
	Proof        []byte    `json:"proof"`
	Category     uint8     `json:"category"`
	MintedAt     time.Time `json:"minted_at"`
	Listed       bool      `json:"listed"`
	ListingPrice uint64    `json:"listing_price"`
	Soulbound    bool      `json:"soulbound"` // always true
}

// Listing is a sale offer for a credential. At most one listing object can
// exist per credential address at a time.
type Listing struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id"`
	Seller       string    `json:"seller"`
	Price        uint64    `json:"price"`
	Currency     Currency  `json:"currency"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	Active       bool      `json:"active"`
	BidCount     uint64    `json:"bid_count"`
}

// Bid records purchase intent against an active listing. One bid per
// (listing, bidder) pair; no escrow movement happens here.
type Bid struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listing_id"`
	Bidder    string    `json:"bidder"`
	Amount    uint64    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// Dataset is a tradeable asset derived from a soulbound credential. Its
// lifecycle is independent: the credential stays soulbound even if the
// dataset trades.
type Dataset struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	CredentialID string    `json:"credential_id"`
	Locator      string    `json:"locator"`
	Category     string    `json:"category"`
	CreatedAt    time.Time `json:"created_at"`
	Tradeable    bool      `json:"tradeable"` // always true
}

// CompoundRecord is an append-only audit entry for a yield-reinvestment
// action. No uniqueness constraint applies.
type CompoundRecord struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Amount    uint64    `json:"amount"`
	Pool      string    `json:"pool"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType identifies a state transition in the event log.
type EventType string

const (
	EventCredentialMinted EventType = "CredentialMinted"
	EventDataListed       EventType = "DataListed"
	EventBidPlaced        EventType = "BidPlaced"
	EventAutoCompounded   EventType = "AutoCompounded"
	EventDatasetMinted    EventType = "DatasetCredentialMinted"
)

// Event is the immutable notification emitted for every successful
// transition. Seq reflects commit order and is the logical timestamp
// external indexers reconstruct history from; the managers expose no other
// read surface over individual records.
type Event struct {
	Seq       uint64            `json:"seq"`
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Actor     string            `json:"actor"`
	Record    string            `json:"record"`
	Ref       string            `json:"ref,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

var (
	ErrInvalidProof    = errors.New("market: invalid proof")
	ErrUnauthorized    = errors.New("market: unauthorized")
	ErrAlreadyListed   = errors.New("market: already listed")
	ErrListingInactive = errors.New("market: listing inactive")
	ErrBidTooLow       = errors.New("market: bid below listing price")
	ErrAlreadyExists   = errors.New("market: already exists")
	ErrNotFound        = errors.New("market: not found")
	ErrInvalidInput    = errors.New("market: invalid input")
	// ErrNotSpecified marks transitions (bid acceptance, listing closure)
	// that are deliberately absent until the settlement flow is designed.
	ErrNotSpecified = errors.New("market: transition not yet specified")
)
