package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"psychat.org/internal/ids"
)

// Service defines the marketplace state transitions. Every method either
// fully commits and emits exactly one event, or fails with a sentinel error
// and leaves no observable writes.
type Service interface {
	MintCredential(ctx context.Context, owner string, ciphertext, proof []byte, category uint8) (Credential, error)
	AppendCredential(ctx context.Context, owner, locator, tag string) (Credential, error)
	OpenListing(ctx context.Context, seller, credentialID string, price uint64, currency Currency, description string) (Listing, error)
	PlaceBid(ctx context.Context, bidder, listingID string, amount uint64) (Bid, error)
	DeriveDataset(ctx context.Context, owner, credentialID, locator, category string) (Dataset, error)
	RecordCompound(ctx context.Context, user string, amount uint64, pool string) (CompoundRecord, error)
	ClaimDistribution(ctx context.Context, user string, proof []byte, category string) error
	StakeDistribution(ctx context.Context, user string) error
	AcceptBid(ctx context.Context, seller, bidID string) error
	CloseListing(ctx context.Context, seller, listingID string) error
	ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]Event, uint64, error)
}

// Notifier receives committed events for live fan-out (SSE subscribers).
// Publication happens in commit order.
type Notifier interface {
	Publish(Event)
}

// InMemory implements Service with a single lock, which gives the same
// total serialization order a hosting ledger would: a transition observes
// either all or none of any other transition's writes.
type InMemory struct {
	mu          sync.RWMutex
	credentials map[string]*Credential
	listings    map[string]*Listing
	bids        map[string]*Bid
	datasets    map[string]*Dataset
	compounds   []CompoundRecord
	events      []Event
	seq         uint64

	verifier ProofVerifier
	settle   SettlementRail
	yield    YieldProtocol
	notifier Notifier
	now      func() time.Time
}

// Option configures InMemory.
type Option func(*InMemory)

// WithVerifier replaces the default proof verifier.
func WithVerifier(v ProofVerifier) Option {
	return func(s *InMemory) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithSettlement replaces the default settlement rail.
func WithSettlement(r SettlementRail) Option {
	return func(s *InMemory) {
		if r != nil {
			s.settle = r
		}
	}
}

// WithYield replaces the default yield protocol.
func WithYield(y YieldProtocol) Option {
	return func(s *InMemory) {
		if y != nil {
			s.yield = y
		}
	}
}

// WithNotifier attaches a live event sink.
func WithNotifier(n Notifier) Option {
	return func(s *InMemory) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides the time source. Only intended for test use.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates an empty marketplace with stub collaborators.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		credentials: make(map[string]*Credential),
		listings:    make(map[string]*Listing),
		bids:        make(map[string]*Bid),
		datasets:    make(map[string]*Dataset),
		verifier:    PresenceVerifier{},
		settle:      NoopSettlement{},
		yield:       NoopYield{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) MintCredential(ctx context.Context, owner string, ciphertext, proof []byte, category uint8) (Credential, error) {
	if strings.TrimSpace(owner) == "" {
		return Credential{}, ErrInvalidInput
	}
	ok, err := s.verifier.Verify(ctx, proof, ciphertext)
	if err != nil {
		return Credential{}, fmt.Errorf("verify proof: %w", err)
	}
	if !ok {
		return Credential{}, ErrInvalidProof
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := CredentialAddress(owner)
	if _, exists := s.credentials[id]; exists {
		return Credential{}, ErrAlreadyExists
	}
	cred := &Credential{
		ID:         id,
		Owner:      owner,
		Ciphertext: ciphertext,
		Proof:      proof,
		Category:   category,
		MintedAt:   s.now(),
		Listed:     false,
		Soulbound:  true,
	}
	s.credentials[id] = cred
	s.emit(EventCredentialMinted, owner, id, "", map[string]string{
		"category": strconv.Itoa(int(category)),
	})
	return *cred, nil
}

func (s *InMemory) AppendCredential(ctx context.Context, owner, locator, tag string) (Credential, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(locator) == "" {
		return Credential{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The lookup key is derived from the owner, so a present record is
	// always the caller's own; no separate ownership check is needed.
	cred, ok := s.credentials[CredentialAddress(owner)]
	if !ok {
		return Credential{}, ErrNotFound
	}

	// History is replace-with-pointer: the locator and proof tag are
	// overwritten in place and the event log keeps the full trail.
	cred.Ciphertext = []byte(locator)
	cred.Proof = []byte(tag)

	s.emit(EventCredentialMinted, owner, cred.ID, "", map[string]string{
		"locator": locator,
		"tag":     tag,
	})
	return *cred, nil
}

func (s *InMemory) OpenListing(ctx context.Context, seller, credentialID string, price uint64, currency Currency, description string) (Listing, error) {
	if strings.TrimSpace(seller) == "" || strings.TrimSpace(credentialID) == "" {
		return Listing{}, ErrInvalidInput
	}
	if !currency.Valid() {
		return Listing{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[credentialID]
	if !ok {
		return Listing{}, ErrNotFound
	}
	if cred.Owner != seller {
		return Listing{}, ErrUnauthorized
	}
	if cred.Listed {
		return Listing{}, ErrAlreadyListed
	}

	id := ListingAddress(credentialID)
	if _, exists := s.listings[id]; exists {
		return Listing{}, ErrAlreadyExists
	}
	listing := &Listing{
		ID:           id,
		CredentialID: credentialID,
		Seller:       seller,
		Price:        price,
		Currency:     currency,
		Description:  description,
		CreatedAt:    s.now(),
		Active:       true,
	}
	s.listings[id] = listing
	cred.Listed = true
	cred.ListingPrice = price

	s.emit(EventDataListed, seller, id, credentialID, map[string]string{
		"price":    strconv.FormatUint(price, 10),
		"currency": strconv.Itoa(int(currency)),
	})
	return *listing, nil
}

func (s *InMemory) PlaceBid(ctx context.Context, bidder, listingID string, amount uint64) (Bid, error) {
	if strings.TrimSpace(bidder) == "" || strings.TrimSpace(listingID) == "" {
		return Bid{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	listing, ok := s.listings[listingID]
	if !ok {
		return Bid{}, ErrNotFound
	}
	if !listing.Active {
		return Bid{}, ErrListingInactive
	}
	if amount < listing.Price {
		return Bid{}, ErrBidTooLow
	}

	id := BidAddress(listingID, bidder)
	if _, exists := s.bids[id]; exists {
		return Bid{}, ErrAlreadyExists
	}
	bid := &Bid{
		ID:        id,
		ListingID: listingID,
		Bidder:    bidder,
		Amount:    amount,
		CreatedAt: s.now(),
		Active:    true,
	}
	s.bids[id] = bid
	listing.BidCount++

	s.emit(EventBidPlaced, bidder, id, listingID, map[string]string{
		"amount": strconv.FormatUint(amount, 10),
	})
	return *bid, nil
}

func (s *InMemory) DeriveDataset(ctx context.Context, owner, credentialID, locator, category string) (Dataset, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(credentialID) == "" || strings.TrimSpace(locator) == "" {
		return Dataset{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[credentialID]
	if !ok {
		return Dataset{}, ErrNotFound
	}
	if cred.Owner != owner {
		return Dataset{}, ErrUnauthorized
	}

	id := DatasetAddress(credentialID)
	if _, exists := s.datasets[id]; exists {
		return Dataset{}, ErrAlreadyExists
	}
	ds := &Dataset{
		ID:           id,
		Owner:        owner,
		CredentialID: credentialID,
		Locator:      locator,
		Category:     category,
		CreatedAt:    s.now(),
		Tradeable:    true,
	}
	s.datasets[id] = ds

	s.emit(EventDatasetMinted, owner, id, credentialID, map[string]string{
		"category": category,
	})
	return *ds, nil
}

func (s *InMemory) RecordCompound(ctx context.Context, user string, amount uint64, pool string) (CompoundRecord, error) {
	if strings.TrimSpace(user) == "" || strings.TrimSpace(pool) == "" {
		return CompoundRecord{}, ErrInvalidInput
	}
	if err := s.yield.Compound(ctx, amount, pool); err != nil {
		return CompoundRecord{}, fmt.Errorf("yield compound: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := CompoundRecord{
		ID:        ids.New(),
		User:      user,
		Amount:    amount,
		Pool:      pool,
		CreatedAt: s.now(),
	}
	s.compounds = append(s.compounds, rec)

	s.emit(EventAutoCompounded, user, rec.ID, pool, map[string]string{
		"amount": strconv.FormatUint(amount, 10),
	})
	return rec, nil
}

// ClaimDistribution delegates the payout to the settlement rail. No
// marketplace state changes and no event are produced; the rail owns the
// outcome.
func (s *InMemory) ClaimDistribution(ctx context.Context, user string, proof []byte, category string) error {
	if strings.TrimSpace(user) == "" {
		return ErrInvalidInput
	}
	if err := s.settle.Distribute(ctx, user, proof, category); err != nil {
		return fmt.Errorf("settle distribution: %w", err)
	}
	return nil
}

// StakeDistribution delegates to the yield collaborator; like claims it
// leaves no marketplace writes.
func (s *InMemory) StakeDistribution(ctx context.Context, user string) error {
	if strings.TrimSpace(user) == "" {
		return ErrInvalidInput
	}
	if err := s.yield.Stake(ctx, user); err != nil {
		return fmt.Errorf("stake distribution: %w", err)
	}
	return nil
}

// AcceptBid is deliberately unimplemented: the acceptance/settlement flow is
// not yet specified. The error is typed so clients can distinguish the gap
// from a missing record.
func (s *InMemory) AcceptBid(ctx context.Context, seller, bidID string) error {
	if strings.TrimSpace(seller) == "" || strings.TrimSpace(bidID) == "" {
		return ErrInvalidInput
	}
	return ErrNotSpecified
}

// CloseListing is deliberately unimplemented, see AcceptBid.
func (s *InMemory) CloseListing(ctx context.Context, seller, listingID string) error {
	if strings.TrimSpace(seller) == "" || strings.TrimSpace(listingID) == "" {
		return ErrInvalidInput
	}
	return ErrNotSpecified
}

func (s *InMemory) ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Event
	var last uint64
	for _, evt := range s.events {
		if evt.Seq <= afterSeq {
			continue
		}
		res = append(res, evt)
		last = evt.Seq
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// emit appends the event to the log and publishes it. Callers hold the
// write lock, which keeps sequence numbers aligned with commit order.
func (s *InMemory) emit(t EventType, actor, record, ref string, fields map[string]string) {
	s.seq++
	evt := Event{
		Seq:       s.seq,
		ID:        ids.New(),
		Type:      t,
		Actor:     actor,
		Record:    record,
		Ref:       ref,
		Fields:    fields,
		Timestamp: s.now(),
	}
	s.events = append(s.events, evt)
	if s.notifier != nil {
		s.notifier.Publish(evt)
	}
}
