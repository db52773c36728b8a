package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"psychat.org/internal/ids"
	"psychat.org/internal/market"
)

// Store implements market.Service over Postgres. Deterministic addresses
// are primary keys, so uniqueness is enforced by the database's atomic
// insert-if-absent: the first committed writer wins and the second maps a
// unique violation to market.ErrAlreadyExists.
type Store struct {
	db       *sql.DB
	verifier market.ProofVerifier
	settle   market.SettlementRail
	yield    market.YieldProtocol
	notifier market.Notifier
}

var _ market.Service = (*Store)(nil)

// Option configures Store collaborators.
type Option func(*Store)

// WithVerifier replaces the default proof verifier.
func WithVerifier(v market.ProofVerifier) Option {
	return func(s *Store) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithSettlement replaces the default settlement rail.
func WithSettlement(r market.SettlementRail) Option {
	return func(s *Store) {
		if r != nil {
			s.settle = r
		}
	}
}

// WithYield replaces the default yield protocol.
func WithYield(y market.YieldProtocol) Option {
	return func(s *Store) {
		if y != nil {
			s.yield = y
		}
	}
}

// WithNotifier attaches a live event sink; publication happens after commit.
func WithNotifier(n market.Notifier) Option {
	return func(s *Store) {
		if n != nil {
			s.notifier = n
		}
	}
}

// Open connects to Postgres and returns a marketplace store.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, opts...), nil
}

// NewStore wraps an existing connection pool (used by tests).
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		verifier: market.PresenceVerifier{},
		settle:   market.NoopSettlement{},
		yield:    market.NoopYield{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) MintCredential(ctx context.Context, owner string, ciphertext, proof []byte, category uint8) (market.Credential, error) {
	if strings.TrimSpace(owner) == "" {
		return market.Credential{}, market.ErrInvalidInput
	}
	ok, err := s.verifier.Verify(ctx, proof, ciphertext)
	if err != nil {
		return market.Credential{}, fmt.Errorf("verify proof: %w", err)
	}
	if !ok {
		return market.Credential{}, market.ErrInvalidProof
	}

	cred := market.Credential{
		ID:         market.CredentialAddress(owner),
		Owner:      owner,
		Ciphertext: ciphertext,
		Proof:      proof,
		Category:   category,
		MintedAt:   time.Now().UTC(),
		Soulbound:  true,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Credential{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into credentials(id, owner, ciphertext, proof, category, minted_at, listed, listing_price, soulbound)
		values ($1,$2,$3,$4,$5,$6,false,0,true)
	`, cred.ID, cred.Owner, cred.Ciphertext, cred.Proof, int16(cred.Category), cred.MintedAt); err != nil {
		return market.Credential{}, mapUnique(err)
	}

	evt := market.Event{
		Type:   market.EventCredentialMinted,
		Actor:  owner,
		Record: cred.ID,
		Fields: map[string]string{"category": strconv.Itoa(int(category))},
	}
	if err := s.insertEvent(ctx, tx, &evt); err != nil {
		return market.Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Credential{}, err
	}
	s.publish(evt)
	return cred, nil
}

func (s *Store) AppendCredential(ctx context.Context, owner, locator, tag string) (market.Credential, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(locator) == "" {
		return market.Credential{}, market.ErrInvalidInput
	}
	id := market.CredentialAddress(owner)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Credential{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The row id is derived from the owner, so a found row is always the
	// caller's own; no separate ownership check is needed.
	cred, err := scanCredential(tx.QueryRowContext(ctx, `
		select id, owner, ciphertext, proof, category, minted_at, listed, listing_price, soulbound
		from credentials where id = $1 for update
	`, id))
	if err != nil {
		return market.Credential{}, err
	}

	// Replace-with-pointer history: only the locator and tag slots change.
	cred.Ciphertext = []byte(locator)
	cred.Proof = []byte(tag)
	if _, err := tx.ExecContext(ctx, `
		update credentials set ciphertext = $2, proof = $3 where id = $1
	`, id, cred.Ciphertext, cred.Proof); err != nil {
		return market.Credential{}, err
	}

	evt := market.Event{
		Type:   market.EventCredentialMinted,
		Actor:  owner,
		Record: id,
		Fields: map[string]string{"locator": locator, "tag": tag},
	}
	if err := s.insertEvent(ctx, tx, &evt); err != nil {
		return market.Credential{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Credential{}, err
	}
	s.publish(evt)
	return cred, nil
}

func (s *Store) OpenListing(ctx context.Context, seller, credentialID string, price uint64, currency market.Currency, description string) (market.Listing, error) {
	if strings.TrimSpace(seller) == "" || strings.TrimSpace(credentialID) == "" || !currency.Valid() {
		return market.Listing{}, market.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Listing{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	var listed bool
	err = tx.QueryRowContext(ctx, `
		select owner, listed from credentials where id = $1 for update
	`, credentialID).Scan(&owner, &listed)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Listing{}, market.ErrNotFound
	}
	if err != nil {
		return market.Listing{}, err
	}
	if owner != seller {
		return market.Listing{}, market.ErrUnauthorized
	}
	if listed {
		return market.Listing{}, market.ErrAlreadyListed
	}

	listing := market.Listing{
		ID:           market.ListingAddress(credentialID),
		CredentialID: credentialID,
		Seller:       seller,
		Price:        price,
		Currency:     currency,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
		Active:       true,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into listings(id, credential_id, seller, price, currency, description, created_at, active, bid_count)
		values ($1,$2,$3,$4,$5,$6,$7,true,0)
	`, listing.ID, listing.CredentialID, listing.Seller, int64(listing.Price), int16(listing.Currency),
		listing.Description, listing.CreatedAt); err != nil {
		return market.Listing{}, mapUnique(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update credentials set listed = true, listing_price = $2 where id = $1
	`, credentialID, int64(price)); err != nil {
		return market.Listing{}, err
	}

	evt := market.Event{
		Type:   market.EventDataListed,
		Actor:  seller,
		Record: listing.ID,
		Ref:    credentialID,
		Fields: map[string]string{
			"price":    strconv.FormatUint(price, 10),
			"currency": strconv.Itoa(int(currency)),
		},
	}
	if err := s.insertEvent(ctx, tx, &evt); err != nil {
		return market.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Listing{}, err
	}
	s.publish(evt)
	return listing, nil
}

func (s *Store) PlaceBid(ctx context.Context, bidder, listingID string, amount uint64) (market.Bid, error) {
	if strings.TrimSpace(bidder) == "" || strings.TrimSpace(listingID) == "" {
		return market.Bid{}, market.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Bid{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var price int64
	var active bool
	err = tx.QueryRowContext(ctx, `
		select price, active from listings where id = $1 for update
	`, listingID).Scan(&price, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Bid{}, market.ErrNotFound
	}
	if err != nil {
		return market.Bid{}, err
	}
	if !active {
		return market.Bid{}, market.ErrListingInactive
	}
	if amount < uint64(price) {
		return market.Bid{}, market.ErrBidTooLow
	}

	bid := market.Bid{
		ID:        market.BidAddress(listingID, bidder),
		ListingID: listingID,
		Bidder:    bidder,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into bids(id, listing_id, bidder, amount, created_at, active)
		values ($1,$2,$3,$4,$5,true)
	`, bid.ID, bid.ListingID, bid.Bidder, int64(bid.Amount), bid.CreatedAt); err != nil {
		return market.Bid{}, mapUnique(err)
	}
	if _, err := tx.ExecContext(ctx, `
		update listings set bid_count = bid_count + 1 where id = $1
	`, listingID); err != nil {
		return market.Bid{}, err
	}

	evt := market.Event{
		Type:   market.EventBidPlaced,
		Actor:  bidder,
		Record: bid.ID,
		Ref:    listingID,
		Fields: map[string]string{"amount": strconv.FormatUint(amount, 10)},
	}
	if err := s.insertEvent(ctx, tx, &evt); err != nil {
		return market.Bid{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Bid{}, err
	}
	s.publish(evt)
	return bid, nil
}

func (s *Store) DeriveDataset(ctx context.Context, owner, credentialID, locator, category string) (market.Dataset, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(credentialID) == "" || strings.TrimSpace(locator) == "" {
		return market.Dataset{}, market.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Dataset{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var credOwner string
	err = tx.QueryRowContext(ctx, `select owner from credentials where id = $1`, credentialID).Scan(&credOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Dataset{}, market.ErrNotFound
	}
	if err != nil {
		return market.Dataset{}, err
	}
	if credOwner != owner {
		return market.Dataset{}, market.ErrUnauthorized
	}

	ds := market.Dataset{
		ID:           market.DatasetAddress(credentialID),
		Owner:        owner,
		CredentialID: credentialID,
		Locator:      locator,
		Category:     category,
		CreatedAt:    time.Now().UTC(),
		Tradeable:    true,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into datasets(id, owner, credential_id, locator, category, created_at, tradeable)
		values ($1,$2,$3,$4,$5,$6,true)
	`, ds.ID, ds.Owner, ds.CredentialID, ds.Locator, ds.Category, ds.CreatedAt); err != nil {
		return market.Dataset{}, mapUnique(err)
	}

	evt := market.Event{
		Type:   market.EventDatasetMinted,
		Actor:  owner,
		Record: ds.ID,
		Ref:    credentialID,
		Fields: map[string]string{"category": category},
	}
	if err := s.insertEvent(ctx, tx, &evt); err != nil {
		return market.Dataset{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Dataset{}, err
	}
	s.publish(evt)
	return ds, nil
}

func (s *Store) RecordCompound(ctx context.Context, user string, amount uint64, pool string) (market.CompoundRecord, error) {
	if strings.TrimSpace(user) == "" || strings.TrimSpace(pool) == "" {
		return market.CompoundRecord{}, market.ErrInvalidInput
	}
	if err := s.yield.Compound(ctx, amount, pool); err != nil {
		return market.CompoundRecord{}, fmt.Errorf("yield compound: %w", err)
	}

	rec := market.CompoundRecord{
		ID:        ids.New(),
		User:      user,
		Amount:    amount,
		Pool:      pool,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.CompoundRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into compound_records(id, user_id, amount, pool, created_at)
		values ($1,$2,$3,$4,$5)
	`, rec.ID, rec.User, int64(rec.Amount), rec.Pool, rec.CreatedAt); err != nil {
		return market.CompoundRecord{}, err
	}

	evt := market.Event{
		Type:   market.EventAutoCompounded,
		Actor:  user,
		Record: rec.ID,
		Ref:    pool,
		Fields: map[string]string{"amount": strconv.FormatUint(amount, 10)},
	}
	if err := s.insertEvent(ctx, tx, &evt); err != nil {
		return market.CompoundRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.CompoundRecord{}, err
	}
	s.publish(evt)
	return rec, nil
}

// ClaimDistribution delegates the payout to the settlement rail; no rows are
// written and no event is appended.
func (s *Store) ClaimDistribution(ctx context.Context, user string, proof []byte, category string) error {
	if strings.TrimSpace(user) == "" {
		return market.ErrInvalidInput
	}
	if err := s.settle.Distribute(ctx, user, proof, category); err != nil {
		return fmt.Errorf("settle distribution: %w", err)
	}
	return nil
}

func (s *Store) StakeDistribution(ctx context.Context, user string) error {
	if strings.TrimSpace(user) == "" {
		return market.ErrInvalidInput
	}
	if err := s.yield.Stake(ctx, user); err != nil {
		return fmt.Errorf("stake distribution: %w", err)
	}
	return nil
}

func (s *Store) AcceptBid(ctx context.Context, seller, bidID string) error {
	if strings.TrimSpace(seller) == "" || strings.TrimSpace(bidID) == "" {
		return market.ErrInvalidInput
	}
	return market.ErrNotSpecified
}

func (s *Store) CloseListing(ctx context.Context, seller, listingID string) error {
	if strings.TrimSpace(seller) == "" || strings.TrimSpace(listingID) == "" {
		return market.ErrInvalidInput
	}
	return market.ErrNotSpecified
}

func (s *Store) ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]market.Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select seq, id, type, actor, record, ref, fields, created_at
		from market_events where seq > $1 order by seq asc limit $2
	`, int64(afterSeq), limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []market.Event
	var last uint64
	for rows.Next() {
		var evt market.Event
		var seq int64
		var fields []byte
		if err := rows.Scan(&seq, &evt.ID, &evt.Type, &evt.Actor, &evt.Record, &evt.Ref, &fields, &evt.Timestamp); err != nil {
			return nil, 0, err
		}
		evt.Seq = uint64(seq)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &evt.Fields); err != nil {
				return nil, 0, err
			}
		}
		res = append(res, evt)
		last = evt.Seq
	}
	return res, last, rows.Err()
}

// insertEvent appends the event inside the transaction; the bigserial seq
// reflects commit order.
func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, evt *market.Event) error {
	evt.ID = ids.New()
	evt.Timestamp = time.Now().UTC()
	fields, err := json.Marshal(evt.Fields)
	if err != nil {
		return err
	}
	var seq int64
	err = tx.QueryRowContext(ctx, `
		insert into market_events(id, type, actor, record, ref, fields, created_at)
		values ($1,$2,$3,$4,$5,$6,$7) returning seq
	`, evt.ID, string(evt.Type), evt.Actor, evt.Record, evt.Ref, fields, evt.Timestamp).Scan(&seq)
	if err != nil {
		return err
	}
	evt.Seq = uint64(seq)
	return nil
}

func (s *Store) publish(evt market.Event) {
	if s.notifier != nil {
		s.notifier.Publish(evt)
	}
}

func scanCredential(row *sql.Row) (market.Credential, error) {
	var cred market.Credential
	var category int16
	var price int64
	err := row.Scan(&cred.ID, &cred.Owner, &cred.Ciphertext, &cred.Proof, &category,
		&cred.MintedAt, &cred.Listed, &price, &cred.Soulbound)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Credential{}, market.ErrNotFound
	}
	if err != nil {
		return market.Credential{}, err
	}
	cred.Category = uint8(category)
	cred.ListingPrice = uint64(price)
	return cred, nil
}

func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return market.ErrAlreadyExists
	}
	return err
}
