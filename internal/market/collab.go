package market

import "context"

// External collaborators. The core depends only on these contracts; concrete
// integrations (proof system, settlement rail, yield protocol) live outside
// the service and are mocked in tests.

// ProofVerifier validates an opaque privacy proof against opaque ciphertext.
type ProofVerifier interface {
	Verify(ctx context.Context, proof, ciphertext []byte) (bool, error)
}

// SettlementRail moves funds on the external payment rail. Distribute backs
// the distribution claim placeholder today; Settle is reserved for bid
// acceptance once that flow is specified.
type SettlementRail interface {
	Settle(ctx context.Context, bid Bid) error
	Distribute(ctx context.Context, user string, proof []byte, category string) error
}

// YieldProtocol reinvests amounts into a yield pool and stakes distribution
// balances on behalf of a user.
type YieldProtocol interface {
	Compound(ctx context.Context, amount uint64, pool string) error
	Stake(ctx context.Context, user string) error
}

// PresenceVerifier accepts any non-empty (proof, ciphertext) pair. It keeps
// the original boundary behavior until a real proof system is wired in.
type PresenceVerifier struct{}

func (PresenceVerifier) Verify(ctx context.Context, proof, ciphertext []byte) (bool, error) {
	return len(proof) > 0 && len(ciphertext) > 0, nil
}

// NoopSettlement acknowledges settlement requests without moving funds.
type NoopSettlement struct{}

func (NoopSettlement) Settle(ctx context.Context, bid Bid) error { return nil }

func (NoopSettlement) Distribute(ctx context.Context, user string, proof []byte, category string) error {
	return nil
}

// NoopYield acknowledges compounding and staking requests without touching
// any pool.
type NoopYield struct{}

func (NoopYield) Compound(ctx context.Context, amount uint64, pool string) error { return nil }

func (NoopYield) Stake(ctx context.Context, user string) error { return nil }
