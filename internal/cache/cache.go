package cache

import (
	"context"
	"time"

	"stockledger/backend/internal/domain"
)

// LedgerCache holds vendor ledger views. Entries are keyed by a generation
// that every ledger mutation bumps, so Invalidate is a single write no
// matter how many vendors changed.
type LedgerCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, generation int64, vendorID string) (*domain.VendorLedger, bool, error)
	Set(ctx context.Context, generation int64, value *domain.VendorLedger, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopLedgerCache struct{}

func (NoopLedgerCache) Generation(_ context.Context) (int64, error) {
	return 0, nil
}

func (NoopLedgerCache) Get(_ context.Context, _ int64, _ string) (*domain.VendorLedger, bool, error) {
	return nil, false, nil
}

func (NoopLedgerCache) Set(_ context.Context, _ int64, _ *domain.VendorLedger, _ time.Duration) error {
	return nil
}

func (NoopLedgerCache) Invalidate(_ context.Context) error {
	return nil
}
