package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/backend/internal/domain"
)

func TestNoopLedgerCacheAlwaysMisses(t *testing.T) {
	var c LedgerCache = NoopLedgerCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, 0, &domain.VendorLedger{VendorID: "ven-1"}, time.Minute))
	_, ok, err := c.Get(ctx, 0, "ven-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLedgerCacheGenerations(t *testing.T) {
	addr := os.Getenv("STOCKLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKLEDGER_TEST_REDIS_ADDR not set")
	}
	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisLedgerCache(client)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	gen, err := c.Generation(ctx)
	require.NoError(t, err)
	view := &domain.VendorLedger{VendorID: "ven-cache-test", OwnerID: "owner", VendorName: "Acme", CurrentBalance: decimal.NewFromInt(-50)}
	require.NoError(t, c.Set(ctx, gen, view, time.Minute))

	got, ok, err := c.Get(ctx, gen, view.VendorID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "-50", got.CurrentBalance.String())
	assert.Equal(t, "owner", got.OwnerID)

	require.NoError(t, c.Invalidate(ctx))
	next, err := c.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, next, gen)
	_, ok, err = c.Get(ctx, next, view.VendorID)
	require.NoError(t, err)
	assert.False(t, ok)
}
