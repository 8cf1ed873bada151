package sandbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcourtman/billing-bridge/internal/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalog = []billing.CatalogEntry{
	{ID: "gems_100", Kind: billing.KindProduct, Title: "100 Gems", Price: "$0.99", PriceAmountMicros: 990_000, CurrencyCode: "USD"},
	{ID: "no_ads", Kind: billing.KindProduct, Title: "Remove ads", Price: "$2.99", PriceAmountMicros: 2_990_000, CurrencyCode: "USD"},
	{ID: "pro_monthly", Kind: billing.KindSubscription, Title: "Pro", Price: "$4.99", PriceAmountMicros: 4_990_000, CurrencyCode: "USD"},
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "nested", "sandbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n, err := store.UpsertEntries(context.Background(), testCatalog)
	require.NoError(t, err)
	require.Equal(t, len(testCatalog), n)
	return store
}

func TestStoreEntriesFiltersByKindAndKeepsRequestOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries, err := store.Entries(ctx, []string{"no_ads", "pro_monthly", "missing", "gems_100", "no_ads"}, billing.KindProduct)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "no_ads", entries[0].ID)
	assert.Equal(t, "gems_100", entries[1].ID)
	assert.Equal(t, int64(990_000), entries[1].PriceAmountMicros)

	empty, err := store.Entries(ctx, nil, billing.KindProduct)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestStoreUpsertReplacesEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertEntries(ctx, []billing.CatalogEntry{
		{ID: "gems_100", Kind: billing.KindProduct, Title: "100 Gems (sale)", Price: "$0.49", PriceAmountMicros: 490_000},
	})
	require.NoError(t, err)

	entry, ok, err := store.Entry(ctx, "gems_100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "100 Gems (sale)", entry.Title)
	assert.Equal(t, int64(490_000), entry.PriceAmountMicros)

	all, err := store.AllEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, ok, err = store.Entry(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePurchaseOwnership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.AddPurchase(ctx, billing.Purchase{ProductID: "gems_100", Token: "t1"}, billing.KindProduct, now))
	require.NoError(t, store.AddPurchase(ctx, billing.Purchase{ProductID: "pro_monthly", Token: "t2"}, billing.KindSubscription, now.Add(time.Second)))

	owned, err := store.Owns(ctx, "gems_100")
	require.NoError(t, err)
	assert.True(t, owned)

	products, err := store.OwnedPurchases(ctx, billing.KindProduct)
	require.NoError(t, err)
	assert.Equal(t, []billing.Purchase{{ProductID: "gems_100", Token: "t1"}}, products)

	removed, err := store.DeletePurchase(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.DeletePurchase(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, removed)

	owned, err = store.Owns(ctx, "gems_100")
	require.NoError(t, err)
	assert.False(t, owned)

	// Duplicate tokens are rejected by the primary key.
	assert.Error(t, store.AddPurchase(ctx, billing.Purchase{ProductID: "x", Token: "t2"}, billing.KindProduct, now))
}

func TestStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	_, err = store.UpsertEntries(context.Background(), testCatalog[:1])
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.AllEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "gems_100", all[0].ID)
	assert.Equal(t, path, reopened.Path())
}
