package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseTableRejectsSecondAttemptForProduct(t *testing.T) {
	table := newPurchaseTable()

	require.True(t, table.add(&pendingPurchase{token: "t1", productID: "gems"}))
	assert.False(t, table.add(&pendingPurchase{token: "t2", productID: "gems"}))
	assert.True(t, table.add(&pendingPurchase{token: "t3", productID: "pro"}))
	assert.Equal(t, 2, table.len())

	p, ok := table.pendingFor("gems")
	require.True(t, ok)
	assert.Equal(t, "t1", p.token)
}

func TestPurchaseTableMatchingKeepsLaunchOrder(t *testing.T) {
	table := newPurchaseTable()
	table.add(&pendingPurchase{token: "t1", productID: "a"})
	table.add(&pendingPurchase{token: "t2", productID: "b"})
	table.add(&pendingPurchase{token: "t3", productID: "c"})

	matched, owned := table.matching([]Purchase{{ProductID: "c", Token: "pc"}, {ProductID: "a", Token: "pa"}})

	require.Len(t, matched, 2)
	assert.Equal(t, "t1", matched[0].token)
	assert.Equal(t, "t3", matched[1].token)
	assert.Equal(t, []Purchase{{ProductID: "a", Token: "pa"}, {ProductID: "c", Token: "pc"}}, owned)
	assert.Equal(t, 1, table.len())

	_, ok := table.pendingFor("a")
	assert.False(t, ok)
}

func TestPurchaseTableRemoveAndDrain(t *testing.T) {
	table := newPurchaseTable()
	table.add(&pendingPurchase{token: "t1", productID: "a"})
	table.add(&pendingPurchase{token: "t2", productID: "b"})

	assert.Nil(t, table.remove("missing"))
	removed := table.remove("t1")
	require.NotNil(t, removed)
	assert.Equal(t, "a", removed.productID)

	// The product is free again once its attempt is gone.
	assert.True(t, table.add(&pendingPurchase{token: "t4", productID: "a"}))

	all := table.drain()
	require.Len(t, all, 2)
	assert.Equal(t, "t2", all[0].token)
	assert.Equal(t, "t4", all[1].token)
	assert.Zero(t, table.len())
}

func TestProductsFromCatalogConvertsMicros(t *testing.T) {
	products := ProductsFromCatalog([]CatalogEntry{
		{ID: "gems", Kind: KindProduct, PriceAmountMicros: 990_000},
		{ID: "odd", Kind: Kind("")},
	})
	require.Len(t, products, 1)
	assert.Equal(t, int64(99), products[0].Amount)
	assert.Equal(t, KindProduct, products[0].Type)

	assert.NotNil(t, ProductsFromCatalog(nil), "empty result still encodes as a list")
}
