package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHeader(t *testing.T) {
	tests := map[string]string{
		"Kode Item":     "kodeitem",
		"kode_item":     "kodeitem",
		"KODE-ITEM":     "kodeitem",
		"  Kode.Item  ": "kodeitem",
		`="Harga"`:      "harga",
		"Unit\tPrice":   "unitprice",
		"":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeHeader(in), in)
	}
}

func TestMapHeader(t *testing.T) {
	def := itemsSchema()

	m, err := def.MapHeader([]string{"SKU", "Nama", "Harga", "Catatan", ""})
	require.NoError(t, err)
	assert.Equal(t, 5, m.Width())

	rec := m.Apply([]string{"A1", "Kopi", "10", "promo", "x"})
	assert.Equal(t, map[string]string{
		"item_code": "A1",
		"item_name": "Kopi",
		"price":     "10",
		"Catatan":   "promo",
		"column_5":  "x",
	}, rec)
}

func TestMapHeaderFirstColumnWins(t *testing.T) {
	def := itemsSchema()
	m, err := def.MapHeader([]string{"item_code", "sku", "price"})
	require.NoError(t, err)

	rec := m.Apply([]string{"A1", "B2", "1"})
	assert.Equal(t, "A1", rec["item_code"])
	assert.Equal(t, "B2", rec["sku"], "the second column keeps its own header")
}

func TestMapHeaderShortRow(t *testing.T) {
	def := itemsSchema()
	m, err := def.MapHeader([]string{"item_code", "price", "extra"})
	require.NoError(t, err)

	rec := m.Apply([]string{"A1"})
	assert.Equal(t, "", rec["price"])
	_, hasExtra := rec["extra"]
	assert.False(t, hasExtra, "unknown columns are only present when the row has them")
}

func TestMapHeaderMissingRequired(t *testing.T) {
	def := itemsSchema()
	_, err := def.MapHeader([]string{"nama", "status"})
	require.ErrorIs(t, err, ErrMissingColumns)
	assert.Contains(t, err.Error(), "item_code, price")
}

func TestCanonicalize(t *testing.T) {
	def := itemsSchema()
	out := def.Canonicalize(map[string]string{
		"Kode Item": "A1",
		"HARGA":     "9",
		"comment":   "x",
	})
	assert.Equal(t, map[string]string{"item_code": "A1", "price": "9", "comment": "x"}, out)
}

func TestRegistry(t *testing.T) {
	r := testRegistry()
	assert.Equal(t, 2, r.Len())

	def, err := r.Lookup(itemsType)
	require.NoError(t, err)
	assert.Equal(t, "Items", def.Label)

	_, err = r.Lookup("invoices")
	assert.ErrorIs(t, err, ErrInvalidSchemaType)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, itemsType, all[0].Type)
	assert.Equal(t, transfersType, all[1].Type)

	assert.Panics(t, func() { r.Register(itemsSchema()) }, "duplicate registration")
}
