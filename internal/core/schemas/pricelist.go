package schemas

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// PricelistType is the schema type of item price lists.
const PricelistType = "pricelist"

// PricelistRecord is one item price.
type PricelistRecord struct {
	ItemCode      string
	ItemName      string
	Price         decimal.Decimal
	Currency      string
	EffectiveDate *time.Time
}

func (r PricelistRecord) SchemaType() string { return PricelistType }
func (r PricelistRecord) NaturalKey() string { return r.ItemCode }

func init() {
	registerPricelist()
}

func registerPricelist() {
	core.Register(core.SchemaDefinition{
		Type:        PricelistType,
		Label:       "Pricelists",
		KeyFields:   []string{"item_code"},
		MaxFileSize: 50 << 20,
		Fields: []core.FieldSpec{
			{
				Name:       "item_code",
				Aliases:    []string{"Kode Item", "kode barang", "item code", "sku", "article"},
				Type:       core.FieldCode,
				Required:   true,
				Normalizer: NormalizeCode,
			},
			{Name: "item_name", Aliases: []string{"nama item", "nama barang", "description", "name"}, Type: core.FieldText},
			{Name: "price", Aliases: []string{"harga", "unit price", "harga satuan"}, Type: core.FieldDecimal, Required: true},
			{
				Name:       "currency",
				Aliases:    []string{"mata uang", "curr"},
				Type:       core.FieldEnum,
				EnumValues: Currencies,
				Normalizer: NormalizeCurrency,
			},
			{Name: "effective_date", Aliases: []string{"tanggal berlaku", "valid from", "effective"}, Type: core.FieldDate},
		},
		Build: buildPricelist,
	})
}

func buildPricelist(v core.Values) (core.Record, error) {
	price, _ := v.Decimal("price")
	if price.IsNegative() {
		return nil, &core.FieldError{Field: "price", Reason: "must not be negative"}
	}
	rec := PricelistRecord{
		ItemCode: v.String("item_code"),
		ItemName: v.String("item_name"),
		Price:    price,
		Currency: v.String("currency"),
	}
	if rec.Currency == "" {
		rec.Currency = "IDR"
	}
	if d, ok := v.Date("effective_date"); ok {
		rec.EffectiveDate = &d
	}
	return rec, nil
}
