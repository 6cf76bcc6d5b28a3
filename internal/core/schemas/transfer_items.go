package schemas

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// TransferItemsType is the schema type of stock transfer lines.
const TransferItemsType = "transfer_items"

// TransferItemRecord is one item line of a stock transfer between stores.
type TransferItemRecord struct {
	TransferNo   string
	ItemCode     string
	Quantity     decimal.Decimal
	FromStore    string
	ToStore      string
	TransferDate time.Time
	Note         string
}

func (r TransferItemRecord) SchemaType() string { return TransferItemsType }
func (r TransferItemRecord) NaturalKey() string { return r.TransferNo + "|" + r.ItemCode }

func init() {
	registerTransferItems()
}

func registerTransferItems() {
	core.Register(core.SchemaDefinition{
		Type:        TransferItemsType,
		Label:       "Transfer Items",
		KeyFields:   []string{"transfer_no", "item_code"},
		MaxFileSize: 250 << 20,
		Fields: []core.FieldSpec{
			{Name: "transfer_no", Aliases: []string{"no transfer", "nomor transfer", "transfer number", "doc no"}, Type: core.FieldCode, Required: true, Normalizer: NormalizeCode},
			{Name: "item_code", Aliases: []string{"Kode Item", "kode barang", "sku"}, Type: core.FieldCode, Required: true, Normalizer: NormalizeCode},
			{Name: "quantity", Aliases: []string{"qty", "jumlah", "kuantitas"}, Type: core.FieldDecimal, Required: true},
			{Name: "from_store", Aliases: []string{"dari toko", "source store", "from"}, Type: core.FieldCode, Required: true, Normalizer: NormalizeCode},
			{Name: "to_store", Aliases: []string{"ke toko", "destination store", "to"}, Type: core.FieldCode, Required: true, Normalizer: NormalizeCode},
			{Name: "transfer_date", Aliases: []string{"tanggal", "tanggal transfer", "date"}, Type: core.FieldDate, Required: true},
			{Name: "note", Aliases: []string{"keterangan", "remarks"}, Type: core.FieldText},
		},
		Build: buildTransferItem,
	})
}

func buildTransferItem(v core.Values) (core.Record, error) {
	qty, _ := v.Decimal("quantity")
	if !qty.IsPositive() {
		return nil, &core.FieldError{Field: "quantity", Reason: "must be greater than zero"}
	}
	rec := TransferItemRecord{
		TransferNo: v.String("transfer_no"),
		ItemCode:   v.String("item_code"),
		Quantity:   qty,
		FromStore:  v.String("from_store"),
		ToStore:    v.String("to_store"),
		Note:       v.String("note"),
	}
	if rec.FromStore == rec.ToStore {
		return nil, &core.FieldError{Field: "to_store", Reason: "must differ from from_store"}
	}
	rec.TransferDate, _ = v.Date("transfer_date")
	return rec, nil
}
