package schemas

import (
	"time"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// StoresType is the schema type of store master data.
const StoresType = "stores"

// StoreRecord is one store.
type StoreRecord struct {
	StoreCode string
	StoreName string
	City      string
	Phone     string
	OpenedOn  *time.Time
}

func (r StoreRecord) SchemaType() string { return StoresType }
func (r StoreRecord) NaturalKey() string { return r.StoreCode }

func init() {
	core.Register(core.SchemaDefinition{
		Type:      StoresType,
		Label:     "Stores",
		KeyFields: []string{"store_code"},
		Fields: []core.FieldSpec{
			{Name: "store_code", Aliases: []string{"kode toko", "store id", "outlet code"}, Type: core.FieldCode, Required: true, Normalizer: NormalizeCode},
			{Name: "store_name", Aliases: []string{"nama toko", "outlet", "name"}, Type: core.FieldText, Required: true},
			{Name: "city", Aliases: []string{"kota"}, Type: core.FieldText},
			{Name: "phone", Aliases: []string{"telepon", "no telp", "phone number"}, Type: core.FieldText, Normalizer: NormalizePhone},
			{Name: "opened_on", Aliases: []string{"tanggal buka", "open date"}, Type: core.FieldDate},
		},
		Build: func(v core.Values) (core.Record, error) {
			rec := StoreRecord{
				StoreCode: v.String("store_code"),
				StoreName: v.String("store_name"),
				City:      v.String("city"),
				Phone:     v.String("phone"),
			}
			if d, ok := v.Date("opened_on"); ok {
				rec.OpenedOn = &d
			}
			return rec, nil
		},
	})
}
