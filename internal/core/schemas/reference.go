package schemas

import (
	"github.com/JonMunkholm/bulkimport/internal/core"
)

// ReferenceType is the schema type of small lookup lists (brands,
// categories, units, regions).
const ReferenceType = "reference"

// ReferenceKinds lists the accepted ref_type values.
var ReferenceKinds = []string{"brand", "category", "unit", "region"}

// ReferenceRecord is one lookup entry.
type ReferenceRecord struct {
	RefType   string
	Code      string
	Label     string
	SortOrder int64
}

func (r ReferenceRecord) SchemaType() string { return ReferenceType }
func (r ReferenceRecord) NaturalKey() string { return r.RefType + "|" + r.Code }

func init() {
	core.Register(core.SchemaDefinition{
		Type:      ReferenceType,
		Label:     "Reference Data",
		KeyFields: []string{"ref_type", "code"},
		Fields: []core.FieldSpec{
			{Name: "ref_type", Aliases: []string{"jenis", "type", "kind"}, Type: core.FieldEnum, Required: true, EnumValues: ReferenceKinds},
			{Name: "code", Aliases: []string{"kode"}, Type: core.FieldCode, Required: true, Normalizer: NormalizeCode},
			{Name: "label", Aliases: []string{"nama", "name", "description"}, Type: core.FieldText, Required: true},
			{Name: "sort_order", Aliases: []string{"urutan", "order"}, Type: core.FieldInteger},
		},
		Build: func(v core.Values) (core.Record, error) {
			rec := ReferenceRecord{
				RefType: v.String("ref_type"),
				Code:    v.String("code"),
				Label:   v.String("label"),
			}
			if n, ok := v.Int("sort_order"); ok {
				if n < 0 {
					return nil, &core.FieldError{Field: "sort_order", Reason: "must not be negative"}
				}
				rec.SortOrder = n
			}
			return rec, nil
		},
	})
}
