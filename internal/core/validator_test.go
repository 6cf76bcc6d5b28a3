package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorAccepts(t *testing.T) {
	v := NewValidator(itemsSchema())

	rec, failed := v.Validate(1, map[string]string{
		"item_code": `="A1"`,
		"item_name": "  Kopi  ",
		"price":     "Rp 1,500",
		"status":    "ACTIVE",
		"extra":     "ignored",
	})
	require.Nil(t, failed)
	item := rec.(itemRecord)
	assert.Equal(t, "A1", item.Code)
	assert.Equal(t, "Kopi", item.Name)
	assert.True(t, item.Price.Equal(decimal.NewFromInt(1500)))
}

func TestValidatorRules(t *testing.T) {
	tests := []struct {
		name       string
		raw        map[string]string
		wantReason string
	}{
		{name: "missing required", raw: map[string]string{"price": "1"}, wantReason: "item_code: required field is empty"},
		{name: "blank required", raw: map[string]string{"item_code": "  ", "price": "1"}, wantReason: "item_code: required field is empty"},
		{name: "code with space", raw: map[string]string{"item_code": "A 1", "price": "1"}, wantReason: "must not contain whitespace"},
		{name: "bad number", raw: map[string]string{"item_code": "A1", "price": "1,2x"}, wantReason: `price: invalid number "1,2x"`},
		{name: "enum", raw: map[string]string{"item_code": "A1", "price": "1", "status": "gone"}, wantReason: `invalid enum value "gone", allowed: active, inactive`},
		{name: "business rule", raw: map[string]string{"item_code": "A1", "price": "-5"}, wantReason: "price: must not be negative"},
		{name: "required checked before types", raw: map[string]string{"item_code": "", "price": "abc"}, wantReason: "item_code: required field is empty"},
	}

	v := NewValidator(itemsSchema())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, failed := v.Validate(7, tt.raw)
			assert.Nil(t, rec)
			require.NotNil(t, failed)
			assert.Equal(t, 7, failed.OriginalIndex)
			assert.Contains(t, failed.ErrorReason, tt.wantReason)
			assert.Equal(t, tt.raw, failed.RawRecord)
		})
	}
}

func TestConvertFieldTypes(t *testing.T) {
	tests := []struct {
		field   FieldSpec
		input   string
		want    any
		wantErr string
	}{
		{field: FieldSpec{Type: FieldInteger}, input: "1,000", want: int64(1000)},
		{field: FieldSpec{Type: FieldInteger}, input: "1.5", wantErr: "invalid integer"},
		{field: FieldSpec{Type: FieldDate}, input: "2024-05-01", want: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{field: FieldSpec{Type: FieldDate}, input: "soon", wantErr: "use YYYY-MM-DD"},
		{field: FieldSpec{Type: FieldBool}, input: "ya", wantErr: "invalid boolean"},
		{field: FieldSpec{Type: FieldBool}, input: "Yes", want: true},
		{field: FieldSpec{Type: FieldEnum, EnumValues: []string{"brand"}}, input: "BRAND", want: "brand"},
		{field: FieldSpec{Type: FieldText}, input: "anything goes", want: "anything goes"},
	}

	for _, tt := range tests {
		got, err := convertField(tt.field, tt.input)
		if tt.wantErr != "" {
			require.Error(t, err, tt.input)
			assert.Contains(t, err.Error(), tt.wantErr)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestValidatorNormalizer(t *testing.T) {
	def := itemsSchema()
	for i := range def.Fields {
		if def.Fields[i].Name == "item_name" {
			def.Fields[i].Normalizer = func(s string) string { return "[" + s + "]" }
		}
	}
	rec, failed := NewValidator(def).Validate(1, map[string]string{"item_code": "A1", "item_name": "x", "price": "1"})
	require.Nil(t, failed)
	assert.Equal(t, "[x]", rec.(itemRecord).Name)
}
