package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FieldType is the expected value type of a canonical field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldCode
	FieldDecimal
	FieldInteger
	FieldDate
	FieldBool
	FieldEnum
)

var fieldTypeNames = map[FieldType]string{
	FieldText:    "text",
	FieldCode:    "code",
	FieldDecimal: "decimal",
	FieldInteger: "integer",
	FieldDate:    "date",
	FieldBool:    "bool",
	FieldEnum:    "enum",
}

func (t FieldType) String() string {
	if s, ok := fieldTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// MarshalText lets schema listings render types by name.
func (t FieldType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// FieldSpec defines one canonical field of a schema and the headers that map
// to it.
type FieldSpec struct {
	Name       string              // canonical name, e.g. "item_code"
	Aliases    []string            // accepted header variants, e.g. "Kode Item"
	Type       FieldType           // expected value type
	Required   bool                // column must be present and the value non-empty
	EnumValues []string            // allowed values for FieldEnum (case-insensitive)
	Normalizer func(string) string // optional, applied before type checks
}

// Record is a validated, typed row. Each schema type has its own concrete
// record type; NaturalKey identifies the row for upserts and duplicate
// detection.
type Record interface {
	SchemaType() string
	NaturalKey() string
}

// Values holds the type-checked field values of one row, keyed by canonical
// name. Empty optional fields are absent.
type Values map[string]any

// String returns a text or code field, or "".
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Decimal returns a decimal field and whether it was set.
func (v Values) Decimal(name string) (decimal.Decimal, bool) {
	d, ok := v[name].(decimal.Decimal)
	return d, ok
}

// Int returns an integer field and whether it was set.
func (v Values) Int(name string) (int64, bool) {
	i, ok := v[name].(int64)
	return i, ok
}

// Date returns a date field and whether it was set.
func (v Values) Date(name string) (time.Time, bool) {
	t, ok := v[name].(time.Time)
	return t, ok
}

// Bool returns a bool field and whether it was set.
func (v Values) Bool(name string) (bool, bool) {
	b, ok := v[name].(bool)
	return b, ok
}

// BuildFunc turns type-checked values into the schema's typed record,
// enforcing business constraints. It must be pure.
type BuildFunc func(Values) (Record, error)

// SchemaDefinition describes one importable schema type.
type SchemaDefinition struct {
	Type        string      // unique identifier: "pricelist"
	Label       string      // display name: "Pricelists"
	Fields      []FieldSpec // canonical fields in template order
	KeyFields   []string    // canonical fields forming the natural key
	MaxFileSize int64       // 0 means the configured default
	Build       BuildFunc
}

// Field returns the spec of a canonical field.
func (d SchemaDefinition) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Registry holds the schema types known to the pipeline.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]SchemaDefinition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]SchemaDefinition)}
}

// DefaultRegistry is populated by schema packages at init time.
var DefaultRegistry = NewRegistry()

// Register adds a schema definition to the default registry.
func Register(def SchemaDefinition) { DefaultRegistry.Register(def) }

// Register adds a schema definition.
// Panics if the type is already registered or the definition is incomplete.
func (r *Registry) Register(def SchemaDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Type == "" || def.Build == nil || len(def.KeyFields) == 0 {
		panic(fmt.Sprintf("incomplete schema definition: %q", def.Type))
	}
	if _, exists := r.schemas[def.Type]; exists {
		panic(fmt.Sprintf("schema already registered: %s", def.Type))
	}
	for _, k := range def.KeyFields {
		if _, ok := def.Field(k); !ok {
			panic(fmt.Sprintf("schema %s: key field %q is not a field", def.Type, k))
		}
	}

	r.schemas[def.Type] = def
}

// Lookup returns the definition of a schema type.
func (r *Registry) Lookup(schemaType string) (SchemaDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.schemas[schemaType]
	if !ok {
		return SchemaDefinition{}, fmt.Errorf("%w: %q", ErrInvalidSchemaType, schemaType)
	}
	return def, nil
}

// All returns every registered definition sorted by type.
func (r *Registry) All() []SchemaDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]SchemaDefinition, 0, len(r.schemas))
	for _, def := range r.schemas {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Type < result[j].Type
	})
	return result
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}
