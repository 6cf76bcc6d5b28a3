package core

// mapper.go resolves the free-form headers of an uploaded file to the
// canonical fields of a schema.
//
// Headers and aliases are compared after normalization: case is folded and
// whitespace, underscores, hyphens and dots are dropped, so "Kode Item",
// "kode_item" and "KODE-ITEM" are the same header.

import (
	"fmt"
	"strings"
	"unicode"
)

// NormalizeHeader folds a header (or alias) to its comparison form.
func NormalizeHeader(h string) string {
	h = CleanCell(h)
	var b strings.Builder
	b.Grow(len(h))
	for _, r := range h {
		switch {
		case unicode.IsSpace(r), r == '_', r == '-', r == '.':
			continue
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// aliasIndex maps normalized header forms to canonical field names.
func (d SchemaDefinition) aliasIndex() map[string]string {
	idx := make(map[string]string, len(d.Fields)*3)
	for _, f := range d.Fields {
		idx[NormalizeHeader(f.Name)] = f.Name
	}
	for _, f := range d.Fields {
		for _, a := range f.Aliases {
			n := NormalizeHeader(a)
			if _, taken := idx[n]; !taken {
				idx[n] = f.Name
			}
		}
	}
	return idx
}

// CanonicalName resolves a header or alias to its canonical field name.
func (d SchemaDefinition) CanonicalName(header string) (string, bool) {
	name, ok := d.aliasIndex()[NormalizeHeader(header)]
	return name, ok
}

// HeaderMapping binds the columns of one file to canonical fields.
type HeaderMapping struct {
	headers []string
	keys    []string // per column: canonical name, or cleaned header for unknown columns
	known   []bool
}

// ColumnMapping describes how one file column was resolved.
type ColumnMapping struct {
	Header string `json:"header"`
	Field  string `json:"field,omitempty"`
	Mapped bool   `json:"mapped"`
}

// MapHeader builds the column mapping for a header row. A required field with
// no matching column is a file-level failure. Unknown columns are kept under
// their cleaned header so failed records still show what the user sent; when
// two columns resolve to the same field the first one wins.
func (d SchemaDefinition) MapHeader(header []string) (*HeaderMapping, error) {
	idx := d.aliasIndex()
	m := &HeaderMapping{
		headers: header,
		keys:    make([]string, len(header)),
		known:   make([]bool, len(header)),
	}
	bound := make(map[string]bool, len(header))

	for i, h := range header {
		name, ok := idx[NormalizeHeader(h)]
		if ok && !bound[name] {
			bound[name] = true
			m.keys[i] = name
			m.known[i] = true
			continue
		}
		m.keys[i] = CleanCell(h)
		if m.keys[i] == "" {
			m.keys[i] = fmt.Sprintf("column_%d", i+1)
		}
	}

	var missing []string
	for _, f := range d.Fields {
		if f.Required && !bound[f.Name] {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return m, nil
}

// Columns lists the resolution of every header column in file order.
func (m *HeaderMapping) Columns() []ColumnMapping {
	out := make([]ColumnMapping, len(m.keys))
	for i, key := range m.keys {
		out[i] = ColumnMapping{Header: m.headers[i], Mapped: m.known[i]}
		if m.known[i] {
			out[i].Field = key
		}
	}
	return out
}

// Width is the number of columns in the header.
func (m *HeaderMapping) Width() int { return len(m.keys) }

// Apply converts one row of cells into a raw record keyed by canonical name.
// Values stay raw strings; cells beyond the header width are ignored (the
// parser reports them as a column count error).
func (m *HeaderMapping) Apply(cells []string) map[string]string {
	rec := make(map[string]string, len(m.keys))
	for i, key := range m.keys {
		if i < len(cells) {
			if _, dup := rec[key]; dup && !m.known[i] {
				continue
			}
			rec[key] = cells[i]
		} else if m.known[i] {
			rec[key] = ""
		}
	}
	return rec
}

// Canonicalize rewrites the keys of a raw record from headers or aliases to
// canonical names. Keys that match no field are kept unchanged.
func (d SchemaDefinition) Canonicalize(raw map[string]string) map[string]string {
	idx := d.aliasIndex()
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if name, ok := idx[NormalizeHeader(k)]; ok {
			out[name] = v
			continue
		}
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}
