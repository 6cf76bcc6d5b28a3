package core

import (
	"fmt"
	"strings"
)

// Validator turns raw records of one schema type into typed records.
// It is pure: no storage access, no shared state beyond the definition.
type Validator struct {
	def SchemaDefinition
}

// NewValidator returns a validator for def.
func NewValidator(def SchemaDefinition) *Validator {
	return &Validator{def: def}
}

// Validate checks one raw record. Rules run in order and stop at the first
// failure: required fields present and non-empty, then per-field type and
// format checks, then the schema's business constraints. Exactly one of the
// results is non-nil.
func (v *Validator) Validate(index int, raw map[string]string) (Record, *FailedRecord) {
	rec, err := v.check(raw)
	if err != nil {
		return nil, &FailedRecord{
			OriginalIndex: index,
			RawRecord:     raw,
			ErrorReason:   err.Error(),
		}
	}
	return rec, nil
}

func (v *Validator) check(raw map[string]string) (Record, error) {
	for _, f := range v.def.Fields {
		if f.Required && CleanCell(raw[f.Name]) == "" {
			return nil, &FieldError{Field: f.Name, Reason: "required field is empty"}
		}
	}

	values := make(Values, len(v.def.Fields))
	for _, f := range v.def.Fields {
		s := CleanCell(raw[f.Name])
		if f.Normalizer != nil {
			s = f.Normalizer(s)
		}
		if s == "" {
			continue
		}
		val, err := convertField(f, s)
		if err != nil {
			return nil, &FieldError{Field: f.Name, Reason: err.Error()}
		}
		values[f.Name] = val
	}

	rec, err := v.def.Build(values)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// convertField applies the type check of one field to a non-empty value.
func convertField(f FieldSpec, s string) (any, error) {
	switch f.Type {
	case FieldDecimal:
		d, err := ParseDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("%w %q", err, s)
		}
		return d, nil
	case FieldInteger:
		i, err := ParseInteger(s)
		if err != nil {
			return nil, fmt.Errorf("%w %q", err, s)
		}
		return i, nil
	case FieldDate:
		t, err := ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("%w %q, use YYYY-MM-DD", err, s)
		}
		return t, nil
	case FieldBool:
		b, err := ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w %q", err, s)
		}
		return b, nil
	case FieldCode:
		if strings.ContainsFunc(s, isSpaceRune) {
			return nil, fmt.Errorf("invalid code %q: must not contain whitespace", s)
		}
		return s, nil
	case FieldEnum:
		for _, allowed := range f.EnumValues {
			if strings.EqualFold(s, allowed) {
				return allowed, nil
			}
		}
		return nil, fmt.Errorf("invalid enum value %q, allowed: %s", s, strings.Join(f.EnumValues, ", "))
	default:
		return s, nil
	}
}

func isSpaceRune(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
