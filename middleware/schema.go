package middleware

import (
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// FieldType is the kind of value a configuration field accepts
type FieldType string

const (
	FieldBoolean    FieldType = "boolean"
	FieldText       FieldType = "text"
	FieldChoice     FieldType = "choice"
	FieldArray      FieldType = "array"
	FieldCollection FieldType = "collection"
)

// FieldSpec describes one configuration field
type FieldSpec struct {
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Schema maps field names to their specs
type Schema map[string]FieldSpec

// Check returns the problems with cfg for middleware name. Unknown fields are
// ignored.
func (s Schema) Check(name string, cfg map[string]any) []string {
	var errs []string
	fields := make([]string, 0, len(s))
	for field := range s {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		spec := s[field]
		v, ok := cfg[field]
		if !ok || v == nil {
			if spec.Required {
				errs = append(errs, fmt.Sprintf("middleware %s: field %q is required", name, field))
			}
			continue
		}
		if msg := spec.check(v); msg != "" {
			errs = append(errs, fmt.Sprintf("middleware %s: field %q %s", name, field, msg))
		}
	}
	return errs
}

func (f FieldSpec) check(v any) string {
	switch f.Type {
	case FieldBoolean:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case FieldText:
		if _, ok := v.(string); !ok {
			return "must be a string"
		}
	case FieldChoice:
		s, ok := v.(string)
		if !ok || !slices.Contains(f.Choices, s) {
			return fmt.Sprintf("must be one of %v", f.Choices)
		}
	case FieldArray, FieldCollection:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
		default:
			return "must be a list or a map"
		}
	}
	return ""
}

// WithDefaults returns cfg with missing fields filled from their defaults
func (s Schema) WithDefaults(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg)+len(s))
	for field, spec := range s {
		if spec.Default != nil {
			out[field] = spec.Default
		}
	}
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

// decodeConfig fills out from cfg after applying schema defaults. Field names
// are matched through `mapstructure` tags.
func decodeConfig(schema Schema, cfg map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(schema.WithDefaults(cfg))
}
