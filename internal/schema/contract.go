package schema

import (
	"fmt"
	"strings"
)

// Kind selects the degraded text parser used when structured output fails.
type Kind string

const (
	KindDecision   Kind = "decision"
	KindSession    Kind = "session"
	KindExtraction Kind = "extraction"
	KindContact    Kind = "contact"
	KindThreat     Kind = "threat"
	KindRelevance  Kind = "relevance"
	KindSummary    Kind = "summary"
)

// Names of the contracts shipped in contracts.yaml.
const (
	Decision          = "decision"
	SessionDetection  = "session_detection"
	FieldExtraction   = "field_extraction"
	ContactValidation = "contact_validation"
	ThreatAssessment  = "threat_assessment"
	InputRelevance    = "input_relevance"
	Summary           = "summary"
)

// FieldType is the JSON type of an output key.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
)

// Field declares one output key of a contract.
type Field struct {
	Name        string    `koanf:"name"`
	Type        FieldType `koanf:"type"`
	Enum        []string  `koanf:"enum"`
	Required    bool      `koanf:"required"`
	Description string    `koanf:"description"`
}

// Contract is a named structured-output shape.
type Contract struct {
	Name        string  `koanf:"-"`
	Kind        Kind    `koanf:"kind"`
	Description string  `koanf:"description"`
	Fields      []Field `koanf:"fields"`
}

// Field returns the named field declaration.
func (c Contract) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Required lists the keys that must be present and non-null.
func (c Contract) Required() []string {
	var out []string
	for _, f := range c.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Validate checks required keys, types and enum membership. Enum values are
// matched case-insensitively and rewritten to their canonical spelling.
func (c Contract) Validate(out map[string]any) error {
	if out == nil {
		return fmt.Errorf("%w: %s: empty object", ErrInvalidOutput, c.Name)
	}
	for _, f := range c.Fields {
		v, ok := out[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("%w: %s: missing %q", ErrInvalidOutput, c.Name, f.Name)
			}
			continue
		}
		switch f.Type {
		case TypeString, "":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: %s: %q is not a string", ErrInvalidOutput, c.Name, f.Name)
			}
			if len(f.Enum) > 0 {
				canonical, ok := matchEnum(f.Enum, s)
				if !ok {
					return fmt.Errorf("%w: %s: %q has unexpected value %q", ErrInvalidOutput, c.Name, f.Name, s)
				}
				out[f.Name] = canonical
			}
		case TypeNumber:
			switch n := v.(type) {
			case float64:
			case float32:
				out[f.Name] = float64(n)
			case int:
				out[f.Name] = float64(n)
			case int64:
				out[f.Name] = float64(n)
			default:
				return fmt.Errorf("%w: %s: %q is not a number", ErrInvalidOutput, c.Name, f.Name)
			}
		case TypeBoolean:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("%w: %s: %q is not a boolean", ErrInvalidOutput, c.Name, f.Name)
			}
		case TypeArray:
			switch v.(type) {
			case []any, []string:
			default:
				return fmt.Errorf("%w: %s: %q is not an array", ErrInvalidOutput, c.Name, f.Name)
			}
		default:
			return fmt.Errorf("%w: %s: %q declares unknown type %q", ErrInvalidOutput, c.Name, f.Name, f.Type)
		}
	}
	return nil
}

// JSONSchema renders the contract as a JSON Schema object for providers
// that accept one.
func (c Contract) JSONSchema() map[string]any {
	props := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		p := map[string]any{"type": string(f.Type)}
		if f.Type == "" {
			p["type"] = string(TypeString)
		}
		if f.Type == TypeArray {
			p["items"] = map[string]any{"type": "string"}
		}
		if len(f.Enum) > 0 {
			p["enum"] = append([]string(nil), f.Enum...)
		}
		if f.Description != "" {
			p["description"] = f.Description
		}
		props[f.Name] = p
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := c.Required(); len(req) > 0 {
		out["required"] = req
	}
	return out
}

// Describe renders the contract as prompt text for models without a
// schema-constrained mode.
func (c Contract) Describe() string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object with these keys:\n")
	for _, f := range c.Fields {
		fmt.Fprintf(&b, "- %s (%s", f.Name, typeOrString(f.Type))
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if len(f.Enum) > 0 {
			fmt.Fprintf(&b, " one of: %s", strings.Join(f.Enum, ", "))
		}
		if f.Description != "" {
			fmt.Fprintf(&b, ". %s", f.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func typeOrString(t FieldType) FieldType {
	if t == "" {
		return TypeString
	}
	return t
}

func matchEnum(values []string, s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return v, true
		}
	}
	return "", false
}
