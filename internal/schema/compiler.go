package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/planloom/extraction-backend/internal/pkg/apperr"
)

// PropertyDescriptor is one extractable field flattened out of the schema
// definition. Nested object properties get dotted paths; array-of-object
// properties get a "[]" segment.
type PropertyDescriptor struct {
	Path        string   `json:"path"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// CompiledSchema is the derived, cached view of a schema definition. The
// pipeline only ever sees this struct, never raw untyped maps.
type CompiledSchema struct {
	Properties []PropertyDescriptor `json:"properties"`
	Required   []string             `json:"required"`
	Document   map[string]any       `json:"document"`
	SizeBytes  int                  `json:"sizeBytes"`
	Oversized  bool                 `json:"oversized"`

	validator *jsonschema.Schema
}

// DefaultByteCap bounds the stored validator artifact. Definitions over
// the cap are reduced and flagged, never rejected here.
const DefaultByteCap = 64 * 1024

// RequiredSet returns the required top-level field names as a set.
func (c *CompiledSchema) RequiredSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Required))
	for _, f := range c.Required {
		out[f] = struct{}{}
	}
	return out
}

// Validate checks a decoded JSON value against the compiled validator.
func (c *CompiledSchema) Validate(v any) error {
	if c == nil || c.validator == nil {
		return nil
	}
	return c.validator.Validate(v)
}

// Compile validates the structural shape of a JSON-Schema-like definition,
// flattens its properties and computes a size estimate. When the document
// exceeds byteCap a size-reduced variant (descriptions and examples
// stripped) is compiled instead and the result is flagged oversized;
// downstream consumers decide whether that matters.
func Compile(definition map[string]any, byteCap int) (*CompiledSchema, error) {
	if byteCap <= 0 {
		byteCap = DefaultByteCap
	}
	if len(definition) == 0 {
		return nil, apperr.Validation("schema definition is empty")
	}
	if t, _ := definition["type"].(string); t != "" && t != "object" {
		return nil, apperr.Validation("schema root must be an object, got %q", t)
	}
	props, ok := definition["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil, apperr.Validation("schema definition has no properties")
	}

	doc := definition
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.Validation("schema definition is not JSON-serializable: %v", err)
	}
	oversized := false
	if len(raw) > byteCap {
		doc = reduceDocument(definition)
		reduced, rerr := json.Marshal(doc)
		if rerr != nil {
			return nil, apperr.Validation("reduced schema definition is not JSON-serializable: %v", rerr)
		}
		raw = reduced
		oversized = true
	}

	required := stringSlice(doc["required"])
	requiredSet := make(map[string]struct{}, len(required))
	for _, f := range required {
		requiredSet[f] = struct{}{}
	}

	descriptors := flattenProperties("", doc, requiredSet)

	validator, err := compileValidator(raw)
	if err != nil {
		return nil, apperr.Validation("schema does not compile: %v", err)
	}

	return &CompiledSchema{
		Properties: descriptors,
		Required:   required,
		Document:   doc,
		SizeBytes:  len(raw),
		Oversized:  oversized,
		validator:  validator,
	}, nil
}

func compileValidator(raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func flattenProperties(prefix string, node map[string]any, required map[string]struct{}) []PropertyDescriptor {
	props, ok := node["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []PropertyDescriptor
	for _, name := range names {
		spec, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		typ, _ := spec["type"].(string)
		desc, _ := spec["description"].(string)
		// Required applies at the level it is declared on; nested levels
		// carry their own required arrays.
		_, req := required[name]
		out = append(out, PropertyDescriptor{
			Path:        path,
			Type:        typ,
			Description: desc,
			Required:    req,
			Enum:        stringSlice(spec["enum"]),
		})

		switch typ {
		case "object":
			nested := make(map[string]struct{})
			for _, f := range stringSlice(spec["required"]) {
				nested[f] = struct{}{}
			}
			out = append(out, flattenProperties(path, spec, nested)...)
		case "array":
			if items, ok := spec["items"].(map[string]any); ok {
				if it, _ := items["type"].(string); it == "object" {
					nested := make(map[string]struct{})
					for _, f := range stringSlice(items["required"]) {
						nested[f] = struct{}{}
					}
					out = append(out, flattenProperties(path+"[]", items, nested)...)
				}
			}
		}
	}
	return out
}

// reduceDocument strips descriptions and examples everywhere, which is
// where oversized definitions carry nearly all their weight.
func reduceDocument(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		if k == "description" || k == "examples" {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			out[k] = reduceDocument(t)
		case []any:
			reduced := make([]any, 0, len(t))
			for _, item := range t {
				if m, ok := item.(map[string]any); ok {
					reduced = append(reduced, reduceDocument(m))
				} else {
					reduced = append(reduced, item)
				}
			}
			out[k] = reduced
		default:
			out[k] = v
		}
	}
	return out
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
