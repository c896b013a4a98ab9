package extraction

import (
	"testing"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/schema"
)

func compiledFixture(t *testing.T) *schema.CompiledSchema {
	t.Helper()
	compiled, err := schema.Compile(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"itemName": map[string]any{"type": "string"},
			"quantity": map[string]any{"type": "number"},
			"unit":     map[string]any{"type": "string"},
		},
		"required": []any{"itemName"},
	}, 0)
	if err != nil {
		t.Fatalf("Compile fixture: %v", err)
	}
	return compiled
}

func TestParseDynamicResponseEnvelopes(t *testing.T) {
	p := NewParser(logger.NewNop())
	compiled := compiledFixture(t)

	cases := []struct {
		name string
		raw  string
	}{
		{"bare array", `[{"itemName":"rebar"}]`},
		{"materials envelope", `{"materials":[{"itemName":"rebar"}]}`},
		{"items envelope", `{"items":[{"itemName":"rebar"}]}`},
		{"fenced", "```json\n{\"materials\":[{\"itemName\":\"rebar\"}]}\n```"},
	}
	for _, tc := range cases {
		items := p.ParseDynamicResponse(tc.raw, compiled)
		if len(items) != 1 {
			t.Fatalf("%s: items want=1 got=%d", tc.name, len(items))
		}
		if items[0].Fields["itemName"] != "rebar" {
			t.Fatalf("%s: itemName got=%v", tc.name, items[0].Fields["itemName"])
		}
	}
}

func TestParseDynamicResponseNeverErrors(t *testing.T) {
	p := NewParser(logger.NewNop())
	compiled := compiledFixture(t)

	for _, raw := range []string{
		"",
		"   ",
		"the model refuses to answer",
		`{"materials": 7}`,
		`{"nonsense": []}`[:8],
	} {
		if items := p.ParseDynamicResponse(raw, compiled); len(items) != 0 {
			t.Fatalf("%q: want empty got=%d items", raw, len(items))
		}
	}
}

func TestParseDynamicResponseRepairsTruncation(t *testing.T) {
	p := NewParser(logger.NewNop())
	compiled := compiledFixture(t)

	// Mid-string truncation, as if the model hit its token limit.
	raw := `{"materials":[{"itemName":"rebar","sourceText":"rebar 12mm`
	items := p.ParseDynamicResponse(raw, compiled)
	if len(items) != 1 {
		t.Fatalf("items want=1 got=%d", len(items))
	}
	if items[0].Fields["itemName"] != "rebar" {
		t.Fatalf("itemName got=%v", items[0].Fields["itemName"])
	}
}

func TestParseDynamicResponseRepairsTrailingCommas(t *testing.T) {
	p := NewParser(logger.NewNop())
	raw := `{"materials":[{"itemName":"rebar",},]}`
	items := p.ParseDynamicResponse(raw, compiledFixture(t))
	if len(items) != 1 {
		t.Fatalf("items want=1 got=%d", len(items))
	}
}

func TestParseDynamicResponseDropsItemsMissingRequired(t *testing.T) {
	p := NewParser(logger.NewNop())
	raw := `{"materials":[{"itemName":"rebar"},{"quantity":3}]}`
	items := p.ParseDynamicResponse(raw, compiledFixture(t))
	if len(items) != 1 {
		t.Fatalf("items want=1 got=%d", len(items))
	}
	if items[0].Fields["itemName"] != "rebar" {
		t.Fatalf("wrong survivor: %v", items[0].Fields)
	}
}

func TestParseDynamicResponseMetadataAndClamp(t *testing.T) {
	p := NewParser(logger.NewNop())
	raw := `{"materials":[
		{"itemName":"rebar","sourceText":"rebar","location":"table 2","pageNumber":3,"confidence":1.5},
		{"itemName":"pipe","sourceText":"pipe","confidence":-0.2},
		{"itemName":"beam","sourceText":"beam"}
	]}`
	items := p.ParseDynamicResponse(raw, compiledFixture(t))
	if len(items) != 3 {
		t.Fatalf("items want=3 got=%d", len(items))
	}
	if items[0].PageNumber != 3 || items[0].Location != "table 2" {
		t.Fatalf("metadata lost: %+v", items[0])
	}
	if items[0].Confidence != 1.0 {
		t.Fatalf("confidence clamp high: want=1 got=%v", items[0].Confidence)
	}
	if items[1].Confidence != 0.0 {
		t.Fatalf("confidence clamp low: want=0 got=%v", items[1].Confidence)
	}
	if items[2].Confidence != defaultConfidence {
		t.Fatalf("confidence default: want=%v got=%v", defaultConfidence, items[2].Confidence)
	}
	if _, ok := items[0].Fields["sourceText"]; ok {
		t.Fatalf("metadata keys must not leak into fields")
	}
}

func TestParseDynamicResponseNormalizesLocaleDecimals(t *testing.T) {
	p := NewParser(logger.NewNop())
	compiled := compiledFixture(t)

	for _, raw := range []string{
		`{"materials":[{"itemName":"rebar","quantity":"1.234,56","sourceText":"rebar 1.234,56"}]}`,
		`{"materials":[{"itemName":"rebar","quantity":"1,234.56","sourceText":"rebar 1,234.56"}]}`,
	} {
		items := p.ParseDynamicResponse(raw, compiled)
		if len(items) != 1 {
			t.Fatalf("items want=1 got=%d", len(items))
		}
		got, ok := items[0].Fields["quantity"].(float64)
		if !ok || got != 1234.56 {
			t.Fatalf("quantity: want=1234.56 got=%v", items[0].Fields["quantity"])
		}
		if items[0].SourceTextIncomplete {
			t.Fatalf("digits-only matching should cover locale formats: %+v", items[0])
		}
	}
}

func TestParseDynamicResponseFlagsMissingEvidence(t *testing.T) {
	p := NewParser(logger.NewNop())
	raw := `{"materials":[{"itemName":"Rebar 12mm","unit":"kg","sourceText":"REBAR  12 mm"}]}`
	items := p.ParseDynamicResponse(raw, compiledFixture(t))
	if len(items) != 1 {
		t.Fatalf("items want=1 got=%d", len(items))
	}
	item := items[0]
	if !item.SourceTextIncomplete {
		t.Fatalf("expected sourceTextIncomplete for unit not in source text")
	}
	if len(item.MissingFieldsInSourceText) != 1 || item.MissingFieldsInSourceText[0] != "unit" {
		t.Fatalf("missing fields: want=[unit] got=%v", item.MissingFieldsInSourceText)
	}
}

func TestParseLegacyResponseTrimsToFixedShape(t *testing.T) {
	p := NewParser(logger.NewNop())
	raw := `{"materials":[{"itemName":"rebar","quantity":2,"unit":"kg","description":"12mm","color":"red","sourceText":"rebar 2 kg 12mm red"}]}`
	items := p.ParseLegacyResponse(raw)
	if len(items) != 1 {
		t.Fatalf("items want=1 got=%d", len(items))
	}
	if _, ok := items[0].Fields["color"]; ok {
		t.Fatalf("legacy mode must drop fields outside the fixed shape")
	}
	for _, f := range LegacyFields {
		if _, ok := items[0].Fields[f]; !ok {
			t.Fatalf("legacy field %q missing: %v", f, items[0].Fields)
		}
	}
}
