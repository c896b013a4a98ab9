package extraction

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/schema"
)

// Metadata keys the model may attach to an item. Everything else on the
// item is an extracted field.
const (
	keySourceText = "sourceText"
	keyLocation   = "location"
	keyPageNumber = "pageNumber"
	keyConfidence = "confidence"
)

const defaultConfidence = 0.5

// LegacyFields is the fixed record shape used when no schema is supplied
// (pre-schema extraction jobs).
var LegacyFields = []string{"itemName", "quantity", "unit", "description"}

// ParsedItem is one candidate record recovered from a model response.
type ParsedItem struct {
	Fields                    map[string]any
	SourceText                string
	Location                  string
	PageNumber                int
	Confidence                float64
	SourceTextIncomplete      bool
	MissingFieldsInSourceText []string
	Diagnostics               []string
}

// Parser turns raw LLM text into structured items. It never returns an
// error for malformed model output; unrecoverable responses resolve to an
// empty list.
type Parser struct {
	log *logger.Logger
}

func NewParser(baseLog *logger.Logger) *Parser {
	return &Parser{log: baseLog.With("component", "ResponseParser")}
}

// ParseDynamicResponse parses one page worth of model output against the
// compiled schema. compiled may be nil for the legacy fixed-shape mode.
func (p *Parser) ParseDynamicResponse(raw string, compiled *schema.CompiledSchema) []ParsedItem {
	cleaned := stripCodeFences(raw)
	if strings.TrimSpace(cleaned) == "" {
		return nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		repaired := repairJSON(cleaned)
		if rerr := json.Unmarshal([]byte(repaired), &decoded); rerr != nil {
			p.log.Warn("response unparseable after repair", "error", rerr.Error())
			return nil
		}
	}

	items, ok := normalizeEnvelope(decoded)
	if !ok {
		p.log.Warn("response envelope not recognized; expected array, materials or items")
		return nil
	}

	var required map[string]struct{}
	if compiled != nil {
		required = compiled.RequiredSet()
	}

	out := make([]ParsedItem, 0, len(items))
	for _, rawItem := range items {
		obj, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}
		item := p.buildItem(obj, compiled)
		if len(required) > 0 {
			var missing []string
			for field := range required {
				if _, present := item.Fields[field]; !present {
					missing = append(missing, field)
				}
			}
			if len(missing) > 0 {
				p.log.Info("dropping item missing required fields", "missing", missing)
				continue
			}
		}
		checkEvidence(&item)
		out = append(out, item)
	}
	return out
}

func (p *Parser) buildItem(obj map[string]any, compiled *schema.CompiledSchema) ParsedItem {
	item := ParsedItem{
		Fields:     map[string]any{},
		Confidence: defaultConfidence,
	}
	for k, v := range obj {
		switch k {
		case keySourceText:
			if s, ok := v.(string); ok {
				item.SourceText = s
			}
		case keyLocation:
			if s, ok := v.(string); ok {
				item.Location = s
			}
		case keyPageNumber:
			if n, ok := asFloat(v); ok && n > 0 {
				item.PageNumber = int(n)
			}
		case keyConfidence:
			if n, ok := asFloat(v); ok {
				item.Confidence = Clamp01(n)
			}
		default:
			item.Fields[k] = v
		}
	}
	p.normalizeNumericFields(&item, compiled)
	return item
}

// normalizeNumericFields resolves quantity-like values to one canonical
// decimal regardless of locale formatting.
func (p *Parser) normalizeNumericFields(item *ParsedItem, compiled *schema.CompiledSchema) {
	numeric := map[string]struct{}{"quantity": {}}
	if compiled != nil {
		for _, prop := range compiled.Properties {
			if prop.Type == "number" || prop.Type == "integer" {
				numeric[prop.Path] = struct{}{}
			}
		}
	}
	for field := range numeric {
		v, ok := item.Fields[field]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if f, ok := NormalizeDecimal(t); ok {
				item.Fields[field] = f
			}
		case float64:
			// already canonical
		}
	}
}

// checkEvidence verifies every non-metadata field value appears in the
// item's source text (case/whitespace/punctuation-insensitive; digits-only
// for numerics). Failing items are kept and flagged; the flag is a quality
// signal, not a filter.
func checkEvidence(item *ParsedItem) {
	sourceNorm := normalizeForMatch(item.SourceText)
	sourceDigits := digitsOnly(item.SourceText)

	var missing []string
	for field, value := range item.Fields {
		var candidate string
		switch t := value.(type) {
		case string:
			candidate = t
		case float64:
			candidate = trimFloat(t)
		case bool, nil:
			continue
		default:
			// Nested structures carry no single comparable value.
			continue
		}
		if candidate == "" {
			continue
		}
		if strings.Contains(sourceNorm, normalizeForMatch(candidate)) {
			continue
		}
		if d := digitsOnly(candidate); d != "" && strings.Contains(sourceDigits, d) {
			continue
		}
		missing = append(missing, field)
	}
	if len(missing) > 0 {
		item.SourceTextIncomplete = true
		item.MissingFieldsInSourceText = missing
	}
}

// ParseLegacyResponse is the no-schema mode: items are trimmed down to
// the fixed pre-schema record shape.
func (p *Parser) ParseLegacyResponse(raw string) []ParsedItem {
	items := p.ParseDynamicResponse(raw, nil)
	allowed := make(map[string]struct{}, len(LegacyFields))
	for _, f := range LegacyFields {
		allowed[f] = struct{}{}
	}
	for i := range items {
		for k := range items[i].Fields {
			if _, ok := allowed[k]; !ok {
				delete(items[i].Fields, k)
			}
		}
	}
	return items
}

func normalizeEnvelope(decoded any) ([]any, bool) {
	switch t := decoded.(type) {
	case []any:
		return t, true
	case map[string]any:
		if arr, ok := t["materials"].([]any); ok {
			return arr, true
		}
		if arr, ok := t["items"].([]any); ok {
			return arr, true
		}
	}
	return nil, false
}

func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// drop the language tag line ("json" etc.)
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// repairJSON applies bounded heuristics to machine-generated JSON: close
// an unterminated string literal, strip trailing commas, balance brackets.
// It never loops; the caller retries the parse exactly once.
func repairJSON(s string) string {
	s = strings.TrimSpace(s)

	// Track structure outside string literals.
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}

	s = stripTrailingCommas(s)

	// Close whatever is still open, innermost first.
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}

func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteByte(c)
	}
	out := b.String()
	// A trailing comma at the very end (truncated output) is also noise.
	return strings.TrimRight(strings.TrimRight(out, " \n\t\r"), ",")
}

func normalizeForMatch(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		return NormalizeDecimal(t)
	}
	return 0, false
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
