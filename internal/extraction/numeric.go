package extraction

import (
	"strconv"
	"strings"
)

// NormalizeDecimal resolves both "1.234,56"- and "1,234.56"-style inputs
// to one canonical decimal. A lone separator followed by exactly three
// digits is treated as a thousands separator ("1,234" -> 1234).
func NormalizeDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	var normalized string
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both present: the later one is the decimal separator.
		if lastComma > lastDot {
			normalized = strings.ReplaceAll(s, ".", "")
			normalized = strings.Replace(normalized, ",", ".", 1)
		} else {
			normalized = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		normalized = normalizeSingleSeparator(s, ",")
	case lastDot >= 0:
		normalized = normalizeSingleSeparator(s, ".")
	default:
		normalized = s
	}

	f, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func normalizeSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		// Repeated separator can only be grouping.
		return strings.ReplaceAll(s, sep, "")
	}
	idx := strings.LastIndex(s, sep)
	head, tail := s[:idx], s[idx+1:]
	if len(tail) == 3 && head != "0" && head != "-0" && head != "" {
		// "1,234" / "1.234" is grouping; "0.500" stays a decimal.
		return strings.ReplaceAll(s, sep, "")
	}
	return strings.Replace(s, sep, ".", 1)
}

// digitsOnly strips everything but digits; used for locale-insensitive
// numeric comparison against source text.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
