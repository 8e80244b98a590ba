package measurement

import (
	"strings"
	"unicode"
)

// Fallback synonyms tried after the configured header name.
var (
	FallbackStart      = []string{"start", "startmeasurement", "begin"}
	FallbackEnd        = []string{"end", "endmeasurement", "finish"}
	FallbackSourceTIn  = []string{"tin", "source", "evap", "inlet"}
	FallbackSourceTOut = []string{"tout", "outlet", "evap"}
	FallbackSinkTOut   = []string{"tout", "sink", "cond", "outlet"}
	FallbackSinkTIn    = []string{"tin", "inlet", "return"}
	FallbackPower      = []string{"q", "power", "kw"}
	FallbackEnergy     = []string{"energy", "kwh"}
	FallbackEta        = []string{"eta", "efficiency"}
)

var headerBrackets = strings.NewReplacer("[", "", "]", "", "(", "", ")", "", "{", "", "}", "")

// NormalizeHeader folds a header for matching: degree sign becomes "deg",
// brackets and whitespace are removed and the result is lower case.
func NormalizeHeader(s string) string {
	s = strings.ReplaceAll(s, "°", "deg")
	s = strings.ToLower(strings.TrimSpace(s))
	s = headerBrackets.Replace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// ResolveColumn finds the table column that best matches desired.
// An exact normalized match wins; otherwise desired and then each fallback are
// tried as substrings in either direction, in column order.
func ResolveColumn(t Table, desired string, fallbacks ...string) (string, error) {
	normalized := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		normalized[i] = NormalizeHeader(col)
	}

	target := NormalizeHeader(desired)
	for i, n := range normalized {
		if n == target {
			return t.Columns[i], nil
		}
	}

	candidates := append([]string{desired}, fallbacks...)
	for _, candidate := range candidates {
		fb := NormalizeHeader(candidate)
		if fb == "" {
			continue
		}
		for i, n := range normalized {
			if n == "" {
				continue
			}
			if strings.Contains(n, fb) || strings.Contains(fb, n) {
				return t.Columns[i], nil
			}
		}
	}

	available := make([]string, len(t.Columns))
	copy(available, t.Columns)
	return "", &ColumnNotFoundError{Sheet: t.Sheet, Desired: desired, Available: available}
}

// ResolveOptional resolves a column whose absence is acceptable.
// An empty desired name disables the column.
func ResolveOptional(t Table, desired string, fallbacks ...string) (string, bool) {
	if strings.TrimSpace(desired) == "" {
		return "", false
	}
	col, err := ResolveColumn(t, desired, fallbacks...)
	if err != nil {
		return "", false
	}
	return col, true
}
