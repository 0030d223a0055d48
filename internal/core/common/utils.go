package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParseJSON cleans and unmarshals a JSON string into a type T.
// It handles common LLM quirks like surrounding markdown or extra text.
func ParseJSON[T any](response string) (T, error) {
	var zero T
	jsonStr := response

	// Find first '{' and last '}'
	start := -1
	end := -1

	for i, c := range jsonStr {
		if c == '{' {
			start = i
			break
		}
	}
	for i := len(jsonStr) - 1; i >= 0; i-- {
		if c := jsonStr[i]; c == '}' {
			end = i + 1
			break
		}
	}

	if start != -1 && end != -1 && start < end {
		jsonStr = jsonStr[start:end]
	} else if start == -1 {
		return zero, fmt.Errorf("no JSON object found in response (missing '{')")
	}

	var result T
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal JSON: %w\nData: %s", err, jsonStr)
	}

	return result, nil
}

// SemanticHash hashes text after lower-casing and dropping whitespace and
// punctuation, so cosmetic re-formatting of a snippet keeps its hash.
func SemanticHash(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Normalize lower-cases text, turns punctuation into spaces and collapses
// runs of whitespace.
func Normalize(text string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '%' || r == '.' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.Trim(strings.TrimSpace(b.String()), ".")
}

// Compact is Normalize without any separators; "ISO 27001" and "iso27001"
// compact to the same string.
func Compact(text string) string {
	return strings.ReplaceAll(Normalize(text), " ", "")
}

// Tokens splits normalized text into words.
func Tokens(text string) []string {
	fields := strings.Fields(Normalize(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// FactValuesEqual compares two fact values. Values that both parse as
// numbers (optionally suffixed with %) compare numerically; anything else
// compares by compacted text.
func FactValuesEqual(a, b string) bool {
	if x, ok := ParseNumber(a); ok {
		if y, ok := ParseNumber(b); ok {
			return x == y
		}
	}
	return Compact(a) == Compact(b)
}

// ParseNumber parses values like "99.9", "99.9%" or "1,000". NaN and
// infinities are not numbers here.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// NormalizeKey canonicalizes a fact key.
func NormalizeKey(k string) string {
	return strings.ReplaceAll(Normalize(k), " ", "_")
}
