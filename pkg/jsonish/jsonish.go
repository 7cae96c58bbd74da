// Package jsonish parses the JSON-ish payloads language models actually emit.
// Parsing is best-effort by design: a failed parse is a routing branch for the
// caller, never an error. Repairs are applied in increasing order of
// aggressiveness and each attempt re-tries strict JSON decoding.
package jsonish

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Parse extracts a JSON object from model output, tolerating code fences,
// smart quotes, single-quoted strings, Python literals, unquoted keys,
// trailing commas and bare key=value payloads.
func Parse(text string) (map[string]any, bool) {
	candidate := stripFences(strings.TrimSpace(text))
	candidate = extractObject(candidate)
	if candidate == "" {
		return nil, false
	}

	if m, ok := tryDecode(candidate); ok {
		return m, true
	}

	repaired := normalizeQuotes(candidate)
	if m, ok := tryDecode(repaired); ok {
		return m, true
	}

	repaired = pythonLiterals(repaired)
	if m, ok := tryDecode(repaired); ok {
		return m, true
	}

	repaired = singleToDoubleQuotes(repaired)
	if m, ok := tryDecode(repaired); ok {
		return m, true
	}

	repaired = quoteBareKeys(repaired)
	if m, ok := tryDecode(repaired); ok {
		return m, true
	}

	repaired = stripTrailingCommas(repaired)
	if m, ok := tryDecode(repaired); ok {
		return m, true
	}

	return parseKeyValue(text)
}

// Compact renders m as canonical compact JSON. encoding/json already sorts
// map keys, which is what downstream payload parsers rely on.
func Compact(m map[string]any) string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func tryDecode(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	if m == nil {
		return nil, false
	}
	return m, true
}

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

func stripFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimPrefix(s, "```")
}

// extractObject narrows to the outermost {...} span when one exists.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

var smartQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

func normalizeQuotes(s string) string {
	return smartQuotes.Replace(s)
}

var (
	truePattern  = regexp.MustCompile(`\bTrue\b`)
	falsePattern = regexp.MustCompile(`\bFalse\b`)
	nonePattern  = regexp.MustCompile(`\bNone\b`)
)

func pythonLiterals(s string) string {
	s = truePattern.ReplaceAllString(s, "true")
	s = falsePattern.ReplaceAllString(s, "false")
	return nonePattern.ReplaceAllString(s, "null")
}

// singleToDoubleQuotes converts single-quoted strings to double-quoted ones,
// escaping embedded double quotes. Walks the text so quotes inside properly
// double-quoted strings are left alone.
func singleToDoubleQuotes(s string) string {
	var out strings.Builder
	inDouble := false
	inSingle := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			out.WriteByte(c)
			i++
			out.WriteByte(s[i])
			continue
		}
		switch {
		case c == '"' && !inSingle:
			inDouble = !inDouble
			out.WriteByte(c)
		case c == '"' && inSingle:
			out.WriteString(`\"`)
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			out.WriteByte('"')
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

var bareKeyPattern = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_\-]*)(\s*:)`)

func quoteBareKeys(s string) string {
	return bareKeyPattern.ReplaceAllString(s, `$1"$2"$3`)
}

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

func stripTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

// parseKeyValue handles the degenerate "decision=retrieve, query=class Foo"
// shape. Pairs split on commas and newlines; everything stays a string.
func parseKeyValue(text string) (map[string]any, bool) {
	text = stripFences(strings.TrimSpace(text))
	if !strings.Contains(text, "=") {
		return nil, false
	}
	out := make(map[string]any)
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' || r == ';' }) {
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(part[:idx])
		val := strings.Trim(strings.TrimSpace(part[idx+1:]), `"'`)
		if key == "" || strings.ContainsAny(key, "{}[]") {
			continue
		}
		out[key] = val
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// String reads a string-valued field, tolerating non-string scalars.
func String(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64, bool, json.Number:
		data, _ := json.Marshal(val)
		return string(data), true
	default:
		return "", false
	}
}
