package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// innermost {A|B|...} group: no nested braces, at least one pipe
	spintaxPattern = regexp.MustCompile(`\{([^{}]*\|[^{}]*)\}`)
	// {{key}} or {key}
	variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}|\{\s*([A-Za-z0-9_.\-]+)\s*\}`)
)

// ReplaceSpintax expands every {A|B|C} group with one uniformly chosen
// alternative, innermost groups first. Text without groups is returned as is.
func ReplaceSpintax(s string) string {
	for {
		loc := spintaxPattern.FindStringSubmatchIndex(s)
		if loc == nil {
			return s
		}
		options := strings.Split(s[loc[2]:loc[3]], "|")
		choice := options[randIntn(len(options))]
		s = s[:loc[0]] + choice + s[loc[1]:]
	}
}

// SubstituteVariables replaces {{key}} and {key} tokens with the value of
// vars[key]. A key that is present with a nil value becomes "", a key that
// is absent leaves the token untouched.
func SubstituteVariables(s string, vars map[string]any) string {
	return variablePattern.ReplaceAllStringFunc(s, func(token string) string {
		m := variablePattern.FindStringSubmatch(token)
		key := m[1]
		if key == "" {
			key = m[2]
		}
		v, ok := vars[key]
		if !ok {
			return token
		}
		return formatValue(v)
	})
}

// formatValue renders a variable in its plain form. Numbers decoded from
// JSON arrive as float64 and must not switch to exponent notation.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// RenderTemplate runs spintax expansion and then variable substitution.
func RenderTemplate(s string, vars map[string]any) string {
	return SubstituteVariables(ReplaceSpintax(s), vars)
}
