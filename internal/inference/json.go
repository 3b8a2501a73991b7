package inference

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	pythonLiteralPattern = regexp.MustCompile(`\b(None|True|False)\b`)
)

// ExtractJSON returns the JSON document embedded in model output, stripping
// code fences and surrounding prose.
func ExtractJSON(content string) string {
	s := strings.TrimSpace(content)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

// DecodeJSON parses model output into v. Trailing commas and Python-style
// literals are repaired when a strict parse fails.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return eris.New("inference: empty response")
	}
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}

	repaired := trailingCommaPattern.ReplaceAllString(raw, "$1")
	repaired = pythonLiteralPattern.ReplaceAllStringFunc(repaired, func(lit string) string {
		switch lit {
		case "None":
			return "null"
		case "True":
			return "true"
		default:
			return "false"
		}
	})
	if rerr := json.Unmarshal([]byte(repaired), v); rerr != nil {
		return eris.Wrap(err, "inference: decode json")
	}
	return nil
}
