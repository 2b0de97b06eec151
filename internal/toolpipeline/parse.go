package toolpipeline

import (
	"encoding/json"
	"strings"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// ParseArguments turns a model-supplied argument string into a JSON
// object. Empty input is {}. Malformed JSON goes through the documented
// fallback: comma-separated k=v / k:v scalar pairs, with a "command"
// field rewritten into an argv array via shell splitting. Input that
// survives neither parse is an InvalidArgs error.
func ParseArguments(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}

	var probe any
	if err := json.Unmarshal([]byte(trimmed), &probe); err == nil {
		if _, ok := probe.(map[string]any); ok {
			return json.RawMessage(trimmed), nil
		}
		return nil, turnmodel.InvalidArgsError("tool arguments must be a JSON object", nil)
	}

	fallback, ok := parseKeyValueFallback(trimmed)
	if !ok {
		return nil, turnmodel.InvalidArgsError("tool arguments are not valid JSON and did not match the k=v fallback", nil)
	}
	out, err := json.Marshal(fallback)
	if err != nil {
		return nil, turnmodel.InvalidArgsError("tool arguments could not be normalized", nil)
	}
	return out, nil
}

// parseKeyValueFallback parses "path=a.txt, mode:list" style input. Every
// segment must contain a separator for the fallback to apply.
func parseKeyValueFallback(input string) (map[string]any, bool) {
	segments := strings.Split(input, ",")
	out := make(map[string]any, len(segments))
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		sep := strings.IndexAny(segment, "=:")
		if sep <= 0 {
			return nil, false
		}
		key := strings.TrimSpace(segment[:sep])
		value := strings.TrimSpace(segment[sep+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			return nil, false
		}
		if key == "command" {
			out[key] = ShellSplit(value)
		} else {
			out[key] = value
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// ShellSplit tokenizes a command line, honoring single and double quotes.
// It does not expand anything — splitting only.
func ShellSplit(input string) []string {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		inToken bool
	)
	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}
