package toolpipeline

import (
	"encoding/json"
	"strconv"
	"strings"
)

// maxCompactLineLen bounds the condensed completion line.
const maxCompactLineLen = 120

// CompactRunCompletionLine condenses a shell tool's failure payload into a
// single UI line: the first non-empty stderr (falling back to stdout or
// the error field) plus the exit code. Returns "" when the payload has
// nothing worth condensing, letting the caller fall back to the generic
// failure line.
func CompactRunCompletionLine(toolName string, payload json.RawMessage) string {
	var body struct {
		Success  *bool  `json:"success"`
		Error    string `json:"error"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode *int   `json:"exit_code"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	if body.Success != nil && *body.Success {
		return ""
	}

	detail := firstLine(body.Stderr)
	if detail == "" {
		detail = firstLine(body.Stdout)
	}
	if detail == "" {
		detail = strings.TrimSpace(body.Error)
	}
	if detail == "" && body.ExitCode == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("✗ ")
	b.WriteString(toolName)
	if detail != "" {
		b.WriteString(" — ")
		b.WriteString(detail)
	}
	if body.ExitCode != nil && *body.ExitCode != 0 {
		b.WriteString(" (exit ")
		b.WriteString(strconv.Itoa(*body.ExitCode))
		b.WriteString(")")
	}

	line := b.String()
	if len(line) > maxCompactLineLen {
		line = line[:maxCompactLineLen-1] + "…"
	}
	return line
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
