package streamagg

import (
	"bufio"
	"io"
	"strings"
)

// DecodeSSE parses a Server-Sent Events stream, calling handler once per
// complete event with the event type (empty for default events) and the
// data payload (multi-line data joined with newlines). Comment, id, and
// retry lines are ignored. Returns the handler's error or the scanner's.
//
// Provider adapters built on an SDK use the SDK's own stream type; this
// decoder serves adapters that speak raw SSE over HTTP.
func DecodeSSE(reader io.Reader, handler func(eventType, data string) error) error {
	scanner := bufio.NewScanner(reader)
	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// A blank line terminates the current event.
		if line == "" {
			if eventType != "" || len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				if err := handler(eventType, data); err != nil {
					return err
				}
				eventType = ""
				dataLines = nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	// A final event not followed by a blank line still counts.
	if eventType != "" || len(dataLines) > 0 {
		if err := handler(eventType, strings.Join(dataLines, "\n")); err != nil {
			return err
		}
	}

	return scanner.Err()
}
