package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vtcode/turndriver/pkg/turnmodel"
)

// classifyError wraps a provider SDK error into the module's typed error
// taxonomy: rate limits, 5xx, timeouts, and connection failures are
// transient; auth/validation failures are terminal provider errors.
func classifyError(backend, model string, err error) *turnmodel.TurnError {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return turnmodel.NewTurnError(turnmodel.KindTimeout, fmt.Sprintf("%s: %s request timed out", backend, model), err)
	}
	if errors.Is(err, context.Canceled) {
		return turnmodel.NewTurnError(turnmodel.KindProviderError, fmt.Sprintf("%s: request cancelled", backend), err)
	}
	if turnmodel.IsContextOverflow(err) {
		return turnmodel.NewTurnError(turnmodel.KindContextOverflow, fmt.Sprintf("%s: %s context budget exceeded", backend, model), err)
	}

	for _, transient := range []string{
		"429", "rate_limit", "rate limit", "too many requests",
		"500", "502", "504", "overloaded",
		"connection reset", "connection refused", "no such host", "broken pipe", "eof",
	} {
		if strings.Contains(msg, transient) {
			return turnmodel.NewTurnError(turnmodel.KindNetworkError, fmt.Sprintf("%s: transient failure for %s", backend, model), err)
		}
	}

	return turnmodel.NewTurnError(turnmodel.KindProviderError, fmt.Sprintf("%s: request failed for %s", backend, model), err)
}

// isRetryable reports whether a classified error should be retried at the
// adapter's stream-creation retry loop.
func isRetryable(err *turnmodel.TurnError) bool {
	if err == nil {
		return false
	}
	return err.Retryable()
}
