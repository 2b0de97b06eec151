package turnmodel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies turn-driver failures. Every fallible operation
// that can fail in a model-visible way returns a *TurnError wrapping one
// of these kinds instead of an ad-hoc error string.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindInvalidArgs      ErrorKind = "invalid_args"
	KindTimeout          ErrorKind = "timeout"
	KindNetworkError     ErrorKind = "network_error"
	KindProviderError    ErrorKind = "provider_error"
	KindContextOverflow  ErrorKind = "context_overflow"
	KindSandboxError     ErrorKind = "sandbox_error"
	KindFatal            ErrorKind = "fatal"
)

// TurnError is the typed error every component in this module returns for
// classifiable failures. It spans every component so the tool pipeline
// can make a single retry/surface decision regardless of which layer
// failed.
type TurnError struct {
	Kind          ErrorKind
	Message       string
	MissingFields []string // populated for KindInvalidArgs
	Cause         error
}

func (e *TurnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// Is implements errors.Is against another *TurnError by Kind, so callers
// can write errors.Is(err, &TurnError{Kind: KindTimeout}).
func (e *TurnError) Is(target error) bool {
	var t *TurnError
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func NewTurnError(kind ErrorKind, message string, cause error) *TurnError {
	return &TurnError{Kind: kind, Message: message, Cause: cause}
}

func InvalidArgsError(message string, missing []string) *TurnError {
	return &TurnError{Kind: KindInvalidArgs, Message: message, MissingFields: missing}
}

// Retryable reports whether this error kind should be retried: Timeout
// and NetworkError retry; everything else does not retry within the same
// turn.
func (e *TurnError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetworkError:
		return true
	default:
		return false
	}
}

// IsContextOverflow recognizes provider-reported context-overflow errors
// by substring.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	var te *TurnError
	if errors.As(err, &te) && te.Kind == KindContextOverflow {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{"context length", "token limit", "maximum context", "503"} {
		if containsFold(msg, needle) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return nl == 0
	}
	hb, nb := []byte(haystack), []byte(needle)
	lower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b + 32
		}
		return b
	}
	for i := 0; i+nl <= hl; i++ {
		match := true
		for j := 0; j < nl; j++ {
			if lower(hb[i+j]) != lower(nb[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
