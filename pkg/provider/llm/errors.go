package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures for propagation policy decisions:
// only server-class errors are retried, and only on idempotent calls.
type ErrorKind int

const (
	// KindConfiguration covers missing API keys or model names. Fails fast
	// before any network call.
	KindConfiguration ErrorKind = iota

	// KindAuthentication covers 401/403-class responses.
	KindAuthentication

	// KindRateLimit covers 429-class responses.
	KindRateLimit

	// KindServer covers 5xx-class responses. Transient; retryable on
	// idempotent calls.
	KindServer

	// KindNetwork covers connection-level failures.
	KindNetwork

	// KindParse covers malformed JSON from a provider response or stream
	// chunk.
	KindParse
)

// String returns the kind's name.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// APIError is a classified provider failure.
type APIError struct {
	Kind       ErrorKind
	StatusCode int // zero when no HTTP status applies
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: %s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm: %s error: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *APIError) Unwrap() error { return e.Cause }

// NotConfigured returns a configuration-kind error; use before any network
// I/O when a required setting is absent.
func NotConfigured(what string) *APIError {
	return &APIError{Kind: KindConfiguration, Message: what + " is not configured"}
}

// ClassifyStatus maps an HTTP status code to an [ErrorKind].
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == 401 || code == 403:
		return KindAuthentication
	case code == 429:
		return KindRateLimit
	case code >= 500:
		return KindServer
	default:
		return KindNetwork
	}
}

// StatusError builds an [APIError] from an HTTP status and response body.
func StatusError(code int, body string) *APIError {
	return &APIError{Kind: ClassifyStatus(code), StatusCode: code, Message: body}
}

// KindOf extracts the [ErrorKind] from err, if err wraps an [APIError].
func KindOf(err error) (ErrorKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether err is a transient server-class failure worth
// retrying on an idempotent call. Streaming calls are never retried
// regardless of this predicate.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindServer
}
