package genai

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/openai/openai-go"
)

// FailureKind is the user-facing class of an upstream failure.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureConfig      FailureKind = "config"
	FailureRateLimited FailureKind = "rate_limited"
	FailureTransient   FailureKind = "transient"
	FailureUnknown     FailureKind = "unknown"
)

// Classify maps an invocation error to a FailureKind. None of the kinds are
// retried within a turn.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrMissingAPIKey) {
		return FailureConfig
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNoChoicesReturned) {
		return FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}
	return FailureUnknown
}

func classifyStatus(code int) FailureKind {
	switch {
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusBadRequest, code == http.StatusNotFound:
		return FailureConfig
	case code >= 500:
		return FailureTransient
	default:
		return FailureUnknown
	}
}

// StatusError carries an HTTP status from a non-OpenAI upstream.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "upstream returned " + http.StatusText(e.StatusCode) + ": " + e.Body
}
