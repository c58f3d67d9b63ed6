package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes why a provider request failed.
// This drives the orchestrator's retry decisions.
type ErrorKind string

const (
	// KindBilling indicates payment/quota issues (HTTP 402)
	KindBilling ErrorKind = "billing"

	// KindRateLimit indicates rate limiting (HTTP 429)
	KindRateLimit ErrorKind = "rate_limit"

	// KindAuth indicates authentication failure (HTTP 401, 403)
	KindAuth ErrorKind = "auth"

	// KindTimeout indicates request timeout
	KindTimeout ErrorKind = "timeout"

	// KindServerError indicates server-side issues (HTTP 5xx)
	KindServerError ErrorKind = "server_error"

	// KindInvalidRequest indicates client-side issues (HTTP 400)
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindModelUnavailable indicates the model is not available
	KindModelUnavailable ErrorKind = "model_unavailable"

	// KindContentFilter indicates content was blocked by safety filters
	KindContentFilter ErrorKind = "content_filter"

	// KindMalformedResponse indicates the vendor returned a payload that
	// could not be decoded into a usable completion
	KindMalformedResponse ErrorKind = "malformed_response"

	// KindUnknown indicates an unclassified error
	KindUnknown ErrorKind = "unknown"
)

// IsRetryable returns true if the error kind suggests retrying may succeed.
// Auth, billing, and malformed request/response failures never retry.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindServerError:
		return true
	default:
		return false
	}
}

// ProviderError represents a structured error from an LLM provider.
// It captures context needed for retry logic and debugging.
type ProviderError struct {
	// Kind categorizes the error for retry logic
	Kind ErrorKind

	// Provider is the name of the provider (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new ProviderError with the given parameters.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Kind = ClassifyError(cause)
	}

	return err
}

// WithKind overrides the classified error kind.
func (e *ProviderError) WithKind(k ErrorKind) *ProviderError {
	e.Kind = k
	return e
}

// WithStatus adds HTTP status to the error and reclassifies if needed.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Kind = classifyStatusCode(status)
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	// Reclassify based on known codes
	if kind := classifyErrorCode(code); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error and returns the appropriate ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	errStr := strings.ToLower(err.Error())

	// Check for timeout patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") ||
		strings.Contains(errStr, "etimedout") {
		return KindTimeout
	}

	// Check for rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return KindRateLimit
	}

	// Check for authentication patterns
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return KindAuth
	}

	// Check for billing patterns
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") {
		return KindBilling
	}

	// Check for content filter patterns
	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety") ||
		strings.Contains(errStr, "blocked") {
		return KindContentFilter
	}

	// Check for model availability patterns
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return KindModelUnavailable
	}

	// Check for decode failures
	if strings.Contains(errStr, "unmarshal") ||
		strings.Contains(errStr, "unexpected end of json") ||
		strings.Contains(errStr, "decode") {
		return KindMalformedResponse
	}

	// Check for server error patterns
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return KindServerError
	}

	return KindUnknown
}

// classifyStatusCode returns an ErrorKind based on HTTP status code.
func classifyStatusCode(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusPaymentRequired:
		return KindBilling
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status == http.StatusNotFound:
		return KindModelUnavailable
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}

// classifyErrorCode returns an ErrorKind based on provider-specific error codes.
func classifyErrorCode(code string) ErrorKind {
	code = strings.ToLower(code)

	switch code {
	case "rate_limit_error", "rate_limit_exceeded":
		return KindRateLimit
	case "authentication_error", "invalid_api_key":
		return KindAuth
	case "billing_error", "insufficient_quota":
		return KindBilling
	case "model_not_found", "model_not_available":
		return KindModelUnavailable
	case "content_policy_violation", "content_filter":
		return KindContentFilter
	case "server_error", "internal_error":
		return KindServerError
	case "invalid_request_error":
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}

// IsProviderError checks if an error is a ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Kind.IsRetryable()
	}
	// Classify raw errors
	return ClassifyError(err).IsRetryable()
}
