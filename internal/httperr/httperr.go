// Package httperr defines the gateway's error taxonomy and its JSON wire
// shape.
//
// Every user-visible failure is an [*Error] carrying a stable type string, a
// machine-readable code, and an HTTP status. Handlers call [Write] to render
// the canonical `{"error": {"type", "code", "message", "details"}}` body;
// realtime code reuses the same codes inside WebSocket error events.
package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error type strings, one per taxonomy entry.
const (
	TypeValidation       = "validation_error"
	TypeAuthentication   = "authentication_error"
	TypeAuthorization    = "authorization_error"
	TypeNotFound         = "not_found_error"
	TypePayloadTooLarge  = "payload_too_large"
	TypeUnsupportedMedia = "unsupported_media_type"
	TypeRateLimit        = "rate_limit_error"
	TypeQuotaExceeded    = "quota_exceeded_error"
	TypeUpstream         = "upstream_error"
	TypeTimeout          = "timeout_error"
	TypeServer           = "server_error"
)

// Error is a user-visible gateway error.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`

	// Status is the HTTP status the error renders with. Not serialised.
	Status int `json:"-"`

	// RetryAfter, when non-zero, is emitted as a Retry-After header.
	RetryAfter time.Duration `json:"-"`

	// wrapped is the underlying cause, if any. Not serialised.
	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.wrapped }

// Wrap attaches a cause to e and returns e.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// WithDetails attaches a details payload to e and returns e.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Validation returns a 400 validation error.
func Validation(code, format string, args ...any) *Error {
	return &Error{Type: TypeValidation, Code: code, Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

// Authentication returns a 401 authentication error.
func Authentication(code, message string) *Error {
	return &Error{Type: TypeAuthentication, Code: code, Message: message, Status: http.StatusUnauthorized}
}

// Authorization returns a 403 authorization error.
func Authorization(code, message string) *Error {
	return &Error{Type: TypeAuthorization, Code: code, Message: message, Status: http.StatusForbidden}
}

// NotFound returns a 404 error.
func NotFound(format string, args ...any) *Error {
	return &Error{Type: TypeNotFound, Code: "not_found", Message: fmt.Sprintf(format, args...), Status: http.StatusNotFound}
}

// PayloadTooLarge returns a 413 error.
func PayloadTooLarge(message string) *Error {
	return &Error{Type: TypePayloadTooLarge, Code: "payload_too_large", Message: message, Status: http.StatusRequestEntityTooLarge}
}

// UnsupportedMedia returns a 415 error.
func UnsupportedMedia(message string) *Error {
	return &Error{Type: TypeUnsupportedMedia, Code: "unsupported_media_type", Message: message, Status: http.StatusUnsupportedMediaType}
}

// RateLimited returns a 429 rate-limit error with a Retry-After hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Type:       TypeRateLimit,
		Code:       "rate_limit_exceeded",
		Message:    "rate limit exceeded; slow down and retry",
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// QuotaDetails is the details payload attached to quota errors.
type QuotaDetails struct {
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Dimension string `json:"dimension"`
	Window    string `json:"window"`
	ResetTime string `json:"reset_time"`
}

// QuotaExceeded returns a 429 quota error carrying limit/used/reset_time.
func QuotaExceeded(d QuotaDetails, reset time.Time) *Error {
	return &Error{
		Type:       TypeQuotaExceeded,
		Code:       "quota_exceeded",
		Message:    fmt.Sprintf("%s %s quota exceeded", d.Window, d.Dimension),
		Details:    d,
		Status:     http.StatusTooManyRequests,
		RetryAfter: time.Until(reset),
	}
}

// Upstream returns a 502 error for provider failures.
func Upstream(provider string, err error) *Error {
	e := &Error{
		Type:    TypeUpstream,
		Code:    "upstream_error",
		Message: fmt.Sprintf("provider %s request failed", provider),
		Status:  http.StatusBadGateway,
	}
	return e.Wrap(err)
}

// Timeout returns a 504 error.
func Timeout(provider string) *Error {
	return &Error{
		Type:    TypeTimeout,
		Code:    "upstream_timeout",
		Message: fmt.Sprintf("provider %s did not respond in time", provider),
		Status:  http.StatusGatewayTimeout,
	}
}

// Internal returns a 500 error. The cause is wrapped but never serialised.
func Internal(err error) *Error {
	e := &Error{
		Type:    TypeServer,
		Code:    "internal_error",
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
	}
	return e.Wrap(err)
}

// body is the canonical HTTP error envelope.
type body struct {
	Error *Error `json:"error"`
}

// Write renders err as the canonical JSON error body. Non-[*Error] values are
// wrapped as internal server errors; context deadline errors map to 504.
func Write(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal(err)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(body{Error: e})
}
