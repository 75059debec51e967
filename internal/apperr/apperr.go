package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, documented error code. Clients key on these; the
// human-readable message may change between releases, the code may not.
type Code string

const (
	// General
	CodeInternal       Code = "E1000"
	CodeValidation     Code = "E1001"
	CodeNotFound       Code = "E1002"
	CodeRateLimited    Code = "E1005"

	// Authentication
	CodeUnauthorized       Code = "E2000"
	CodeInvalidCredentials Code = "E2001"
	CodeSessionExpired     Code = "E2002"
	CodeCSRFFailed         Code = "E2003"
	CodeInviteRequired     Code = "E2004"
	CodeInviteInvalid      Code = "E2005"
	CodeAccountDisabled    Code = "E2007"
	CodeUsernameTaken      Code = "E2008"
	CodeQuotaExceeded      Code = "E2010"

	// Authorization
	CodeForbidden Code = "E3000"

	// Provider
	CodeProviderUnavailable Code = "E4000"
	CodeProviderError       Code = "E4001"
	CodeModelNotFound       Code = "E4002"
	CodeStreamingError      Code = "E4003"
	CodeProviderBadResponse Code = "E4004"

	// Resources
	CodeConversationNotFound Code = "E5000"
	CodeStreamNotFound       Code = "E5001"

	// Streaming lifecycle
	CodeStreamConflict Code = "E6000"
)

// Error is the single error type crossing package boundaries. Raw provider
// or database errors are wrapped here before reaching a handler; clients only
// ever see Code and Message.
type Error struct {
	Code      Code
	Message   string
	Status    int
	Retryable bool
	Detail    map[string]any
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so callers can write errors.Is(err, apperr.QuotaExceeded("")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) WithCause(cause error) *Error {
	out := *e
	out.cause = cause
	return &out
}

func (e *Error) WithDetail(detail map[string]any) *Error {
	out := *e
	out.Detail = detail
	return &out
}

// HTTPStatus returns the status for an arbitrary error, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the stable code, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error is a transient provider failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func newErr(code Code, msg string, status int) *Error {
	return &Error{Code: code, Message: msg, Status: status}
}

func Internal(msg string) *Error {
	if msg == "" {
		msg = "internal error"
	}
	return newErr(CodeInternal, msg, http.StatusInternalServerError)
}

func Validation(msg string) *Error {
	return newErr(CodeValidation, msg, http.StatusBadRequest)
}

func NotFound(msg string) *Error {
	if msg == "" {
		msg = "resource not found"
	}
	return newErr(CodeNotFound, msg, http.StatusNotFound)
}

func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "authentication required"
	}
	return newErr(CodeUnauthorized, msg, http.StatusUnauthorized)
}

func InvalidCredentials() *Error {
	return newErr(CodeInvalidCredentials, "invalid username or password", http.StatusUnauthorized)
}

func SessionExpired() *Error {
	return newErr(CodeSessionExpired, "session expired", http.StatusUnauthorized)
}

func CSRFFailed() *Error {
	return newErr(CodeCSRFFailed, "csrf validation failed", http.StatusForbidden)
}

func InviteRequired() *Error {
	return newErr(CodeInviteRequired, "invite code required for registration", http.StatusBadRequest)
}

func InviteInvalid() *Error {
	return newErr(CodeInviteInvalid, "invalid or expired invite code", http.StatusBadRequest)
}

func AccountDisabled() *Error {
	return newErr(CodeAccountDisabled, "account is disabled", http.StatusForbidden)
}

func UsernameTaken() *Error {
	return newErr(CodeUsernameTaken, "username already taken", http.StatusConflict)
}

func Forbidden(msg string) *Error {
	if msg == "" {
		msg = "access denied"
	}
	return newErr(CodeForbidden, msg, http.StatusForbidden)
}

func QuotaExceeded(msg string) *Error {
	if msg == "" {
		msg = "quota exceeded"
	}
	return newErr(CodeQuotaExceeded, msg, http.StatusTooManyRequests)
}

func RateLimited(msg string) *Error {
	if msg == "" {
		msg = "rate limit exceeded"
	}
	return newErr(CodeRateLimited, msg, http.StatusTooManyRequests)
}

func ConversationNotFound() *Error {
	return newErr(CodeConversationNotFound, "conversation not found", http.StatusNotFound)
}

func StreamNotFound() *Error {
	return newErr(CodeStreamNotFound, "stream not found", http.StatusNotFound)
}

func StreamConflict() *Error {
	return newErr(CodeStreamConflict, "a stream is already active for this conversation", http.StatusConflict)
}

func ModelNotFound(msg string) *Error {
	if msg == "" {
		msg = "model not found"
	}
	return newErr(CodeModelNotFound, msg, http.StatusNotFound)
}

// ProviderUnavailable marks transport-level provider failures; these are the
// only errors the orchestrator retries.
func ProviderUnavailable(msg string) *Error {
	if msg == "" {
		msg = "provider unavailable"
	}
	e := newErr(CodeProviderUnavailable, msg, http.StatusBadGateway)
	e.Retryable = true
	return e
}

func Provider(msg string) *Error {
	if msg == "" {
		msg = "provider error"
	}
	return newErr(CodeProviderError, msg, http.StatusBadGateway)
}

func ProviderBadResponse(msg string) *Error {
	if msg == "" {
		msg = "provider returned an invalid response"
	}
	return newErr(CodeProviderBadResponse, msg, http.StatusBadGateway)
}

func Streaming(msg string) *Error {
	if msg == "" {
		msg = "streaming error"
	}
	return newErr(CodeStreamingError, msg, http.StatusBadGateway)
}

// Normalize guarantees an *Error. Unknown errors become opaque internals so
// no raw message from a lower layer leaks to a client.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("").WithCause(err)
}
