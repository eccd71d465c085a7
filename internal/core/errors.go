// internal/core/errors.go
package core

import (
	"fmt"
	"net/http"
)

// ErrorCode is a stable machine-readable identifier for a failure. The set is
// closed: gateway agents switch on these codes to decide whether to retry,
// refresh, or re-activate, so new codes must come with a documented
// remediation path.
type ErrorCode string

const (
	// Activation input.
	ErrCodeMissing            ErrorCode = "CODE_MISSING"
	ErrCodeFormatInvalid      ErrorCode = "CODE_FORMAT_INVALID"
	ErrMachineIDMissing       ErrorCode = "MACHINE_ID_MISSING"
	ErrMachineIDFormatInvalid ErrorCode = "MACHINE_ID_FORMAT_INVALID"

	// Activation state.
	ErrCodeNotFound ErrorCode = "CODE_NOT_FOUND"

	// Entity misses outside the activation phase. Distinct from CodeNotFound
	// so agents switching on the code are not misled about what was missing.
	ErrGatewayNotFound ErrorCode = "GATEWAY_NOT_FOUND"
	ErrCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"

	// Activation conflict.
	ErrMachineIDMismatch ErrorCode = "MACHINE_ID_MISMATCH"
	ErrCodeAlreadyUsed   ErrorCode = "CODE_ALREADY_USED"

	// Activation lifecycle.
	ErrCodeExpired ErrorCode = "CODE_EXPIRED"
	ErrCodeRevoked ErrorCode = "CODE_REVOKED"

	// Throttling.
	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCommandQueueFull  ErrorCode = "COMMAND_QUEUE_FULL"

	// Auth.
	ErrTokenMissing       ErrorCode = "TOKEN_MISSING"
	ErrTokenFormatInvalid ErrorCode = "TOKEN_FORMAT_INVALID"
	ErrTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrTokenInvalid       ErrorCode = "TOKEN_INVALID"

	// Authorization.
	ErrGatewayIDMismatch ErrorCode = "GATEWAY_ID_MISMATCH"
	ErrCommandNotAllowed ErrorCode = "COMMAND_NOT_ALLOWED"

	// Data validation.
	ErrBatchIDMissing           ErrorCode = "BATCH_ID_MISSING"
	ErrTagIDMissing             ErrorCode = "TAG_ID_MISSING"
	ErrTagValueInvalid          ErrorCode = "TAG_VALUE_INVALID"
	ErrTimestampInvalid         ErrorCode = "TIMESTAMP_INVALID"
	ErrCommandTypeInvalid       ErrorCode = "COMMAND_TYPE_INVALID"
	ErrCommandParametersMissing ErrorCode = "COMMAND_PARAMETERS_MISSING"

	// Payload limits.
	ErrBatchSizeExceeded   ErrorCode = "BATCH_SIZE_EXCEEDED"
	ErrRequestBodyTooLarge ErrorCode = "REQUEST_BODY_TOO_LARGE"

	// Backend.
	ErrDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrDatabaseTimeout          ErrorCode = "DATABASE_TIMEOUT"

	// Catch-all.
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
)

// httpStatus maps every error code to exactly one HTTP status. Codes absent
// from the map fall back to 500.
var httpStatus = map[ErrorCode]int{
	ErrCodeMissing:            http.StatusBadRequest,
	ErrCodeFormatInvalid:      http.StatusBadRequest,
	ErrMachineIDMissing:       http.StatusBadRequest,
	ErrMachineIDFormatInvalid: http.StatusBadRequest,

	ErrCodeNotFound:    http.StatusNotFound,
	ErrGatewayNotFound: http.StatusNotFound,
	ErrCommandNotFound: http.StatusNotFound,

	ErrMachineIDMismatch: http.StatusConflict,
	ErrCodeAlreadyUsed:   http.StatusConflict,

	ErrCodeExpired: http.StatusGone,
	ErrCodeRevoked: http.StatusGone,

	ErrRateLimitExceeded: http.StatusTooManyRequests,
	ErrCommandQueueFull:  http.StatusTooManyRequests,

	ErrTokenMissing:       http.StatusUnauthorized,
	ErrTokenFormatInvalid: http.StatusUnauthorized,
	ErrTokenExpired:       http.StatusUnauthorized,
	ErrTokenInvalid:       http.StatusUnauthorized,

	ErrGatewayIDMismatch: http.StatusForbidden,
	ErrCommandNotAllowed: http.StatusForbidden,

	ErrBatchIDMissing:           http.StatusBadRequest,
	ErrTagIDMissing:             http.StatusBadRequest,
	ErrTagValueInvalid:          http.StatusBadRequest,
	ErrTimestampInvalid:         http.StatusBadRequest,
	ErrCommandTypeInvalid:       http.StatusBadRequest,
	ErrCommandParametersMissing: http.StatusBadRequest,

	ErrBatchSizeExceeded:   http.StatusRequestEntityTooLarge,
	ErrRequestBodyTooLarge: http.StatusRequestEntityTooLarge,

	ErrDatabaseConnectionFailed: http.StatusServiceUnavailable,
	ErrDatabaseTimeout:          http.StatusServiceUnavailable,

	ErrInternalServer: http.StatusInternalServerError,
}

// hints carries the troubleshooting metadata surfaced to operators alongside
// the error code.
var hints = map[ErrorCode]string{
	ErrCodeMissing:            "include the activation code in the request body",
	ErrCodeFormatInvalid:      "codes look like HERC-XXXX-XXXX-XXXX-XXXX or DEMO-XXX-XXX-XXXX",
	ErrMachineIDMissing:       "the gateway agent must report its machine fingerprint",
	ErrMachineIDFormatInvalid: "machine fingerprints are 16-128 hex/alphanumeric characters",
	ErrCodeNotFound:           "check the code for typos or generate a new one from the dashboard",
	ErrGatewayNotFound:        "check the gateway uid; the gateway may have been deleted",
	ErrCommandNotFound:        "check the command uid",
	ErrMachineIDMismatch:      "this code is bound to a different machine; generate a new code for this host",
	ErrCodeAlreadyUsed:        "each activation code can be used once; generate a new code",
	ErrCodeExpired:            "activation codes expire 15 days after creation; generate a new one",
	ErrCodeRevoked:            "this code was revoked by an administrator",
	ErrRateLimitExceeded:      "too many activation attempts; wait and retry",
	ErrCommandQueueFull:       "the gateway's command queue is full; wait for the gateway to drain it",
	ErrTokenMissing:           "send the session token in the Authorization header",
	ErrTokenFormatInvalid:     "use 'Authorization: Bearer <token>'",
	ErrTokenExpired:           "refresh the token via POST /gateway/refresh",
	ErrTokenInvalid:           "the token could not be verified; re-activate the gateway",
	ErrGatewayIDMismatch:      "the token was issued for a different gateway",
	ErrCommandNotAllowed:      "this command is not permitted for the gateway",
	ErrBatchSizeExceeded:      "split the batch into smaller chunks",
	ErrRequestBodyTooLarge:    "reduce the request payload size",
}

// APIError is the error type every protocol operation returns on failure. It
// satisfies error and carries the structured context the response envelope
// needs.
type APIError struct {
	Code    ErrorCode      `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the status the code maps to.
func (e *APIError) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Hint returns the troubleshooting hint for the code, if any.
func (e *APIError) Hint() string {
	return hints[e.Code]
}

// NewError creates an APIError for a code with a human message.
func NewError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// NewErrorf creates an APIError with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a context-specific key/value to the error.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsAPIError unwraps err into an *APIError, converting unknown errors to the
// internal-server catch-all so callers always get a taxonomy member.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return NewError(ErrInternalServer, "internal server error")
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code ErrorCode) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == code
}
