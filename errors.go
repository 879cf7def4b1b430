package pubsub

import (
	"errors"
	"fmt"
)

// Error represents a pubsub error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code and message, so package-level
// sentinels work with errors.Is even after being wrapped with a cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// Error codes. The first four form the client-facing taxonomy; the rest are
// finer-grained codes that map onto it (see Kind).
const (
	// ErrCodeBadRequest indicates malformed input.
	ErrCodeBadRequest = "BAD_REQUEST"

	// ErrCodeUnauthorized indicates failed authentication or authorization.
	ErrCodeUnauthorized = "UNAUTHORIZED"

	// ErrCodeNotFound indicates a reference to an unknown object.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeInternal indicates a storage or propagation failure.
	ErrCodeInternal = "INTERNAL"

	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates validation failed.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeDatabase indicates database operation failed.
	ErrCodeDatabase = "DATABASE_ERROR"

	// ErrCodeDelivery indicates message delivery failed.
	ErrCodeDelivery = "DELIVERY_ERROR"

	// ErrCodeBroker indicates a control-plane message could not be propagated.
	ErrCodeBroker = "BROKER_ERROR"
)

// Common errors.
var (
	// ErrNoData is returned when a query returns no results.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrInvalidConfiguration is returned when a service is built with bad options.
	ErrInvalidConfiguration = &Error{
		Code:    ErrCodeConfiguration,
		Message: "invalid configuration",
	}

	// ErrDuplicateMsgID is returned when a pub_msg_id was already stored.
	ErrDuplicateMsgID = &Error{Code: ErrCodeBadRequest, Message: "duplicate msg_id"}

	// ErrTopicNotFound is returned for unknown topic names or IDs.
	ErrTopicNotFound = &Error{Code: ErrCodeNotFound, Message: "topic not found"}

	// ErrEndpointNotFound is returned for unknown endpoints.
	ErrEndpointNotFound = &Error{Code: ErrCodeNotFound, Message: "endpoint not found"}

	// ErrSecurityNotFound is returned for unknown security definitions.
	ErrSecurityNotFound = &Error{Code: ErrCodeNotFound, Message: "security definition not found"}

	// ErrSubscriptionNotFound is returned for unknown sub_keys.
	ErrSubscriptionNotFound = &Error{Code: ErrCodeNotFound, Message: "subscription not found"}

	// ErrUnauthorized is the only authorization failure clients ever see.
	ErrUnauthorized = &Error{Code: ErrCodeUnauthorized, Message: "Unauthorized"}

	// ErrDeliveryDisabled is returned when receiving from an inactive subscription.
	ErrDeliveryDisabled = &Error{Code: ErrCodeBadRequest, Message: "delivery disabled"}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// BadRequest creates an ErrCodeBadRequest error.
func BadRequest(format string, args ...interface{}) *Error {
	return NewError(ErrCodeBadRequest, fmt.Sprintf(format, args...))
}

// NotFound creates an ErrCodeNotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return NewError(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	var pubsubErr *Error
	if errors.As(err, &pubsubErr) {
		return pubsubErr.Code == ErrCodeNoData
	}
	return errors.Is(err, ErrNoData)
}

// Kind classifies err into one of ErrCodeBadRequest, ErrCodeUnauthorized,
// ErrCodeNotFound or ErrCodeInternal. Anything unrecognized is internal.
func Kind(err error) string {
	var pubsubErr *Error
	if !errors.As(err, &pubsubErr) {
		return ErrCodeInternal
	}
	switch pubsubErr.Code {
	case ErrCodeBadRequest, ErrCodeValidation:
		return ErrCodeBadRequest
	case ErrCodeUnauthorized:
		return ErrCodeUnauthorized
	case ErrCodeNotFound, ErrCodeNoData:
		return ErrCodeNotFound
	default:
		return ErrCodeInternal
	}
}

// IsBadRequest reports whether err classifies as a bad request.
func IsBadRequest(err error) bool { return Kind(err) == ErrCodeBadRequest }

// IsNotFound reports whether err classifies as not found.
func IsNotFound(err error) bool { return Kind(err) == ErrCodeNotFound }

// IsUnauthorized reports whether err classifies as unauthorized.
func IsUnauthorized(err error) bool { return Kind(err) == ErrCodeUnauthorized }
