package sharing

import (
	"errors"
	"fmt"

	"termshare/pkg/relay"
)

// Code classifies an operation failure. Failures cross the public
// surface as error values, never as panics.
type Code string

const (
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeAlreadyShared    Code = "ALREADY_SHARED"
	CodeInvalidCode      Code = "INVALID_CODE"
	CodePasswordRequired Code = "PASSWORD_REQUIRED"
	CodeSessionExpired   Code = "SESSION_EXPIRED"
	CodeNetworkError     Code = "NETWORK_ERROR"
	CodeNoAPIKey         Code = "NO_API_KEY"
	CodeInvalidAPIKey    Code = "INVALID_API_KEY"
	CodeUnknown          Code = "UNKNOWN"
)

// Error is a classified operation failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a classified error.
func Errf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, or CodeUnknown for
// unclassified errors and the empty Code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// relayError maps a broker-client failure onto the taxonomy.
func relayError(err error) *Error {
	switch {
	case errors.Is(err, relay.ErrNoAPIKey):
		return Errf(CodeNoAPIKey, "no relay API key configured")
	case errors.Is(err, relay.ErrInvalidAPIKey):
		return Errf(CodeInvalidAPIKey, "relay rejected the API key")
	case errors.Is(err, relay.ErrInvalidCode):
		return Errf(CodeInvalidCode, "share code not recognized by the relay")
	case errors.Is(err, relay.ErrExpired):
		return Errf(CodeSessionExpired, "share has expired")
	}
	var se *relay.StatusError
	if errors.As(err, &se) {
		return Errf(CodeUnknown, "relay error: %v", err)
	}
	return Errf(CodeNetworkError, "relay unreachable: %v", err)
}
