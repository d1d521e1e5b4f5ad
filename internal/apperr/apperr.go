// Package apperr holds the error taxonomy shared by the server and the sync client.
//
// Components return these sentinels wrapped with context; transports translate them
// with HTTPStatus/Code and the client maps codes back with FromCode.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrAuthentication: credential missing, malformed, expired or not verifiable.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization: valid identity without the required workspace relationship.
	ErrAuthorization = errors.New("not authorized")
	// ErrValidation: malformed input, rejected before any write.
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	// ErrDurability: the storage write did not commit. No event is published.
	ErrDurability = errors.New("write not committed")
	ErrTimeout    = errors.New("request timed out")
	// ErrTransientDelivery: a subscriber could not take a frame. Absorbed by the distributor.
	ErrTransientDelivery = errors.New("delivery dropped")
)

const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeInvalidRequest  = "invalid_request"
	CodeNotFound        = "not_found"
	CodeUnavailable     = "write_failed"
	CodeTimeout         = "timeout"
	CodeInternal        = "internal"
)

// Code returns the wire code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return CodeUnauthenticated
	case errors.Is(err, ErrAuthorization):
		return CodeForbidden
	case errors.Is(err, ErrValidation):
		return CodeInvalidRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrDurability):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromCode is the inverse of Code. Unknown codes yield nil.
func FromCode(code string) error {
	switch code {
	case CodeUnauthenticated:
		return ErrAuthentication
	case CodeForbidden:
		return ErrAuthorization
	case CodeInvalidRequest:
		return ErrValidation
	case CodeNotFound:
		return ErrNotFound
	case CodeTimeout:
		return ErrTimeout
	case CodeUnavailable:
		return ErrDurability
	default:
		return nil
	}
}
