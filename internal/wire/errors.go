// Package wire declares the JSON request/response schemas, the
// transaction-id propagation rule and the error taxonomy shared by the
// rm, tm and wc HTTP servers.
package wire

import (
	"errors"
	"net/http"
)

// ErrCode is one of the stable wire error codes from the error
// taxonomy.
type ErrCode string

const (
	ErrKeyExists               ErrCode = "KEY_EXISTS"
	ErrKeyNotFound             ErrCode = "KEY_NOT_FOUND"
	ErrLockConflict            ErrCode = "LOCK_CONFLICT"
	ErrVersionConflict         ErrCode = "VERSION_CONFLICT"
	ErrInsufficientAvailability ErrCode = "INSUFFICIENT_AVAILABILITY"
	ErrInternalInvariant       ErrCode = "INTERNAL_INVARIANT"
	ErrTimeout                 ErrCode = "TIMEOUT"
)

// httpStatus maps each wire error code to its stable HTTP status, per
// the error taxonomy.
var httpStatus = map[ErrCode]int{
	ErrKeyExists:                http.StatusConflict,
	ErrVersionConflict:          http.StatusConflict,
	ErrLockConflict:             http.StatusConflict,
	ErrKeyNotFound:              http.StatusNotFound,
	ErrInsufficientAvailability: http.StatusConflict,
	ErrTimeout:                  http.StatusGatewayTimeout,
	ErrInternalInvariant:        http.StatusInternalServerError,
}

// HTTPStatus returns the stable status code for code, defaulting to 500
// for unrecognized codes.
func HTTPStatus(code ErrCode) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// CodedError pairs a wire error code with a sentinel Go error so RM/TM
// logic can both return a typed error (tested with errors.Is) and carry
// enough context to serialize a wire response.
type CodedError struct {
	Code ErrCode
	Key  string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Key != "" {
		return string(e.Code) + ": " + e.Key
	}
	return string(e.Code)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrKeyNotFound-style sentinels) work by
// comparing codes, not just identity.
func (e *CodedError) Is(target error) bool {
	var other *CodedError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func NewError(code ErrCode, key string) *CodedError {
	return &CodedError{Code: code, Key: key}
}

// Sentinel errors for the common codes, so callers can write
// errors.Is(err, wire.ErrKeyNotFoundErr) without constructing a
// CodedError by hand.
var (
	ErrKeyNotFoundErr             = &CodedError{Code: ErrKeyNotFound}
	ErrKeyExistsErr               = &CodedError{Code: ErrKeyExists}
	ErrLockConflictErr            = &CodedError{Code: ErrLockConflict}
	ErrVersionConflictErr         = &CodedError{Code: ErrVersionConflict}
	ErrInsufficientAvailabilityErr = &CodedError{Code: ErrInsufficientAvailability}
	ErrInternalInvariantErr       = &CodedError{Code: ErrInternalInvariant}
	ErrTimeoutErr                 = &CodedError{Code: ErrTimeout}
)

// CodeOf extracts the wire error code from err, defaulting to
// INTERNAL_INVARIANT for unrecognized errors.
func CodeOf(err error) ErrCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInternalInvariant
}
