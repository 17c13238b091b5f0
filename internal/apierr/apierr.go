// Package apierr centralizes the stable-code/HTTP-status taxonomy
// internal/rest translates every handler error into, spec.md §6/§7.
//
// Grounded on the teacher's handleGRPCError in handler.go: that
// function sniffed gRPC error message text ("invalid API key",
// "permission denied", "not found") into a handful of HTTP statuses.
// This core's errors already carry typed codes (edgeauth.Code,
// routing.ErrUnknownPool, reserve.Outcome) rather than free-text
// messages to sniff, so the same idea is expressed as a typed Error
// instead of a string switch.
package apierr

import "net/http"

// Code is a stable wire error code, spec.md §6.
type Code string

const (
	CodeAuthRequired             Code = "AUTH_REQUIRED"
	CodeAuthInvalid              Code = "AUTH_INVALID"
	CodeReqHashMismatch          Code = "REQ_HASH_MISMATCH"
	CodeReqHashFormatInvalid     Code = "REQ_HASH_FORMAT"
	CodeReqHashRequiresIdentity  Code = "req_hash_requires_identity_encoding"
	CodeBodyTooLarge             Code = "BODY_TOO_LARGE"
	CodeUnknownPool              Code = "UNKNOWN_POOL"
	CodeTierUnauthorized         Code = "TIER_UNAUTHORIZED"
	CodeInsufficientFunds        Code = "INSUFFICIENT_FUNDS"
	CodeConflict                 Code = "CONFLICT"
	CodeInvalidArgument          Code = "INVALID_ARGUMENT"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeInternal                 Code = "INTERNAL"
)

// Error is the typed error every internal/rest handler returns instead
// of a bare error, carrying both a wire Code and the HTTP status it
// maps to.
type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func AuthRequired(message string) *Error {
	return New(CodeAuthRequired, http.StatusUnauthorized, message)
}

func AuthInvalid(message string) *Error {
	return New(CodeAuthInvalid, http.StatusUnauthorized, message)
}

func InsufficientFunds(message string) *Error {
	return New(CodeInsufficientFunds, http.StatusPaymentRequired, message)
}

func Conflict(message string) *Error {
	return New(CodeConflict, http.StatusConflict, message)
}

func InvalidArgument(message string) *Error {
	return New(CodeInvalidArgument, http.StatusBadRequest, message)
}

func NotFound(message string) *Error {
	return New(CodeNotFound, http.StatusNotFound, message)
}

func Internal(message string) *Error {
	return New(CodeInternal, http.StatusInternalServerError, message)
}

func UnknownPool(message string) *Error {
	return New(CodeUnknownPool, http.StatusBadRequest, message)
}

func TierUnauthorized(message string) *Error {
	return New(CodeTierUnauthorized, http.StatusForbidden, message)
}
