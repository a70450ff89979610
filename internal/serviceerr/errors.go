// Package serviceerr defines the error values returned by the gateway and
// their mapping to HTTP status codes.
package serviceerr

import (
	"errors"
	"net/http"
)

type Code string

// RFC6749 codes
const (
	CodeInvalidRequest     Code = "invalid_request"
	CodeUnauthorizedClient Code = "unauthorized_client"
	CodeAccessDenied       Code = "access_denied"
	CodeServerError        Code = "server_error"
)

// Custom codes
const (
	CodeUnknown             Code = "unknown"
	CodeConflict            Code = "conflict"
	CodeNotFound            Code = "not_found"
	CodeFingerprintMismatch Code = "fingerprint_mismatch"
	CodeStateExpired        Code = "state_expired"
	CodeInvalidOIDCProvider Code = "invalid_oidc_provider"
	CodeInvalidCSRFToken    Code = "invalid_csrf_token"
	CodeMalformedToken      Code = "malformed_token"
	CodeUnknownRole         Code = "unknown_role"
	CodeExchangeFailed      Code = "exchange_failed"
	CodeUnrefreshable       Code = "unrefreshable"
	CodeSessionExpired      Code = "session_expired"
	CodeInsufficientRights  Code = "insufficient_rights"
)

// Error is the error model shared by the HTTP handlers. Description is the
// human readable message shown to the user.
type Error struct {
	Err         Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

// HTTPStatus returns the status code a handler answers with for this error.
func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorizedClient, CodeSessionExpired:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeFingerprintMismatch, CodeInvalidCSRFToken,
		CodeUnknownRole, CodeInsufficientRights:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStateExpired:
		return http.StatusGone
	case CodeInvalidOIDCProvider:
		return http.StatusPreconditionFailed
	case CodeMalformedToken, CodeExchangeFailed, CodeUnrefreshable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrInvalidRequest = &Error{Err: CodeInvalidRequest}
	ErrAccessDenied   = &Error{Err: CodeAccessDenied}
	ErrServerError    = &Error{Err: CodeServerError}

	ErrUnknown             = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrConflict            = &Error{Err: CodeConflict, Description: "already exists"}
	ErrNotFound            = &Error{Err: CodeNotFound, Description: "not found"}
	ErrFingerprintMismatch = &Error{Err: CodeFingerprintMismatch, Description: "fingerprint mismatch"}
	ErrStateExpired        = &Error{Err: CodeStateExpired, Description: "The login attempt has expired. Please log in again."}
	ErrInvalidOIDCProvider = &Error{Err: CodeInvalidOIDCProvider, Description: "invalid OIDC provider"}
	ErrInvalidCSRFToken    = &Error{Err: CodeInvalidCSRFToken, Description: "invalid CSRF token"}
	ErrUnauthorized        = &Error{Err: CodeUnauthorizedClient, Description: "unauthorized"}

	// ErrMalformedToken means the provider sent something that does not
	// conform to the protocol. Operators should check the provider setup.
	ErrMalformedToken = &Error{Err: CodeMalformedToken, Description: "The identity provider returned a token that could not be validated."}

	// ErrUnknownRole means the provider sent a role this application does not
	// know. The user is denied access.
	ErrUnknownRole = &Error{Err: CodeUnknownRole, Description: "Your account does not have sufficient rights to use this application."}

	ErrExchangeFailed     = &Error{Err: CodeExchangeFailed, Description: "Login failed. Please try again."}
	ErrUnrefreshable      = &Error{Err: CodeUnrefreshable, Description: "The session can no longer be refreshed. Please log in again."}
	ErrSessionExpired     = &Error{Err: CodeSessionExpired, Description: "The session has expired. Please log in again."}
	ErrInsufficientRights = &Error{Err: CodeInsufficientRights, Description: "insufficient rights for this operation"}
)

// From returns the first *Error found in the chain of err, or ErrUnknown.
func From(err error) *Error {
	var serviceErr *Error
	if !errors.As(err, &serviceErr) {
		return ErrUnknown
	}

	return serviceErr
}
