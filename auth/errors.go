package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/glimte/cachesync-go/internal/jsoncodec"
)

// Error is an authorization failure with the HTTP status returned to the
// caller.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	// ErrMissingToken: no Authorization header or not a Bearer scheme.
	ErrMissingToken = &Error{Status: http.StatusUnauthorized, Message: "You are not authorized"}
	// ErrTokenExpired: the signature is valid but the token has expired.
	ErrTokenExpired = &Error{Status: http.StatusUnauthorized, Message: "Token expired"}
	// ErrTokenInvalid: bad signature, wrong algorithm or malformed token.
	ErrTokenInvalid = &Error{Status: http.StatusForbidden, Message: "Invalid token"}
	// ErrIncompleteClaims: a verified token without id, email, role or a
	// permissions list.
	ErrIncompleteClaims = &Error{Status: http.StatusUnauthorized, Message: "Invalid token payload"}
	// ErrAuthenticationRequired: a forwarded attribute is missing, meaning
	// the request did not come through the gateway.
	ErrAuthenticationRequired = &Error{Status: http.StatusForbidden, Message: "Authentication required"}
	// ErrInvalidAuthData: forwarded attributes are present but unparsable.
	ErrInvalidAuthData = &Error{Status: http.StatusForbidden, Message: "Invalid authentication data"}
	// ErrForbidden: the required permission is not granted.
	ErrForbidden = &Error{Status: http.StatusForbidden, Message: "You don't have access to this route"}
	// ErrUnknownSubject: the subject is not known to this service.
	ErrUnknownSubject = &Error{Status: http.StatusUnauthorized, Message: "Unknown user"}
)

// StatusOf returns the HTTP status for err; anything that is not an *Error
// maps to 500.
func StatusOf(err error) int {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Status
	}
	return http.StatusInternalServerError
}

// ErrorMessage is one entry of the errorMessages list.
type ErrorMessage struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ErrorResponse is the body written for every rejected request.
type ErrorResponse struct {
	Success       bool           `json:"success"`
	StatusCode    int            `json:"statusCode"`
	Message       string         `json:"message"`
	ErrorMessages []ErrorMessage `json:"errorMessages"`
}

// WriteError renders err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	message := "Something went wrong!"
	var authErr *Error
	if errors.As(err, &authErr) {
		message = authErr.Message
	}

	body := ErrorResponse{
		Success:       false,
		StatusCode:    status,
		Message:       message,
		ErrorMessages: []ErrorMessage{{Path: "", Message: message}},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, body); err != nil {
		slog.Default().Warn("failed to write error response", "error", err)
	}
}

// RejectionRecorder counts rejected requests.
type RejectionRecorder interface {
	RecordAuthRejection(stage string, status int)
}
