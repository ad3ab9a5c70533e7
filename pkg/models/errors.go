package models

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Grid error taxonomy. Callers wrap these with context and classify with errors.Is.
var (
	ErrQueueFull             = errors.New("new session queue is full")
	ErrRequestTimedOut       = errors.New("new session request timed out")
	ErrRequestCancelled      = errors.New("new session request cancelled")
	ErrSessionCreationFailed = errors.New("session creation failed")
	ErrNoSuchSession         = errors.New("no such session")
	ErrNodeGone              = errors.New("node is gone")
	ErrDuplicateNode         = errors.New("node already registered")
	ErrNoSuchNode            = errors.New("no such node")
	ErrSessionAlreadyExists  = errors.New("session already exists")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrUnauthorized          = errors.New("unauthorized")
)

// W3C WebDriver error codes used by the grid
const (
	CodeSessionNotCreated = "session not created"
	CodeInvalidSessionID  = "invalid session id"
	CodeInvalidArgument   = "invalid argument"
	CodeUnknownError      = "unknown error"
)

// ErrorValue is the body of a WebDriver error response
type ErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// ErrorResponse wraps ErrorValue the way the W3C protocol expects
type ErrorResponse struct {
	Value ErrorValue `json:"value"`
}

// WebDriverError maps an error onto an HTTP status and W3C error payload
func WebDriverError(err error) (int, ErrorResponse) {
	status, code := classify(err)
	return status, ErrorResponse{Value: ErrorValue{
		Error:   code,
		Message: err.Error(),
	}}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoSuchSession):
		return http.StatusNotFound, CodeInvalidSessionID
	case errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrRequestTimedOut),
		errors.Is(err, ErrRequestCancelled),
		errors.Is(err, ErrSessionCreationFailed):
		return http.StatusInternalServerError, CodeSessionNotCreated
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnknownError
	case errors.Is(err, ErrDuplicateNode):
		return http.StatusConflict, CodeUnknownError
	case errors.Is(err, ErrNoSuchNode):
		return http.StatusNotFound, CodeUnknownError
	default:
		return http.StatusInternalServerError, CodeUnknownError
	}
}

// ErrorFromPayload rebuilds a typed error from a WebDriver error payload
// received from a node, so classification survives a network hop.
func ErrorFromPayload(status int, v ErrorValue) error {
	var base error
	switch v.Error {
	case CodeInvalidSessionID:
		base = ErrNoSuchSession
	case CodeInvalidArgument:
		base = ErrInvalidArgument
	case CodeSessionNotCreated:
		base = ErrSessionCreationFailed
	default:
		switch status {
		case http.StatusConflict:
			base = ErrDuplicateNode
		case http.StatusUnauthorized:
			base = ErrUnauthorized
		default:
			return errors.Newf("%s: %s", v.Error, v.Message)
		}
	}
	return errors.Wrap(base, v.Message)
}
