package web

import "github.com/pkg/errors"

// ErrNotFound abstracts the standard not found error.
var ErrNotFound = errors.New("Entity not found")

// ErrorPayload is the body of every error response.
type ErrorPayload struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error returned to clients. Errors always
// carry a stable code and a human message, never raw internal text.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

// ErrorResponse is an error that carries its own HTTP status and structured
// payload. Handlers translate domain errors into these.
type ErrorResponse struct {
	Status  int
	Code    string
	Message string
	Detail  interface{}
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

// NewErrorResponse builds a client-facing error with a status code.
func NewErrorResponse(status int, code, message string) *ErrorResponse {
	return &ErrorResponse{
		Status:  status,
		Code:    code,
		Message: message,
	}
}
