package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/tokenized/logger"

	"github.com/pkg/errors"
	validator "gopkg.in/go-playground/validator.v8"
)

// validate is used for validating unmarshalled request payloads against their
// "validate" struct tags.
var validate = validator.New(&validator.Config{TagName: "validate"})

// ErrValidation is returned when an unmarshalled payload fails validation.
var ErrValidation = errors.New("Validation failed")

// Unmarshal decodes the provided reader into the value and performs struct
// validation using the "validate" tags.
func Unmarshal(reader io.Reader, v interface{}) error {
	if err := json.NewDecoder(reader).Decode(v); err != nil {
		return err
	}

	if err := validate.Struct(v); err != nil {
		return errors.Wrap(ErrValidation, err.Error())
	}

	return nil
}

// Respond sends JSON to the client. If data is nil only the status code is
// written.
func Respond(ctx context.Context, w http.ResponseWriter, data interface{}, statusCode int) {

	// Set the status code for the request logger middleware.
	if v, ok := ctx.Value(KeyValues).(*Values); ok {
		v.StatusCode = statusCode
	}

	if data == nil {
		w.WriteHeader(statusCode)
		return
	}

	b, err := json.Marshal(data)
	if err != nil {
		logger.Error(ctx, "Marshal response : %s", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(b); err != nil {
		logger.Error(ctx, "Write response : %s", err)
	}
}

// RespondData wraps the payload in the standard data envelope before
// responding.
func RespondData(ctx context.Context, w http.ResponseWriter, data interface{}, statusCode int) {
	Respond(ctx, w, data, statusCode)
}

// RespondError sends a structured error response with the provided status
// code.
func RespondError(ctx context.Context, w http.ResponseWriter, err error, statusCode int) {
	response := ErrorPayload{
		Error: ErrorDetail{
			Code:    "error",
			Message: err.Error(),
		},
	}

	if er, ok := errors.Cause(err).(*ErrorResponse); ok {
		response.Error.Code = er.Code
		response.Error.Message = er.Message
		response.Error.Detail = er.Detail
	}

	Respond(ctx, w, response, statusCode)
}

// Error handles errors coming out of the call chain and translates them into
// an appropriate HTTP response.
func Error(ctx context.Context, w http.ResponseWriter, err error) {
	switch cause := errors.Cause(err).(type) {
	case *ErrorResponse:
		RespondError(ctx, w, cause, cause.Status)
		return
	}

	switch errors.Cause(err) {
	case ErrNotFound:
		RespondError(ctx, w, errors.Cause(err), http.StatusNotFound)
	case ErrValidation:
		RespondError(ctx, w, err, http.StatusBadRequest)
	default:
		// Don't leak internal error text to the client.
		RespondError(ctx, w, errors.New("Internal error"), http.StatusInternalServerError)
	}
}
