package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"midas.oar.dev/common"
	"midas.oar.dev/dbio"
)

// ErrorResponse is the JSON body returned for failed requests.
type ErrorResponse struct {
	Code    int      `json:"http:code"`
	Reason  string   `json:"http:reason"`
	Message string   `json:"midas:message"`
	Errors  []string `json:"midas:errors,omitempty"`
}

// sendError maps a service error onto its HTTP rendering.
func sendError(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	var fieldErrors []string

	var ire *dbio.InvalidRecordError
	switch {
	case errors.Is(err, dbio.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, dbio.ErrNotAuthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, dbio.ErrAlreadyExists):
		code = http.StatusBadRequest
	case errors.As(err, &ire):
		code = http.StatusBadRequest
		fieldErrors = ire.Errors
	case errors.Is(err, dbio.ErrNotEditable),
		errors.Is(err, dbio.ErrNotSubmitable),
		errors.Is(err, dbio.ErrSubmissionFailed):
		code = http.StatusConflict
	case errors.Is(err, dbio.ErrPartNotAccessible):
		code = http.StatusBadRequest
	case errors.Is(err, dbio.ErrQueryNotSupported):
		code = http.StatusNotImplemented
	case errors.Is(err, dbio.ErrConfiguration):
		code = http.StatusServiceUnavailable
	}

	if code >= http.StatusInternalServerError {
		common.Logger.WithField("correlation_id", CorrelationFrom(c)).WithError(err).Error("request failed")
	}

	return c.JSON(code, ErrorResponse{
		Code:    code,
		Reason:  http.StatusText(code),
		Message: err.Error(),
		Errors:  fieldErrors,
	})
}

// badRequest renders a 400 with the given message.
func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    http.StatusBadRequest,
		Reason:  http.StatusText(http.StatusBadRequest),
		Message: message,
	})
}
