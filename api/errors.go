package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"datapub.evalgo.org/common"
)

type errorItem struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type errorBody struct {
	Errors []errorItem `json:"errors"`
}

// errorHandler renders every error as {"errors": [...]}, mapping the
// service error taxonomy to its status codes.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{}

	var multi *common.MultipleErrors
	var single *common.Error
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &multi):
		status = multi.Status()
		for _, e := range multi.Errors {
			body.Errors = append(body.Errors, errorItem{
				Code: e.Code, Message: e.Message, Context: e.Context,
			})
		}
	case errors.As(err, &single):
		status = single.Status
		body.Errors = append(body.Errors, errorItem{
			Code: single.Code, Message: single.Message, Context: single.Context,
		})
	case errors.As(err, &httpErr):
		status = httpErr.Code
		body.Errors = append(body.Errors, errorItem{
			Code: http.StatusText(status), Message: fmt.Sprintf("%v", httpErr.Message),
		})
	default:
		s.Log.WithError(err).Error("internal error")
		body.Errors = append(body.Errors, errorItem{
			Code: "InternalServerError", Message: "internal server error",
		})
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if err := c.JSON(status, body); err != nil {
		s.Log.WithError(err).Error("failed to render error response")
	}
}
