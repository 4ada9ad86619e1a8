package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"commitflow/apperr"
	"commitflow/logger"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

// writeError renders err with the status its class maps to. Messages of
// server side failures are replaced so storage details never leak.
func writeError(c *gin.Context, err error) {
	abortWithError(c, err, apperr.HTTPStatus(err), apperr.Code(err))
}

func abortWithError(c *gin.Context, err error, status int, code string) {
	msg := err.Error()
	if status >= http.StatusInternalServerError && !errors.Is(err, apperr.ErrUnavailable) && !errors.Is(err, apperr.ErrProvider) {
		logger.FromContext(c.Request.Context(), log).WithError(err).Error("Request failed")
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, errorBody{
		Error:     errorDetail{Code: code, Message: msg},
		RequestID: c.GetString(ctxRequestID),
	})
}

func badRequest(c *gin.Context, msg string) {
	writeError(c, apperr.Validation("%s", msg))
}
