package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mickamy/notifybox"
)

const (
	errInvalidParam  = "InvalidParam"
	errNotFound      = "NotFound"
	errConflict      = "Conflict"
	errInternalError = "InternalError"
)

type envelope struct {
	RespCode int        `json:"resp_code"`
	Message  string     `json:"message,omitempty"`
	Data     any        `json:"data,omitempty"`
	Error    *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Hint    *string `json:"hint"`
}

func ok(c *gin.Context, data any) {
	if data == nil {
		data = gin.H{}
	}
	c.JSON(http.StatusOK, envelope{RespCode: http.StatusOK, Message: "ok", Data: data})
}

func fail(c *gin.Context, code int, typ, message string, hint *string) {
	c.AbortWithStatusJSON(code, envelope{
		RespCode: code,
		Error:    &errorBody{Type: typ, Message: message, Hint: hint},
	})
}

func invalidParam(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, errInvalidParam, message, nil)
}

// writeError maps domain errors onto the envelope. Storage failures are logged
// and reported without detail.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notifybox.ErrInvalidArgument):
		invalidParam(c, err.Error())
	case errors.Is(err, notifybox.ErrTaskNotFound),
		errors.Is(err, notifybox.ErrResultNotFound),
		errors.Is(err, notifybox.ErrEntryNotFound):
		fail(c, http.StatusNotFound, errNotFound, err.Error(), nil)
	case errors.Is(err, notifybox.ErrTaskNotClaimed):
		hint := "claim the task before reporting its outcome"
		fail(c, http.StatusConflict, errConflict, err.Error(), &hint)
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err),
		)
		hint := "retry later"
		fail(c, http.StatusInternalServerError, errInternalError, "internal error", &hint)
	}
}
