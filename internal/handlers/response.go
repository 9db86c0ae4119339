package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stripsense/stripsense-backend/internal/apierr"
)

type APIError struct {
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondAPIError maps a service error onto the wire. Transient failures get
// a generic retry message so storage internals never leak to clients.
func RespondAPIError(c *gin.Context, err error) {
	ae, ok := apierr.From(err)
	if !ok {
		RespondError(c, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	msg := ae.Error()
	if apierr.IsTransient(err) {
		msg = "service temporarily unavailable, please try again"
	}
	c.JSON(ae.Status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    ae.Code,
			Fields:  ae.Fields,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}
