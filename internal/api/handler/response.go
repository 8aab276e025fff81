package handler

import (
	"net/http"

	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/internal/api/dto"
	"github.com/gin-gonic/gin"
)

var statusByCode = map[string]int{
	domain.CodeUnauthorized:     http.StatusUnauthorized,
	domain.CodeNotFound:         http.StatusNotFound,
	domain.CodeAccountSuspended: http.StatusForbidden,
	domain.CodeInvalidRequest:   http.StatusBadRequest,
	domain.CodeRateLimited:      http.StatusTooManyRequests,
	domain.CodeInternal:         http.StatusInternalServerError,
}

// StatusCode maps an admission error code to its HTTP status
func StatusCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorBody renders err as the wire error body and its status. Internal
// errors never expose their cause.
func ErrorBody(err error) (int, dto.ErrorResponse) {
	ae := domain.AsAdmissionError(err)
	status := StatusCode(ae.Code)

	code, message := ae.Code, ae.Message
	if status == http.StatusInternalServerError {
		code = domain.CodeInternal
		if message == "" {
			message = "internal server error"
		}
	}

	return status, dto.ErrorResponse{Error: code, Message: message}
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, body := ErrorBody(err)
	c.JSON(status, body)
}
