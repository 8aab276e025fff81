package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/rate-bulk/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// CreateBulkRequest handles POST /api/v1/rate-bulk
// Admits a batch of rating jobs for asynchronous processing
func (h *RateBulkHandler) CreateBulkRequest(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodySize)

	// An unreadable body is passed on empty so that authentication is
	// still reported first.
	body, err := c.GetRawData()
	if err != nil {
		h.logger.Warn("Failed to read request body", slog.String("error", err.Error()))
		body = nil
	}

	admission, err := h.admission.Admit(c.Request.Context(), c.GetHeader("Authorization"), body)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.NewRateBulkResponse(admission))
}

// GetBulkRequest handles GET /api/v1/rate-bulk/:request_id
// Returns the processing state of a batch owned by the caller
func (h *RateBulkHandler) GetBulkRequest(c *gin.Context) {
	requestID := c.Param("request_id")

	status, err := h.admission.Status(c.Request.Context(), c.GetHeader("Authorization"), requestID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewBatchStatusResponse(status))
}

// Preflight answers CORS preflight requests
func Preflight(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
