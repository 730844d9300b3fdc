package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/engramhq/engram-backend/internal/platform/apierr"
)

// Every endpoint answers {status, message, result}; failures add the machine
// code, timestamp and path so clients can correlate without log access.

func respondOK(c *gin.Context, result any) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "",
		"result":  result,
	})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var ae *apierr.Error
	if errors.As(err, &ae) {
		if ae.Status != 0 {
			status = ae.Status
		}
		if ae.Code != "" {
			code = ae.Code
		}
	}

	c.JSON(status, gin.H{
		"status":    "failed",
		"code":      code,
		"message":   err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"path":      c.Request.URL.Path,
	})
}

func respondInvalid(c *gin.Context, err error) {
	respondError(c, apierr.Invalid("invalid_request", err))
}
