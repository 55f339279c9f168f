package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stellar/go/support/log"
)

const (
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
)

// RequestIDMiddleware tags every request with an id, reusing the caller's
// X-Request-ID when present, and stores a logger carrying it.
func RequestIDMiddleware(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Set(loggerKey, logger.WithField("request_id", id))

		c.Next()
	}
}

// CORSMiddleware allows the interactive page to be served from another origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger(c *gin.Context) *log.Entry {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*log.Entry); ok {
			return l
		}
	}
	return log.DefaultLogger
}
