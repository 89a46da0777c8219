package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

const ReqArrivalTimeContextValueKey = "reqArrivalTime"

// QueueTimeMiddleware stamps the arrival time of the request and logs it once served.
func QueueTimeMiddleware(c *gin.Context) {
	arrival := time.Now()
	c.Set(ReqArrivalTimeContextValueKey, arrival)

	c.Next()

	slog.Info("request served",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration_ms", time.Since(arrival).Milliseconds(),
		"request_id", c.GetString(RequestIDContextKey),
	)
}

// QueueTime returns how long the request waited before the handler ran.
func QueueTime(c *gin.Context) (time.Duration, bool) {
	v, exists := c.Get(ReqArrivalTimeContextValueKey)
	if !exists {
		return 0, false
	}
	arrival, ok := v.(time.Time)
	if !ok {
		return 0, false
	}
	return time.Since(arrival), true
}
