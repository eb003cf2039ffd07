package healthcheck

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves /healthz: 200 while monitor cycles keep up with the
// probe interval.
func HealthHandler(tracker *Tracker, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusServiceUnavailable
		if tracker.Healthy(time.Now().UTC(), interval) {
			status = http.StatusOK
		}
		c.JSON(status, tracker.Snapshot())
	}
}

// ReadyHandler serves /readyz: 200 once the first monitor cycle finished.
func ReadyHandler(tracker *Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusServiceUnavailable
		if tracker.Ready() {
			status = http.StatusOK
		}
		c.JSON(status, tracker.Snapshot())
	}
}
