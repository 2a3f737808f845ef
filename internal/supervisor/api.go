package supervisor

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/labdev/labdev/internal/common/logger"
)

// SetupRoutes configures the supervisor control-plane endpoints used by
// the orchestrator's readiness prober and health monitor.
func SetupRoutes(router *gin.Engine, sup *Supervisor, log *logger.Logger) {
	// GET /readyz reports aggregate readiness of required sub-services.
	router.GET("/readyz", func(c *gin.Context) {
		if sup.Ready() {
			c.JSON(http.StatusOK, gin.H{"ready": true})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
	})

	// GET /livez/:service probes one sub-service's liveness endpoint.
	router.GET("/livez/:service", func(c *gin.Context) {
		name := c.Param("service")
		if !sup.HasService(name) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown service"})
			return
		}
		if sup.ProbeLiveness(name) {
			c.JSON(http.StatusOK, gin.H{"service": name, "live": true})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"service": name, "live": false})
	})

	// GET /status reports per-process state including restart counts and
	// permanent-failure flags.
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, sup.Status())
	})
}
