package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler returns the full health snapshot. Unhealthy or critical
// systems answer 503 so load balancers route away.
func (m *Manager) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		system := m.SystemHealth()

		statusCode := http.StatusOK
		switch system.Status {
		case StatusUnhealthy, StatusCritical:
			statusCode = http.StatusServiceUnavailable
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, system)
	}
}

// LivenessHandler answers as long as the process is serving requests.
func (m *Manager) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler reports whether the system should receive traffic.
func (m *Manager) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		system := m.SystemHealth()

		ready := system.Status != StatusUnhealthy && system.Status != StatusCritical
		statusCode := http.StatusOK
		if !ready {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    system.Status,
			"timestamp": system.Timestamp,
			"ready":     ready,
		})
	}
}

// ComponentHandler returns one component's rolling health by the
// :component route parameter.
func (m *Manager) ComponentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("component")

		component := m.ComponentHealth(name)
		if component == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "unknown component: " + name,
			})
			return
		}

		statusCode := http.StatusOK
		if component.Status == StatusUnhealthy || component.Status == StatusCritical {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, component)
	}
}
