// Package httpapi implements the alarm-system REST surface of spec §6,
// the alarm-domain counterpart of pkg/api: gin routes over internal/alarm
// instead of pkg/device.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/dresden-elektronik/gwcore/internal/alarm"
	"github.com/dresden-elektronik/gwcore/internal/httpapi/handlers"
)

// Router holds the Gin engine and its alarm-system dependency.
type Router struct {
	engine  *gin.Engine
	manager *alarm.Manager
}

// NewRouter creates a new API router over manager.
func NewRouter(manager *alarm.Manager) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	setupMiddleware(engine)

	r := &Router{engine: engine, manager: manager}
	r.setupRoutes()
	return r
}

// Engine exposes the underlying gin.Engine, e.g. for httptest.
func (r *Router) Engine() *gin.Engine { return r.engine }

func (r *Router) setupRoutes() {
	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.engine.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})

	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})

	h := handlers.NewAlarmSystemsHandler(r.manager)

	v1 := r.engine.Group("/api/v1")
	{
		alarmsystems := v1.Group("/alarmsystems")
		{
			alarmsystems.GET("", h.ListAlarmSystems)
			alarmsystems.GET("/:id", h.GetAlarmSystem)
			alarmsystems.PUT("/:id", h.PutAlarmSystem)
			alarmsystems.PUT("/:id/config", h.PutAlarmSystemConfig)
			alarmsystems.PUT("/:id/disarm", h.Disarm)
			alarmsystems.PUT("/:id/arm_stay", h.ArmStay)
			alarmsystems.PUT("/:id/arm_night", h.ArmNight)
			alarmsystems.PUT("/:id/arm_away", h.ArmAway)
			alarmsystems.PUT("/:id/device/:uniqueId", h.PutDevice)
			alarmsystems.DELETE("/:id/device/:uniqueId", h.DeleteDevice)
		}
	}
}

// Run starts the HTTP server.
func (r *Router) Run(addr string) error {
	return r.engine.Run(addr)
}
