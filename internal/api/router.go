package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/fetchq/internal/api/controllers"
	"github.com/datallboy/fetchq/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	ctrl := &controllers.TransferController{App: app}

	api := e.Group("/api")

	api.POST("/downloads", ctrl.CreateDownload)
	api.GET("/history", ctrl.History)

	api.GET("/transfers", ctrl.List)
	api.POST("/transfers/pause", ctrl.Pause)
	api.POST("/transfers/resume", ctrl.Resume)
	api.POST("/transfers/cancel", ctrl.Cancel)
	api.POST("/transfers/pause-all", ctrl.PauseAll)
	api.POST("/transfers/resume-all", ctrl.ResumeAll)
	api.POST("/transfers/cancel-all", ctrl.CancelAll)
}
