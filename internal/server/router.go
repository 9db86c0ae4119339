package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stripsense/stripsense-backend/internal/handlers"
	"github.com/stripsense/stripsense-backend/internal/middleware"
)

type RouterConfig struct {
	AuthHandler    *handlers.AuthHandler
	TestHandler    *handlers.TestHandler
	AdminHandler   *handlers.AdminHandler
	AuthMiddleware *middleware.AuthMiddleware
	AllowOrigins   []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	api := router.Group("/api")
	{
		api.POST("/register", cfg.AuthHandler.Register)
		api.POST("/login", cfg.AuthHandler.Login)
	}

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/api")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Auth
	protected.POST("/refresh", cfg.AuthHandler.Refresh)
	protected.POST("/logout", cfg.AuthHandler.Logout)
	// Test records
	protected.POST("/tests", cfg.TestHandler.Submit)
	protected.GET("/tests", cfg.TestHandler.List)
	protected.GET("/tests/stats", cfg.TestHandler.Stats)
	protected.GET("/tests/:id", cfg.TestHandler.Get)
	protected.PUT("/tests/:id", cfg.TestHandler.Update)
	protected.DELETE("/tests/:id", cfg.TestHandler.Delete)
	protected.POST("/tests/:id/reanalyze", cfg.TestHandler.Reanalyze)
	// Admin
	admin := protected.Group("/admin")
	admin.GET("/tests", cfg.AdminHandler.ListTests)
	admin.GET("/stats", cfg.AdminHandler.Stats)
	admin.GET("/export", cfg.AdminHandler.Export)
	admin.PATCH("/tests/:id/reported", cfg.AdminHandler.MarkReported)
	admin.DELETE("/users/:id", cfg.AdminHandler.DeleteUser)

	return router
}
