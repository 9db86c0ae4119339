package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stripsense/stripsense-backend/internal/db"
	"github.com/stripsense/stripsense-backend/internal/handlers"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/middleware"
	"github.com/stripsense/stripsense-backend/internal/repos"
	"github.com/stripsense/stripsense-backend/internal/server"
	"github.com/stripsense/stripsense-backend/internal/services"
	"github.com/stripsense/stripsense-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	accessTokenTTL := utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)
	refreshTokenTTL := utils.GetEnvAsInt("REFRESH_TOKEN_TTL", 86400, log)
	allowOrigins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", log), ",")

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	userRepo := repos.NewUserRepo(thePG, log)
	userTokenRepo := repos.NewUserTokenRepo(thePG, log)
	testRecordRepo := repos.NewTestRecordRepo(thePG, log)

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	classifierService, err := services.NewClassifierService(log)
	if err != nil {
		log.Error("Could not init ClassifierService", "error", err)
		os.Exit(1)
	}
	intakeService := services.NewIntakeService(log)
	accessService := services.NewAccessService(log)
	authService := services.NewAuthService(thePG, log, userRepo, userTokenRepo, jwtSecretKey, time.Duration(accessTokenTTL)*time.Second, time.Duration(refreshTokenTTL)*time.Second)
	testRecordService := services.NewTestRecordService(thePG, log, intakeService, classifierService, accessService, bucketService, testRecordRepo)
	statsService := services.NewStatsService(log, accessService, userRepo, testRecordRepo)
	exportService := services.NewExportService(log, accessService, testRecordRepo)
	userService := services.NewUserService(thePG, log, accessService, bucketService, userRepo, userTokenRepo, testRecordRepo)
	cleanupService := services.NewCleanupService(log, userTokenRepo)
	cleanupService.StartWorker(context.Background())

	// Handlers
	log.Info("Setting up handlers from main...")
	authHandler := handlers.NewAuthHandler(log, authService)
	testHandler := handlers.NewTestHandler(log, testRecordService, statsService, intakeService)
	adminHandler := handlers.NewAdminHandler(log, testRecordService, statsService, exportService, userService)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthHandler:    authHandler,
		TestHandler:    testHandler,
		AdminHandler:   adminHandler,
		AuthMiddleware: authMiddleware,
		AllowOrigins:   allowOrigins,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
