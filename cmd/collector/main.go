package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/telemetrykit/collector/internal/auth"
	"github.com/telemetrykit/collector/internal/config"
	"github.com/telemetrykit/collector/internal/database"
	"github.com/telemetrykit/collector/internal/logger"
	"github.com/telemetrykit/collector/internal/server"
	"github.com/telemetrykit/collector/internal/storage"
)

func main() {
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	var tokens *auth.TokenManager
	if cfg.AuthSecret != "" {
		tokens, err = auth.NewTokenManager(cfg.AuthSecret)
		if err != nil {
			logger.Errorf("Failed to create token manager: %v", err)
			os.Exit(1)
		}
		logger.Infof("Access token verification enabled")
	} else {
		logger.Warnf("COLLECTOR_AUTH_SECRET not set - client-supplied user ids are trusted")
	}

	collector := server.New(storage.New(db.DB), tokens, cfg.AllowedOrigins)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(server.RequestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		AllowCredentials: false,
	}))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Collector is running")
	})
	collector.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("Listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Server error: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Forced shutdown: %v", err)
	}
}
