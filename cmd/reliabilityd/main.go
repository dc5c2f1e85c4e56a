package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/OGHeyDude/agent-reliability/pkg/config"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
	"github.com/OGHeyDude/agent-reliability/pkg/reliability"
)

func main() {
	// Load .env if present; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "reliabilityd",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	service := reliability.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Start(ctx); err != nil {
		log.Fatalf("Failed to start reliability service: %v", err)
	}
	defer service.Stop()

	router := setupRouter(service)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting reliability server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
}

func setupRouter(service *reliability.Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", service.Health.Handler())
	router.GET("/health/live", service.Health.LivenessHandler())
	router.GET("/health/ready", service.Health.ReadinessHandler())
	router.GET("/health/components/:component", service.Health.ComponentHandler())
	router.GET("/metrics", service.Metrics().Handler())

	router.GET("/breakers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"breakers":   service.Breakers.AllStatuses(),
			"aggregated": service.Breakers.AggregatedMetrics(),
		})
	})
	router.POST("/breakers/:key/open", func(c *gin.Context) {
		if err := service.Breakers.ForceOpen(c.Param("key")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.POST("/breakers/:key/close", func(c *gin.Context) {
		if err := service.Breakers.ForceClose(c.Param("key")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.GET("/alerts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"alerts": service.Alerts.ActiveAlerts()})
	})

	return router
}
