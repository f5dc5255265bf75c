package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberhq/go-emergency-response/internal/alert"
	"github.com/emberhq/go-emergency-response/internal/api"
	"github.com/emberhq/go-emergency-response/internal/bridge"
	"github.com/emberhq/go-emergency-response/internal/config"
	"github.com/emberhq/go-emergency-response/internal/escalation"
	"github.com/emberhq/go-emergency-response/internal/geofence"
	"github.com/emberhq/go-emergency-response/internal/logging"
	"github.com/emberhq/go-emergency-response/internal/models"
	"github.com/emberhq/go-emergency-response/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level)

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idx := geofence.NewIndex()
	zones, err := db.ListZones(ctx, true)
	if err != nil {
		logging.Fatalf("Failed to load zones: %v", err)
	}
	idx.Rebuild(zones)
	slog.Info("zone index loaded", "zones", idx.Len())

	// The scheduler fires through the bridge, which is constructed with the
	// scheduler; close over the variable to break the cycle.
	var br *bridge.Bridge
	sched := escalation.NewScheduler(func(alertID string, tier int) error {
		return br.FireEscalation(alertID, tier)
	})

	br = bridge.New(db, idx, sched, bridge.Config{
		Lanes:      cfg.Worker.Count,
		BufferSize: cfg.Worker.BufferSize,
		Alert: alert.Config{
			AutoEscalateAfter: cfg.Escalation.AutoEscalateAfter,
			MaxResponseTime:   cfg.Escalation.MaxResponseTime,
			MaxTier:           cfg.Escalation.MaxTier,
		},
		Geofence: geofence.Config{
			HysteresisMargin: cfg.Geofence.HysteresisMargin,
			AutoTrigger:      cfg.Geofence.AutoTrigger,
		},
	})

	if err := br.Restore(ctx, func(alerts []models.Alert) {
		sched.Rebuild(alerts, br.Machine().DeadlineFor)
	}); err != nil {
		logging.Fatalf("Failed to restore state: %v", err)
	}

	br.Start(ctx)
	sched.Start(ctx)

	// Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(50))

	handler := api.NewHandler(br, db, idx, cfg.Geofence)
	handler.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	sched.Stop()
	br.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
