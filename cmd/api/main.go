package main

import (
	"cbrf-exchange/internal/app"
	"cbrf-exchange/internal/handler"
	"cbrf-exchange/internal/scheduler"
	"cbrf-exchange/pkg/config"
	"cbrf-exchange/pkg/logger"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log := logger.Init(cfg.Log.Level, cfg.Log.Format)

	log.Info("Starting app...")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(startCtx, cfg, reg, log)
	cancelStart()
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}
	defer a.Close()

	rateHandler := handler.NewRateHandler(a.Pricing, log)

	r := gin.New()
	r.Use(gin.Recovery(), a.Metrics.Middleware())

	// cors middleware
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:8080", "http://127.0.0.1:8080"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	rateHandler.RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// task scheduler
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(cfg.Scheduler.Spec, cfg.Feed.Timeout*2, a.Refresh, log)
		if err != nil {
			log.Fatalf("Error by add task to schedule: %v", err)
		}
		sched.Start()
		log.Infof("Scheduler initialized, next refresh at %s", sched.Next().Format(time.RFC3339))
	}

	if cfg.Scheduler.RefreshOnStart {
		go func() {
			log.Info("Updating valutes...")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Feed.Timeout*2)
			defer cancel()
			if err := a.Refresh(ctx); err != nil {
				log.Errorf("Error updating valutes by server start: %v", err)
			} else {
				log.Info("Successfully updated valutes by server start")
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("Server starting on port %s...", cfg.App.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Got shutdown signal...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Error server shutdown: %v", err)
	}
	log.Info("Server stopped")

	if sched != nil {
		sched.Stop()
	}

	log.Info("Gracefully shut down")
}
