package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arifur/strong-forward-gateway/balancer"
	"github.com/arifur/strong-forward-gateway/config"
	"github.com/arifur/strong-forward-gateway/database"
	"github.com/arifur/strong-forward-gateway/events"
	"github.com/arifur/strong-forward-gateway/handlers"
	"github.com/arifur/strong-forward-gateway/health"
	"github.com/arifur/strong-forward-gateway/metrics"
	"github.com/arifur/strong-forward-gateway/middleware"
	"github.com/arifur/strong-forward-gateway/proxy"
	"github.com/arifur/strong-forward-gateway/routing"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()
	cfg.SetupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize DB and the write-behind buffer
	store, err := database.NewStore(cfg.DBPath, cfg.WriteBatchSize, cfg.WriteFlushTime)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	registry := middleware.NewDefaultRegistry()

	if cfg.BootstrapFile != "" {
		seedFromFile(ctx, cfg.BootstrapFile, store, registry)
	}

	// Forwarding events feed the application log and Prometheus
	dispatcher := events.NewDispatcher()
	collector := metrics.New()
	dispatcher.Register(events.LoggingObserver{})
	dispatcher.Register(collector)

	selector := balancer.NewSelector(balancer.NewConnectionTracker())
	matcher := routing.NewMatcher(store.Rules, cfg.RuleCacheTTL)
	if err := matcher.Refresh(ctx); err != nil {
		log.Warnf("Initial rule load failed: %v", err)
	}

	orchestrator := proxy.NewOrchestrator(proxy.Options{
		Registry: registry,
		Selector: selector,
		Client:   proxy.NewHTTPClient(),
		Attempts: store.Attempts,
		Events:   dispatcher,
	})

	// Health status changes are written through and reach the matcher's
	// cached rules on the next request
	checker := health.NewChecker(store.Backends, cfg.HealthCheckInterval, cfg.HealthCheckTimeout)
	checker.OnChange = func(ctx context.Context) {
		if err := store.Buffer.Flush(ctx); err != nil {
			log.Errorf("Failed to flush health updates: %v", err)
		}
		matcher.Invalidate()
	}
	checker.Start(ctx)

	// Prune old forward attempts daily
	store.StartRetention(ctx, cfg.AttemptRetentionDays)

	// Create admin API server with Fiber
	app := fiber.New(fiber.Config{
		AppName:   "Strong Forward Gateway - Admin API",
		BodyLimit: 10 * 1024 * 1024,
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, PATCH, DELETE",
	}))

	handlers.New(handlers.Deps{
		Store:     store,
		Registry:  registry,
		Matcher:   matcher,
		Selector:  selector,
		Checker:   checker,
		Metrics:   collector.Registry,
		JWTSecret: cfg.JWTSecret,
	}).Routes(app)

	server := proxy.NewServer(":"+cfg.ProxyPort, matcher, orchestrator, cfg.MaxBodyBytes)

	// Set up graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Start the admin server on a different port
	go func() {
		log.Infof("Starting admin server on port %s", cfg.AdminPort)
		if err := app.Listen(":" + cfg.AdminPort); err != nil {
			log.Errorf("Admin server error: %v", err)
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil {
			log.Errorf("Proxy server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	<-c
	log.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Proxy server shutdown: %v", err)
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Errorf("Admin server shutdown: %v", err)
	}

	// Observers may still be recording the last forwards
	dispatcher.Wait()

	// Flush pending writes and close the database
	if err := store.Close(); err != nil {
		log.Errorf("Error closing database: %v", err)
	}

	log.Info("Shutdown complete")
}

// seedFromFile applies the bootstrap file. Invalid entries are logged and
// the valid ones are kept.
func seedFromFile(ctx context.Context, path string, store *database.Store, registry *middleware.Registry) {
	seed, err := config.LoadBootstrap(path)
	if err != nil {
		log.Fatalf("Failed to load bootstrap file %s: %v", path, err)
	}
	if err := seed.Apply(ctx, store.Backends, store.Rules, registry); err != nil {
		log.Warnf("Bootstrap file %s has invalid entries: %v", path, err)
	}
}
