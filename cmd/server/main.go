package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/caresignal/vitals-alert-gateway/pkg/api"
	"github.com/caresignal/vitals-alert-gateway/pkg/config"
	"github.com/caresignal/vitals-alert-gateway/pkg/directory"
	"github.com/caresignal/vitals-alert-gateway/pkg/ingest"
	"github.com/caresignal/vitals-alert-gateway/pkg/services"
	"github.com/caresignal/vitals-alert-gateway/pkg/sinks"
	"github.com/caresignal/vitals-alert-gateway/pkg/vitalstore"
)

// @title Vitals Alert Gateway API
// @version 1.0
// @description API for vital sign ingestion, alert delivery and acknowledgment
// @BasePath /api

func main() {
	// Configure Log Level from Environment Variable
	logLevelStr := os.Getenv("LOG_LEVEL")
	switch strings.ToLower(logLevelStr) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel) // Default to Info
	}
	logrus.Infof("Log level set to: %s", logrus.GetLevel().String())

	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Load the alert rule set
	rules := config.LoadRuleSet(cfg.Rules.File)

	// Set up history storage. The in-memory store keeps the history
	// endpoints working in deployments without a streaming database.
	var store vitalstore.Store
	if cfg.Timeplus.Enabled {
		tpStore, err := vitalstore.NewTimeplusStore(&cfg.Timeplus)
		if err != nil {
			logrus.Fatalf("Failed to connect to Timeplus: %v", err)
		}
		store = tpStore
	} else {
		store = vitalstore.NewMemoryStore()
		logrus.Info("Timeplus disabled, keeping vitals history in memory")
	}

	// Initialize the alert pipeline
	registry := services.NewSubscriptionRegistry()
	engine := services.NewDecisionEngine(rules)
	alerts := services.NewAlertService(engine, registry, store)
	processor := ingest.NewProcessor(alerts, store)

	// Set up the caregiver directory
	var caregivers directory.CaregiverDirectory
	var rosterDB interface{ Close() error }
	if cfg.Postgres.Enabled {
		db, err := directory.OpenPostgres(cfg.Postgres.DSN)
		if err != nil {
			logrus.Fatalf("Failed to connect to roster database: %v", err)
		}
		rosterDB = db
		caregivers = directory.NewPostgresDirectory(db)
	} else {
		caregivers = directory.NewStaticDirectory()
		logrus.Info("Postgres disabled, caregiver roster is empty")
	}

	// Start optional ingestion consumers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mqttConsumer *ingest.MQTTConsumer
	if cfg.MQTT.Enabled {
		mqttConsumer, err = ingest.StartMQTT(&cfg.MQTT, processor)
		if err != nil {
			logrus.Fatalf("Failed to start MQTT consumer: %v", err)
		}
	}

	var kafkaConsumer *ingest.KafkaConsumer
	if cfg.Kafka.Enabled {
		kafkaConsumer, err = ingest.StartKafka(ctx, &cfg.Kafka, processor)
		if err != nil {
			logrus.Fatalf("Failed to start Kafka consumer: %v", err)
		}
	}

	// Register audit sinks. They subscribe under the wildcard scope for
	// every recipient role so each alert event reaches them exactly once.
	var redisSink *sinks.RedisStreamSink
	if cfg.Redis.Enabled {
		redisSink = sinks.NewRedisStreamSink(sinks.NewRedisClient(&cfg.Redis), cfg.Redis.Stream, cfg.Redis.MaxLen)
		for _, role := range rules.RecipientRoleUnion() {
			registry.Subscribe(redisSink, role, services.WildcardScope)
		}
		logrus.Infof("Redis audit sink writing to stream %s", cfg.Redis.Stream)
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		hook := sinks.NewWebhookSink(cfg.Webhook.URL, time.Duration(cfg.Webhook.TimeoutSeconds)*time.Second)
		for _, role := range rules.RecipientRoleUnion() {
			registry.Subscribe(hook, role, services.WildcardScope)
		}
		logrus.Infof("Webhook sink posting to %s", cfg.Webhook.URL)
	}

	// Set up the Echo server
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if cfg.Server.AllowedOrigins == "" || cfg.Server.AllowedOrigins == "*" {
		e.Use(middleware.CORS())
	} else {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: strings.Split(cfg.Server.AllowedOrigins, ","),
		}))
	}

	// API routes
	apiHandler := api.NewHandler(rules, alerts, registry, processor, store, caregivers)
	apiHandler.SetupRoutes(e)

	// Swagger documentation
	e.GET("/swagger/*", echo.WrapHandler(httpSwagger.Handler()))

	// Create HTTP server
	// Use PORT environment variable if available, otherwise use config
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE and WebSocket responses stay open for the
		// life of the subscription.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logrus.Infof("Starting server on port %s", port)
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Stop ingestion first so no new alerts get scheduled
	if mqttConsumer != nil {
		mqttConsumer.Close()
	}
	cancel()
	if kafkaConsumer != nil {
		kafkaConsumer.Wait()
	}

	// Cancel pending escalation timers
	alerts.Close()

	// Create a deadline for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	// Shutdown the server
	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	// Flush and release external connections
	if redisSink != nil {
		redisSink.Close()
	}
	if err := store.Close(); err != nil {
		logrus.Warnf("Error closing vitals store: %v", err)
	}
	if rosterDB != nil {
		if err := rosterDB.Close(); err != nil {
			logrus.Warnf("Error closing roster database: %v", err)
		}
	}

	logrus.Info("Server exited properly")
}
