package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"report-verify-pipeline/classifier"
	"report-verify-pipeline/config"
	"report-verify-pipeline/database"
	"report-verify-pipeline/dedup"
	"report-verify-pipeline/geocoding"
	"report-verify-pipeline/handlers"
	"report-verify-pipeline/imagestore"
	"report-verify-pipeline/metrics"
	"report-verify-pipeline/models"
	"report-verify-pipeline/pipeline"
	"report-verify-pipeline/rabbitmq"
	"report-verify-pipeline/resilience"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/joho/godotenv"
)

func main() {
	log.SetHandler(text.New(os.Stderr))

	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Info(".env file not found, using system environment variables")
	}

	// Load configuration
	cfg := config.Load()

	if lvl, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(lvl)
	}

	metrics.Register()

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()
	if err := db.CreateTables(); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	// One breaker per dependency, built here and passed down explicitly.
	breakers := resilience.NewRegistry(
		breakerConfig("geocoder", cfg.Geocoder),
		breakerConfig("classifier", cfg.Classifier),
	)
	geoGuard := newGuard(breakers.Get("geocoder"), cfg.Geocoder)
	classifierGuard := newGuard(breakers.Get("classifier"), cfg.Classifier)

	geocoder := geocoding.NewCached(geocoding.NewNominatimClient(cfg.NominatimURL), cfg.GeocodeCacheTTL)
	cls := newClassifier(cfg)

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ.GetAMQPURL(), cfg.RabbitMQ.Exchange)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ publisher: %v", err)
	}
	defer publisher.Close()

	pool := pipeline.NewWorkerPool(cfg.WorkerCount, cfg.WorkerQueueSize, cfg.VerifyTimeout)

	orchestrator := pipeline.NewOrchestrator(pipeline.Options{
		Store:             db,
		Detector:          dedup.NewDetector(db, cfg.PHashThreshold, cfg.CategoryWindows),
		Fetcher:           imagestore.NewHTTPFetcher(cfg.MaxImageBytes),
		Locations:         pipeline.DefaultLocationChain(geocoder, geoGuard),
		Classifier:        cls,
		ClassifierGuard:   classifierGuard,
		Pool:              pool,
		Publisher:         publisher,
		StatusRoutingKey:  cfg.RabbitMQ.StatusRoutingKey,
		FlaggedRoutingKey: cfg.RabbitMQ.FlaggedRoutingKey,
	})

	subscriber, err := rabbitmq.NewSubscriber(cfg.RabbitMQ.GetAMQPURL(), cfg.RabbitMQ.Exchange,
		cfg.RabbitMQ.ReverifyQueue, cfg.RabbitMQ.SubscriberWorkers)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ subscriber: %v", err)
	}
	subscriber.Start(map[string]rabbitmq.CallbackFunc{
		cfg.RabbitMQ.ReverifyRoutingKey: reverifyCallback(orchestrator),
	})

	h := handlers.NewHandlers(orchestrator, db, breakers)
	router := handlers.NewRouter(h)

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start HTTP server in a goroutine
	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if err := subscriber.Close(); err != nil {
		log.Warnf("Failed to close subscriber: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		log.Warnf("Worker pool did not drain: %v", err)
	}

	log.Info("Server exited")
}

func breakerConfig(name string, s config.BreakerSettings) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:             name,
		FailureThreshold: s.FailureThreshold,
		Window:           s.Window,
		CoolDown:         s.CoolDown,
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			metrics.BreakerTransitionsTotal.WithLabelValues(name, to.String()).Inc()
		},
	}
}

func newGuard(b *resilience.Breaker, s config.BreakerSettings) *resilience.Guard {
	g := resilience.NewGuard(b, resilience.RetryConfig{
		MaxRetries:     s.MaxRetries,
		InitialBackoff: s.InitialBackoff,
		MaxBackoff:     s.MaxBackoff,
		AttemptTimeout: s.AttemptTimeout,
	})
	g.OnOutcome = func(dependency, outcome string) {
		metrics.DependencyCallsTotal.WithLabelValues(dependency, outcome).Inc()
	}
	return g
}

func newClassifier(cfg *config.Config) classifier.Client {
	switch cfg.ClassifierProvider {
	case "stub":
		log.Warn("Using stub classifier; verification results are synthetic")
		return classifier.NewStubClient()
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatal("OPENAI_API_KEY environment variable is required")
		}
		return classifier.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	log.Fatalf("Unknown CLASSIFIER_PROVIDER %q", cfg.ClassifierProvider)
	return nil
}

// reverifyCallback handles re-verification requests sent back by the scheduler.
func reverifyCallback(o *pipeline.Orchestrator) rabbitmq.CallbackFunc {
	return func(msg *rabbitmq.Message) error {
		var req models.ReverifyRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			return rabbitmq.Permanent(err)
		}
		if req.ReportID == "" {
			return rabbitmq.Permanent(errors.New("missing report_id"))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := o.Reverify(ctx, req.ReportID, req.Reason)
		if errors.Is(err, database.ErrReportNotFound) {
			return rabbitmq.Permanent(err)
		}
		return err
	}
}
