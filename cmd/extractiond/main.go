package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/planloom/extraction-backend/internal/clients/redis"
	"github.com/planloom/extraction-backend/internal/db"
	"github.com/planloom/extraction-backend/internal/extraction"
	"github.com/planloom/extraction-backend/internal/jobs"
	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/platform/config"
	"github.com/planloom/extraction-backend/internal/repos"
	"github.com/planloom/extraction-backend/internal/services"
)

func main() {
	log, err := logger.NewFromEnv()
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Error("Config load failed", "error", err)
		os.Exit(1)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(cfg.DSN(), log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	schemaRepo := repos.NewSchemaRepo(thePG, log)
	jobRepo := repos.NewExtractionJobRepo(thePG, log)
	resultRepo := repos.NewExtractionResultRepo(thePG, log)
	supplierRepo := repos.NewSupplierRepo(thePG, log)
	matchRepo := repos.NewSupplierMatchRepo(thePG, log)

	// Redis event bus; extraction keeps running if it is down.
	bus, err := redis.NewJobBus(cfg.Redis.Addr, cfg.Redis.Channel, log)
	if err != nil {
		log.Warn("Redis job bus unavailable, events disabled", "error", err)
		bus = redis.NewNopJobBus()
	}
	defer bus.Close()

	// Services
	log.Info("Setting up Services from main...")
	llmClient, err := services.NewHTTPLLMClient(cfg, log)
	if err != nil {
		log.Error("Could not init LLMClient", "error", err)
		os.Exit(1)
	}
	parser := extraction.NewParser(log)
	agentPipeline := extraction.NewAgentPipeline(
		services.NewTextInvoker(llmClient),
		parser,
		log,
		time.Duration(cfg.Extraction.AgentTimeoutSecs)*time.Second,
	)
	notifier := services.NewJobNotifier(bus, log)
	store := services.NewLocalDocumentStore(cfg.Documents.Dir, log)
	renderer := services.NewImagePageRenderer(log)

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	schemaService := services.NewSchemaService(thePG, log, schemaRepo, jobRepo, cfg.Extraction.SchemaByteCap, cfg.Extraction.IdentifierRetries, rnd)
	jobService := services.NewJobService(
		thePG, log,
		jobRepo, resultRepo, schemaService,
		llmClient, store, renderer, parser, agentPipeline, notifier,
		cfg.Extraction.DataLayerConcurrency,
		cfg.ExternalTimeout(),
	)
	supplierService := services.NewSupplierService(thePG, log, supplierRepo, matchRepo, resultRepo)

	// Worker loop
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := jobs.NewWorker(thePG, log, jobRepo, jobService, supplierService, time.Duration(cfg.Worker.PollIntervalSecs)*time.Second)
	worker.Start(ctx)
	log.Info("Extraction worker started", "poll_interval_seconds", cfg.Worker.PollIntervalSecs)

	<-ctx.Done()
	log.Info("Shutting down")
}
