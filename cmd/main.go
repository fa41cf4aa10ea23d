package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"sequencer/internal/config"
	"sequencer/internal/core/batch"
	"sequencer/internal/core/job"
	"sequencer/internal/core/outreach"
	"sequencer/internal/core/sequence"
	"sequencer/internal/logger"
	"sequencer/internal/platform/apify"
	"sequencer/internal/platform/eino"
	"sequencer/internal/platform/openai"
	"sequencer/internal/platform/postgres"
	rds "sequencer/internal/platform/redis"
	tasks "sequencer/internal/platform/tasks"
	"sequencer/internal/server"
	"sequencer/internal/worker"
)

func main() {
	cfg := config.Load()
	log.Printf("[sequencer] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.New("main")
	ctx := context.Background()

	// Redis client
	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	// Job store
	var store job.Store
	switch cfg.JobStore {
	case "postgres":
		pool, err := postgres.Connect(ctx, postgres.Options{URL: cfg.DatabaseURL})
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		store = job.NewPostgresStore(pool)
	default:
		store = job.NewRedisStore(redisSvc, cfg.JobRetention)
	}
	logr.LogInfof("job store: %s", cfg.JobStore)

	// Text generation collaborator
	llm, err := newTextGenerator(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize %s text generator: %v", cfg.LLMProvider, err)
	}
	generator := sequence.NewGenerator(llm, cfg.LLMTimeout)

	// Asynq client and worker pool
	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()
	asynqServer := worker.NewServer(redisSvc, cfg.WorkerConcurrency)

	scraper := apify.New(apify.Config{
		Token:    cfg.ApifyToken,
		Timeout:  cfg.ApifyTimeout,
		CacheTTL: cfg.ProfileCacheTTL,
	}, redisSvc)
	if !scraper.Configured() {
		logr.LogWarnf("APIFY_TOKEN not set; scraping endpoints will fail")
	}

	orchestrator := batch.NewOrchestrator(store, generator, cfg.GenerationFanOut)
	outreachSvc := outreach.NewService(store, taskClient, scraper, generator, outreach.Options{
		MaxRetries: cfg.TaskMaxRetries,
		FanOut:     cfg.GenerationFanOut,
	})

	// Worker mux
	mux := worker.NewMux()
	mux.HandleFunc(tasks.TaskTypeGenerate, orchestrator.HandleTask)
	mux.HandleFunc(tasks.TaskTypeScrape, outreachSvc.HandleScrapeTask)

	if err := asynqServer.Start(mux.Mux()); err != nil {
		log.Fatalf("worker start: %v", err)
	}

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "Sequencer",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})

	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Outreach:    outreachSvc,
		Jobs:        store,
		Redis:       redisSvc,
		CORSOrigins: cfg.AllowedOrigins(),
	})
	healthHandler.SetReady()

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}

func newTextGenerator(ctx context.Context, cfg config.Config) (sequence.TextGenerator, error) {
	if cfg.LLMProvider == "openai" {
		return openai.New(openai.Config{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
			MaxTokens:   cfg.LLMMaxTokens,
			MaxRetries:  2,
		})
	}
	return eino.NewService(ctx, eino.Config{
		Provider:    cfg.LLMProvider,
		APIKey:      cfg.GeminiAPIKey,
		Model:       cfg.LLMModel,
		Temperature: float32(cfg.LLMTemperature),
		MaxTokens:   cfg.LLMMaxTokens,
	})
}
