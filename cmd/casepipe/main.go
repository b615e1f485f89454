package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docquery/casepipe/internal/bus"
	"github.com/docquery/casepipe/internal/config"
	"github.com/docquery/casepipe/internal/domain"
	httpserver "github.com/docquery/casepipe/internal/http"
	"github.com/docquery/casepipe/internal/http/handlers"
	"github.com/docquery/casepipe/internal/llm"
	"github.com/docquery/casepipe/internal/ocr"
	"github.com/docquery/casepipe/internal/pipeline"
	"github.com/docquery/casepipe/internal/storage"
	"github.com/docquery/casepipe/internal/store"
)

// deadLetterBus is satisfied by every bus backend; the hook lets the
// pipeline settle cases whose messages exhaust their retries.
type deadLetterBus interface {
	bus.Bus
	SetDeadLetterFunc(bus.DeadLetterFunc)
}

func main() {
	logger := log.New(os.Stdout, "[casepipe] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cases, handlesStore, storeCloser := setupStores(ctx, cfg, logger)
	defer storeCloser()

	messageBus, busCloser := setupBus(ctx, cfg, logger)
	defer busCloser()
	messageBus.SetDeadLetterFunc(pipeline.NewDeadLetterPolicy(cases, logger).Handle)

	objects, notifier := setupStorage(cfg, logger)

	ocrClient := ocr.NewHTTPClient(ocr.HTTPClientConfig{
		BaseURL:   cfg.OCREndpoint,
		APIKey:    cfg.OCRAPIKey,
		Timeout:   cfg.OCRTimeout,
		RateLimit: cfg.OCRRateLimit,
		RateBurst: cfg.OCRRateBurst,
	})
	llmClient := setupLLM(cfg, logger)

	if cfg.WorkerEnabled {
		startWorkers(ctx, cfg, messageBus, cases, handlesStore, objects, ocrClient, llmClient, logger)
		go storage.PumpEvents(ctx, notifier, messageBus, logger)
		go pipeline.NewReaper(cases, handlesStore, cfg.ReaperInterval, logger).Start(ctx)
		logger.Printf("pipeline workers started per_stage=%d", cfg.StageWorkers)
	} else {
		logger.Printf("pipeline workers disabled by configuration")
	}

	api := handlers.NewAPI(cases, messageBus, logger)
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func startWorkers(
	ctx context.Context,
	cfg config.Config,
	messageBus bus.Bus,
	cases store.CaseStore,
	handlesStore store.HandleStore,
	objects storage.ObjectStore,
	ocrClient ocr.Client,
	llmClient llm.Client,
	logger *log.Logger,
) {
	if local, ok := messageBus.(*bus.LocalBus); ok {
		// Register groups up front so publishes before the first consume
		// are not dropped.
		local.EnsureGroup(domain.TopicDocumentsUploaded, pipeline.GroupIngestion)
		local.EnsureGroup(domain.TopicExtractionRequests, pipeline.GroupExtraction)
		local.EnsureGroup(domain.TopicOCRNotifications, pipeline.GroupCompletion)
		local.EnsureGroup(domain.TopicExtractionComplete, pipeline.GroupInference)
	}

	ingestion := pipeline.NewIngestionRouter(messageBus, cases, logger)
	extraction := pipeline.NewExtractionOrchestrator(
		messageBus, cases, handlesStore, ocrClient, cfg.CallbackTarget, cfg.HandleTTL, logger)
	completion := pipeline.NewCompletionRouter(messageBus, cases, handlesStore, logger)
	inference := pipeline.NewInferenceInvoker(messageBus, cases, objects, llmClient, "", logger)

	workers := cfg.StageWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go ingestion.Start(ctx)
		go extraction.Start(ctx)
		go completion.Start(ctx)
		go inference.Start(ctx)
	}
}

func setupStores(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (store.CaseStore, store.HandleStore, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory stores")
		return store.NewMemoryCaseStore(), store.NewMemoryHandleStore(), func() {}
	}

	pgCases, err := store.NewPostgresCaseStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres stores, fallback to memory: %v", err)
		return store.NewMemoryCaseStore(), store.NewMemoryHandleStore(), func() {}
	}
	logger.Printf("postgres stores initialized")
	return pgCases, store.NewPostgresHandleStore(pgCases.Pool()), pgCases.Close
}

func setupBus(ctx context.Context, cfg config.Config, logger *log.Logger) (deadLetterBus, func()) {
	policy := bus.RetryPolicy{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
	}

	if cfg.RedisAddr != "" {
		streams, err := bus.NewStreamsBus(ctx, bus.StreamsConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Consumer: cfg.RedisConsumer,
			Lease:    cfg.MessageLease,
			Policy:   policy,
		}, logger)
		if err == nil {
			logger.Printf("redis streams bus initialized")
			return streams, func() { _ = streams.Close() }
		}
		logger.Printf("failed to initialize redis streams bus, fallback to local: %v", err)
	}

	if cfg.NATSURL != "" {
		jetstream, err := bus.NewJetStreamBus(bus.JetStreamConfig{
			URL:    cfg.NATSURL,
			Lease:  cfg.MessageLease,
			Policy: policy,
		}, logger)
		if err == nil {
			logger.Printf("nats jetstream bus initialized")
			return jetstream, func() { jetstream.Close() }
		}
		logger.Printf("failed to initialize jetstream bus, fallback to local: %v", err)
	}

	logger.Printf("using in-process local bus")
	return bus.NewLocalBus(512, policy, logger), func() {}
}

func setupStorage(cfg config.Config, logger *log.Logger) (storage.ObjectStore, storage.Notifier) {
	if cfg.StorageDir != "" {
		fsStore, err := storage.NewFilesystemStore(cfg.StorageDir)
		if err == nil {
			logger.Printf("filesystem object store initialized dir=%s", cfg.StorageDir)
			return fsStore, fsStore
		}
		logger.Printf("failed to initialize filesystem store, fallback to memory: %v", err)
	}
	memory := storage.NewMemoryStore()
	return memory, memory
}

func setupLLM(cfg config.Config, logger *log.Logger) llm.Client {
	if cfg.OpenAIAPIKey != "" {
		logger.Printf("openai inference client initialized")
		return llm.NewOpenAIClient(llm.OpenAIClientConfig{
			APIKey:    cfg.OpenAIAPIKey,
			Model:     cfg.OpenAIModel,
			Timeout:   cfg.LLMTimeout,
			RateLimit: cfg.LLMRateLimit,
			RateBurst: cfg.LLMRateBurst,
		})
	}
	logger.Printf("http inference client initialized endpoint=%s", cfg.LLMEndpoint)
	return llm.NewEndpointClient(llm.EndpointClientConfig{
		BaseURL:    cfg.LLMEndpoint,
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.LLMModel,
		Timeout:    cfg.LLMTimeout,
		MaxRetries: cfg.LLMMaxRetries,
		RateLimit:  cfg.LLMRateLimit,
		RateBurst:  cfg.LLMRateBurst,
	})
}
