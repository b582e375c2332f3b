// main package for the voice-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/access"
	"github.com/book-expert/voice-bundle-service/internal/config"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/gateway"
	"github.com/book-expert/voice-bundle-service/internal/ledger"
	"github.com/book-expert/voice-bundle-service/internal/metrics"
	"github.com/book-expert/voice-bundle-service/internal/objectstore"
	"github.com/book-expert/voice-bundle-service/internal/pipeline"
	"github.com/book-expert/voice-bundle-service/internal/server"
	"github.com/book-expert/voice-bundle-service/internal/synthesis"
	"github.com/book-expert/voice-bundle-service/internal/synthesis/elevenlabs"
	"github.com/book-expert/voice-bundle-service/internal/text"
	"github.com/book-expert/voice-bundle-service/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "voice-service-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	return log, nil
}

// services holds the wired components.
type services struct {
	natsConnection *nats.Conn
	jetstream      nats.JetStreamContext
	bundleStore    core.ObjectStore
	ledger         *ledger.KVLedger
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := metrics.NewMetrics(registry)

	svc, err := connect(cfg, log)
	if err != nil {
		return err
	}

	if svc.natsConnection != nil {
		defer svc.natsConnection.Close()
	}

	var oracle access.EntitlementOracle = access.DenyAll{}
	if svc.ledger != nil {
		oracle = svc.ledger
	}

	gw := gateway.New(svc.bundleStore, log, m)
	verifier := access.NewVerifier(oracle, log, m)

	processor := pipeline.NewProcessor(
		pipeline.DetectNormalizer(ctx, cfg.Pipeline.FFmpegPath, log),
		pipeline.NewDigestEmbedder(cfg.Pipeline.EmbeddingSize),
		gw,
		log,
		m,
		pipeline.Options{Namespace: cfg.Pipeline.Namespace, PreviewSeconds: cfg.Pipeline.PreviewSeconds},
	)

	provider := elevenlabs.NewClient(elevenlabs.Config{
		BaseURL:           cfg.Synthesis.APIBaseURL,
		APIKey:            cfg.Synthesis.APIKey,
		Timeout:           cfg.SynthesisTimeout(),
		RequestsPerSecond: cfg.Synthesis.RequestsPerSecond,
		Burst:             cfg.Synthesis.Burst,
	}, log)

	dispatcher := synthesis.NewDispatcher(
		provider,
		gw,
		verifier,
		text.NewSanitizer(cfg.Synthesis.MaxTextLength),
		synthesis.Settings{
			ProviderPrefix:         cfg.Synthesis.ProviderPrefix,
			DefaultVoiceID:         cfg.Synthesis.DefaultVoiceID,
			ModelID:                cfg.Synthesis.ModelID,
			Stability:              cfg.Synthesis.Stability,
			SimilarityBoost:        cfg.Synthesis.SimilarityBoost,
			DefaultSimilarityBoost: cfg.Synthesis.DefaultSimilarityBoost,
		},
		log,
		m,
	)

	deps := server.Dependencies{
		Bundles:     gw,
		Ingestor:    processor,
		Synthesizer: dispatcher,
		Authorizer:  verifier,
		Gatherer:    registry,
	}

	if cfg.Synthesis.APIKey != "" {
		deps.Voices = provider
	} else {
		log.Warn("No provider API key configured; synthesis will fail with upstream errors")
	}

	if svc.ledger != nil {
		deps.Entitlements = svc.ledger
	}

	httpServer := server.NewHTTPServer(server.Config{
		Addr:            cfg.HTTP.Addr,
		Timeout:         cfg.HTTPTimeout(),
		PipelineTimeout: cfg.PipelineTimeout(),
		MaxUploadBytes:  cfg.Pipeline.MaxUploadBytes,
	}, deps, log, m)

	// Every component is built before anything starts serving.
	synthesisWorker, err := newWorker(svc, cfg, dispatcher, log)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})

	if synthesisWorker != nil {
		group.Go(func() error {
			return synthesisWorker.Run(groupCtx)
		})
	}

	log.System("Voice-Service successfully initialized. HTTP on %s, storage %s, oracle %s.",
		cfg.HTTP.Addr, cfg.Storage.Backend, cfg.Access.Oracle)

	err = group.Wait()
	if err != nil {
		return fmt.Errorf("service stopped: %w", err)
	}

	log.System("Voice-Service stopped.")

	return nil
}

// newWorker builds the NATS synthesis worker. It returns nil without JetStream.
func newWorker(svc *services, cfg *config.Config, synth worker.Synthesizer, log *logger.Logger) (*worker.NatsWorker, error) {
	if svc.jetstream == nil {
		return nil, nil
	}

	audioStore, err := objectstore.New(svc.jetstream, cfg.NATS.AudioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio store: %w", err)
	}

	synthesisWorker, err := worker.NewNatsWorker(svc.natsConnection, cfg.NATS.SynthesizeSubject, synth, audioStore, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	return synthesisWorker, nil
}

// connect opens NATS when configured and builds the bundle store and ledger.
func connect(cfg *config.Config, log *logger.Logger) (*services, error) {
	svc := &services{}

	if cfg.NATS.URL != "" {
		natsConnection, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}

		jetstreamContext, err := natsConnection.JetStream()
		if err != nil {
			natsConnection.Close()

			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}

		svc.natsConnection = natsConnection
		svc.jetstream = jetstreamContext

		log.Info("Connected to NATS at %s", cfg.NATS.URL)
	}

	switch cfg.Storage.Backend {
	case config.StorageBackendNATS:
		store, err := objectstore.New(svc.jetstream, cfg.NATS.BundleBucket)
		if err != nil {
			return nil, closeOnError(svc, fmt.Errorf("failed to create bundle store: %w", err))
		}

		svc.bundleStore = store
	default:
		store, err := objectstore.NewFS(cfg.Storage.Root)
		if err != nil {
			return nil, closeOnError(svc, fmt.Errorf("failed to create bundle store: %w", err))
		}

		svc.bundleStore = store
	}

	if cfg.Access.Oracle == config.OracleLedger {
		entitlements, err := ledger.New(svc.jetstream, cfg.NATS.EntitlementBucket)
		if err != nil {
			return nil, closeOnError(svc, fmt.Errorf("failed to create entitlement ledger: %w", err))
		}

		svc.ledger = entitlements
	}

	return svc, nil
}

func closeOnError(svc *services, err error) error {
	if svc.natsConnection != nil {
		svc.natsConnection.Close()
	}

	return err
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
