package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/krushimitra/voice-engine/internal/audio"
	"github.com/krushimitra/voice-engine/internal/bridge"
	"github.com/krushimitra/voice-engine/internal/config"
	"github.com/krushimitra/voice-engine/internal/observability"
	"github.com/krushimitra/voice-engine/internal/persona"
	"github.com/krushimitra/voice-engine/internal/recording"
	"github.com/krushimitra/voice-engine/internal/transport/gemini"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_health_port", cfg.GRPCHealthPort).
		Str("model", cfg.GeminiModel).
		Str("language", cfg.Language).
		Str("reconnect_strategy", cfg.ReconnectStrategy).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Engine Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	live, err := gemini.New(ctx, cfg.GeminiAPIKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Gemini client")
	}

	recordings := recording.NewStore()
	recordingDir := cfg.RecordingDirectory()

	bridgeServer := bridge.NewServer(bridge.Options{
		Transport:        live,
		Policy:           cfg.RetryPolicy(),
		Recordings:       recordings,
		RecordingDir:     recordingDir,
		PublicURL:        cfg.PublicURL,
		Model:            cfg.GeminiModel,
		Voice:            cfg.GeminiVoice,
		Language:         persona.ParseLanguage(cfg.Language),
		Crop:             cfg.Crop,
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
		CaptureFrameSize: cfg.CaptureFrameSize,
		SendQueueSize:    cfg.SendQueueSize,
		VAD: &audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		},
		Logger: logger,
	})

	// Readiness checks shared by /ready and the gRPC health service
	checks := map[string]observability.HealthCheckFunc{
		"gemini": func(ctx context.Context) (bool, error) {
			// Config-only check; opening a Live session costs quota
			if cfg.GeminiAPIKey == "" {
				return false, errors.New("GEMINI_API_KEY not set")
			}
			return true, nil
		},
		"recording_dir": func(ctx context.Context) (bool, error) {
			info, err := os.Stat(recordingDir)
			if err != nil {
				return false, err
			}
			if !info.IsDir() {
				return false, fmt.Errorf("%s is not a directory", recordingDir)
			}
			return true, nil
		},
	}

	// Create HTTP server
	mux := http.NewServeMux()
	bridgeServer.Routes(mux)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: the session socket is long-lived
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	grpcHealth := observability.NewGRPCHealthServer(checks, logger)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		endpoint := fmt.Sprintf("ws://localhost:%s/sessions/ws", cfg.Port)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + "/sessions/ws"
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health service listening")
		if err := grpcHealth.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		grpcHealth.Watch(gctx, 10*time.Second)
		return nil
	})

	// Wait for a signal or a server failure, then shut everything down
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop browser sessions first so their recordings finalize
		if err := bridgeServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Timed out stopping sessions")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		grpcHealth.Stop()

		// Recordings live only as long as the process
		if err := recordings.DiscardAll(); err != nil {
			logger.Error().Err(err).Msg("Failed to discard recordings")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}

	logger.Info().Msg("Server exited gracefully")
}
