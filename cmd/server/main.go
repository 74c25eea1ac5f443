package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lexiqai/speech-relay/internal/api"
	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/gemini"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/relay"
	"github.com/lexiqai/speech-relay/internal/stt"
)

const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "speech-relay",
	Short: "Relay browser audio to Soniox real-time transcription",
	Long: `speech-relay accepts browser WebSocket connections, forwards their audio
to the Soniox real-time API and streams partial and final transcripts back.
It also serves the Soniox key lookup and the Gemini upload and question endpoints.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		envFiles, _ := cmd.Flags().GetStringSlice("env-file")
		return run(envFiles)
	},
}

func init() {
	rootCmd.Flags().StringSlice("env-file", nil, "Dotenv files to load before reading the environment (default .env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(envFiles []string) error {
	// Load configuration
	cfg, err := config.Load(envFiles...)
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return err
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("soniox_url", cfg.SonioxURL).
		Str("soniox_model", cfg.SonioxModel).
		Strs("language_hints", cfg.SonioxLanguageHints).
		Bool("gemini_enabled", cfg.GeminiEnabled()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech relay starting")

	// Sessions outlive their HTTP handlers' request contexts; this one ends them
	baseCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	dialer := stt.NewSonioxDialer(cfg)
	registry := relay.NewRegistry()

	var assistant api.Assistant
	var geminiClient *gemini.Client
	if cfg.GeminiEnabled() {
		geminiClient, err = gemini.NewClient(baseCtx, cfg)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create Gemini client")
			return err
		}
		defer geminiClient.Close()
		assistant = geminiClient
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set, /api/main will answer 503")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger)
	r.Use(middleware.Recoverer)

	// Browser WebSocket relay
	r.Get("/", relay.HandleClientWS(baseCtx, dialer, registry, relay.Options{
		FinalizeTimeout: cfg.FinalizeTimeoutDuration(),
	}))

	// Health check endpoint
	r.Get("/health", observability.HealthCheckHandler())

	// Readiness endpoint; a dependency is not ready while its circuit is open
	checks := map[string]observability.HealthCheckFunc{
		"soniox": observability.CircuitBreakerCheck(dialer.CircuitBreaker()),
	}
	if geminiClient != nil {
		checks["gemini"] = observability.CircuitBreakerCheck(geminiClient.CircuitBreaker())
	}
	r.Get("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/soniox", api.ProviderKeyHandler(cfg))
		r.Get("/main", api.QuestionHandler(assistant))
		r.Post("/main", api.TranscribeHandler(assistant, cfg.MaxUploadBytes))
	})

	// Create HTTP server with timeouts. Upgraded connections clear these deadlines.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Error().Err(err).Msg("Server failed to start")
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Hijacked WebSocket connections are not tracked by Shutdown
	cancelSessions()
	if err := registry.Wait(ctx); err != nil {
		logger.Warn().Err(err).Int("sessions", registry.Len()).Msg("Sessions still open at shutdown deadline")
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}
