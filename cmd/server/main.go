// proctord - exam proctoring decision server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/proctord/internal/api"
	"github.com/ashureev/proctord/internal/classifier"
	"github.com/ashureev/proctord/internal/config"
	"github.com/ashureev/proctord/internal/identity"
	"github.com/ashureev/proctord/internal/middleware"
	"github.com/ashureev/proctord/internal/proctor"
	"github.com/ashureev/proctord/internal/retention"
	"github.com/ashureev/proctord/internal/store"
	"github.com/ashureev/proctord/internal/stream"
	"github.com/ashureev/proctord/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"max_warnings", cfg.Proctor.MaxWarnings,
		"correction_window", cfg.Proctor.CorrectionWindow,
		"clear_frames", cfg.Proctor.ClearFrames,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineOpts := []proctor.Option{proctor.WithLogger(logger)}

	// Metrics (optional).
	var recorder interface {
		proctor.Recorder
		Close(ctx context.Context) error
	} = telemetry.NewNoOpExporter()
	if cfg.Otel.Enabled {
		exporter, err := telemetry.NewExporter(ctx, cfg.Telemetry())
		if err != nil {
			slog.Warn("Failed to initialize OTEL exporter, metrics disabled", "error", err)
		} else {
			recorder = exporter
			slog.Info("OTEL metrics enabled", "endpoint", cfg.Otel.Endpoint)
		}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if closeErr := recorder.Close(closeCtx); closeErr != nil {
			slog.Error("Failed to flush metrics", "error", closeErr)
		}
	}()
	engineOpts = append(engineOpts, proctor.WithRecorder(recorder))

	// Audit trail (optional).
	var (
		repo        *store.SQLiteStore
		auditReader api.AuditReader
		dbPinger    api.Pinger
	)
	//nolint:nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
	if cfg.Audit.Enabled {
		repo, err = store.NewSQLite(cfg.Audit.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()

		if err := repo.Ping(ctx); err != nil {
			slog.Error("Database health check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Database connected", "path", cfg.Audit.DBPath)

		writer := store.NewAuditWriter(repo, cfg.Audit.QueueSize, logger)
		defer func() {
			if closeErr := writer.Close(); closeErr != nil {
				slog.Error("Failed to flush audit writer", "error", closeErr)
			}
		}()
		engineOpts = append(engineOpts, proctor.WithEventSink(writer))

		retention.StartWorker(ctx, repo, cfg.Audit.Retention, retention.DefaultInterval)
		auditReader, dbPinger = repo, repo
	} else {
		slog.Info("Audit trail disabled")
	}

	// Frame classifier gRPC client (optional).
	var classifierHealth api.ClassifierHealth
	if cfg.Classifier.Addr != "" {
		slog.Info("Attempting to connect to frame classifier via gRPC", "address", cfg.Classifier.Addr)
		clientCfg := classifier.DefaultGrpcClientConfig()
		clientCfg.Address = cfg.Classifier.Addr
		client, err := classifier.NewGrpcClient(clientCfg, logger)
		if err != nil {
			slog.Warn("Failed to connect to classifier, image frames will be rejected", "error", err)
		} else {
			defer client.Close()
			engineOpts = append(engineOpts, proctor.WithClassifier(client, cfg.Classifier.Timeout))
			classifierHealth = client
		}
	} else {
		slog.Info("Frame classifier disabled (CLASSIFIER_ADDR not set), only pre-classified frames accepted")
	}

	// Initialize services.
	engine := proctor.NewEngine(proctor.NewStore(), cfg.Policy(), engineOpts...)
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.Frames, cfg.RateLimit.Window)
	connectLimiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.Connects, cfg.RateLimit.ConnectWindow)
	sm := stream.NewSessionManager()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(dbPinger, classifierHealth, 5*time.Second)
	proctorHandler := api.NewProctorHandler(api.ProctorDeps{
		Engine:        engine,
		Limiter:       limiter,
		Audit:         auditReader,
		Streams:       sm,
		MaxFrameBytes: cfg.Proctor.MaxFrameBytes,
	})
	wsHandler := stream.NewHandler(engine, sm, limiter, cfg.FrontendURL, cfg.IsDevelopment(), cfg.Proctor.MaxFrameBytes)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware)

	// Public routes.
	healthHandler.RegisterHealth(r)
	proctorHandler.RegisterRoutes(r)

	// WebSocket endpoint. Reconnect storms are throttled per session before the upgrade.
	r.With(middleware.RateLimit(connectLimiter, stream.ConnectKey)).Get("/ws/proctor", wsHandler.ServeHTTP)

	// Create server.
	// WebSocket streams are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	sm.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}
