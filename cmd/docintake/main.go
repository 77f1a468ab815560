package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/docintake/internal/classifier"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/export"
	"github.com/joseph-ayodele/docintake/internal/ingest"
	"github.com/joseph-ayodele/docintake/internal/llm"
	"github.com/joseph-ayodele/docintake/internal/llm/openai"
	"github.com/joseph-ayodele/docintake/internal/notify"
	"github.com/joseph-ayodele/docintake/internal/ocr"
	"github.com/joseph-ayodele/docintake/internal/queue"
	repo "github.com/joseph-ayodele/docintake/internal/repository"
	"github.com/joseph-ayodele/docintake/internal/server"
)

func main() {
	cfg := common.LoadConfig()
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.Open(ctx, repo.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		Path:             cfg.Database.SQLitePath,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer db.Close(logger)

	if err := db.HealthCheck(ctx, 5*time.Second, logger); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	extractor := ocr.NewExtractor(ocr.Config{
		Pdftoppm:            cfg.OCR.Pdftoppm,
		Tesseract:           cfg.OCR.Tesseract,
		TesseractLang:       cfg.OCR.Lang,
		TessdataDir:         cfg.OCR.TessdataDir,
		PSM:                 cfg.OCR.PSM,
		OEM:                 cfg.OCR.OEM,
		RenderWidth:         cfg.OCR.RenderWidth,
		ScratchDir:          cfg.OCR.ScratchDir,
		EnableTSVConfidence: cfg.OCR.TSVConfidence,
	}, logger)

	// without an API key the classifier runs on keywords only
	var model llm.Completer
	if oc := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger); oc.Configured() {
		model = oc
		logger.Info("classifier model configured", "model", oc.Model())
	} else {
		logger.Warn("OPENAI_API_KEY not set, classifying by keywords only")
	}
	cls, err := classifier.New(model, classifier.Config{MaxChars: cfg.LLM.MaxTextChars}, logger)
	if err != nil {
		logger.Error("failed to build classifier", "error", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = notify.NewRedisClient(ctx, notify.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	qopts := []queue.Option{
		queue.WithWorkers(cfg.Queue.Concurrency),
		queue.WithRetryPolicy(queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
			Strategy:    cfg.Queue.BackoffStrategy,
			MaxBackoff:  cfg.Queue.MaxBackoff,
		}),
		queue.WithPollInterval(cfg.Queue.PollInterval),
		queue.WithLeaseDuration(cfg.Queue.LeaseDuration),
		queue.WithStalledRecovery(cfg.Queue.StalledInterval, cfg.Queue.MaxStalledCount),
		queue.WithRetention(cfg.Queue.RetentionWindow, cfg.Queue.CleanupInterval),
		queue.WithStageTimeouts(cfg.OCR.StageTimeout, cfg.LLM.StageTimeout),
		queue.WithDefaultLanguage(cfg.OCR.Lang),
	}
	if !cfg.OCR.SkipHealthCheck {
		qopts = append(qopts, queue.WithHealthCheck(extractor.HealthCheck))
	}
	if rdb != nil {
		qopts = append(qopts, queue.WithObserver(notify.NewRedisPublisher(rdb, cfg.Redis.EventsChannel, logger)))
	}
	if cfg.AMQP.URL != "" {
		pub, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey, logger)
		if err != nil {
			logger.Error("failed to connect to amqp broker", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		qopts = append(qopts, queue.WithObserver(pub))
	}

	mgr := queue.NewManager(repo.NewJobRepository(db, logger), extractor, cls, logger, qopts...)

	grpcHealth, err := server.NewGRPCHealth(cfg.Server.GRPCAddr, logger)
	if err != nil {
		logger.Error("failed to listen for grpc", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := grpcHealth.Serve(); err != nil {
			logger.Error("grpc serve error", "error", err)
		}
	}()

	if err := mgr.Initialize(ctx); err != nil {
		logger.Error("queue failed to start", "error", err)
		grpcHealth.Stop()
		os.Exit(1)
	}
	grpcHealth.SetServing(true)

	gin.SetMode(gin.ReleaseMode)
	ropts := []server.Option{}
	if rdb != nil && cfg.Server.RateLimit > 0 {
		ropts = append(ropts, server.WithUploadLimiter(server.NewRateLimiter(server.RateLimitConfig{
			Client: rdb,
			Limit:  cfg.Server.RateLimit,
			Window: cfg.Server.RateLimitWindow,
			Logger: logger,
		})))
	}
	router := server.NewRouter(mgr, export.NewService(mgr, logger), server.Config{
		UploadDir:          cfg.Server.UploadDir,
		MaxUploadBytes:     cfg.Server.MaxUploadBytes,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}, logger, ropts...)

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("docintake listening", "http", cfg.Server.HTTPAddr, "grpc", cfg.Server.GRPCAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "error", err)
			stop()
		}
	}()

	if len(cfg.Ingest.Dirs) > 0 {
		intake := ingest.NewService(mgr, ingest.Config{
			UploadDir: cfg.Server.UploadDir,
			Language:  cfg.Ingest.Language,
			Priority:  cfg.Ingest.Priority,
		}, logger)
		go func() {
			err := intake.Run(ctx, ingest.WatchConfig{
				Roots:       cfg.Ingest.Dirs,
				InitialScan: true,
				Debounce:    cfg.Ingest.Debounce,
			})
			if err != nil {
				logger.Error("watch folder stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	grpcHealth.SetServing(false)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	mgr.Shutdown(shutdownCtx)
	grpcHealth.Stop()
	logger.Info("stopped")
}

func newLogger(cfg common.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
