package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/entity"
	"github.com/joseph-ayodele/docintake/internal/queue"
)

// JobManager is the queue surface the HTTP API exposes.
type JobManager interface {
	AddJob(ctx context.Context, p entity.Payload) (queue.JobHandle, error)
	GetJobStatus(ctx context.Context, id string) (entity.JobStatus, error)
	GetQueueStats(ctx context.Context) (entity.QueueStats, error)
	GetMetrics(ctx context.Context) (entity.QueueMetrics, error)
	CleanJobs(ctx context.Context, retention time.Duration) (int64, error)
}

// Exporter renders the XLSX job report.
type Exporter interface {
	ExportJobsXLSX(ctx context.Context, state constants.JobState, limit int) ([]byte, error)
}

type Config struct {
	UploadDir          string
	MaxUploadBytes     int64
	CORSAllowedOrigins []string
}

type Option func(*handlers)

// WithUploadLimiter guards POST /v1/jobs, typically with NewRateLimiter.
func WithUploadLimiter(mw gin.HandlerFunc) Option {
	return func(h *handlers) { h.uploadLimiter = mw }
}

// WithReadiness reports whether the queue accepts work; /healthz answers 503 otherwise.
func WithReadiness(ready func() bool) Option {
	return func(h *handlers) { h.ready = ready }
}

type handlers struct {
	mgr           JobManager
	exporter      Exporter
	cfg           Config
	logger        *slog.Logger
	uploadLimiter gin.HandlerFunc
	ready         func() bool
}

// NewRouter builds the gin engine for the job API.
func NewRouter(mgr JobManager, exporter Exporter, cfg Config, logger *slog.Logger, opts ...Option) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	h := &handlers{mgr: mgr, exporter: exporter, cfg: cfg, logger: logger.With("component", "http")}
	for _, o := range opts {
		o(h)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(h.logger))

	if len(cfg.CORSAllowedOrigins) > 0 {
		cc := cors.DefaultConfig()
		cc.AllowOrigins = cfg.CORSAllowedOrigins
		cc.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Request-ID"}
		cc.ExposeHeaders = []string{"X-Request-ID", "X-RateLimit-Remaining"}
		r.Use(cors.New(cc))
	}

	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	{
		upload := []gin.HandlerFunc{h.createJob}
		if h.uploadLimiter != nil {
			upload = append([]gin.HandlerFunc{h.uploadLimiter}, upload...)
		}
		v1.POST("/jobs", upload...)
		v1.GET("/jobs/export.xlsx", h.exportJobs)
		v1.POST("/jobs/clean", h.cleanJobs)
		v1.GET("/jobs/:id", h.getJob)
		v1.GET("/stats", h.stats)
		v1.GET("/metrics", h.metrics)
	}
	return r
}

const requestIDHeader = "X-Request-ID"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http.request",
			"req_id", common.RequestIDFromContext(c.Request.Context()),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

// respondWithError maps err to its status and never leaks internal causes.
func respondWithError(c *gin.Context, err error) {
	status := common.HTTPStatus(err)
	body := gin.H{"code": "INTERNAL", "message": "internal error"}
	var ae *common.AppError
	if errors.As(err, &ae) && status != http.StatusInternalServerError {
		body = gin.H{"code": ae.Code, "message": ae.Message}
	} else if status == http.StatusNotFound {
		body = gin.H{"code": common.CodeNotFound, "message": "not found"}
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": common.CodeInvalidInput, "message": msg})
}
