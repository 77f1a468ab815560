package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/classifier"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/entity"
	"github.com/joseph-ayodele/docintake/internal/ocr"
	"github.com/joseph-ayodele/docintake/internal/repository"
)

// TextExtractor is the OCR stage.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string, opts ocr.Options) ocr.Result
}

// DocumentClassifier is the classification stage.
type DocumentClassifier interface {
	Classify(ctx context.Context, text string, opts classifier.Options) classifier.Result
}

// JobHandle is returned by AddJob.
type JobHandle struct {
	ID    string             `json:"id"`
	State constants.JobState `json:"state"`
}

// Manager owns the job lifecycle: it persists jobs, runs a bounded pool of
// workers over them and is the only place that decides retry or failure.
type Manager struct {
	repo   repository.JobRepository
	ocr    TextExtractor
	cls    DocumentClassifier
	logger *slog.Logger

	workers         int
	policy          RetryPolicy
	pollInterval    time.Duration
	leaseDuration   time.Duration
	stalledInterval time.Duration
	maxStalled      int
	retention       time.Duration
	cleanupInterval time.Duration
	ocrTimeout      time.Duration
	classifyTimeout time.Duration
	defaultLang     string
	healthCheck     func(context.Context) error
	observers       []Observer
	now             func() time.Time

	wake chan struct{}
	quit chan struct{}

	subMu      sync.RWMutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool

	mu        sync.Mutex
	started   bool
	closed    bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

type Option func(*Manager)

func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func WithLeaseDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.leaseDuration = d
		}
	}
}

// WithStalledRecovery sets how often expired leases are swept and how many
// times a job may stall before it fails.
func WithStalledRecovery(interval time.Duration, maxStalled int) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.stalledInterval = interval
		}
		if maxStalled >= 0 {
			m.maxStalled = maxStalled
		}
	}
}

// WithRetention enables the periodic cleaner.
func WithRetention(retention, interval time.Duration) Option {
	return func(m *Manager) {
		m.retention = retention
		if interval > 0 {
			m.cleanupInterval = interval
		}
	}
}

func WithStageTimeouts(ocrTimeout, classifyTimeout time.Duration) Option {
	return func(m *Manager) {
		m.ocrTimeout = ocrTimeout
		m.classifyTimeout = classifyTimeout
	}
}

// WithDefaultLanguage is used for jobs enqueued without a language.
func WithDefaultLanguage(lang string) Option {
	return func(m *Manager) { m.defaultLang = lang }
}

// WithHealthCheck must pass before Initialize starts the workers.
func WithHealthCheck(fn func(context.Context) error) Option {
	return func(m *Manager) { m.healthCheck = fn }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(repo repository.JobRepository, extractor TextExtractor, cls DocumentClassifier, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		repo:            repo,
		ocr:             extractor,
		cls:             cls,
		logger:          logger.With("component", "queue"),
		workers:         4,
		policy:          DefaultRetryPolicy(),
		pollInterval:    time.Second,
		leaseDuration:   30 * time.Second,
		stalledInterval: 15 * time.Second,
		maxStalled:      1,
		cleanupInterval: time.Hour,
		ocrTimeout:      2 * time.Minute,
		classifyTimeout: time.Minute,
		now:             time.Now,
		subs:            make(map[int]chan Event),
		quit:            make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.wake = make(chan struct{}, m.workers)
	return m
}

// Initialize runs the health check and starts workers, the stalled-job
// sweeper and the retention cleaner. It may be called once.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("queue is shut down")
	}
	if m.started {
		return nil
	}
	if err := m.policy.Validate(); err != nil {
		return common.NewAppError(common.CodeConfig, err.Error(), common.ErrInvalidInput)
	}
	if m.healthCheck != nil {
		if err := m.healthCheck(ctx); err != nil {
			m.logger.Error("queue.init.health_failed", "error", err)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel

	// recover whatever a previous process left behind before taking new work
	m.sweep(runCtx)

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(runCtx, i+1)
	}
	m.wg.Add(1)
	go m.maintenance(runCtx)

	m.started = true
	m.logger.Info("queue.started",
		"workers", m.workers,
		"max_attempts", m.policy.MaxAttempts,
		"backoff", m.policy.Strategy,
		"lease", m.leaseDuration,
	)
	return nil
}

// Shutdown stops leasing new jobs and waits for in-flight jobs until ctx is
// done; jobs still running after that are cancelled and left to lease
// expiry, so the next process recovers them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.quit)
	started := m.started
	m.mu.Unlock()

	if !started {
		m.closeSubscribers()
		return
	}

	done := make(chan struct{})
	go func() { defer close(done); m.wg.Wait() }()

	select {
	case <-done:
		m.logger.Info("queue drained, shutdown complete")
	case <-ctx.Done():
		m.logger.Warn("shutdown interrupted by context, cancelling in-flight jobs")
		m.runCancel()
		<-done
	}
	m.runCancel()
	m.closeSubscribers()
}

func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subsClosed = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

// AddJob validates and durably stores a job, then wakes an idle worker.
func (m *Manager) AddJob(ctx context.Context, p entity.Payload) (JobHandle, error) {
	if p.Filename == "" {
		p.Filename = filepath.Base(p.FilePath)
	}
	v := common.NewValidator().
		Field("filepath", p.FilePath, common.Required, common.MaxLength(4096)).
		Field("filename", p.Filename, common.Required, common.MaxLength(512)).
		Field("language", p.Language, common.OCRLanguage).
		Field("priority", p.Priority, common.IntRange(-100, 100))
	if err := common.ValidateAndReturnError(v); err != nil {
		return JobHandle{}, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return JobHandle{}, common.TransientError("queue is shutting down", nil)
	}

	now := m.now()
	job := &entity.Job{
		ID:          uuid.NewString(),
		Payload:     p,
		State:       constants.JobWaiting,
		MaxAttempts: m.policy.MaxAttempts,
		EnqueuedAt:  now,
		RunAt:       now,
	}
	if err := m.repo.Insert(ctx, job); err != nil {
		return JobHandle{}, common.WrapError(err, "enqueue job")
	}

	m.logger.Info("queue.job.added", "job_id", job.ID, "filename", p.Filename, "priority", p.Priority)
	m.emit(ctx, Event{Type: EventAdded, JobID: job.ID, State: job.State, At: now})
	m.notify()
	return JobHandle{ID: job.ID, State: job.State}, nil
}

// notify wakes one idle worker without blocking.
func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// GetJobStatus returns the public view of a job; unknown ids yield
// common.ErrNotFound.
func (m *Manager) GetJobStatus(ctx context.Context, id string) (entity.JobStatus, error) {
	job, err := m.repo.Get(ctx, id)
	if err != nil {
		return entity.JobStatus{}, err
	}
	return job.Status(), nil
}

func (m *Manager) GetQueueStats(ctx context.Context) (entity.QueueStats, error) {
	return m.repo.Counts(ctx)
}

const metricsWindow = time.Hour

// GetMetrics reports counts plus completion figures over the last hour.
func (m *Manager) GetMetrics(ctx context.Context) (entity.QueueMetrics, error) {
	st, err := m.repo.Counts(ctx)
	if err != nil {
		return entity.QueueMetrics{}, err
	}
	ws, err := m.repo.WindowStats(ctx, m.now().Add(-metricsWindow))
	if err != nil {
		return entity.QueueMetrics{}, err
	}
	return entity.QueueMetrics{
		QueueStats:        st,
		Pending:           st.Waiting + st.Delayed + st.Stalled,
		CompletedLastHour: ws.Completed,
		FailedLastHour:    ws.Failed,
		AvgDurationMs:     ws.AvgDurationMs,
		Throughput:        float64(ws.Completed) / metricsWindow.Minutes(),
		Window:            metricsWindow.String(),
	}, nil
}

// CleanJobs removes completed and failed jobs that finished more than
// retention ago and returns how many were removed.
func (m *Manager) CleanJobs(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, common.NewAppError(common.CodeInvalidInput, "retention must not be negative", common.ErrInvalidInput)
	}
	n, err := m.repo.Purge(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	m.logger.Info("queue.clean", "removed", n, "retention", retention.String())
	return n, nil
}

// ListJobs returns recent jobs, newest first, optionally filtered by state.
func (m *Manager) ListJobs(ctx context.Context, state constants.JobState, limit int) ([]*entity.Job, error) {
	if state != "" && !state.Valid() {
		return nil, common.NewAppError(common.CodeInvalidInput, fmt.Sprintf("unknown state %q", state), common.ErrInvalidInput)
	}
	return m.repo.List(ctx, repository.ListFilter{State: state, Limit: limit})
}
