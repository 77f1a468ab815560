package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/classifier"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/entity"
	"github.com/joseph-ayodele/docintake/internal/ocr"
)

// progress milestones
const (
	progressStarted    = 10
	progressExtracted  = 50
	progressClassified = 80
	progressDone       = 100
)

// storeTimeout bounds the final writes of a job, which run even when the
// worker's own context is being cancelled.
const storeTimeout = 10 * time.Second

func (m *Manager) worker(ctx context.Context, workerID int) {
	defer m.wg.Done()
	log := m.logger.With("worker_id", workerID)
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		select {
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.repo.Lease(ctx, uuid.NewString(), m.now(), m.leaseDuration)
		if err != nil && ctx.Err() == nil {
			log.Error("queue.lease.failed", "error", err)
		}
		if job != nil {
			m.process(ctx, log, job)
			continue
		}

		select {
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-time.After(m.pollInterval):
		}
	}
}

// process runs one attempt of job. The lease token in job guards every write.
func (m *Manager) process(ctx context.Context, log *slog.Logger, job *entity.Job) {
	ctx = common.WithJobID(ctx, job.ID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log = log.With("job_id", job.ID, "attempt", job.AttemptsMade)
	start := m.now()

	log.Info("queue.job.active", "filename", job.Payload.Filename, "max_attempts", job.MaxAttempts)
	m.emit(ctx, Event{Type: EventActive, JobID: job.ID, State: constants.JobActive, Attempt: job.AttemptsMade})

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		m.heartbeat(ctx, log, job, cancel)
	}()
	defer func() {
		cancel()
		<-hbDone
	}()

	m.setProgress(ctx, log, job, progressStarted)

	lang := job.Payload.Language
	if lang == "" {
		lang = m.defaultLang
	}
	octx, ocancel := withStageTimeout(ctx, m.ocrTimeout)
	ores := m.ocr.ExtractText(octx, job.Payload.FilePath, ocr.Options{Lang: lang})
	ocancel()
	if !ores.Success {
		err := ores.Err
		if err == nil {
			err = common.TransientError("ocr failed: "+ores.Error, nil)
		}
		m.handleFailure(ctx, log, job, "ocr", err)
		return
	}
	log.Info("queue.job.ocr_ok", "pages", ores.Pages, "confidence", ores.Confidence, "duration_ms", ores.Duration.Milliseconds())
	m.setProgress(ctx, log, job, progressExtracted)

	cctx, ccancel := withStageTimeout(ctx, m.classifyTimeout)
	cres := m.cls.Classify(cctx, ores.Text, classifier.Options{})
	ccancel()
	if cres.Err != nil {
		m.handleFailure(ctx, log, job, "classify", cres.Err)
		return
	}
	m.setProgress(ctx, log, job, progressClassified)

	finished := m.now()
	result := &entity.JobResult{
		OCR: entity.OCRSummary{
			Text:       ores.Text,
			Confidence: ores.Confidence,
			Pages:      ores.Pages,
			Method:     ores.Method,
			DurationMs: ores.Duration.Milliseconds(),
			Warnings:   ores.Warnings,
		},
		Classification: cres.Classification,
		ProcessingMs:   finished.Sub(start).Milliseconds(),
	}

	sctx, scancel := storeContext(ctx)
	defer scancel()
	if err := m.repo.Complete(sctx, job.ID, job.LockToken, result, finished); err != nil {
		if errors.Is(err, common.ErrLockLost) {
			log.Warn("queue.job.lock_lost", "stage", "complete")
		} else {
			log.Error("queue.job.complete_failed", "error", err)
		}
		return
	}

	log.Info("queue.job.completed",
		"type", cres.Type,
		"confidence", cres.Confidence,
		"elapsed_ms", result.ProcessingMs,
	)
	m.emit(sctx, Event{Type: EventCompleted, JobID: job.ID, State: constants.JobCompleted, Progress: progressDone, Attempt: job.AttemptsMade})
	m.removeInput(sctx, log, job)
}

// handleFailure is the single retry-or-terminal decision point.
func (m *Manager) handleFailure(ctx context.Context, log *slog.Logger, job *entity.Job, stage string, err error) {
	if ctx.Err() != nil && !common.IsStageTimeout(err) {
		// shutdown or lost lease: leave the row to lease expiry
		log.Warn("queue.job.abandoned", "stage", stage, "error", err)
		return
	}

	reason := common.PublicMessage(err)
	sctx, cancel := storeContext(ctx)
	defer cancel()

	switch {
	case common.IsStageTimeout(err):
		log.Warn("queue.job.stage_timeout", "stage", stage, "error", err)
		if serr := m.repo.Stall(sctx, job.ID, job.LockToken, reason); serr != nil {
			log.Error("queue.job.stall_failed", "error", serr)
			return
		}
		stalled, gerr := m.repo.Get(sctx, job.ID)
		if gerr != nil {
			log.Error("queue.job.reload_failed", "error", gerr)
			return
		}
		m.recoverStalled(sctx, stalled)

	case !common.IsRetryable(err):
		log.Error("queue.job.failed", "stage", stage, "error", err, "retryable", false)
		m.failJob(sctx, log, job, reason)

	case job.AttemptsMade >= job.MaxAttempts:
		log.Error("queue.job.failed", "stage", stage, "error", err, "retryable", true, "attempts", job.AttemptsMade)
		m.failJob(sctx, log, job, reason)

	default:
		delay := m.policy.Delay(job.AttemptsMade)
		now := m.now()
		runAt := now.Add(delay)
		if rerr := m.repo.Retry(sctx, job.ID, job.LockToken, reason, runAt); rerr != nil {
			log.Error("queue.job.retry_failed", "error", rerr)
			return
		}
		log.Warn("queue.job.retrying", "stage", stage, "error", err, "delay", delay.String())
		m.emit(sctx, Event{
			Type:    EventRetrying,
			JobID:   job.ID,
			State:   constants.JobDelayed,
			Attempt: job.AttemptsMade,
			Error:   reason,
			RunAt:   &runAt,
			At:      now,
		})
	}
}

func (m *Manager) failJob(ctx context.Context, log *slog.Logger, job *entity.Job, reason string) {
	if err := m.repo.Fail(ctx, job.ID, job.LockToken, reason, m.now()); err != nil {
		log.Error("queue.job.fail_failed", "error", err)
		return
	}
	m.emit(ctx, Event{Type: EventFailed, JobID: job.ID, State: constants.JobFailed, Attempt: job.AttemptsMade, Error: reason})
	m.removeInput(ctx, log, job)
}

// heartbeat extends the lease every third of its duration and cancels the
// job when the lease has been taken away.
func (m *Manager) heartbeat(ctx context.Context, log *slog.Logger, job *entity.Job, cancel context.CancelFunc) {
	t := time.NewTicker(max(m.leaseDuration/3, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := m.repo.ExtendLease(ctx, job.ID, job.LockToken, m.now().Add(m.leaseDuration))
			switch {
			case err == nil:
			case errors.Is(err, common.ErrLockLost):
				log.Warn("queue.job.lease_lost")
				cancel()
				return
			case ctx.Err() == nil:
				log.Error("queue.job.heartbeat_failed", "error", err)
			}
		}
	}
}

func (m *Manager) setProgress(ctx context.Context, log *slog.Logger, job *entity.Job, p int) {
	if err := m.repo.UpdateProgress(ctx, job.ID, job.LockToken, p); err != nil {
		if ctx.Err() == nil {
			log.Warn("queue.job.progress_failed", "progress", p, "error", err)
		}
		return
	}
	m.emit(ctx, Event{Type: EventProgress, JobID: job.ID, State: constants.JobActive, Progress: p, Attempt: job.AttemptsMade})
}

// removeInput deletes the uploaded file once per job, after it reached a
// terminal state. Failures are logged, never propagated.
func (m *Manager) removeInput(ctx context.Context, log *slog.Logger, job *entity.Job) {
	won, err := m.repo.MarkInputRemoved(ctx, job.ID)
	if err != nil {
		log.Warn("queue.job.cleanup_failed", "error", common.CleanupError("mark input removed", err))
		return
	}
	if !won {
		return
	}
	if err := os.Remove(job.Payload.FilePath); err != nil && !os.IsNotExist(err) {
		log.Warn("queue.job.cleanup_failed", "path", job.Payload.FilePath, "error", common.CleanupError("remove input", err))
		return
	}
	log.Debug("queue.job.input_removed", "path", job.Payload.FilePath)
}

func withStageTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

func stalledReason(job *entity.Job) string {
	if job.FailureReason == "" {
		return fmt.Sprintf("stalled %d times", job.StalledCount)
	}
	return fmt.Sprintf("stalled %d times: %s", job.StalledCount, job.FailureReason)
}
