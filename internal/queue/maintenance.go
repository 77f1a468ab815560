package queue

import (
	"context"
	"time"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/entity"
	"github.com/joseph-ayodele/docintake/internal/repository"
)

// maintenance promotes due delayed jobs, sweeps expired leases and, when a
// retention window is set, purges old terminal jobs.
func (m *Manager) maintenance(ctx context.Context) {
	defer m.wg.Done()

	promote := time.NewTicker(m.pollInterval)
	defer promote.Stop()
	sweep := time.NewTicker(m.stalledInterval)
	defer sweep.Stop()

	var cleanC <-chan time.Time
	if m.retention > 0 {
		clean := time.NewTicker(m.cleanupInterval)
		defer clean.Stop()
		cleanC = clean.C
	}

	for {
		select {
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		case <-promote.C:
			m.promote(ctx)
		case <-sweep.C:
			m.sweep(ctx)
		case <-cleanC:
			if _, err := m.CleanJobs(ctx, m.retention); err != nil && ctx.Err() == nil {
				m.logger.Error("queue.clean.failed", "error", err)
			}
		}
	}
}

func (m *Manager) promote(ctx context.Context) {
	n, err := m.repo.PromoteDelayed(ctx, m.now())
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("queue.promote.failed", "error", err)
		}
		return
	}
	for i := int64(0); i < n; i++ {
		m.notify()
	}
}

// sweep turns expired leases into stalled jobs, recovers every stalled job
// and releases inputs of terminal jobs whose cleanup never ran.
func (m *Manager) sweep(ctx context.Context) {
	m.promote(ctx)
	m.releaseInputs(ctx)

	n, err := m.repo.ExpireLeases(ctx, m.now())
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("queue.sweep.failed", "error", err)
		}
		return
	}
	if n > 0 {
		m.logger.Warn("queue.sweep.expired_leases", "count", n)
	}

	stalled, err := m.repo.List(ctx, repository.ListFilter{State: constants.JobStalled})
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("queue.sweep.list_failed", "error", err)
		}
		return
	}
	for _, job := range stalled {
		m.recoverStalled(ctx, job)
	}
}

// recoverStalled sends job back to waiting, or fails it once it stalled
// more than maxStalled times or has no attempts left.
func (m *Manager) recoverStalled(ctx context.Context, job *entity.Job) {
	log := m.logger.With("job_id", job.ID)
	m.emit(ctx, Event{Type: EventStalled, JobID: job.ID, State: constants.JobStalled, Attempt: job.AttemptsMade, Error: job.FailureReason})

	fail := job.StalledCount > m.maxStalled || !job.AttemptsLeft()
	reason := stalledReason(job)
	ok, err := m.repo.RecoverStalled(ctx, job.ID, fail, reason, m.now())
	if err != nil || !ok {
		return
	}

	if fail {
		log.Error("queue.job.failed", "reason", reason, "stalled_count", job.StalledCount, "attempts", job.AttemptsMade)
		m.emit(ctx, Event{Type: EventFailed, JobID: job.ID, State: constants.JobFailed, Attempt: job.AttemptsMade, Error: reason})
		m.removeInput(ctx, log, job)
		return
	}
	log.Warn("queue.job.recovered", "stalled_count", job.StalledCount)
	m.notify()
}

// releaseInputs finishes cleanup for jobs that reached a terminal state in a
// process that died before removing the input file.
func (m *Manager) releaseInputs(ctx context.Context) {
	jobs, err := m.repo.PendingInputCleanup(ctx, 100)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("queue.sweep.cleanup_list_failed", "error", err)
		}
		return
	}
	for _, job := range jobs {
		m.removeInput(ctx, m.logger.With("job_id", job.ID), job)
	}
}
