package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/entity"
)

// JobRepository persists queue jobs. Every mutation of a leased job is
// guarded by its lock token; a stale token yields common.ErrLockLost.
type JobRepository interface {
	Insert(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, id string) (*entity.Job, error)
	List(ctx context.Context, f ListFilter) ([]*entity.Job, error)

	Lease(ctx context.Context, token string, now time.Time, lease time.Duration) (*entity.Job, error)
	ExtendLease(ctx context.Context, id, token string, until time.Time) error
	UpdateProgress(ctx context.Context, id, token string, progress int) error
	Complete(ctx context.Context, id, token string, result *entity.JobResult, at time.Time) error
	Fail(ctx context.Context, id, token, reason string, at time.Time) error
	Retry(ctx context.Context, id, token, reason string, runAt time.Time) error
	Stall(ctx context.Context, id, token, reason string) error

	PromoteDelayed(ctx context.Context, now time.Time) (int64, error)
	ExpireLeases(ctx context.Context, now time.Time) (int64, error)
	RecoverStalled(ctx context.Context, id string, fail bool, reason string, now time.Time) (bool, error)
	MarkInputRemoved(ctx context.Context, id string) (bool, error)
	PendingInputCleanup(ctx context.Context, limit int) ([]*entity.Job, error)

	Counts(ctx context.Context) (entity.QueueStats, error)
	WindowStats(ctx context.Context, since time.Time) (WindowStats, error)
	Purge(ctx context.Context, finishedBefore time.Time) (int64, error)
}

type ListFilter struct {
	State constants.JobState // empty for all states
	Limit int
}

// WindowStats aggregates jobs that finished inside a trailing window.
type WindowStats struct {
	Completed     int
	Failed        int
	AvgDurationMs float64
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log}
}

const jobsTable = "jobs"

var jobColumns = []string{
	"id", "filename", "file_path", "language", "priority", "state", "attempts_made", "max_attempts",
	"progress", "result", "failure_reason", "enqueued_at", "started_at", "finished_at", "run_at",
	"stalled_count", "lock_token", "lease_expires_at", "input_removed",
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *jobRepo) exec(ctx context.Context, x execer, q entsql.Querier) (int64, error) {
	query, args := q.Query()
	res, err := x.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	return n, nil
}

func (r *jobRepo) selectJobs() *entsql.Selector {
	return r.db.sq().Select(jobColumns...).From(entsql.Table(jobsTable))
}

// move starts an UPDATE taking rows in state from to state to, restricted
// by where. Edges outside the job state graph are refused.
func (r *jobRepo) move(from, to constants.JobState, where ...*entsql.Predicate) (*entsql.UpdateBuilder, error) {
	if !constants.CanTransition(from, to) {
		return nil, fmt.Errorf("job state %s cannot move to %s", from, to)
	}
	preds := append([]*entsql.Predicate{entsql.EQ("state", string(from))}, where...)
	return r.db.sq().Update(jobsTable).
		Set("state", string(to)).
		Where(entsql.And(preds...)), nil
}

// release moves a job the caller holds the lease on and drops the lease.
func (r *jobRepo) release(id, token string, to constants.JobState) (*entsql.UpdateBuilder, error) {
	u, err := r.move(constants.JobActive, to, entsql.EQ("id", id), entsql.EQ("lock_token", token))
	if err != nil {
		return nil, err
	}
	return u.SetNull("lock_token").SetNull("lease_expires_at"), nil
}

// held updates a leased job without changing its state.
func (r *jobRepo) held(id, token string) *entsql.UpdateBuilder {
	return r.db.sq().Update(jobsTable).Where(entsql.And(
		entsql.EQ("id", id),
		entsql.EQ("lock_token", token),
		entsql.EQ("state", string(constants.JobActive)),
	))
}

// guarded runs a token-guarded update and maps "no row" onto ErrLockLost.
func (r *jobRepo) guarded(ctx context.Context, op, id string, u *entsql.UpdateBuilder, err error) error {
	if err != nil {
		r.log.Error("job "+op+" refused", "job_id", id, "error", err)
		return err
	}
	n, err := r.exec(ctx, r.db, u)
	if err != nil {
		r.log.Error("job "+op+" failed", "job_id", id, "error", err)
		return err
	}
	if n == 0 {
		r.log.Warn("job "+op+" lost lock", "job_id", id)
		return common.ErrLockLost
	}
	return nil
}

func (r *jobRepo) Insert(ctx context.Context, job *entity.Job) error {
	ins := r.db.sq().Insert(jobsTable).
		Columns("id", "filename", "file_path", "language", "priority", "state", "attempts_made",
			"max_attempts", "progress", "failure_reason", "enqueued_at", "run_at", "stalled_count", "input_removed").
		Values(job.ID, job.Payload.Filename, job.Payload.FilePath, job.Payload.Language, job.Payload.Priority,
			string(job.State), 0, job.MaxAttempts, 0, "", ms(job.EnqueuedAt), ms(job.RunAt), 0, 0)
	if _, err := r.exec(ctx, r.db, ins); err != nil {
		r.log.Error("job insert failed", "job_id", job.ID, "error", err)
		return err
	}
	r.log.Debug("job inserted", "job_id", job.ID, "priority", job.Payload.Priority)
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id string) (*entity.Job, error) {
	query, args := r.selectJobs().Where(entsql.EQ("id", id)).Query()
	job, err := scanJob(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	return job, nil
}

func (r *jobRepo) List(ctx context.Context, f ListFilter) ([]*entity.Job, error) {
	sel := r.selectJobs().OrderBy(entsql.Desc("enqueued_at"), "id")
	if f.State != "" {
		sel.Where(entsql.EQ("state", string(f.State)))
	}
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}
	return r.query(ctx, sel)
}

// PendingInputCleanup returns terminal jobs whose input file was never
// released, oldest first.
func (r *jobRepo) PendingInputCleanup(ctx context.Context, limit int) ([]*entity.Job, error) {
	sel := r.selectJobs().
		Where(entsql.And(
			entsql.In("state", string(constants.JobCompleted), string(constants.JobFailed)),
			entsql.EQ("input_removed", 0),
		)).
		OrderBy("finished_at", "id")
	if limit > 0 {
		sel.Limit(limit)
	}
	return r.query(ctx, sel)
}

func (r *jobRepo) query(ctx context.Context, sel *entsql.Selector) ([]*entity.Job, error) {
	query, args := sel.Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrDatabase, err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	return out, nil
}

// Lease moves the highest-priority, oldest waiting job to active under token.
// It returns (nil, nil) when nothing is waiting or another lessee won the row.
func (r *jobRepo) Lease(ctx context.Context, token string, now time.Time, lease time.Duration) (*entity.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin lease: %w", common.ErrDatabase, err)
	}
	defer func() { _ = tx.Rollback() }()

	pick := r.db.sq().Select("id").From(entsql.Table(jobsTable)).
		Where(entsql.EQ("state", string(constants.JobWaiting))).
		OrderBy(entsql.Desc("priority"), entsql.Asc("enqueued_at"), entsql.Asc("id")).
		Limit(1)
	if r.db.driver == DriverPostgres {
		pick.ForUpdate(entsql.WithLockAction(entsql.SkipLocked))
	}
	query, args := pick.Query()
	var id string
	switch err := tx.QueryRowContext(ctx, query, args...).Scan(&id); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: pick job: %w", common.ErrDatabase, err)
	}

	u, err := r.move(constants.JobWaiting, constants.JobActive, entsql.EQ("id", id))
	if err != nil {
		return nil, err
	}
	u.Set("lock_token", token).
		Set("lease_expires_at", ms(now.Add(lease))).
		Set("started_at", ms(now)).
		Add("attempts_made", 1)
	n, err := r.exec(ctx, tx, u)
	if err != nil {
		r.log.Error("job lease failed", "job_id", id, "error", err)
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	query, args = r.selectJobs().Where(entsql.EQ("id", id)).Query()
	job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("%w: read leased job: %w", common.ErrDatabase, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit lease: %w", common.ErrDatabase, err)
	}
	return job, nil
}

func (r *jobRepo) ExtendLease(ctx context.Context, id, token string, until time.Time) error {
	return r.guarded(ctx, "extend lease", id, r.held(id, token).Set("lease_expires_at", ms(until)), nil)
}

// UpdateProgress never lowers the stored value.
func (r *jobRepo) UpdateProgress(ctx context.Context, id, token string, progress int) error {
	u := r.held(id, token).Set("progress", entsql.ExprFunc(func(b *entsql.Builder) {
		b.WriteString("CASE WHEN progress > ").Arg(progress).
			WriteString(" THEN progress ELSE ").Arg(progress).
			WriteString(" END")
	}))
	return r.guarded(ctx, "progress", id, u, nil)
}

func (r *jobRepo) Complete(ctx context.Context, id, token string, result *entity.JobResult, at time.Time) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	u, err := r.release(id, token, constants.JobCompleted)
	if u != nil {
		u.Set("progress", 100).Set("result", string(b)).Set("failure_reason", "").Set("finished_at", ms(at))
	}
	return r.guarded(ctx, "complete", id, u, err)
}

func (r *jobRepo) Fail(ctx context.Context, id, token, reason string, at time.Time) error {
	u, err := r.release(id, token, constants.JobFailed)
	if u != nil {
		u.Set("failure_reason", reason).Set("finished_at", ms(at))
	}
	return r.guarded(ctx, "fail", id, u, err)
}

// Retry parks an active job as delayed until runAt.
func (r *jobRepo) Retry(ctx context.Context, id, token, reason string, runAt time.Time) error {
	u, err := r.release(id, token, constants.JobDelayed)
	if u != nil {
		u.Set("failure_reason", reason).Set("run_at", ms(runAt))
	}
	return r.guarded(ctx, "retry", id, u, err)
}

// Stall is used by a worker whose stage ran out of time.
func (r *jobRepo) Stall(ctx context.Context, id, token, reason string) error {
	u, err := r.release(id, token, constants.JobStalled)
	if u != nil {
		u.Add("stalled_count", 1).Set("failure_reason", reason)
	}
	return r.guarded(ctx, "stall", id, u, err)
}

func (r *jobRepo) PromoteDelayed(ctx context.Context, now time.Time) (int64, error) {
	u, err := r.move(constants.JobDelayed, constants.JobWaiting, entsql.LTE("run_at", ms(now)))
	if err != nil {
		return 0, err
	}
	return r.exec(ctx, r.db, u)
}

// ExpireLeases marks active jobs whose lease ran out as stalled.
func (r *jobRepo) ExpireLeases(ctx context.Context, now time.Time) (int64, error) {
	u, err := r.move(constants.JobActive, constants.JobStalled, entsql.LT("lease_expires_at", ms(now)))
	if err != nil {
		return 0, err
	}
	u.Add("stalled_count", 1).
		Set("failure_reason", "lease expired").
		SetNull("lock_token").
		SetNull("lease_expires_at")
	return r.exec(ctx, r.db, u)
}

// RecoverStalled sends a stalled job back to waiting, or to failed when fail
// is set. The bool reports whether this call made the transition.
func (r *jobRepo) RecoverStalled(ctx context.Context, id string, fail bool, reason string, now time.Time) (bool, error) {
	to := constants.JobWaiting
	if fail {
		to = constants.JobFailed
	}
	u, err := r.move(constants.JobStalled, to, entsql.EQ("id", id))
	if err != nil {
		return false, err
	}
	if fail {
		u.Set("failure_reason", reason).Set("finished_at", ms(now))
	} else {
		u.Set("run_at", ms(now))
	}
	n, err := r.exec(ctx, r.db, u)
	if err != nil {
		r.log.Error("job recover failed", "job_id", id, "error", err)
		return false, err
	}
	return n == 1, nil
}

// MarkInputRemoved flips input_removed once; only the caller that gets true
// may delete the file.
func (r *jobRepo) MarkInputRemoved(ctx context.Context, id string) (bool, error) {
	u := r.db.sq().Update(jobsTable).
		Set("input_removed", 1).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("input_removed", 0)))
	n, err := r.exec(ctx, r.db, u)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *jobRepo) Counts(ctx context.Context) (entity.QueueStats, error) {
	var st entity.QueueStats
	query, args := r.db.sq().Select("state", entsql.Count("*")).
		From(entsql.Table(jobsTable)).
		GroupBy("state").
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return st, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, fmt.Errorf("%w: %w", common.ErrDatabase, err)
		}
		switch constants.JobState(state) {
		case constants.JobWaiting:
			st.Waiting = n
		case constants.JobActive:
			st.Active = n
		case constants.JobCompleted:
			st.Completed = n
		case constants.JobFailed:
			st.Failed = n
		case constants.JobDelayed:
			st.Delayed = n
		case constants.JobStalled:
			st.Stalled = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	return st, nil
}

func (r *jobRepo) WindowStats(ctx context.Context, since time.Time) (WindowStats, error) {
	var (
		ws  WindowStats
		avg sql.NullFloat64
	)
	query, args := r.db.sq().Select(
		"COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0)",
		"AVG(CASE WHEN state = 'completed' AND started_at IS NOT NULL THEN finished_at - started_at END)",
	).
		From(entsql.Table(jobsTable)).
		Where(entsql.And(entsql.NotNull("finished_at"), entsql.GTE("finished_at", ms(since)))).
		Query()
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&ws.Completed, &ws.Failed, &avg); err != nil {
		return ws, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	if avg.Valid {
		ws.AvgDurationMs = avg.Float64
	}
	return ws, nil
}

// Purge deletes terminal jobs that finished before the cutoff.
func (r *jobRepo) Purge(ctx context.Context, finishedBefore time.Time) (int64, error) {
	del := r.db.sq().Delete(jobsTable).Where(entsql.And(
		entsql.In("state", string(constants.JobCompleted), string(constants.JobFailed)),
		entsql.NotNull("finished_at"),
		entsql.LT("finished_at", ms(finishedBefore)),
	))
	n, err := r.exec(ctx, r.db, del)
	if err != nil {
		r.log.Error("job purge failed", "error", err)
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job                                entity.Job
		state                              string
		result, lockToken                  sql.NullString
		enqueuedAt, runAt                  int64
		startedAt, finishedAt, leaseExpiry sql.NullInt64
		inputRemoved                       int
	)
	err := row.Scan(
		&job.ID,
		&job.Payload.Filename,
		&job.Payload.FilePath,
		&job.Payload.Language,
		&job.Payload.Priority,
		&state,
		&job.AttemptsMade,
		&job.MaxAttempts,
		&job.Progress,
		&result,
		&job.FailureReason,
		&enqueuedAt,
		&startedAt,
		&finishedAt,
		&runAt,
		&job.StalledCount,
		&lockToken,
		&leaseExpiry,
		&inputRemoved,
	)
	if err != nil {
		return nil, err
	}

	job.State = constants.JobState(state)
	job.EnqueuedAt = fromMs(enqueuedAt)
	job.RunAt = fromMs(runAt)
	job.StartedAt = fromNullMs(startedAt)
	job.FinishedAt = fromNullMs(finishedAt)
	job.LeaseExpiresAt = fromNullMs(leaseExpiry)
	job.LockToken = lockToken.String
	job.InputRemoved = inputRemoved != 0

	if result.Valid && result.String != "" {
		var jr entity.JobResult
		if err := json.Unmarshal([]byte(result.String), &jr); err != nil {
			return nil, fmt.Errorf("decode result of job %s: %w", job.ID, err)
		}
		job.Result = &jr
	}
	return &job, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}
