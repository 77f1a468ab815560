package entity

import (
	"time"

	"github.com/joseph-ayodele/docintake/constants"
)

// Payload is what the uploader hands to the queue.
type Payload struct {
	Filename string `json:"filename"`
	FilePath string `json:"filepath"`
	Language string `json:"language,omitempty"` // tesseract tag, e.g. "ita+eng"
	Priority int    `json:"priority"`          // higher runs first
}

// Job is one queued unit of work for the OCR + classification pipeline.
type Job struct {
	ID            string             `json:"id"`
	Payload       Payload            `json:"payload"`
	State         constants.JobState `json:"state"`
	AttemptsMade  int                `json:"attempts_made"`
	MaxAttempts   int                `json:"max_attempts"`
	Progress      int                `json:"progress"`
	Result        *JobResult         `json:"result,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	RunAt      time.Time  `json:"run_at"`

	StalledCount   int        `json:"stalled_count"`
	LockToken      string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
	InputRemoved   bool       `json:"input_removed"`
}

// AttemptsLeft reports whether another attempt is allowed after the current one.
func (j *Job) AttemptsLeft() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// Duration is the wall time between start and finish, zero while unfinished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// JobResult is folded into a job once it completes.
type JobResult struct {
	OCR            OCRSummary     `json:"ocr"`
	Classification Classification `json:"classification"`
	ProcessingMs   int64          `json:"processing_ms"`
}

type OCRSummary struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Pages      int      `json:"pages"`
	Method     string   `json:"method"`
	DurationMs int64    `json:"duration_ms"`
	Warnings   []string `json:"warnings,omitempty"`
}

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	ID            string             `json:"id"`
	State         constants.JobState `json:"state"`
	Progress      int                `json:"progress"`
	Payload       Payload            `json:"data"`
	Result        *JobResult         `json:"returnvalue,omitempty"`
	FailureReason string             `json:"failed_reason,omitempty"`
	AttemptsMade  int                `json:"attempts_made"`
	MaxAttempts   int                `json:"max_attempts"`
	Timestamps    Timestamps         `json:"timestamps"`
}

type Timestamps struct {
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Status projects j onto its public view. Result and FailureReason are
// mutually exclusive by state.
func (j *Job) Status() JobStatus {
	st := JobStatus{
		ID:           j.ID,
		State:        j.State,
		Progress:     j.Progress,
		Payload:      j.Payload,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		Timestamps: Timestamps{
			EnqueuedAt: j.EnqueuedAt,
			StartedAt:  j.StartedAt,
			FinishedAt: j.FinishedAt,
		},
	}
	switch j.State {
	case constants.JobCompleted:
		st.Result = j.Result
	case constants.JobFailed:
		st.FailureReason = j.FailureReason
	}
	return st
}

// QueueStats is an instantaneous count by state.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Stalled   int `json:"stalled"`
}

// QueueMetrics adds a trailing window on top of QueueStats.
type QueueMetrics struct {
	QueueStats
	Pending           int     `json:"pending"`
	CompletedLastHour int     `json:"completed_last_hour"`
	FailedLastHour    int     `json:"failed_last_hour"`
	AvgDurationMs     float64 `json:"avg_duration_ms"`
	Throughput        float64 `json:"throughput_per_min"`
	Window            string  `json:"window"`
}
