package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/entity"
)

// JobSource is the part of the queue manager the exporter reads from.
type JobSource interface {
	ListJobs(ctx context.Context, state constants.JobState, limit int) ([]*entity.Job, error)
	GetMetrics(ctx context.Context) (entity.QueueMetrics, error)
}

// Service produces XLSX bytes for job reports.
type Service struct {
	jobs   JobSource
	logger *slog.Logger
}

func NewService(jobs JobSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

const (
	jobsSheet    = "Jobs"
	metricsSheet = "Metrics"
)

var jobHeaders = []string{
	"Job ID",
	"Filename",
	"State",
	"Attempts",
	"Document Type",
	"Confidence",
	"Method",
	"Supplier",
	"Number",
	"Date",
	"Amount",
	"Currency",
	"OCR Pages",
	"Processing (ms)",
	"Enqueued At",
	"Finished At",
	"Failure Reason",
}

// ExportJobsXLSX returns a workbook with one row per job (newest first,
// optionally filtered by state) and a sheet with the current metrics.
func (s *Service) ExportJobsXLSX(ctx context.Context, state constants.JobState, limit int) ([]byte, error) {
	start := time.Now()

	jobs, err := s.jobs.ListJobs(ctx, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	metrics, err := s.jobs.GetMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// reuse the default sheet
	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(metricsSheet); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(jobsSheet)
	f.SetActiveSheet(idx)

	writeJobs(f, jobs)
	writeMetrics(f, metrics)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"state", state,
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeJobs(f *excelize.File, jobs []*entity.Job) {
	for i, h := range jobHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(jobsSheet, cell, h)
	}

	for n, j := range jobs {
		row := n + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(jobsSheet, cell, v)
		}

		write(1, j.ID)
		write(2, j.Payload.Filename)
		write(3, string(j.State))
		write(4, j.AttemptsMade)
		if r := j.Result; r != nil && j.State == constants.JobCompleted {
			c := r.Classification
			write(5, c.TypeName)
			write(6, c.Confidence)
			write(7, c.Method)
			d := c.Details
			write(8, d.Supplier)
			write(9, d.Number)
			write(10, d.Date)
			if d.Amount != nil {
				write(11, *d.Amount)
			}
			write(12, d.Currency)
			write(13, r.OCR.Pages)
			write(14, r.ProcessingMs)
		}
		write(15, j.EnqueuedAt.UTC().Format(time.RFC3339))
		if j.FinishedAt != nil {
			write(16, j.FinishedAt.UTC().Format(time.RFC3339))
		}
		if j.State == constants.JobFailed {
			write(17, truncate(j.FailureReason, 240))
		}
	}

	_ = f.SetColWidth(jobsSheet, "A", "A", 38)
	_ = f.SetColWidth(jobsSheet, "B", "B", 32)
	_ = f.SetColWidth(jobsSheet, "E", "E", 22)
	_ = f.SetColWidth(jobsSheet, "H", "H", 28)
	_ = f.SetColWidth(jobsSheet, "O", "P", 22)
	_ = f.SetColWidth(jobsSheet, "Q", "Q", 60)
}

func writeMetrics(f *excelize.File, m entity.QueueMetrics) {
	rows := [][2]any{
		{"Waiting", m.Waiting},
		{"Active", m.Active},
		{"Delayed", m.Delayed},
		{"Stalled", m.Stalled},
		{"Completed", m.Completed},
		{"Failed", m.Failed},
		{"Pending", m.Pending},
		{"Completed (" + m.Window + ")", m.CompletedLastHour},
		{"Failed (" + m.Window + ")", m.FailedLastHour},
		{"Avg Duration (ms)", m.AvgDurationMs},
		{"Throughput (jobs/min)", m.Throughput},
	}
	_ = f.SetCellValue(metricsSheet, "A1", "Metric")
	_ = f.SetCellValue(metricsSheet, "B1", "Value")
	for i, r := range rows {
		_ = f.SetCellValue(metricsSheet, fmt.Sprintf("A%d", i+2), r[0])
		_ = f.SetCellValue(metricsSheet, fmt.Sprintf("B%d", i+2), r[1])
	}
	_ = f.SetColWidth(metricsSheet, "A", "A", 26)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
