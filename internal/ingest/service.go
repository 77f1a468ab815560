package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/entity"
	"github.com/joseph-ayodele/docintake/internal/queue"
)

// Enqueuer is the queue operation intake depends on.
type Enqueuer interface {
	AddJob(ctx context.Context, p entity.Payload) (queue.JobHandle, error)
}

type Config struct {
	UploadDir string
	Language  string
	Priority  int
}

// Service moves dropped files into the upload directory and enqueues them.
type Service struct {
	q      Enqueuer
	cfg    Config
	logger *slog.Logger
}

// Result is the per-file intake outcome.
type Result struct {
	SourcePath string
	StagedPath string
	Format     string
	JobID      string
}

func NewService(q Enqueuer, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{q: q, cfg: cfg, logger: logger.With("component", "ingest")}
}

// IngestPath stages one file and enqueues it. Unsupported content is left
// in place and reported as invalid input.
func (s *Service) IngestPath(ctx context.Context, path string) (Result, error) {
	out := Result{SourcePath: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		return out, err
	}
	if IsHidden(abs) {
		return out, common.NewAppError(common.CodeInvalidInput, "hidden file skipped", common.ErrInvalidInput)
	}
	if !allowed(abs, constants.AllowedExtensions) {
		return out, common.NewAppError(common.CodeInvalidInput, "unsupported extension "+filepath.Ext(abs), common.ErrInvalidInput)
	}

	mt, err := mimetype.DetectFile(abs)
	if err != nil {
		return out, fmt.Errorf("sniff %s: %w", abs, err)
	}
	out.Format = constants.FormatForMIME(mt.String())
	if out.Format == "" {
		return out, common.NewAppError(common.CodeInvalidInput, "unsupported content type "+mt.String(), common.ErrInvalidInput)
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o750); err != nil {
		return out, fmt.Errorf("create upload dir: %w", err)
	}
	staged := filepath.Join(s.cfg.UploadDir, uuid.NewString()+"."+constants.NormalizeExt(filepath.Ext(abs)))
	if err := moveFile(abs, staged); err != nil {
		return out, fmt.Errorf("stage %s: %w", abs, err)
	}
	out.StagedPath = staged

	h, err := s.q.AddJob(ctx, entity.Payload{
		Filename: filepath.Base(abs),
		FilePath: staged,
		Language: s.cfg.Language,
		Priority: s.cfg.Priority,
	})
	if err != nil {
		// put the file back so the next scan can pick it up again
		if rerr := moveFile(staged, abs); rerr != nil {
			s.logger.Error("ingest.restore_failed", "path", abs, "staged", staged, "error", rerr)
		}
		out.StagedPath = ""
		return out, err
	}
	out.JobID = h.ID
	s.logger.Info("ingest.enqueued", "job_id", h.ID, "source", abs, "format", out.Format)
	return out, nil
}

// Run watches cfg.Roots and ingests every file that appears until ctx is done.
func (s *Service) Run(ctx context.Context, cfg WatchConfig) error {
	paths, errs, err := StartWatcher(ctx, cfg, s.logger)
	if err != nil {
		return err
	}
	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			if _, err := s.IngestPath(ctx, p); err != nil {
				if errors.Is(err, common.ErrInvalidInput) {
					s.logger.Warn("ingest.skipped", "path", p, "reason", common.PublicMessage(err))
				} else if !errors.Is(err, os.ErrNotExist) {
					s.logger.Error("ingest.failed", "path", p, "error", err)
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("ingest.watch.error", "error", err)
		}
	}
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
