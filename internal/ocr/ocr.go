package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
)

type Config struct {
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang string // default "eng"
	TessdataDir   string
	PSM           int // page segmentation mode, 3 = fully automatic
	OEM           int // 1 = LSTM; 0 keeps the engine default

	RenderWidth int // target page width in px for PDF rendering, default 2048
	MaxPages    int // 0 = no limit

	// Images narrower than MinImageWidth or wider than MaxImageWidth, or not
	// PNG, are preprocessed before OCR.
	MinImageWidth int
	MaxImageWidth int

	ScratchDir          string // parent of per-job scratch dirs; "" = os.TempDir()
	EnableTSVConfidence bool
}

// Options override the extractor defaults for one document.
type Options struct {
	Lang string
	PSM  int
	OEM  int
}

// Result is the outcome of ExtractText. On failure Success is false and
// Error/Err describe why; Err carries the failure kind for retry decisions.
type Result struct {
	Success    bool          `json:"success"`
	Text       string        `json:"text,omitempty"`
	Confidence float64       `json:"confidence"`
	Pages      int           `json:"pages"`
	SourceType string        `json:"source_type,omitempty"`
	Method     string        `json:"method,omitempty"` // "pdf-ocr" | "image-ocr"
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration"`
	Warnings   []string      `json:"warnings,omitempty"`
	Error      string        `json:"error,omitempty"`
	Err        error         `json:"-"`
}

type Extractor struct {
	cfg    Config
	runner Runner
	pdf    PDFInspector
	logger *slog.Logger
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithRunner swaps the command runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(e *Extractor) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithPDFInspector swaps the PDF validator/page counter.
func WithPDFInspector(p PDFInspector) Option {
	return func(e *Extractor) {
		if p != nil {
			e.pdf = p
		}
	}
}

func NewExtractor(cfg Config, logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.RenderWidth <= 0 {
		cfg.RenderWidth = 2048
	}
	if cfg.MinImageWidth <= 0 {
		cfg.MinImageWidth = 1000
	}
	if cfg.MaxImageWidth <= 0 {
		cfg.MaxImageWidth = 3000
	}
	e := &Extractor{cfg: cfg, runner: execRunner{}, pdf: pdfcpuInspector{}, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

var reUnsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ExtractText OCRs a PDF or image. It never returns an error value: failures
// are reported in the Result so the caller can apply its retry policy.
func (e *Extractor) ExtractText(ctx context.Context, path string, opts Options) (res Result) {
	start := time.Now()
	log := common.LoggerWithContext(ctx, e.logger)
	opts = e.withDefaults(opts)

	defer func() {
		if r := recover(); r != nil {
			res = e.failure(ctx, fmt.Errorf("ocr panic: %v", r), res)
		}
		res.Duration = time.Since(start)
		res.Language = opts.Lang
		if res.Success {
			log.Info("ocr.extract.ok",
				"path", path,
				"method", res.Method,
				"pages", res.Pages,
				"confidence", res.Confidence,
				"warnings", len(res.Warnings),
				"elapsed_ms", res.Duration.Milliseconds(),
			)
		} else {
			log.Warn("ocr.extract.failed",
				"path", path,
				"error", res.Error,
				"elapsed_ms", res.Duration.Milliseconds(),
			)
		}
	}()

	log.Debug("ocr.extract.start", "path", path, "lang", opts.Lang, "psm", opts.PSM, "oem", opts.OEM)

	if _, err := os.Stat(path); err != nil {
		return e.failure(ctx, common.MalformedInputError("input file is not readable", err), Result{})
	}
	format, err := sniffFormat(path)
	if err != nil {
		return e.failure(ctx, err, Result{})
	}

	scratch, err := e.newScratchDir(ctx)
	if err != nil {
		return e.failure(ctx, common.TransientError("cannot create scratch dir", err), Result{SourceType: format})
	}
	defer e.removeScratch(log, scratch)

	switch format {
	case constants.PDF:
		res, err = e.extractPDF(ctx, path, scratch, opts)
	default:
		res, err = e.extractImage(ctx, path, scratch, opts)
	}
	if err != nil {
		return e.failure(ctx, err, res)
	}
	res.Success = true
	return res
}

func (e *Extractor) withDefaults(o Options) Options {
	if o.Lang == "" {
		o.Lang = e.cfg.TesseractLang
	}
	if o.PSM <= 0 {
		o.PSM = e.cfg.PSM
	}
	if o.OEM <= 0 {
		o.OEM = e.cfg.OEM
	}
	return o
}

func (e *Extractor) failure(ctx context.Context, err error, partial Result) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, common.ErrStageTimeout) {
		err = common.StageTimeoutError("ocr", err)
	}
	partial.Success = false
	partial.Text = ""
	partial.Err = err
	partial.Error = common.PublicMessage(err)
	return partial
}

// newScratchDir creates a uniquely named directory owned by one extraction.
func (e *Extractor) newScratchDir(ctx context.Context) (string, error) {
	tag := "job"
	if id := common.JobIDFromContext(ctx); id != "" {
		tag = reUnsafeName.ReplaceAllString(id, "")
	}
	return os.MkdirTemp(e.cfg.ScratchDir, "docintake-"+tag+"-*")
}

func (e *Extractor) removeScratch(log *slog.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("ocr.scratch.cleanup_failed", "dir", dir, "error", common.CleanupError("remove scratch dir", err))
	}
}

// sniffFormat reads the file header and maps it to PDF or IMAGE.
func sniffFormat(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", common.MalformedInputError("cannot read input file", err)
	}
	format := constants.FormatForMIME(mt.String())
	if format == "" {
		return "", common.MalformedInputError(fmt.Sprintf("unsupported file type %s (%s)", mt.String(), filepath.Ext(path)), nil)
	}
	return format, nil
}
