package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
)

// PDFInspector validates a PDF and reports its page count.
type PDFInspector interface {
	PageCount(path string) (int, error)
}

type pdfcpuInspector struct{}

var pdfcpuConfigOnce sync.Once

func (pdfcpuInspector) PageCount(path string) (n int, err error) {
	pdfcpuConfigOnce.Do(api.DisableConfigDir)
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, common.MalformedInputError("pdf could not be parsed", fmt.Errorf("%v", r))
		}
	}()

	if err := api.ValidateFile(path, nil); err != nil {
		return 0, common.MalformedInputError("pdf is corrupt or truncated", err)
	}
	n, err = api.PageCountFile(path)
	if err != nil {
		return 0, common.MalformedInputError("cannot count pdf pages", err)
	}
	if n <= 0 {
		return 0, common.MalformedInputError("pdf has no pages", nil)
	}
	return n, nil
}

// extractPDF renders and OCRs one page at a time so at most one page image
// exists in scratch at any moment.
func (e *Extractor) extractPDF(ctx context.Context, path, scratch string, opts Options) (Result, error) {
	log := common.LoggerWithContext(ctx, e.logger)
	res := Result{SourceType: constants.PDF, Method: "pdf-ocr"}

	n, err := e.pdf.PageCount(path)
	if err != nil {
		return res, err
	}
	res.Pages = n

	limit := n
	if e.cfg.MaxPages > 0 && limit > e.cfg.MaxPages {
		limit = e.cfg.MaxPages
		res.Warnings = append(res.Warnings, fmt.Sprintf("only the first %d of %d pages were processed", limit, n))
	}

	texts := make([]string, 0, limit)
	var confSum float64
	var failed int
	var firstErr error
	for page := 1; page <= limit; page++ {
		if ctx.Err() != nil {
			return res, common.StageTimeoutError("ocr", ctx.Err())
		}
		txt, conf, warns, err := e.ocrPage(ctx, log, path, scratch, page, opts)
		res.Warnings = append(res.Warnings, warns...)
		if err != nil {
			if isFatalEngineError(ctx, err) {
				return res, err
			}
			failed++
			if firstErr == nil {
				firstErr = err
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("page %d: %s", page, common.PublicMessage(err)))
			log.Warn("ocr.page.failed", "page", page, "error", err)
			continue
		}
		confSum += conf
		if txt != "" {
			texts = append(texts, txt)
		}
	}
	if failed == limit {
		return res, firstErr
	}

	res.Text = strings.Join(texts, "\n\n")
	res.Confidence = round1(confSum / float64(limit))
	return res, nil
}

func (e *Extractor) ocrPage(ctx context.Context, log *slog.Logger, pdfPath, scratch string, page int, opts Options) (string, float64, []string, error) {
	prefix := filepath.Join(scratch, fmt.Sprintf("page-%04d", page))
	p := strconv.Itoa(page)

	// pdftoppm -f N -l N -scale-to-x 2048 -scale-to-y -1 -png -singlefile <in.pdf> <scratch/page-000N>
	_, errb, err := e.runner.Run(ctx, log, e.cfg.Pdftoppm,
		"-f", p, "-l", p,
		"-scale-to-x", strconv.Itoa(e.cfg.RenderWidth), "-scale-to-y", "-1",
		"-png", "-singlefile", pdfPath, prefix)
	img := prefix + ".png"
	defer func() {
		if rmErr := os.Remove(img); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("ocr.page.cleanup_failed", "path", img, "error", common.CleanupError("remove page image", rmErr))
		}
	}()
	if err != nil {
		return "", 0, nil, execError(ctx, "pdftoppm", err, errb)
	}
	if _, statErr := os.Stat(img); statErr != nil {
		return "", 0, nil, common.TransientError("pdftoppm produced no image for page "+p, statErr)
	}

	return e.recognize(ctx, log, img, opts)
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}
