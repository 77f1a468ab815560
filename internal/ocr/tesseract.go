package ocr

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/docintake/internal/common"
)

// recognize OCRs one image and scores the text.
func (e *Extractor) recognize(ctx context.Context, log *slog.Logger, img string, opts Options) (string, float64, []string, error) {
	txt, err := e.tesseractOCR(ctx, log, img, opts)
	if err != nil {
		return "", 0, nil, err
	}
	txt = Normalize(txt)
	conf := HeuristicConfidence(txt)

	var warns []string
	if e.cfg.EnableTSVConfidence {
		engineConf, err := e.tesseractTSVConfidence(ctx, log, img, opts)
		switch {
		case err != nil:
			warns = append(warns, "tsv confidence unavailable: "+common.PublicMessage(err))
		case engineConf > 0:
			// weight the engine's own word confidence higher when present
			conf = clamp(0.7*engineConf+0.3*conf, 0, 100)
		}
	}
	return txt, conf, warns, nil
}

func (e *Extractor) tesseractArgs(img string, opts Options) []string {
	// tesseract <file> stdout -l <lang> [--oem N] [--psm N] [--tessdata-dir D]
	args := []string{img, "stdout", "-l", opts.Lang}
	if opts.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(opts.OEM))
	}
	if opts.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(opts.PSM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	return args
}

func (e *Extractor) tesseractOCR(ctx context.Context, log *slog.Logger, img string, opts Options) (string, error) {
	out, errb, err := e.runner.Run(ctx, log, e.cfg.Tesseract, e.tesseractArgs(img, opts)...)
	if err != nil {
		return "", execError(ctx, "tesseract", err, errb)
	}
	return reBoxNoise.ReplaceAllString(string(out), ""), nil
}

// tesseractTSVConfidence runs tesseract in TSV mode and returns mean word conf in 0..100.
func (e *Extractor) tesseractTSVConfidence(ctx context.Context, log *slog.Logger, img string, opts Options) (float64, error) {
	args := append(e.tesseractArgs(img, opts), "tsv")
	out, errb, err := e.runner.Run(ctx, log, e.cfg.Tesseract, args...)
	if err != nil {
		return 0, execError(ctx, "tesseract tsv", err, errb)
	}
	return meanTSVConfidence(string(out)), nil
}

func meanTSVConfidence(tsv string) float64 {
	var sum, n float64
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue // header
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		confStr := strings.TrimSpace(cols[10])
		if confStr == "" || confStr == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil && v >= 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// execError classifies a failed external command.
func execError(ctx context.Context, what string, err error, stderr []byte) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return common.StageTimeoutError("ocr", err)
	case errors.Is(err, exec.ErrNotFound):
		return common.TransientError(what+" binary not found", err)
	default:
		msg := what + " failed"
		if s := strings.TrimSpace(string(stderr)); s != "" {
			msg += ": " + truncate(s, 200)
		}
		return common.TransientError(msg, err)
	}
}

// isFatalEngineError reports errors that would fail every remaining page too.
func isFatalEngineError(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, exec.ErrNotFound) || common.IsStageTimeout(err)
}
