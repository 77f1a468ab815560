package ocr

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
)

func (e *Extractor) extractImage(ctx context.Context, path, scratch string, opts Options) (Result, error) {
	log := common.LoggerWithContext(ctx, e.logger)
	res := Result{SourceType: constants.IMAGE, Method: "image-ocr", Pages: 1}

	target, err := e.prepareImage(log, path, scratch)
	if err != nil {
		return res, err
	}
	if target != path {
		defer func() {
			if rmErr := os.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warn("ocr.image.cleanup_failed", "path", target, "error", common.CleanupError("remove preprocessed image", rmErr))
			}
		}()
	}

	txt, conf, warns, err := e.recognize(ctx, log, target, opts)
	res.Warnings = append(res.Warnings, warns...)
	if err != nil {
		return res, err
	}
	res.Text = txt
	res.Confidence = round1(conf)
	return res, nil
}

// prepareImage returns the path to OCR: the original when it is already a
// PNG of reasonable width, otherwise a preprocessed copy inside scratch.
func (e *Extractor) prepareImage(log *slog.Logger, path, scratch string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", common.MalformedInputError("cannot open image", err)
	}
	defer func() { _ = f.Close() }()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return "", common.MalformedInputError("unreadable image", err)
	}
	width := targetWidth(cfg.Width, e.cfg.MinImageWidth, e.cfg.MaxImageWidth)
	if format == "png" && width == cfg.Width {
		log.Debug("ocr.image.original", "path", path, "width", cfg.Width, "height", cfg.Height)
		return path, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", common.TransientError("cannot rewind image", err)
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return "", common.MalformedInputError("unreadable image", err)
	}

	out := filepath.Join(scratch, "prepared.png")
	dst, err := os.Create(out)
	if err != nil {
		return "", common.TransientError("cannot write preprocessed image", err)
	}
	if err := png.Encode(dst, Preprocess(src, width)); err != nil {
		_ = dst.Close()
		return "", common.TransientError("cannot encode preprocessed image", err)
	}
	if err := dst.Close(); err != nil {
		return "", common.TransientError("cannot write preprocessed image", err)
	}
	log.Debug("ocr.image.preprocessed",
		"path", path,
		"format", format,
		"from_width", cfg.Width,
		"to_width", width,
	)
	return out, nil
}

func targetWidth(w, min, max int) int {
	switch {
	case w < min:
		return min
	case w > max:
		return max
	default:
		return w
	}
}
