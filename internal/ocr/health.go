package ocr

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/joseph-ayodele/docintake/internal/common"
)

const healthText = "INVOICE 12345"

// HealthCheck proves the engine can recognize a synthetic image and that the
// PDF renderer is installed. The service must not accept jobs when it fails.
func (e *Extractor) HealthCheck(ctx context.Context) error {
	log := e.logger.With("check", "ocr")

	if _, errb, err := e.runner.Run(ctx, log, e.cfg.Pdftoppm, "-v"); err != nil {
		return execError(ctx, "pdftoppm", err, errb)
	}

	dir, err := os.MkdirTemp(e.cfg.ScratchDir, "docintake-health-*")
	if err != nil {
		return common.TransientError("cannot create scratch dir", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	path := filepath.Join(dir, "health.png")
	f, err := os.Create(path)
	if err != nil {
		return common.TransientError("cannot write health-check image", err)
	}
	if err := png.Encode(f, SyntheticImage(healthText)); err != nil {
		_ = f.Close()
		return common.TransientError("cannot encode health-check image", err)
	}
	if err := f.Close(); err != nil {
		return common.TransientError("cannot write health-check image", err)
	}

	// psm 7: treat the image as a single text line
	out, errb, err := e.runner.Run(ctx, log, e.cfg.Tesseract, e.tesseractArgs(path, Options{Lang: e.cfg.TesseractLang, PSM: 7, OEM: e.cfg.OEM})...)
	if err != nil {
		return execError(ctx, "tesseract", err, errb)
	}
	if !recognized(string(out)) {
		log.Error("ocr.health.unrecognized", "output", truncate(string(out), 200))
		return common.TransientError("ocr engine did not recognize the health-check image", nil)
	}
	log.Info("ocr.health.ok", "lang", e.cfg.TesseractLang)
	return nil
}

func recognized(out string) bool {
	s := strings.ToUpper(strings.Join(strings.Fields(out), ""))
	return strings.Contains(s, "INVOICE") || strings.Contains(s, "12345")
}

// SyntheticImage renders text in black on white, scaled up so the bitmap
// font is large enough for the engine.
func SyntheticImage(text string) image.Image {
	const scale = 4
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil() + 20
	h := face.Metrics().Height.Ceil() + 12

	small := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(small, small.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(10, 6+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	big := image.NewGray(image.Rect(0, 0, w*scale, h*scale))
	draw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), draw.Src, nil)
	return big
}
