package ocr

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Preprocess resizes src to width (keeping aspect ratio), converts it to
// grayscale, stretches contrast and sharpens.
func Preprocess(src image.Image, width int) *image.Gray {
	b := src.Bounds()
	if width <= 0 || b.Dx() == 0 {
		width = b.Dx()
	}
	height := 1
	if b.Dx() > 0 {
		height = b.Dy() * width / b.Dx()
	}
	if height < 1 {
		height = 1
	}

	gray := image.NewGray(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(gray, gray.Bounds(), src, b, draw.Src, nil)

	stretchContrast(gray)
	return sharpen(gray)
}

// stretchContrast maps the 1st..99th luminance percentile onto 0..255.
func stretchContrast(img *image.Gray) {
	var hist [256]int
	for _, p := range img.Pix {
		hist[p]++
	}
	total := len(img.Pix)
	if total == 0 {
		return
	}
	cut := total / 100
	lo, hi := 0, 255
	for acc := 0; lo < 255; lo++ {
		acc += hist[lo]
		if acc > cut {
			break
		}
	}
	for acc := 0; hi > 0; hi-- {
		acc += hist[hi]
		if acc > cut {
			break
		}
	}
	if hi <= lo {
		return
	}
	span := float64(hi - lo)
	var lut [256]uint8
	for i := range lut {
		v := (float64(i) - float64(lo)) * 255 / span
		lut[i] = clampByte(v)
	}
	for i, p := range img.Pix {
		img.Pix[i] = lut[p]
	}
}

// sharpen applies the 3x3 kernel [0 -1 0; -1 5 -1; 0 -1 0]; edges are copied.
func sharpen(src *image.Gray) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	copy(dst.Pix, src.Pix)
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			c := 5*int(src.GrayAt(x, y).Y) -
				int(src.GrayAt(x-1, y).Y) - int(src.GrayAt(x+1, y).Y) -
				int(src.GrayAt(x, y-1).Y) - int(src.GrayAt(x, y+1).Y)
			dst.SetGray(x, y, color.Gray{Y: clampByte(float64(c))})
		}
	}
	return dst
}

func clampByte(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
