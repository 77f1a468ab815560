package constants

import "strings"

// Source formats understood by the OCR stage.
const (
	PDF   = "PDF"
	IMAGE = "IMAGE"
)

// AllowedExtensions holds the file extensions accepted for intake.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"tif":  {},
	"tiff": {},
	"bmp":  {},
	"gif":  {},
	"webp": {},
}

// AllowedMIMETypes maps sniffed MIME types to a source format.
var AllowedMIMETypes = map[string]string{
	"application/pdf": PDF,
	"image/png":       IMAGE,
	"image/jpeg":      IMAGE,
	"image/tiff":      IMAGE,
	"image/bmp":       IMAGE,
	"image/gif":       IMAGE,
	"image/webp":      IMAGE,
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// FormatForMIME returns the source format for a sniffed MIME type, or "".
func FormatForMIME(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return AllowedMIMETypes[strings.TrimSpace(strings.ToLower(mime))]
}
