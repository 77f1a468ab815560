package ocr

import (
	"regexp"
	"strings"
)

var (
	reHSpace     = regexp.MustCompile(`[ \t\f\v\x{00A0}\x{2007}\x{202F}]+`)
	reMultiBlank = regexp.MustCompile(`\n{3,}`)
	reBoxNoise   = regexp.MustCompile(`(?m)^\s*[_\-|=~]{3,}\s*$`)
)

// tesseract emits typographic ligatures on clean laser prints
var ligatures = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	"ﬀ", "ff",
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
	"­", "",
)

// Normalize cleans raw engine output: unified newlines, single spaces,
// no trailing blanks and at most one empty line between blocks.
func Normalize(s string) string {
	if s == "" {
		return s
	}
	s = ligatures.Replace(s)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(reHSpace.ReplaceAllString(l, " "), " ")
	}
	s = reMultiBlank.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}
