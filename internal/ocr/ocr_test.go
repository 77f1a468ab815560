package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/joseph-ayodele/docintake/internal/common"
)

const italianInvoicePage = `FATTURA N. 2024/118
Data: 12/03/2024
Fornitore: Rossi Forniture S.r.l. - Via Roma 10, Milano
Cliente: Bianchi Costruzioni S.p.A.
Descrizione            Quantità   Prezzo   Totale
Cemento 25kg              10       7,50     75,00
Sabbia fine                4      12,00     48,00
Imponibile: 123,00
IVA 22%: 27,06
Totale documento: EUR 150,06`

type stubRunner struct {
	mu        sync.Mutex
	calls     [][]string
	pages     map[string]string // page number -> OCR text
	failPages map[string]bool
	missing   bool
	tessOut   string
	tsvOut    string
	seen      []string
}

func (s *stubRunner) Run(_ context.Context, _ *slog.Logger, name string, args ...string) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string{name}, args...))

	if s.missing {
		return nil, nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	switch name {
	case "pdftoppm":
		if len(args) == 1 && args[0] == "-v" {
			return nil, []byte("pdftoppm version 24.02.0"), nil
		}
		prefix := args[len(args)-1]
		if err := os.WriteFile(prefix+".png", []byte("fake png"), 0o600); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	case "tesseract":
		img := args[0]
		if _, err := os.Stat(img); err != nil {
			return nil, []byte("cannot open"), fmt.Errorf("image missing during OCR: %w", err)
		}
		s.seen = append(s.seen, img)
		if args[len(args)-1] == "tsv" && s.tsvOut != "" {
			return []byte(s.tsvOut), nil, nil
		}
		if s.tessOut != "" {
			return []byte(s.tessOut), nil, nil
		}
		page := pageOf(img)
		if s.failPages[page] {
			return nil, []byte("Error in pixReadStream"), errors.New("exit status 1")
		}
		return []byte(s.pages[page]), nil, nil
	}
	return nil, nil, fmt.Errorf("unexpected command %s", name)
}

func pageOf(img string) string {
	base := strings.TrimSuffix(filepath.Base(img), ".png")
	base = strings.TrimPrefix(base, "page-")
	return strings.TrimLeft(base, "0")
}

type stubPDF struct {
	pages int
	err   error
}

func (s stubPDF) PageCount(string) (int, error) { return s.pages, s.err }

// minimalPDF builds a structurally valid PDF with n empty pages.
func minimalPDF(n int) []byte {
	var buf bytes.Buffer
	var offsets []int
	buf.WriteString("%PDF-1.4\n")
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	var kids []string
	for i := 0; i < n; i++ {
		kids = append(kids, fmt.Sprintf("%d 0 R", 3+i))
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	for i := 0; i < n; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not cleaned up: %v", entries)
	}
}

func newTestExtractor(t *testing.T, r Runner, pdf PDFInspector) (*Extractor, string) {
	t.Helper()
	scratch := t.TempDir()
	e := NewExtractor(Config{TesseractLang: "ita+eng", ScratchDir: scratch}, slog.Default(),
		WithRunner(r), WithPDFInspector(pdf))
	return e, scratch
}

func TestExtractTextPDFReportsPagesAndCleansScratch(t *testing.T) {
	r := &stubRunner{pages: map[string]string{"1": italianInvoicePage, "2": italianInvoicePage}}
	e, scratch := newTestExtractor(t, r, stubPDF{pages: 2})
	in := writeFile(t, t.TempDir(), "scan.pdf", minimalPDF(2))

	ctx := common.WithJobID(context.Background(), "job-42")
	res := e.ExtractText(ctx, in, Options{})

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Pages != 2 {
		t.Fatalf("Pages = %d, want 2", res.Pages)
	}
	if res.Confidence < 50 {
		t.Fatalf("Confidence = %.1f, want >= 50", res.Confidence)
	}
	if !strings.Contains(res.Text, "\n\n") || strings.Count(res.Text, "FATTURA") != 2 {
		t.Fatalf("pages not joined with a blank line: %q", res.Text)
	}
	if res.Method != "pdf-ocr" || res.Language != "ita+eng" {
		t.Fatalf("unexpected method/lang %q/%q", res.Method, res.Language)
	}
	for _, img := range r.seen {
		if !strings.Contains(img, "docintake-job-42-") {
			t.Fatalf("scratch dir not job-scoped: %s", img)
		}
		if _, err := os.Stat(img); !os.IsNotExist(err) {
			t.Fatalf("page image %s still exists", img)
		}
	}
	assertEmptyDir(t, scratch)
}

func TestExtractTextPDFPageFailureKeepsPageCount(t *testing.T) {
	r := &stubRunner{
		pages:     map[string]string{"1": italianInvoicePage},
		failPages: map[string]bool{"2": true},
	}
	e, scratch := newTestExtractor(t, r, stubPDF{pages: 2})
	in := writeFile(t, t.TempDir(), "scan.pdf", minimalPDF(2))

	res := e.ExtractText(context.Background(), in, Options{})
	if !res.Success {
		t.Fatalf("one bad page should not fail the document: %q", res.Error)
	}
	if res.Pages != 2 {
		t.Fatalf("Pages = %d, want 2", res.Pages)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning for the failed page")
	}
	assertEmptyDir(t, scratch)
}

func TestExtractTextPDFAllPagesFail(t *testing.T) {
	r := &stubRunner{failPages: map[string]bool{"1": true, "2": true}}
	e, scratch := newTestExtractor(t, r, stubPDF{pages: 2})
	in := writeFile(t, t.TempDir(), "scan.pdf", minimalPDF(2))

	res := e.ExtractText(context.Background(), in, Options{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, common.ErrTransient) {
		t.Fatalf("expected transient error, got %v", res.Err)
	}
	if res.Error == "" {
		t.Fatal("failure must carry a message")
	}
	assertEmptyDir(t, scratch)
}

func TestExtractTextEngineMissingIsTransient(t *testing.T) {
	r := &stubRunner{missing: true}
	e, scratch := newTestExtractor(t, r, stubPDF{pages: 3})
	in := writeFile(t, t.TempDir(), "scan.pdf", minimalPDF(3))

	res := e.ExtractText(context.Background(), in, Options{})
	if res.Success || !errors.Is(res.Err, common.ErrTransient) {
		t.Fatalf("expected transient failure, got %+v", res)
	}
	if len(r.calls) != 1 {
		t.Fatalf("missing engine should abort after the first call, got %d calls", len(r.calls))
	}
	assertEmptyDir(t, scratch)
}

func TestExtractTextCorruptPDFIsMalformed(t *testing.T) {
	r := &stubRunner{}
	scratch := t.TempDir()
	e := NewExtractor(Config{ScratchDir: scratch}, nil, WithRunner(r))
	in := writeFile(t, t.TempDir(), "broken.pdf", []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog /Pages 2 0"))

	res := e.ExtractText(context.Background(), in, Options{})
	if res.Success {
		t.Fatal("corrupt pdf must fail")
	}
	if !errors.Is(res.Err, common.ErrMalformedInput) {
		t.Fatalf("expected malformed input, got %v", res.Err)
	}
	if common.IsRetryable(res.Err) {
		t.Fatal("corrupt pdf must not be retryable")
	}
	if len(r.calls) != 0 {
		t.Fatalf("no engine call expected for a corrupt pdf, got %v", r.calls)
	}
	assertEmptyDir(t, scratch)
}

func TestPdfcpuInspectorCountsPages(t *testing.T) {
	in := writeFile(t, t.TempDir(), "three.pdf", minimalPDF(3))
	n, err := pdfcpuInspector{}.PageCount(in)
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("PageCount = %d, want 3", n)
	}
}

func TestExtractTextUnsupportedType(t *testing.T) {
	e, scratch := newTestExtractor(t, &stubRunner{}, stubPDF{pages: 1})
	in := writeFile(t, t.TempDir(), "notes.txt", []byte("just some plain text, not a scan"))

	res := e.ExtractText(context.Background(), in, Options{})
	if res.Success || !errors.Is(res.Err, common.ErrMalformedInput) {
		t.Fatalf("expected malformed input, got %+v", res)
	}
	if !strings.HasPrefix(res.Error, common.CodeMalformedInput) {
		t.Fatalf("Error = %q", res.Error)
	}
	assertEmptyDir(t, scratch)
}

func TestExtractTextMissingFile(t *testing.T) {
	e, _ := newTestExtractor(t, &stubRunner{}, stubPDF{pages: 1})
	res := e.ExtractText(context.Background(), filepath.Join(t.TempDir(), "gone.pdf"), Options{})
	if res.Success || !errors.Is(res.Err, common.ErrMalformedInput) {
		t.Fatalf("expected malformed input, got %+v", res)
	}
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractTextImageUsesOriginalWhenCanonical(t *testing.T) {
	r := &stubRunner{tessOut: italianInvoicePage}
	e, scratch := newTestExtractor(t, r, stubPDF{})
	in := writeFile(t, t.TempDir(), "scan.png", encodePNG(t, 1200, 40))

	res := e.ExtractText(context.Background(), in, Options{PSM: 6})
	if !res.Success {
		t.Fatalf("unexpected failure %q", res.Error)
	}
	if res.Pages != 1 || res.Method != "image-ocr" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(r.seen) != 1 || r.seen[0] != in {
		t.Fatalf("expected OCR on the original file, saw %v", r.seen)
	}
	args := strings.Join(r.calls[0], " ")
	if !strings.Contains(args, "--psm 6") || !strings.Contains(args, "-l ita+eng") {
		t.Fatalf("options not forwarded: %s", args)
	}
	assertEmptyDir(t, scratch)
}

func TestExtractTextConfidenceIsHeuristicByDefault(t *testing.T) {
	r := &stubRunner{tessOut: italianInvoicePage, tsvOut: "level\tconf\n"}
	e, _ := newTestExtractor(t, r, stubPDF{})
	in := writeFile(t, t.TempDir(), "scan.png", encodePNG(t, 1200, 40))

	res := e.ExtractText(context.Background(), in, Options{})
	if !res.Success {
		t.Fatalf("unexpected failure %q", res.Error)
	}
	if want := round1(HeuristicConfidence(Normalize(italianInvoicePage))); res.Confidence != want {
		t.Fatalf("Confidence = %v, want heuristic %v", res.Confidence, want)
	}
	if len(r.calls) != 1 {
		t.Fatalf("tesseract ran %d times, want once: %v", len(r.calls), r.calls)
	}
}

func TestExtractTextBlendsEngineConfidenceWhenEnabled(t *testing.T) {
	tsv := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
		"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tFATTURA\n"
	r := &stubRunner{tessOut: italianInvoicePage, tsvOut: tsv}
	e := NewExtractor(Config{TesseractLang: "ita+eng", ScratchDir: t.TempDir(), EnableTSVConfidence: true}, nil,
		WithRunner(r), WithPDFInspector(stubPDF{}))
	in := writeFile(t, t.TempDir(), "scan.png", encodePNG(t, 1200, 40))

	res := e.ExtractText(context.Background(), in, Options{})
	if !res.Success {
		t.Fatalf("unexpected failure %q", res.Error)
	}
	h := HeuristicConfidence(Normalize(italianInvoicePage))
	if want := round1(clamp(0.7*90+0.3*h, 0, 100)); res.Confidence != want {
		t.Fatalf("Confidence = %v, want blended %v", res.Confidence, want)
	}
	if len(r.calls) != 2 {
		t.Fatalf("tesseract ran %d times, want twice", len(r.calls))
	}
}

func TestExtractTextImagePreprocessesUndersizedJPEG(t *testing.T) {
	r := &stubRunner{tessOut: "Ricevuta\nTotale 12,50"}
	e, scratch := newTestExtractor(t, r, stubPDF{})

	var buf bytes.Buffer
	img := image.NewGray(image.Rect(0, 0, 200, 50))
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	in := writeFile(t, t.TempDir(), "small.jpg", buf.Bytes())

	res := e.ExtractText(context.Background(), in, Options{})
	if !res.Success {
		t.Fatalf("unexpected failure %q", res.Error)
	}
	if len(r.seen) != 1 || r.seen[0] == in || !strings.HasPrefix(r.seen[0], scratch) {
		t.Fatalf("expected OCR on a preprocessed copy in scratch, saw %v", r.seen)
	}
	if _, err := os.Stat(in); err != nil {
		t.Fatalf("original input must be untouched: %v", err)
	}
	assertEmptyDir(t, scratch)
}

func TestPreprocessResizesToWidth(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 500, 100))
	out := Preprocess(src, 1000)
	if out.Bounds().Dx() != 1000 || out.Bounds().Dy() != 200 {
		t.Fatalf("Preprocess size = %v", out.Bounds())
	}
}

func TestHealthCheck(t *testing.T) {
	e, scratch := newTestExtractor(t, &stubRunner{tessOut: "INVOICE 12345\n"}, stubPDF{})
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	assertEmptyDir(t, scratch)

	e, _ = newTestExtractor(t, &stubRunner{tessOut: "~~~ ,,, \n"}, stubPDF{})
	if err := e.HealthCheck(context.Background()); err == nil {
		t.Fatal("HealthCheck should fail when the text is not recognized")
	}

	e, _ = newTestExtractor(t, &stubRunner{missing: true}, stubPDF{})
	if err := e.HealthCheck(context.Background()); !errors.Is(err, common.ErrTransient) {
		t.Fatalf("missing engine should fail the health check, got %v", err)
	}
}

func TestSyntheticImageIsNotBlank(t *testing.T) {
	img := SyntheticImage(healthText).(*image.Gray)
	dark := 0
	for _, p := range img.Pix {
		if p < 128 {
			dark++
		}
	}
	if dark == 0 {
		t.Fatal("synthetic image has no ink")
	}
}
