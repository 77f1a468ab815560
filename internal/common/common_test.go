package common

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")

	tr := TransientError("classifier unreachable", cause)
	if !errors.Is(tr, ErrTransient) {
		t.Fatal("transient error should match ErrTransient")
	}
	if !errors.Is(tr, cause) {
		t.Fatal("transient error should keep its cause")
	}
	if !IsRetryable(tr) {
		t.Fatal("transient error should be retryable")
	}

	mi := MalformedInputError("unsupported file type", nil)
	if !errors.Is(mi, ErrMalformedInput) {
		t.Fatal("malformed error should match ErrMalformedInput")
	}
	if IsRetryable(mi) {
		t.Fatal("malformed input must not be retryable")
	}
	if IsRetryable(WrapError(mi, "ocr")) {
		t.Fatal("wrapped malformed input must not be retryable")
	}

	if IsRetryable(ParseError("no choices in reply", nil)) {
		t.Fatal("parse errors must not be retryable")
	}

	if !IsRetryable(errors.New("boom")) {
		t.Fatal("unknown errors are treated as transient")
	}
	if IsRetryable(nil) {
		t.Fatal("nil is not retryable")
	}
}

func TestIsStageTimeout(t *testing.T) {
	if !IsStageTimeout(StageTimeoutError("ocr", context.DeadlineExceeded)) {
		t.Fatal("stage timeout not detected")
	}
	if !IsStageTimeout(WrapError(context.DeadlineExceeded, "tesseract")) {
		t.Fatal("wrapped deadline not detected")
	}
	if IsStageTimeout(errors.New("x")) {
		t.Fatal("plain error is not a timeout")
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	err := WrapError(MalformedInputError("corrupt pdf", errors.New("xref table broken at 0x1f")), "extract")
	if got := PublicMessage(err); got != "MALFORMED_INPUT: corrupt pdf" {
		t.Fatalf("PublicMessage = %q", got)
	}
	if got := PublicMessage(errors.New("panic: nil map")); got != "internal error" {
		t.Fatalf("PublicMessage for plain error = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewAppError(CodeNotFound, "job", ErrNotFound), http.StatusNotFound},
		{NewAppError(CodeInvalidInput, "bad", ErrInvalidInput), http.StatusBadRequest},
		{MalformedInputError("bad type", nil), http.StatusUnsupportedMediaType},
		{TransientError("db down", nil), http.StatusServiceUnavailable},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator().
		Field("filepath", "", Required).
		Field("language", "ita+eng", OCRLanguage).
		Field("priority", 5, IntRange(-100, 100))
	if !v.HasErrors() || len(v.Errors()) != 1 {
		t.Fatalf("expected exactly one error, got %v", v.Errors())
	}
	err := ValidateAndReturnError(v)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	v = NewValidator().
		Field("language", "ITA;rm -rf", OCRLanguage).
		Field("priority", 1000, IntRange(-100, 100)).
		Field("filename", "ééé", MaxLength(2))
	if len(v.Errors()) != 3 {
		t.Fatalf("expected 3 errors, got %v", v.Errors())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_URL", "postgres://u:p@localhost/db")
	t.Setenv("QUEUE_CONCURRENCY", "7")
	t.Setenv("QUEUE_BACKOFF_BASE", "250ms")
	t.Setenv("INGEST_DIRS", " /in/a, /in/b ,")
	t.Setenv("OCR_SKIP_HEALTHCHECK", "true")
	t.Setenv("OCR_TSV_CONFIDENCE", "")

	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Queue.Concurrency != 7 {
		t.Fatalf("Concurrency = %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.BackoffBase != 250*time.Millisecond {
		t.Fatalf("BackoffBase = %s", cfg.Queue.BackoffBase)
	}
	if len(cfg.Ingest.Dirs) != 2 || cfg.Ingest.Dirs[1] != "/in/b" {
		t.Fatalf("Ingest.Dirs = %#v", cfg.Ingest.Dirs)
	}
	if !cfg.OCR.SkipHealthCheck {
		t.Fatal("SkipHealthCheck not parsed")
	}
	if cfg.OCR.TSVConfidence {
		t.Fatal("TSV confidence blending must default to off")
	}

	cfg.Queue.BackoffStrategy = "random"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected config error, got %v", err)
	}
}
