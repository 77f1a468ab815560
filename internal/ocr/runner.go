package ocr

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// stderr beyond this is dropped; tesseract can be chatty on bad scans.
const maxStderr = 8 << 10

// Runner executes the OCR engine binaries. Tests swap it for a stub.
type Runner interface {
	Run(ctx context.Context, logger *slog.Logger, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	// grace period between ctx cancellation and closing the pipes
	waitDelay time.Duration
}

func (r execRunner) Run(ctx context.Context, logger *slog.Logger, name string, args ...string) ([]byte, []byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.waitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		logger.Warn("ocr.exec.failed",
			"cmd", name,
			"args", len(args),
			"duration_ms", elapsed,
			"killed", ctx.Err() != nil,
			"stderr", truncate(stderr.String(), 512),
			"error", err)
	} else {
		logger.Debug("ocr.exec.ok",
			"cmd", name,
			"duration_ms", elapsed,
			"stdout_bytes", stdout.Len())
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

type cappedBuffer struct {
	bytes.Buffer
	max int
}

// Write always reports the full length so the child never sees a short write.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
