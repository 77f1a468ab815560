package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/llm"
)

// Complete implements llm.Completer using text-only chat/completions with a
// JSON object response format.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	log := common.LoggerWithContext(ctx, c.logger)
	start := time.Now()

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	if c.cfg.MaxTokens > 0 {
		body["max_tokens"] = c.cfg.MaxTokens
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	raw, _, err := llm.SendJSON(ctx, c.http, endpoint, body, headers, log)
	if err != nil {
		log.Error("llm.complete.http_error",
			"model", c.cfg.Model,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", classify(ctx, err)
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		log.Error("llm.complete.decode_error", "error", err, "raw_bytes", len(raw))
		return "", common.ParseError("decode openai response", err)
	}
	if len(cc.Choices) == 0 {
		log.Error("llm.complete.no_choices", "raw_bytes", len(raw))
		return "", common.ParseError("no choices in openai response", nil)
	}

	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	log.Info("llm.complete.ok",
		"model", c.cfg.Model,
		"content_len", len(content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

// classify maps a transport or provider failure onto the error kinds the
// queue understands.
func classify(ctx context.Context, err error) error {
	var se *llm.StatusError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return common.StageTimeoutError("classify", err)
	case errors.As(err, &se) && se.Retryable():
		return common.TransientError(fmt.Sprintf("classifier unavailable (status %d)", se.Status), err)
	case errors.As(err, &se):
		return common.RejectedError(fmt.Sprintf("classifier rejected request (status %d)", se.Status), err)
	default:
		return common.TransientError("classifier unreachable", err)
	}
}
