package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/entity"
	"github.com/joseph-ayodele/docintake/internal/llm"
)

const (
	MethodModel    = "model"
	MethodKeywords = "keywords"

	defaultConfidence = 50.0
)

// Result is always populated. Err is set only for failures the queue should
// retry (classifier unreachable, rate limited, stage timeout); every other
// problem degrades to other/0 with Error describing it.
type Result struct {
	entity.Classification
	Err error `json:"-"`
}

type Config struct {
	MaxChars int           // OCR text sent to the model, in runes; default 8000
	Timeout  time.Duration // per call; 0 relies on the caller's context
}

type Options struct {
	// KeywordsOnly skips the model even when one is configured.
	KeywordsOnly bool
}

type Classifier struct {
	model  llm.Completer
	cfg    Config
	schema *jsonschema.Schema
	logger *slog.Logger
}

// New builds a Classifier. A nil model puts it in degraded mode where every
// call is answered by QuickClassify.
func New(model llm.Completer, cfg Config, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	schema, err := llm.CompileSchema(detailsSchema())
	if err != nil {
		return nil, fmt.Errorf("compile details schema: %w", err)
	}
	return &Classifier{
		model:  model,
		cfg:    cfg,
		schema: schema,
		logger: logger.With("component", "classifier"),
	}, nil
}

// Degraded reports whether no model is configured.
func (c *Classifier) Degraded() bool { return c.model == nil }

// Classify never panics and never returns an empty result.
func (c *Classifier) Classify(ctx context.Context, text string, opts Options) (res Result) {
	log := common.LoggerWithContext(ctx, c.logger)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("classify.panic", "panic", r)
			res = newResult(constants.Other, 0, MethodModel)
			res.Error = fmt.Sprintf("internal error: %v", r)
		}
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	hint := QuickClassify(text)
	if c.model == nil || opts.KeywordsOnly {
		log.Info("classify.keywords", "type", hint.Type, "confidence", hint.Confidence)
		return hint
	}
	if strings.TrimSpace(text) == "" {
		res = newResult(constants.Other, 0, MethodModel)
		res.Error = "no text to classify"
		return res
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	content, err := c.model.Complete(ctx, systemPrompt, buildUserPrompt(text, c.cfg.MaxChars))
	if err != nil {
		res = newResult(constants.Other, 0, MethodModel)
		res.Error = common.PublicMessage(err)
		if common.IsRetryable(err) {
			res.Err = err
			log.Warn("classify.model_unavailable", "error", err, "hint", hint.Type)
		} else {
			log.Error("classify.model_rejected", "error", err)
		}
		return res
	}

	res, err = c.parse(content)
	if err != nil {
		log.Warn("classify.parse_failed", "error", err, "content_len", len(content), "hint", hint.Type)
		res = newResult(constants.Other, 0, MethodModel)
		res.Error = common.PublicMessage(err)
		return res
	}

	log.Info("classify.ok",
		"type", res.Type,
		"confidence", res.Confidence,
		"hint", hint.Type,
		"hint_confidence", hint.Confidence,
		"warnings", len(res.Warnings),
	)
	return res
}

// parse decodes the model reply. Only a missing JSON object or a missing
// type is an error; everything else degrades field by field.
func (c *Classifier) parse(content string) (Result, error) {
	block, err := llm.ExtractJSONObject(content)
	if err != nil {
		return Result{}, common.ParseError("classifier reply has no json object", err)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return Result{}, common.ParseError("classifier reply is not valid json", err)
	}

	typ, _ := raw["type"].(string)
	if strings.TrimSpace(typ) == "" {
		return Result{}, common.ParseError("classifier reply has no type", nil)
	}

	dt, known := constants.Canonicalize(typ)
	res := newResult(dt, confidence(raw["confidence"]), MethodModel)
	if !known {
		res.Warnings = append(res.Warnings, "unknown type "+strconv.Quote(typ)+" mapped to other")
	}

	details, ok := raw["details"].(map[string]any)
	if !ok {
		// some models flatten the details into the top level object
		details = raw
	}
	clean, dropped := SanitizeDetails(details)
	for _, k := range dropped {
		res.Warnings = append(res.Warnings, "dropped invalid field "+k)
	}
	if err := c.schema.Validate(clean); err != nil {
		res.Warnings = append(res.Warnings, "details failed schema validation: "+err.Error())
		return res, nil
	}
	d, err := toDetails(clean)
	if err != nil {
		res.Warnings = append(res.Warnings, "details not decodable: "+err.Error())
		return res, nil
	}
	res.Details = d
	return res, nil
}

// confidence reads a 0..100 score; missing or invalid values default to 50.
func confidence(v any) float64 {
	f, ok := asNumber(v)
	if !ok {
		return defaultConfidence
	}
	return clamp(f, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func newResult(t constants.DocType, conf float64, method string) Result {
	return Result{Classification: entity.Classification{
		Type:       t,
		TypeName:   t.DisplayName(),
		Confidence: conf,
		Method:     method,
	}}
}
