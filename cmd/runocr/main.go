// runocr extracts text from one file and prints the result as JSON; with
// -classify it also runs the classifier. Handy for checking the engine setup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joseph-ayodele/docintake/internal/classifier"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/llm"
	"github.com/joseph-ayodele/docintake/internal/llm/openai"
	"github.com/joseph-ayodele/docintake/internal/ocr"
)

type output struct {
	File           string             `json:"file"`
	OCR            ocr.Result         `json:"ocr"`
	Classification *classifier.Result `json:"classification,omitempty"`
}

func main() {
	var (
		lang     = flag.String("lang", "", "tesseract language(s), e.g. ita+eng (default OCR_LANG)")
		psm      = flag.Int("psm", 0, "page segmentation mode (default OCR_PSM)")
		classify = flag.Bool("classify", false, "also classify the extracted text")
		keywords = flag.Bool("keywords", false, "classify by keywords only, never call the model")
		health   = flag.Bool("health", false, "run the OCR engine health check and exit")
		timeout  = flag.Duration("timeout", 3*time.Minute, "overall timeout")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: runocr [flags] <file>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	extractor := ocr.NewExtractor(ocr.Config{
		Pdftoppm:            cfg.OCR.Pdftoppm,
		Tesseract:           cfg.OCR.Tesseract,
		TesseractLang:       cfg.OCR.Lang,
		TessdataDir:         cfg.OCR.TessdataDir,
		PSM:                 cfg.OCR.PSM,
		OEM:                 cfg.OCR.OEM,
		RenderWidth:         cfg.OCR.RenderWidth,
		ScratchDir:          cfg.OCR.ScratchDir,
		EnableTSVConfidence: cfg.OCR.TSVConfidence,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *health {
		if err := extractor.HealthCheck(ctx); err != nil {
			logger.Error("ocr health check failed", "error", err)
			os.Exit(1)
		}
		logger.Info("ocr health check OK")
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	out := output{File: path}
	out.OCR = extractor.ExtractText(ctx, path, ocr.Options{Lang: *lang, PSM: *psm})

	if *classify && out.OCR.Success {
		var model llm.Completer
		if oc := openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		}, logger); oc.Configured() {
			model = oc
		}
		cls, err := classifier.New(model, classifier.Config{MaxChars: cfg.LLM.MaxTextChars}, logger)
		if err != nil {
			logger.Error("build classifier", "error", err)
			os.Exit(1)
		}
		res := cls.Classify(ctx, out.OCR.Text, classifier.Options{KeywordsOnly: *keywords})
		out.Classification = &res
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("encode result", "error", err)
		os.Exit(1)
	}
	if !out.OCR.Success {
		os.Exit(1)
	}
}
