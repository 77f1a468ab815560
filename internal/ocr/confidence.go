package ocr

import (
	"strings"
	"unicode"
)

// Tuning defaults for HeuristicConfidence. The weights are an empirical proxy
// and should be revisited against a real document corpus.
const (
	confBase             = 50.0
	confLongText         = 100
	confVeryLongText     = 500
	confLengthBonus      = 10.0
	confKeywordBonus     = 5.0
	confKeywordCap       = 20.0
	confPunctBonus       = 5.0
	confDigitBonus       = 5.0
	confNoiseThreshold   = 0.20
	confNoisePenalty     = 20.0
	confShortLineChars   = 10.0
	confShortLinePenalty = 10.0
)

// domainKeywords are invoice/order/date/total terms in the supported languages.
var domainKeywords = []string{
	"fattura", "invoice",
	"ordine", "order",
	"data", "date",
	"totale", "total",
	"importo", "amount",
	"iva", "vat",
	"imponibile", "subtotal",
	"ricevuta", "receipt",
	"quantità", "quantity", "qty",
	"pagamento", "payment",
	"scadenza", "due",
	"fornitore", "supplier",
	"cliente", "customer",
}

const punctuation = ".,;:!?"

// HeuristicConfidence scores OCR output on a 0..100 scale. Blank text gets
// only the short-line penalty and scores 40.
func HeuristicConfidence(txt string) float64 {
	score := confBase

	n := len([]rune(txt))
	if n > confLongText {
		score += confLengthBonus
	}
	if n > confVeryLongText {
		score += confLengthBonus
	}

	score += keywordScore(txt)

	if strings.ContainsAny(txt, punctuation) {
		score += confPunctBonus
	}
	if strings.IndexFunc(txt, unicode.IsDigit) >= 0 {
		score += confDigitBonus
	}
	if noiseRatio(txt) > confNoiseThreshold {
		score -= confNoisePenalty
	}
	if avgLineLength(txt) < confShortLineChars {
		score -= confShortLinePenalty
	}
	return clamp(score, 0, 100)
}

func keywordScore(txt string) float64 {
	words := strings.FieldsFunc(strings.ToLower(txt), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}
	var s float64
	for _, kw := range domainKeywords {
		if _, ok := seen[kw]; ok {
			s += confKeywordBonus
			if s >= confKeywordCap {
				return confKeywordCap
			}
		}
	}
	return s
}

// noiseRatio is the share of non-space runes that are neither letters,
// digits nor ordinary punctuation.
func noiseRatio(txt string) float64 {
	var total, noise int
	for _, r := range txt {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(punctuation+"-/()%€$'\"", r) {
			continue
		}
		noise++
	}
	if total == 0 {
		return 0
	}
	return float64(noise) / float64(total)
}

func avgLineLength(txt string) float64 {
	var lines, chars int
	for _, ln := range strings.Split(txt, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		lines++
		chars += len([]rune(ln))
	}
	if lines == 0 {
		return 0
	}
	return float64(chars) / float64(lines)
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
