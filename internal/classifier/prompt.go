package classifier

import (
	"strings"

	"github.com/joseph-ayodele/docintake/constants"
)

const defaultMaxChars = 8000

// systemPrompt enumerates the taxonomy and the response shape. It is built
// once; only the user message varies per document.
var systemPrompt = buildSystemPrompt()

func buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You classify scanned business documents (mostly Italian and English) and extract key fields.\n")
	b.WriteString("Allowed document types:\n")
	for _, t := range constants.DocTypes() {
		b.WriteString("- ")
		b.WriteString(string(t))
		b.WriteString(" (")
		b.WriteString(t.DisplayName())
		b.WriteString(")\n")
	}
	b.WriteString(`Return ONLY one JSON object with this shape:
{"type": "<one of the allowed types>",
 "confidence": <number 0-100>,
 "details": {
   "supplier": "<issuer name>",
   "customer": "<recipient name>",
   "number": "<document number>",
   "date": "<YYYY-MM-DD>",
   "amount": <grand total as a number>,
   "currency": "<ISO 4217 code>",
   "items": [{"description": "...", "quantity": <number>, "unitPrice": <number>, "total": <number>}]
 }}
Omit any detail that is not visible in the text. Never invent values. Use "other" when no type fits.`)
	return b.String()
}

func buildUserPrompt(text string, maxChars int) string {
	return "Document text:\n" + truncateRunes(text, maxChars)
}

// truncateRunes cuts s to at most n runes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
