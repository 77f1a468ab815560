package classifier

import (
	"strings"

	"github.com/joseph-ayodele/docintake/constants"
)

// keywords per document type, Italian and English, lowercase.
var keywords = map[constants.DocType][]string{
	constants.Invoice:       {"fattura", "invoice", "partita iva", "imponibile", "vat number", "bill to"},
	constants.PurchaseOrder: {"ordine di acquisto", "ordine fornitore", "purchase order", "p.o.", "po number"},
	constants.SalesOrder:    {"ordine cliente", "conferma d'ordine", "sales order", "order confirmation"},
	constants.Receipt:       {"ricevuta", "scontrino", "receipt", "documento commerciale", "paid", "cash"},
	constants.DeliveryNote:  {"documento di trasporto", "ddt", "bolla di accompagnamento", "delivery note", "packing slip", "vettore"},
	constants.Quote:         {"preventivo", "offerta", "quotation", "quote", "estimate", "validità offerta"},
	constants.Contract:      {"contratto", "contract", "agreement", "le parti", "the parties", "clausola"},
	constants.PaymentSlip:   {"bollettino", "bonifico", "payment slip", "remittance", "iban", "pagopa"},
	constants.TaxDocument:   {"f24", "agenzia delle entrate", "dichiarazione", "tax return", "codice tributo", "modello 730"},
}

// QuickClassify scores each type by counting its keywords in text. The best
// type wins with confidence min(score*25, 75); no hit at all yields other/0.
// Ties go to the type listed first in the taxonomy.
func QuickClassify(text string) Result {
	lower := strings.ToLower(text)

	best, bestScore := constants.Other, 0
	for _, t := range constants.DocTypes() {
		score := 0
		for _, kw := range keywords[t] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}

	res := newResult(best, 0, MethodKeywords)
	if bestScore > 0 {
		res.Confidence = float64(min(bestScore*25, 75))
	}
	return res
}
