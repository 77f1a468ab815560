package constants

import (
	"strings"
)

type DocType string

const (
	Invoice       DocType = "invoice"
	PurchaseOrder DocType = "purchase_order"
	SalesOrder    DocType = "sales_order"
	Receipt       DocType = "receipt"
	DeliveryNote  DocType = "delivery_note"
	Quote         DocType = "quote"
	Contract      DocType = "contract"
	PaymentSlip   DocType = "payment_slip"
	TaxDocument   DocType = "tax_document"
	Other         DocType = "other"
)

var allDocTypes = []DocType{
	Invoice,
	PurchaseOrder,
	SalesOrder,
	Receipt,
	DeliveryNote,
	Quote,
	Contract,
	PaymentSlip,
	TaxDocument,
	Other,
}

var displayNames = map[DocType]string{
	Invoice:       "Invoice",
	PurchaseOrder: "Purchase Order",
	SalesOrder:    "Sales Order",
	Receipt:       "Receipt",
	DeliveryNote:  "Delivery Note",
	Quote:         "Quote",
	Contract:      "Contract",
	PaymentSlip:   "Payment Slip",
	TaxDocument:   "Tax Document",
	Other:         "Other",
}

// DocTypes returns the taxonomy in prompt order.
func DocTypes() []DocType {
	out := make([]DocType, len(allDocTypes))
	copy(out, allDocTypes)
	return out
}

func AsStringSlice() []string {
	result := make([]string, len(allDocTypes))
	for i, t := range allDocTypes {
		result[i] = string(t)
	}
	return result
}

// DisplayName returns the human label for t, "Other" for unknown values.
func (t DocType) DisplayName() string {
	if n, ok := displayNames[t]; ok {
		return n
	}
	return displayNames[Other]
}

// Canonicalize maps model output onto the taxonomy. The bool reports whether
// the input was recognized; unrecognized input maps to Other.
func Canonicalize(input string) (DocType, bool) {
	if input == "" {
		return Other, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)

	synonyms := map[string]DocType{
		"fattura":          Invoice,
		"bill":             Invoice,
		"po":               PurchaseOrder,
		"ordine_acquisto":  PurchaseOrder,
		"ordine_fornitore": PurchaseOrder,
		"order":            SalesOrder,
		"ordine_cliente":   SalesOrder,
		"ricevuta":         Receipt,
		"scontrino":        Receipt,
		"ddt":              DeliveryNote,
		"packing_slip":     DeliveryNote,
		"bolla":            DeliveryNote,
		"quotation":        Quote,
		"estimate":         Quote,
		"preventivo":       Quote,
		"offerta":          Quote,
		"contratto":        Contract,
		"agreement":        Contract,
		"bollettino":       PaymentSlip,
		"f24":              TaxDocument,
		"tax_form":         TaxDocument,
	}

	if t, ok := synonyms[normalized]; ok {
		return t, true
	}

	for _, t := range allDocTypes {
		if normalized == string(t) {
			return t, true
		}
	}

	return Other, false
}
