package entity

import "github.com/joseph-ayodele/docintake/constants"

// Details is the sanitized field set extracted from a document.
type Details struct {
	Supplier string     `json:"supplier,omitempty"`
	Customer string     `json:"customer,omitempty"`
	Number   string     `json:"number,omitempty"`
	Date     string     `json:"date,omitempty"` // ISO 8601
	Amount   *float64   `json:"amount,omitempty"`
	Currency string     `json:"currency,omitempty"`
	Items    []LineItem `json:"items,omitempty"`
}

type LineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unitPrice,omitempty"`
	Total       *float64 `json:"total,omitempty"`
}

// Classification is the stored outcome of the classifier for one job.
type Classification struct {
	Type       constants.DocType `json:"type"`
	TypeName   string            `json:"type_name"`
	Confidence float64           `json:"confidence"`
	Details    Details           `json:"details"`
	Method     string            `json:"method"` // "model" | "keywords"
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}
