package classifier

// detailsSchema is checked after SanitizeDetails has coerced the model
// output; a violation drops the details instead of failing the job.
func detailsSchema() map[string]any {
	str := map[string]any{"type": "string", "minLength": 1}
	num := map[string]any{"type": "number"}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"supplier": str,
			"customer": str,
			"number":   str,
			"date":     map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}`},
			"amount":   num,
			"currency": map[string]any{"type": "string", "minLength": 1, "maxLength": 8},
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"description"},
					"properties": map[string]any{
						"description": str,
						"quantity":    num,
						"unitPrice":   num,
						"total":       num,
					},
				},
			},
		},
	}
}
