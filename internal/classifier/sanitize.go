package classifier

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/joseph-ayodele/docintake/internal/entity"
)

var reISODate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

var stringFields = []string{"supplier", "customer", "number", "currency"}

// SanitizeDetails coerces a raw model "details" object into the documented
// shape. Fields that cannot be coerced are dropped and their names returned.
// The result only holds JSON-compatible values so it can be schema-checked.
func SanitizeDetails(raw map[string]any) (map[string]any, []string) {
	out := map[string]any{}
	var dropped []string

	for _, k := range stringFields {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		s, ok := asString(v)
		if !ok {
			dropped = append(dropped, k)
			continue
		}
		if k == "currency" {
			s = strings.ToUpper(s)
		}
		out[k] = s
	}

	if v, ok := raw["date"]; ok && v != nil {
		if s, ok := asString(v); ok && reISODate.MatchString(s) {
			out["date"] = s
		} else {
			dropped = append(dropped, "date")
		}
	}

	if v, ok := raw["amount"]; ok && v != nil {
		if f, ok := asNumber(v); ok {
			out["amount"] = f
		} else {
			dropped = append(dropped, "amount")
		}
	}

	if v, ok := raw["items"]; ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			dropped = append(dropped, "items")
		} else {
			items := make([]any, 0, len(list))
			for _, it := range list {
				if item, ok := sanitizeItem(it); ok {
					items = append(items, item)
				}
			}
			if len(items) < len(list) {
				dropped = append(dropped, "items["+strconv.Itoa(len(list)-len(items))+"]")
			}
			if len(items) > 0 {
				out["items"] = items
			}
		}
	}
	return out, dropped
}

func sanitizeItem(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	desc, ok := asString(m["description"])
	if !ok {
		return nil, false
	}
	item := map[string]any{"description": desc}
	for _, k := range []string{"quantity", "unitPrice", "total"} {
		if f, ok := asNumber(m[k]); ok {
			item[k] = f
		}
	}
	return item, true
}

// asString accepts non-empty strings and plain numbers (document numbers are
// often emitted unquoted).
func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		if !finite(t) {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

// asNumber accepts finite numbers and numeric strings such as "1.234,50 €"
// or "EUR 99.90".
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, finite(t)
	case string:
		f, ok := parseAmount(t)
		return f, ok && finite(f)
	default:
		return 0, false
	}
}

func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsSpace(r) || strings.ContainsRune("€$£", r)
	})
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, false
	}

	comma, dot := strings.LastIndexByte(s, ','), strings.LastIndexByte(s, '.')
	switch {
	case comma >= 0 && dot >= 0:
		// the last separator is the decimal one
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		// a lone comma is decimal unless exactly three digits follow it
		if strings.Count(s, ",") == 1 && len(s)-comma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case dot >= 0 && strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// toDetails converts a sanitized map into the typed record.
func toDetails(m map[string]any) (entity.Details, error) {
	var d entity.Details
	b, err := json.Marshal(m)
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(b, &d)
	return d, err
}
