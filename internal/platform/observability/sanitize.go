package observability

import "unicode"

const defaultFieldLimit = 512

// SanitizeField strips control characters and caps the length of log field values.
func SanitizeField(value string) string {
	return sanitizeString(value, defaultFieldLimit)
}

func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultFieldLimit
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}
