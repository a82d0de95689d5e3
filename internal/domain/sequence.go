package domain

import "fmt"

// FormatSequenceNumber renders a sequence value as prefix plus a five digit, zero padded number.
// Larger values widen the field rather than wrapping.
func FormatSequenceNumber(prefix string, value int64) string {
	return fmt.Sprintf("%s%05d", prefix, value)
}
