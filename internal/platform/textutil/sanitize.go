package textutil

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var (
	plainPolicyOnce sync.Once
	plainPolicy     *bluemonday.Policy
)

func plainTextPolicy() *bluemonday.Policy {
	plainPolicyOnce.Do(func() {
		plainPolicy = bluemonday.StrictPolicy()
	})
	return plainPolicy
}

// SanitizePlainText strips markup from user supplied text such as order notes or cancellation
// reasons, normalises it to NFC, and trims surrounding whitespace. Entities escaped by the
// policy are decoded again so the stored value stays plain text.
func SanitizePlainText(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	stripped := plainTextPolicy().Sanitize(value)
	return strings.TrimSpace(norm.NFC.String(html.UnescapeString(stripped)))
}
