// Package textutil cleans user supplied text before it is stored or sent to devices.
package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer strips markup from free text and caps its length in bytes.
type Sanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewSanitizer returns a Sanitizer using the strict policy. maxLen <= 0 disables truncation.
func NewSanitizer(maxLen int) *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy(), maxLen: maxLen}
}

// Clean removes tags, then decodes the entities the policy escaped so apostrophes and ampersands
// survive as typed.
func (s *Sanitizer) Clean(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(value)))
	if s.maxLen > 0 && len(cleaned) > s.maxLen {
		cut := s.maxLen
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}

// NormalizeStringMap trims keys and values and drops entries whose key or value ends up empty.
func NormalizeStringMap(values map[string]string) map[string]string {
	var result map[string]string
	for key, value := range values {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if result == nil {
			result = make(map[string]string, len(values))
		}
		result[key] = value
	}
	return result
}
