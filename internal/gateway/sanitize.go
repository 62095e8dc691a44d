package gateway

import (
	"errors"
	"regexp"
	"strings"
)

// ErrContentTooLong indicates the sanitized content exceeds the configured limit.
var ErrContentTooLong = errors.New("gateway: message content exceeds limit")

// ErrContentEmpty indicates nothing was left after sanitization.
var ErrContentEmpty = errors.New("gateway: message content empty")

// Sanitizer cleans inbound message content before persistence.
type Sanitizer interface {
	Sanitize(content string) (string, error)
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// StripSanitizer removes HTML tags and enforces a maximum content length.
type StripSanitizer struct {
	maxLength int
}

// NewStripSanitizer constructs the default sanitizer.
func NewStripSanitizer(maxLength int) *StripSanitizer {
	if maxLength <= 0 {
		maxLength = 4096
	}
	return &StripSanitizer{maxLength: maxLength}
}

// Sanitize strips markup and whitespace. Over-limit content is rejected
// rather than truncated so the sender learns the message did not go through.
func (s *StripSanitizer) Sanitize(content string) (string, error) {
	cleaned := strings.TrimSpace(htmlTagPattern.ReplaceAllString(content, ""))
	if cleaned == "" {
		return "", ErrContentEmpty
	}
	if len(cleaned) > s.maxLength {
		return "", ErrContentTooLong
	}
	return cleaned, nil
}
