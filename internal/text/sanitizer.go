// Package text cleans user supplied text before it is sent for synthesis.
package text

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/book-expert/voice-bundle-service/internal/core"
)

// DefaultMaxRunes matches the per-request character limit of the provider.
const DefaultMaxRunes = 5000

const whitespaceRegexPattern = `\s+`

// Punctuation that is normalized to ASCII.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

var (
	// ErrEmptyText indicates text that is empty once cleaned.
	ErrEmptyText = errors.New("text is empty")
	// ErrTextTooLong indicates text over the configured limit.
	ErrTextTooLong = errors.New("text exceeds the maximum length")
)

// Sanitizer normalizes whitespace, quotes and dashes and enforces a length limit.
type Sanitizer struct {
	maxRunes          int
	whitespacePattern *regexp.Regexp
	punctuation       *strings.Replacer
}

// NewSanitizer creates a Sanitizer. maxRunes <= 0 selects DefaultMaxRunes.
func NewSanitizer(maxRunes int) *Sanitizer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}

	return &Sanitizer{
		maxRunes:          maxRunes,
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		punctuation: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Sanitize returns the cleaned text. Empty or over-long results fail with an
// error wrapping core.ErrValidation.
func (s *Sanitizer) Sanitize(input string) (string, error) {
	cleaned := strings.ToValidUTF8(input, "")
	cleaned = stripControl(cleaned)
	cleaned = s.punctuation.Replace(cleaned)
	cleaned = collapseRepeatedMarks(cleaned)
	cleaned = strings.TrimSpace(s.whitespacePattern.ReplaceAllString(cleaned, " "))

	if cleaned == "" {
		return "", fmt.Errorf("%w: %w", core.ErrValidation, ErrEmptyText)
	}

	if count := utf8.RuneCountInString(cleaned); count > s.maxRunes {
		return "", fmt.Errorf("%w: %w (%d > %d characters)", core.ErrValidation, ErrTextTooLong, count, s.maxRunes)
	}

	return cleaned, nil
}

// stripControl removes control characters other than whitespace.
func stripControl(input string) string {
	return strings.Map(func(char rune) rune {
		if unicode.IsControl(char) && !unicode.IsSpace(char) {
			return -1
		}

		return char
	}, input)
}

// collapseRepeatedMarks reduces runs of "!" or "?" to a single mark. Periods are
// left alone so ellipses survive.
func collapseRepeatedMarks(input string) string {
	var (
		builder strings.Builder
		last    rune
	)

	builder.Grow(len(input))

	for _, char := range input {
		if (char == '!' || char == '?') && char == last {
			continue
		}

		builder.WriteRune(char)
		last = char
	}

	return builder.String()
}
