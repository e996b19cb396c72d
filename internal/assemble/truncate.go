package assemble

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the conservative characters-per-token ratio used for all
// budget estimates. Structured and binary-derived text tokenizes worse than
// prose, so we assume 3 characters per token rather than the usual 4.
const charsPerToken = 3

// truncationNotice matches the notice appended by TruncateToFit. Recognizing
// it keeps truncation idempotent: re-truncating already-truncated text with
// the same budget returns it unchanged.
var truncationNotice = regexp.MustCompile(`\n\n\[truncated: \d+ of \d+ tokens\]$`)

// noticeReserveChars bounds the appended notice's own length, so a cut can
// reserve room for it ("\n\n[truncated: N of M tokens]" with counts up to
// seven digits).
const noticeReserveChars = 48

// EstimateTokens estimates the token cost of text under the conservative
// ratio. The estimate only needs to be stable and pessimistic, not exact.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / charsPerToken
}

// TruncateToTokens cuts text so that the result, notice included, estimates
// to at most maxTokens. Text that already fits is returned unchanged.
func TruncateToTokens(text string, maxTokens int) string {
	maxChars := maxTokens * charsPerToken
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	bodyChars := maxChars - noticeReserveChars
	if bodyChars < 0 {
		bodyChars = 0
	}
	return TruncateToFit(text, bodyChars)
}

// TruncateToFit cuts text to at most maxChars characters, preferring a clean
// break: the last paragraph boundary within the final 20% of the allowed
// window, then the last sentence boundary, then a hard cut. A notice stating
// original and truncated token counts is appended to the result.
//
// TruncateToFit is deterministic and idempotent for the same input and
// budget.
func TruncateToFit(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}

	if loc := truncationNotice.FindStringIndex(text); loc != nil {
		body := text[:loc[0]]
		if utf8.RuneCountInString(body) <= maxChars {
			return text
		}
		// Budget shrank since the last truncation. Cut the body again.
		text = body
		runes = []rune(body)
	}

	cut := cutPoint(runes, maxChars)
	truncated := string(runes[:cut])
	return fmt.Sprintf("%s\n\n[truncated: %d of %d tokens]",
		truncated, EstimateTokens(truncated), EstimateTokens(text))
}

// cutPoint finds where to cut runes so that at most maxChars remain.
func cutPoint(runes []rune, maxChars int) int {
	windowStart := maxChars - maxChars/5
	window := string(runes[windowStart:maxChars])

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return windowStart + utf8.RuneCountInString(window[:i])
	}

	best := -1
	for _, boundary := range []string{". ", "? ", "! ", "\n"} {
		if i := strings.LastIndex(window, boundary); i >= 0 {
			// Keep the punctuation, drop the trailing space.
			end := utf8.RuneCountInString(window[:i]) + 1
			if end > best {
				best = end
			}
		}
	}
	if best >= 0 {
		return windowStart + best
	}

	return maxChars
}
