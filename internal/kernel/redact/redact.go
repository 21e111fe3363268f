// Package redact applies mask/remove/replace transformations over regex
// matches in record values. It is pure and never raises on malformed
// patterns.
package redact

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
)

// Mask replaces every case-insensitive match of pattern in text with
// "****". Invalid patterns are logged and the text is returned unchanged.
func Mask(text, pattern string) string {
	return substitute(text, pattern, "****")
}

// Remove replaces every case-insensitive match of pattern in text with the
// empty string.
func Remove(text, pattern string) string {
	return substitute(text, pattern, "")
}

// Replace replaces every case-insensitive match of pattern in text with
// literal.
func Replace(text, pattern, literal string) string {
	return substitute(text, pattern, literal)
}

func substitute(text, pattern, replacement string) string {
	// An empty pattern matches at every position and would interleave the
	// replacement between every character; leave the text untouched.
	if pattern == "" {
		return text
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		log.Warn("redact: invalid pattern, leaving text unchanged", "err", err)
		return text
	}
	return re.ReplaceAllString(text, escapeDollar(replacement))
}

// escapeDollar prevents a literal replacement string from being
// interpreted as a regexp.ReplaceAll expansion reference.
func escapeDollar(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

// Apply dispatches on a rule's redact_strategy ("mask", "remove",
// "replace:<literal>") applying it with the given content pattern. An
// unknown strategy logs a warning and returns text unchanged.
func Apply(text, pattern, strategy string) string {
	// A rule may set a strategy while matching only on kind/tags/speaker,
	// leaving it no content pattern to apply; there is nothing to redact.
	if pattern == "" {
		return text
	}
	if strategy == "" {
		strategy = "mask"
	}
	switch {
	case strategy == "mask":
		return Mask(text, pattern)
	case strategy == "remove":
		return Remove(text, pattern)
	case strings.HasPrefix(strategy, "replace:"):
		literal := strings.TrimPrefix(strategy, "replace:")
		return Replace(text, pattern, literal)
	default:
		log.Warn("redact: unknown strategy, leaving text unchanged", "strategy", strategy)
		return text
	}
}
