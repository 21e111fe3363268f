// Package summarize produces a bounded extractive summary with a
// deterministic, I/O-free fallback algorithm.
package summarize

import (
	"regexp"
	"strings"
)

// Summarization tuning constants.
const (
	LengthThreshold      = 1000
	TargetSummaryLength  = 900
	minimumAcceptableLen = 100
)

// AutoSummarizeKinds are the record kinds that trigger summarization once
// their value exceeds LengthThreshold, even without an explicit rule flag.
var AutoSummarizeKinds = map[string]bool{
	"conversation.transcript": true,
	"recording.transcript":    true,
	"article.ingested":        true,
	"code.diff":               true,
	"chat":                    true,
}

var sentenceBoundary = regexp.MustCompile(`(?s)(?:[.!?])\s+`)

// ShouldSummarize decides whether a record's value warrants summarization,
// given the rule decision's summarize flag, its summary_mode, and kind.
func ShouldSummarize(explicitSummarize bool, summaryMode, kind, value string) bool {
	if summaryMode == "full_always" {
		return false
	}
	if explicitSummarize {
		return true
	}
	return AutoSummarizeKinds[kind] && len(value) > LengthThreshold
}

// Summarize produces an extractive summary of value bounded to roughly
// targetLength characters (TargetSummaryLength if targetLength <= 0).
//
// Algorithm: if value is already short, return it unchanged. Otherwise
// split on sentence boundaries and accumulate sentences until the target
// length would be exceeded. If the result is degenerate (too short, or a
// single sentence longer than the target), fall back to a hard truncation
// that backtracks to the last word boundary and appends an ellipsis.
func Summarize(value string, targetLength int) string {
	if targetLength <= 0 {
		targetLength = TargetSummaryLength
	}
	if len(value) < 300 {
		return value
	}

	sentences := splitSentences(value)

	var b strings.Builder
	for _, s := range sentences {
		if b.Len()+len(s)+1 > targetLength {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	result := b.String()

	singleOversizedSentence := len(sentences) == 1 && len(value) > targetLength
	if len(result) < minimumAcceptableLen || singleOversizedSentence {
		return truncateFallback(value, targetLength)
	}
	return result
}

func splitSentences(value string) []string {
	idxs := sentenceBoundary.FindAllStringIndex(value, -1)
	if len(idxs) == 0 {
		return []string{value}
	}
	var out []string
	start := 0
	for _, m := range idxs {
		out = append(out, value[start:m[0]+1])
		start = m[1]
	}
	if start < len(value) {
		out = append(out, value[start:])
	}
	return out
}

// truncateFallback hard-truncates value to target characters, trims
// trailing whitespace, backtracks to the last space if that space is past
// the halfway point of target, and appends an ellipsis.
func truncateFallback(value string, target int) string {
	if target > len(value) {
		target = len(value)
	}
	truncated := strings.TrimRight(value[:target], " \t\n\r")

	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > target/2 {
		truncated = truncated[:lastSpace]
	}
	return truncated + "..."
}
