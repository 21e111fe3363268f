package summarize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortValueReturnedUnchanged(t *testing.T) {
	require.Equal(t, "hello", Summarize("hello", 0))
}

func TestAccumulatesSentencesUpToTarget(t *testing.T) {
	sentence := strings.Repeat("a", 50) + ". "
	value := strings.Repeat(sentence, 30)
	out := Summarize(value, 200)
	require.LessOrEqual(t, len(out), 260)
	require.NotContains(t, out, "...")
}

func TestFallbackOnSingleOversizedSentence(t *testing.T) {
	value := strings.Repeat("word ", 400) // no sentence punctuation at all
	out := Summarize(value, 200)
	require.True(t, strings.HasSuffix(out, "..."))
	require.LessOrEqual(t, len(out), 204)
}

func TestShouldSummarizeFullAlwaysNeverSummarizes(t *testing.T) {
	require.False(t, ShouldSummarize(true, "full_always", "chat", strings.Repeat("x", 2000)))
}

func TestShouldSummarizeExplicitFlag(t *testing.T) {
	require.True(t, ShouldSummarize(true, "summary_also", "note", "short"))
}

func TestShouldSummarizeAutoKindOverThreshold(t *testing.T) {
	long := strings.Repeat("x", LengthThreshold+1)
	require.True(t, ShouldSummarize(false, "summary_also", "chat", long))
	require.False(t, ShouldSummarize(false, "summary_also", "chat", "short"))
	require.False(t, ShouldSummarize(false, "summary_also", "unrelated_kind", long))
}

func TestIdempotentOnAlreadyShortInput(t *testing.T) {
	out := Summarize("already short text", 900)
	out2 := Summarize(out, 900)
	require.Equal(t, out, out2)
}
