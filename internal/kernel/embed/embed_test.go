package embed

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbedIsDeterministic(t *testing.T) {
	e := NewEngine("fallback-hash", "v1", 16, nil)
	a := e.Embed("hello world")
	b := e.Embed("hello world")
	require.Equal(t, a, b)
}

func TestEmbedIsL2Normalized(t *testing.T) {
	e := NewEngine("fallback-hash", "v1", 32, nil)
	vec := e.Embed("some text")
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-4)
}

func TestEmbedDifferentTextsDiffer(t *testing.T) {
	e := NewEngine("fallback-hash", "v1", 16, nil)
	a := e.Embed("alpha")
	b := e.Embed("beta")
	require.NotEqual(t, a, b)
}

func TestEmbedTextsEmptyInput(t *testing.T) {
	e := NewEngine("fallback-hash", "v1", 16, nil)
	out := e.EmbedTexts(nil)
	require.NotNil(t, out)
	require.Len(t, out, 0)
}

type failingProvider struct{}

func (failingProvider) Embed(string) ([]float32, error) { return nil, assertErr }
func (failingProvider) Name() string                    { return "failing" }

var assertErr = &embedErr{"boom"}

type embedErr struct{ msg string }

func (e *embedErr) Error() string { return e.msg }

func TestFailingRealProviderFallsBack(t *testing.T) {
	e := NewEngine("real", "v1", 16, failingProvider{})
	vec := e.Embed("text")
	require.Len(t, vec, 16)
}

func TestDefaultDimApplied(t *testing.T) {
	e := NewEngine("p", "m", 0, nil)
	require.Equal(t, DefaultDim, e.Dim)
}
