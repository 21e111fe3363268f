// Package embed produces L2-normalized fixed-dimension float32 embedding
// vectors, falling back to a deterministic hash-expansion scheme when no
// real model is configured.
package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"
)

// DefaultDim is the embedding dimension used when none is configured.
const DefaultDim = 384

// Provider computes raw (not necessarily normalized) embedding vectors for
// text. Real model-backed implementations satisfy this interface; Engine
// always has a working fallback even with Provider == nil.
type Provider interface {
	Embed(text string) ([]float32, error)
	Name() string
}

// Engine produces embedding vectors: Embed always succeeds, using
// Provider when set and falling back to a deterministic hash-expansion
// otherwise.
type Engine struct {
	Provider string // provider name reported alongside vectors
	Model    string
	Dim      int

	real Provider

	bannerOnce sync.Once
}

// NewEngine constructs an embedding engine. If real is nil, the fallback
// hash-expansion scheme is used for every call; the engine reports the
// provider and model names it was given either way.
func NewEngine(provider, model string, dim int, real Provider) *Engine {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &Engine{Provider: provider, Model: model, Dim: dim, real: real}
}

// Embed returns an L2-normalized float32 vector of Dim elements. It never
// returns an error for the fallback path; a real Provider's error is
// absorbed and the fallback used instead, so the embed() contract ("always
// succeeds") holds end to end.
func (e *Engine) Embed(text string) []float32 {
	e.showBannerOnce()

	if e.real != nil {
		if vec, err := e.real.Embed(text); err == nil && len(vec) == e.Dim {
			return l2Normalize(vec)
		} else if err != nil {
			log.Warn("embed: real provider failed, using deterministic fallback", "err", err)
		}
	}
	return fallbackEmbed(text, e.Dim)
}

// EmbedTexts embeds a batch, returning an empty (non-nil, zero-length)
// slice for empty input rather than a single zero vector.
func (e *Engine) EmbedTexts(texts []string) [][]float32 {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, e.Embed(t))
	}
	return out
}

func (e *Engine) showBannerOnce() {
	e.bannerOnce.Do(func() {
		fallback := e.real == nil
		log.Info("embedding engine ready", "provider", e.Provider, "model", e.Model, "dim", e.Dim, "fallback", fallback)
	})
}

// fallbackEmbed deterministically derives a vector from text using a
// per-dimension SHA-256 hash expansion, then L2-normalizes it.
func fallbackEmbed(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for i := 0; i < dim; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", text, i)))
		v := int32(binary.BigEndian.Uint32(sum[:4]))
		vec[i] = float32(v) / float32(1<<31)
	}
	return l2Normalize(vec)
}

func l2Normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
