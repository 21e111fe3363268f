// Package keys resolves symmetric encryption keys by strength tag
// (standard/strong), falling back to an ephemeral derived key with a
// one-time warning when no configured key exists for a strength.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Strength names resolved by the provider.
const (
	Standard = "standard"
	Strong   = "strong"
)

// ephemeralInfo is the HKDF domain-separation string used when deriving a
// process-local development key. It intentionally differs from any
// production key-derivation info string so ephemeral keys are never
// confusable with configured ones.
const ephemeralInfo = "memkernel-ephemeral-key-v1"

// Key is a resolved (key-id, key-bytes) pair.
type Key struct {
	Kid   string
	Bytes []byte
}

// Provider resolves keys by strength tag and by key id.
type Provider struct {
	mu      sync.Mutex
	byKid   map[string][]byte
	byLevel map[string]string // strength -> kid

	warnedOnce map[string]bool
}

// Config supplies configured keys for each strength, as raw 32-byte key
// material plus an optional explicit key id (defaults to "std"/"str").
type Config struct {
	StandardKey []byte
	StandardKid string
	StrongKey   []byte
	StrongKid   string
}

// DecodeKey accepts hex or (standard or URL-safe, padded or not) base64
// and validates the result is a 16/24/32-byte AES key.
func DecodeKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) > 0 {
		return validateAESKeyLen(b)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return validateAESKeyLen(b)
		}
	}
	return nil, fmt.Errorf("keys: %q is not valid hex or base64 key material", s)
}

func validateAESKeyLen(b []byte) ([]byte, error) {
	switch len(b) {
	case 16, 24, 32:
		return b, nil
	default:
		return nil, fmt.Errorf("keys: invalid AES key length %d (want 16, 24 or 32 bytes)", len(b))
	}
}

// NewProvider builds a Provider from configuration, synthesizing an
// ephemeral key (and logging a single warning) for any strength left unset.
func NewProvider(cfg Config) *Provider {
	p := &Provider{
		byKid:      map[string][]byte{},
		byLevel:    map[string]string{},
		warnedOnce: map[string]bool{},
	}

	p.install(Standard, cfg.StandardKid, "std", cfg.StandardKey)
	p.install(Strong, cfg.StrongKid, "str", cfg.StrongKey)

	return p
}

func (p *Provider) install(level, kid, defaultKid string, key []byte) {
	if kid == "" {
		kid = defaultKid
	}
	if len(key) == 0 {
		key = ephemeralKey(level)
		// A unique synthetic kid makes cross-restart decryption failures
		// unambiguous: the envelope names a key this process never had.
		kid = fmt.Sprintf("%s-eph-%s", kid, uuid.NewString()[:8])
		p.warnOnce(level)
	}
	p.byKid[kid] = key
	p.byLevel[level] = kid
}

func (p *Provider) warnOnce(level string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warnedOnce[level] {
		return
	}
	p.warnedOnce[level] = true
	log.Warn("using ephemeral development key; set a configured key for production", "strength", level)
}

// ephemeralKey derives a deterministic-per-process 32-byte key via HKDF
// over a random seed, domain-separated by strength so standard and strong
// ephemeral keys never collide.
func ephemeralKey(level string) []byte {
	seed := make([]byte, 32)
	_, _ = rand.Read(seed)

	h := hkdf.New(sha256.New, seed, nil, []byte(ephemeralInfo+":"+level))
	out := make([]byte, 32)
	if _, err := io.ReadFull(h, out); err != nil {
		// HKDF-SHA256 can produce up to 255*32 bytes; a 32-byte read
		// never fails in practice, but fall back to the seed itself
		// rather than panicking.
		return seed
	}
	return out
}

// GetByStrength resolves a strength tag ("standard" or "strong") to its
// current (kid, key) pair.
func (p *Provider) GetByStrength(strength string) (Key, error) {
	kid, ok := p.byLevel[strength]
	if !ok {
		return Key{}, fmt.Errorf("keys: unknown strength %q", strength)
	}
	return Key{Kid: kid, Bytes: p.byKid[kid]}, nil
}

// Get resolves a key by its id, as used when decrypting an envelope whose
// kid may reference a rotated-out key.
func (p *Provider) Get(kid string) ([]byte, error) {
	k, ok := p.byKid[kid]
	if !ok {
		return nil, fmt.Errorf("keys: unknown key id %q", kid)
	}
	return k, nil
}
