package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the memory kernel service.
type Config struct {
	// DBPath is the single record-store file (records, FTS, embeddings,
	// consent and system flags all live in it).
	DBPath string

	// MemoryRulesPath points at the ordered rule-set YAML document. Empty
	// means no rules: every record gets the default decision.
	MemoryRulesPath string

	// Encryption key material, hex or base64, one 32-byte key per
	// strength. Empty keys fall back to ephemeral process-local keys.
	EncryptionStandardKey string
	EncryptionStandardKid string
	EncryptionStrongKey   string
	EncryptionStrongKid   string

	// Embedding identity; changing it invalidates existing vectors.
	EmbedProvider      string
	EmbedModel         string
	EmbedDim           int
	EmbedRemoteAllowed bool
	EmbedEnabled       bool

	// Retrieval surface.
	RetrievalMode        string // hybrid | vector | fts
	FTSTokenizer         string
	Fusion               string // weighted | rrf
	WeightFTS            float64
	WeightVector         float64
	RRFK                 float64
	RecencyHalfLifeHours float64

	// Indexing policy.
	DisallowStrongOnly bool

	// Listeners.
	Listener                  ListenerConfig
	ManagementListenerEnabled bool
	ManagementListener        ListenerConfig
	ManagementAccessLog       bool

	CORSEnabled bool
	CORSOrigins string

	// MaxBodySize limits request bodies on the main listener, in bytes.
	MaxBodySize int64

	// MetricsLabels is a comma-separated key=value list of constant labels
	// added to every exported metric.
	MetricsLabels string

	// TempDir overrides the OS temp dir for scratch files.
	TempDir string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DBPath:               "memkernel.db",
		EmbedProvider:        "fallback-hash",
		EmbedModel:           "sha256-expand-v1",
		EmbedDim:             384,
		EmbedEnabled:         true,
		RetrievalMode:        "hybrid",
		FTSTokenizer:         "porter",
		Fusion:               "weighted",
		WeightFTS:            0.5,
		WeightVector:         0.5,
		RRFK:                 60,
		RecencyHalfLifeHours: 168,
		Listener: ListenerConfig{
			Port:            8080,
			EnablePlainText: true,
		},
		ManagementListener: ListenerConfig{
			Port:            9090,
			EnablePlainText: true,
		},
		ManagementListenerEnabled: true,
		MaxBodySize:               4 << 20,
	}
}

// ResolvedTempDir returns TempDir when set, the OS default otherwise.
func (c *Config) ResolvedTempDir() string {
	if v := strings.TrimSpace(c.TempDir); v != "" {
		return v
	}
	return os.TempDir()
}
