// Package kernel assembles the memory governance components into one
// runnable graph. Callers that don't want to wire the rule engine, key
// provider, embedding engine, stores and gates themselves use Open, which
// builds the default graph and owns the lifetime of every piece.
package kernel

import (
	"fmt"
	"time"

	"github.com/bartholomew/memkernel/internal/kernel/brake"
	"github.com/bartholomew/memkernel/internal/kernel/consent"
	"github.com/bartholomew/memkernel/internal/kernel/embed"
	"github.com/bartholomew/memkernel/internal/kernel/index"
	"github.com/bartholomew/memkernel/internal/kernel/kernelerr"
	"github.com/bartholomew/memkernel/internal/kernel/keys"
	"github.com/bartholomew/memkernel/internal/kernel/retrieve"
	"github.com/bartholomew/memkernel/internal/kernel/rules"
	"github.com/bartholomew/memkernel/internal/kernel/store"
)

// Options configure the default component graph.
type Options struct {
	// DBPath is the record-store file (":memory:" is accepted for tests).
	DBPath string

	// RulesPath points at the memory-rules YAML document. Empty means an
	// empty rule set: every record gets the default decision.
	RulesPath string

	Keys keys.Config

	// Embedding identity; zero values fall back to the deterministic
	// hash-expansion provider at embed.DefaultDim.
	EmbedProvider string
	EmbedModel    string
	EmbedDim      int
	Embedder      embed.Provider // optional real model

	// EmbedDisabled turns the embedding hook off entirely (the
	// BARTHO_EMBED_ENABLED master switch, inverted).
	EmbedDisabled bool

	IndexPolicy  index.Policy
	Retrieval    retrieve.Config
	FTSTokenizer string

	// Clock is overridable for deterministic tests; defaults to time.Now.
	Clock func() time.Time
}

// Kernel is the assembled memory governance and retrieval engine.
type Kernel struct {
	store     *store.Store
	rules     *rules.Engine
	keys      *keys.Provider
	brake     *brake.Brake
	gate      *consent.Gate
	retriever *retrieve.Retriever
	clock     func() time.Time
}

// Open builds the default graph over the record-store file at
// opts.DBPath.
func Open(opts Options) (*Kernel, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	db, err := store.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}

	var engine *rules.Engine
	if opts.RulesPath != "" {
		engine, err = rules.LoadFromFile(opts.RulesPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: loading rules from %s: %v", kernelerr.ErrConfig, opts.RulesPath, err)
		}
	} else {
		engine = rules.NewEngine(nil)
	}

	kp := keys.NewProvider(opts.Keys)

	var embedEngine *embed.Engine
	if !opts.EmbedDisabled {
		dim := opts.EmbedDim
		if dim == 0 {
			dim = embed.DefaultDim
		}
		provider := opts.EmbedProvider
		if provider == "" {
			provider = "fallback-hash"
		}
		model := opts.EmbedModel
		if model == "" {
			model = "sha256-expand-v1"
		}
		embedEngine = embed.NewEngine(provider, model, dim, opts.Embedder)
	}

	k := &Kernel{rules: engine, keys: kp, clock: clock}

	st, err := store.New(db, store.Deps{
		Rules:        engine,
		Keys:         kp,
		Embed:        embedEngine,
		IndexPolicy:  opts.IndexPolicy,
		FTSTokenizer: opts.FTSTokenizer,
		BrakeBlocked: k.brakeBlocked,
		Clock:        clock,
	})
	if err != nil {
		engine.Stop()
		db.Close()
		return nil, err
	}
	k.store = st

	storage := &brake.SQLStorage{DB: db}
	if err := storage.EnsureSchema(); err != nil {
		engine.Stop()
		db.Close()
		return nil, fmt.Errorf("%w: installing flags schema: %v", kernelerr.ErrStore, err)
	}
	br, err := brake.New(storage, func(kind, value string) error {
		now := clock()
		return st.AppendAudit(kind, fmt.Sprintf("brake-%d", now.UTC().UnixNano()), value, now)
	})
	if err != nil {
		engine.Stop()
		db.Close()
		return nil, fmt.Errorf("%w: loading brake state: %v", kernelerr.ErrStore, err)
	}
	k.brake = br

	k.gate = consent.New(db, engine, kp)
	k.retriever = retrieve.New(retrieve.Deps{
		DB:           db,
		FTS:          st.FTS(),
		Vector:       st.Vectors(),
		Gate:         k.gate,
		Rules:        engine,
		Embed:        embedEngine,
		Keys:         kp,
		BrakeBlocked: k.brakeBlocked,
		Now:          clock,
	}, opts.Retrieval)

	return k, nil
}

// brakeBlocked is handed to the store and retriever before the brake
// itself exists; it tolerates the nil window during construction.
func (k *Kernel) brakeBlocked(scope string) bool {
	return k.brake != nil && k.brake.IsBlocked(scope)
}

// Upsert ingests one record through the governance pipeline.
func (k *Kernel) Upsert(kind, key, value string, ts time.Time, tags []string, metadata map[string]any) (store.UpsertResult, error) {
	return k.store.Upsert(kind, key, value, ts, tags, metadata)
}

// Delete removes the record at (kind, key) and all its index rows.
func (k *Kernel) Delete(kind, key string) (bool, error) {
	return k.store.Delete(kind, key)
}

// GrantConsent records consent for the record at (kind, key).
func (k *Kernel) GrantConsent(kind, key string) (bool, error) {
	return k.store.GrantConsent(kind, key)
}

// PersistEmbeddingsFor promotes id's ephemeral embeddings to stored rows.
func (k *Kernel) PersistEmbeddingsFor(id int64) (int, error) {
	return k.store.PersistEmbeddingsFor(id)
}

// Retrieve runs the gated hybrid search. mode overrides the configured
// channel mode for this call; empty uses the configured default.
func (k *Kernel) Retrieve(query string, topK int, filters retrieve.Filters, mode string) ([]retrieve.Result, error) {
	return k.retriever.RetrieveWithMode(query, topK, filters, mode)
}

// BrakeEngage turns the brake on for the given scopes.
func (k *Kernel) BrakeEngage(scopes ...string) error { return k.brake.Engage(scopes...) }

// BrakeDisengage turns the brake off.
func (k *Kernel) BrakeDisengage() error { return k.brake.Disengage() }

// BrakeStatus returns the current persisted brake state.
func (k *Kernel) BrakeStatus() brake.State { return k.brake.State() }

// SetRetrievalConfig replaces the retriever's configuration (see
// retrieve.Retriever.SetConfig). No file watcher calls it; the retrieval
// configuration otherwise stays as given to Open.
func (k *Kernel) SetRetrievalConfig(cfg retrieve.Config) { k.retriever.SetConfig(cfg) }

// OptimizeFTS merges FTS index segments; callers schedule this weekly.
func (k *Kernel) OptimizeFTS() error { return k.store.FTS().Optimize() }

// Store exposes the underlying memory store for administrative paths.
func (k *Kernel) Store() *store.Store { return k.store }

// Close stops the rule watcher, checkpoints the WAL and closes the
// record-store file.
func (k *Kernel) Close() error {
	k.rules.Stop()
	db := k.store.DB()
	if err := store.CheckpointTruncate(db); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}
