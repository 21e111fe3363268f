// Package store implements the memory ingestion pipeline: the
// single-writer transactional sequence that composes the rule engine,
// redactor, summarizer, embedding engine, envelope codec and the
// FTS/vector indexes around one SQLite record-store file.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bartholomew/memkernel/internal/kernel/embed"
	"github.com/bartholomew/memkernel/internal/kernel/envelope"
	"github.com/bartholomew/memkernel/internal/kernel/fts"
	"github.com/bartholomew/memkernel/internal/kernel/index"
	"github.com/bartholomew/memkernel/internal/kernel/kernelerr"
	"github.com/bartholomew/memkernel/internal/kernel/keys"
	"github.com/bartholomew/memkernel/internal/kernel/redact"
	"github.com/bartholomew/memkernel/internal/kernel/rules"
	"github.com/bartholomew/memkernel/internal/kernel/summarize"
	"github.com/bartholomew/memkernel/internal/kernel/vector"
)

// Open opens (or creates) the SQLite record-store file at path, applying
// the WAL, busy-timeout and foreign-key pragmas every connection needs.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: opening record store: %v", kernelerr.ErrStore, err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite file; avoid SQLITE_BUSY across pooled conns
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: setting %q: %v", kernelerr.ErrStore, pragma, err)
		}
	}
	return db, nil
}

// CheckpointTruncate performs a WAL checkpoint(TRUNCATE); callers invoke
// this on clean shutdown so the -wal/-shm auxiliary files are truncated.
func CheckpointTruncate(db *sql.DB) error {
	_, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Deps are the sub-components the ingestion pipeline composes: rule
// engine, key provider, embedding engine, indexing policy, and (indirectly
// through BrakeBlocked) the parking brake.
type Deps struct {
	Rules        *rules.Engine
	Keys         *keys.Provider
	Embed        *embed.Engine
	IndexPolicy  index.Policy
	FTSTokenizer string

	// BrakeBlocked reports whether the given scope is currently blocked by
	// the parking brake. nil means never blocked (brake not wired).
	BrakeBlocked func(scope string) bool

	// Clock returns the current time; overridable for deterministic tests.
	Clock func() time.Time
}

// EphemeralEmbedding is a computed-but-not-yet-persisted embedding,
// returned by Upsert when a rule demands embeddings be computed but not
// stored, so a caller can later promote them via PersistEmbeddingsFor.
type EphemeralEmbedding struct {
	Source string // vector.SourceSummary | vector.SourceFull
	Vec    []float32
}

// UpsertResult is the outcome of one Upsert call.
type UpsertResult struct {
	ID                  int64
	Stored              bool
	NeedsConsent        bool
	EphemeralEmbeddings []EphemeralEmbedding
}

// Store owns the record-store database and composes the sub-components
// into the ordered ingestion pipeline. It is single-writer: Upsert and
// Delete serialize on an in-process mutex; multi-process write concurrency
// is out of scope and left to SQLite's own file locking.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	rules       *rules.Engine
	keys        *keys.Provider
	embedEngine *embed.Engine
	fts         *fts.Index
	vectors     *vector.Store
	indexPolicy index.Policy

	brakeBlocked func(scope string) bool
	clock        func() time.Time

	ephemeralMu sync.Mutex
	ephemeral   map[int64][]EphemeralEmbedding
}

// New builds a Store over db, installing the record schema and the FTS/
// vector sub-schemas in the same file.
func New(db *sql.DB, deps Deps) (*Store, error) {
	s := &Store{
		db:           db,
		rules:        deps.Rules,
		keys:         deps.Keys,
		embedEngine:  deps.Embed,
		indexPolicy:  deps.IndexPolicy,
		brakeBlocked: deps.BrakeBlocked,
		clock:        deps.Clock,
		ephemeral:    map[int64][]EphemeralEmbedding{},
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrStore, err)
	}
	s.fts = fts.NewIndex(db, deps.FTSTokenizer)
	vs, err := vector.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrStore, err)
	}
	s.vectors = vs
	return s, nil
}

// DB exposes the underlying database handle, for components (the Consent
// Gate, the Parking Brake's storage, the Hybrid Retriever) that need a
// read-only or auxiliary-schema view of the same file.
func (s *Store) DB() *sql.DB { return s.db }

// FTS exposes the full-text index so the retriever can search the same
// schema instance the pipeline writes.
func (s *Store) FTS() *fts.Index { return s.fts }

// Vectors exposes the embedding store, for the retriever and admin
// rebuild paths.
func (s *Store) Vectors() *vector.Store { return s.vectors }

// EmbedEngine exposes the embedding engine used during ingestion so the
// retriever queries with the same (provider, model, dim) identity.
func (s *Store) EmbedEngine() *embed.Engine { return s.embedEngine }

func isBlocked(blocked func(string) bool, scope string) bool {
	return blocked != nil && blocked(scope)
}

// Upsert runs the full governance pipeline over one logical (kind, key)
// record.
func (s *Store) Upsert(kind, key, value string, ts time.Time, tags []string, metadata map[string]any) (UpsertResult, error) {
	if isBlocked(s.brakeBlocked, "writes") {
		return UpsertResult{}, kernelerr.ErrBrakeEngaged
	}
	return s.upsert(kind, key, value, ts, tags, metadata)
}

// AppendAudit persists an audit record through the normal pipeline but
// without consulting the brake, so brake transitions themselves are always
// recorded even when the writes scope is engaged.
func (s *Store) AppendAudit(kind, key, value string, ts time.Time) error {
	_, err := s.upsert(kind, key, value, ts, []string{"safety"}, nil)
	return err
}

func (s *Store) upsert(kind, key, value string, ts time.Time, tags []string, metadata map[string]any) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if metadata == nil {
		metadata = map[string]any{}
	}
	tsStr := ts.UTC().Format(time.RFC3339Nano)
	speaker, _ := metadata["speaker"].(string)

	decision := s.rules.Evaluate(rules.Record{Kind: kind, Key: key, Value: value, Tags: tags, Speaker: speaker})

	if !decision.ShouldStore() {
		return UpsertResult{Stored: false}, nil
	}

	existingID, hasExisting, err := s.lookupID(kind, key)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: looking up existing record: %v", kernelerr.ErrStore, err)
	}

	needsConsent := false
	if decision.NeedsConsent() {
		consented := false
		if hasExisting {
			consented, err = s.hasConsent(existingID)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("%w: checking consent: %v", kernelerr.ErrStore, err)
			}
		}
		needsConsent = !consented
	}

	// Redact. The original value is now out of scope; every
	// downstream step operates only on redactedValue or its summary.
	redactedValue := value
	if decision.RedactStrategy != "" {
		redactedValue = redact.Apply(value, decision.RedactPattern, decision.RedactStrategy)
	}

	// Summarize, from redactedValue only.
	var summary string
	hasSummary := false
	if summarize.ShouldSummarize(decision.Summarize, decision.SummaryMode, kind, redactedValue) {
		summary = summarize.Summarize(redactedValue, 0)
		hasSummary = true
	}

	// FTS index text: summary if summary_preferred and present, else
	// redactedValue. Never the raw value, never ciphertext.
	ftsText := redactedValue
	if hasSummary && decision.FTSIndexMode == "summary_preferred" {
		ftsText = summary
	}

	// Embeddings, computed over redactedValue/summary only.
	var computed []EphemeralEmbedding
	if decision.Embed != "none" && s.embedEngine != nil {
		for _, src := range embedSources(decision.Embed, hasSummary) {
			text := redactedValue
			if src == vector.SourceSummary && hasSummary {
				text = summary
			}
			computed = append(computed, EphemeralEmbedding{Source: src, Vec: s.embedEngine.Embed(text)})
		}
	}

	// Encrypt redactedValue and (if present) summary under the same
	// key-id, with distinct AAD bindings.
	storedValue := redactedValue
	storedSummary := summary
	encrypted := false
	if decision.Encrypt != "none" {
		k, err := s.keys.GetByStrength(decision.Encrypt)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("%w: resolving key: %v", kernelerr.ErrCrypto, err)
		}
		valueAAD := envelope.BuildAAD(kind, key, tsStr, false)
		env, err := envelope.Seal(k.Bytes, k.Kid, []byte(redactedValue), valueAAD)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("%w: sealing value: %v", kernelerr.ErrCrypto, err)
		}
		raw, err := env.ToJSON()
		if err != nil {
			return UpsertResult{}, fmt.Errorf("%w: serializing envelope: %v", kernelerr.ErrCrypto, err)
		}
		storedValue = string(raw)

		if hasSummary {
			summaryAAD := envelope.BuildAAD(kind, key, tsStr, true)
			senv, err := envelope.Seal(k.Bytes, k.Kid, []byte(summary), summaryAAD)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("%w: sealing summary: %v", kernelerr.ErrCrypto, err)
			}
			sraw, err := senv.ToJSON()
			if err != nil {
				return UpsertResult{}, fmt.Errorf("%w: serializing summary envelope: %v", kernelerr.ErrCrypto, err)
			}
			storedSummary = string(sraw)
		}
		encrypted = true
	}

	canIndex := index.CanIndex(s.indexPolicy, decision)
	persistEmbeddings := canIndex && decision.EmbedStore && !needsConsent

	tagsJSON, err := json.Marshal(normalizeTags(tags))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: marshaling tags: %v", kernelerr.ErrStore, err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: marshaling metadata: %v", kernelerr.ErrStore, err)
	}

	var id int64
	err = s.withTx(func(tx *sql.Tx) error {
		var summaryArg any
		if hasSummary {
			summaryArg = storedSummary
		}
		if _, err := tx.Exec(`
			INSERT INTO memories (kind, key, value, summary, ts, tags, metadata, encrypted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, key) DO UPDATE SET
				value=excluded.value, summary=excluded.summary, ts=excluded.ts,
				tags=excluded.tags, metadata=excluded.metadata, encrypted=excluded.encrypted
		`, kind, key, storedValue, summaryArg, tsStr, string(tagsJSON), string(metaJSON), boolToInt(encrypted)); err != nil {
			return err
		}
		if err := tx.QueryRow(`SELECT id FROM memories WHERE kind=? AND key=?`, kind, key).Scan(&id); err != nil {
			return err
		}

		if canIndex && decision.FTSIndex {
			if err := s.fts.UpsertOn(tx, id, ftsText, ""); err != nil {
				return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
			}
		} else {
			if err := s.fts.DeleteOn(tx, id); err != nil {
				return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
			}
		}

		if persistEmbeddings {
			if err := s.vectors.DeleteForMemoryOn(tx, id); err != nil {
				return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
			}
			for _, e := range computed {
				if err := s.vectors.UpsertOn(tx, id, e.Vec, e.Source, s.embedEngine.Provider, s.embedEngine.Model); err != nil {
					return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
				}
			}
		} else if canIndex && decision.Embed != "none" && !decision.EmbedStore {
			// embed_store=false: leave any previously-persisted vectors
			// alone; nothing new is written.
		} else if !canIndex {
			if err := s.vectors.DeleteForMemoryOn(tx, id); err != nil {
				return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	var returnedEphemeral []EphemeralEmbedding
	if len(computed) > 0 && !persistEmbeddings {
		s.ephemeralMu.Lock()
		s.ephemeral[id] = computed
		s.ephemeralMu.Unlock()
		returnedEphemeral = computed
	}

	log.Debug("store: upsert complete", "id", id, "kind", kind, "needs_consent", needsConsent, "encrypted", encrypted)

	return UpsertResult{
		ID:                  id,
		Stored:              !needsConsent,
		NeedsConsent:        needsConsent,
		EphemeralEmbeddings: returnedEphemeral,
	}, nil
}

// Delete removes the record at (kind, key) along with its FTS row,
// embedding rows and consent row in one transaction.
func (s *Store) Delete(kind, key string) (bool, error) {
	if isBlocked(s.brakeBlocked, "writes") {
		return false, kernelerr.ErrBrakeEngaged
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok, err := s.lookupID(kind, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", kernelerr.ErrStore, err)
	}
	if !ok {
		return false, nil
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if err := s.fts.DeleteOn(tx, id); err != nil {
			return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
		}
		if err := s.vectors.DeleteForMemoryOn(tx, id); err != nil {
			return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
		}
		if _, err := tx.Exec(`DELETE FROM memory_consent WHERE memory_id=?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM memories WHERE id=?`, id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.ephemeralMu.Lock()
	delete(s.ephemeral, id)
	s.ephemeralMu.Unlock()

	return true, nil
}

// GrantConsent inserts a consent row for the existing record at (kind,
// key). No-op (returns false, nil) if no such record exists.
func (s *Store) GrantConsent(kind, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok, err := s.lookupID(kind, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", kernelerr.ErrStore, err)
	}
	if !ok {
		return false, nil
	}

	_, err = s.db.Exec(`
		INSERT INTO memory_consent (memory_id, granted_at) VALUES (?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET granted_at=excluded.granted_at
	`, id, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("%w: %v", kernelerr.ErrStore, err)
	}
	return true, nil
}

// PersistEmbeddingsFor promotes id's previously-returned ephemeral
// embeddings to stored vector rows, re-checking the indexing policy
// against the record's current rule decision. Returns the number of
// vectors promoted.
func (s *Store) PersistEmbeddingsFor(id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ephemeralMu.Lock()
	embs, ok := s.ephemeral[id]
	delete(s.ephemeral, id)
	s.ephemeralMu.Unlock()
	if !ok || len(embs) == 0 {
		return 0, nil
	}

	row, ok, err := s.loadRowForDecision(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", kernelerr.ErrStore, err)
	}
	if !ok {
		return 0, nil
	}
	decision := s.rules.Evaluate(row)
	if !index.CanIndex(s.indexPolicy, decision) {
		return 0, nil
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if err := s.vectors.DeleteForMemoryOn(tx, id); err != nil {
			return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
		}
		for _, e := range embs {
			if err := s.vectors.UpsertOn(tx, id, e.Vec, e.Source, s.embedEngine.Provider, s.embedEngine.Model); err != nil {
				return fmt.Errorf("%w: %v", kernelerr.ErrIndex, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(embs), nil
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", kernelerr.ErrStore, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing transaction: %v", kernelerr.ErrStore, err)
	}
	return nil
}

func (s *Store) lookupID(kind, key string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM memories WHERE kind=? AND key=?`, kind, key).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Store) hasConsent(id int64) (bool, error) {
	var dummy int64
	err := s.db.QueryRow(`SELECT memory_id FROM memory_consent WHERE memory_id=?`, id).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// loadRowForDecision loads the minimal fields needed to re-evaluate the
// rule engine for a stored record. The value is read as stored (it may be
// an envelope's JSON rather than plaintext); decryption is not required
// for the policy predicates PersistEmbeddingsFor consults (kind/key/tags),
// so this never touches key material.
func (s *Store) loadRowForDecision(id int64) (rules.Record, bool, error) {
	var kind, key, value, tagsJSON string
	err := s.db.QueryRow(`SELECT kind, key, value, tags FROM memories WHERE id=?`, id).Scan(&kind, &key, &value, &tagsJSON)
	if err == sql.ErrNoRows {
		return rules.Record{}, false, nil
	}
	if err != nil {
		return rules.Record{}, false, err
	}
	var tags []string
	_ = json.Unmarshal([]byte(tagsJSON), &tags)
	return rules.Record{Kind: kind, Key: key, Value: value, Tags: tags}, true, nil
}

func embedSources(mode string, hasSummary bool) []string {
	switch mode {
	case "summary":
		if hasSummary {
			return []string{vector.SourceSummary}
		}
		return []string{vector.SourceFull}
	case "full":
		return []string{vector.SourceFull}
	case "both":
		if hasSummary {
			return []string{vector.SourceSummary, vector.SourceFull}
		}
		return []string{vector.SourceFull}
	default:
		return nil
	}
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
