// Package consent implements the privacy gate applied to retrieval
// candidates: it excludes never_store and unconsented ask_before_store
// memories, and marks context_only memories so the retriever can keep
// them out of generation while still surfacing them for recall.
package consent

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/bartholomew/memkernel/internal/kernel/envelope"
	"github.com/bartholomew/memkernel/internal/kernel/keys"
	"github.com/bartholomew/memkernel/internal/kernel/rules"
)

// Gate filters retrieval candidates against consent and rule-engine
// policy. It reads directly from the record store's tables rather than
// holding its own copy of the data, so it always sees committed state.
// Encrypted values are decrypted inside the gate before rule evaluation,
// since content regexes must run over plaintext; candidates that fail to
// decrypt are excluded rather than evaluated against ciphertext.
type Gate struct {
	db     *sql.DB
	engine *rules.Engine
	keys   *keys.Provider
}

// New builds a Gate over db, evaluating policy with engine and decrypting
// encrypted records through kp. A nil kp excludes all encrypted records.
func New(db *sql.DB, engine *rules.Engine, kp *keys.Provider) *Gate {
	return &Gate{db: db, engine: engine, keys: kp}
}

// ConsentedIDs returns the set of memory IDs with an explicit consent
// record.
func (g *Gate) ConsentedIDs() (map[int64]bool, error) {
	rows, err := g.db.Query(`SELECT memory_id FROM memory_consent`)
	if err != nil {
		log.Error("consent: failed to load consented ids", "err", err)
		return map[int64]bool{}, nil
	}
	defer rows.Close()

	ids := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids[id] = true
	}
	return ids, nil
}

type memoryRow struct {
	ID      int64
	Kind    string
	Key     string
	Value   string
	Summary string
	TS      string
	Tags    []string
	Speaker string
}

func (g *Gate) loadMetadata(ids []int64) map[int64]memoryRow {
	out := map[int64]memoryRow{}
	if len(ids) == 0 {
		return out
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT id, kind, key, value, summary, ts, tags, metadata, encrypted FROM memories WHERE id IN (%s)`, placeholders)

	rows, err := g.db.Query(query, args...)
	if err != nil {
		log.Error("consent: failed to load memory metadata", "err", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var r memoryRow
		var summary, tagsJSON, metaJSON sql.NullString
		var encrypted int
		if err := rows.Scan(&r.ID, &r.Kind, &r.Key, &r.Value, &summary, &r.TS, &tagsJSON, &metaJSON, &encrypted); err != nil {
			continue
		}
		r.Summary = summary.String
		if tagsJSON.Valid {
			_ = json.Unmarshal([]byte(tagsJSON.String), &r.Tags)
		}
		if metaJSON.Valid {
			var meta map[string]any
			if json.Unmarshal([]byte(metaJSON.String), &meta) == nil {
				r.Speaker, _ = meta["speaker"].(string)
			}
		}
		if encrypted != 0 {
			if !g.decryptRow(&r) {
				continue
			}
		}
		out[r.ID] = r
	}
	return out
}

// decryptRow replaces r's value (and summary, when present) with plaintext.
// Returns false when key material is missing or authentication fails, in
// which case the row is excluded from gate evaluation entirely.
func (g *Gate) decryptRow(r *memoryRow) bool {
	if g.keys == nil {
		log.Warn("consent: no key provider, excluding encrypted memory", "memory_id", r.ID)
		return false
	}
	env, err := envelope.Parse([]byte(r.Value))
	if err != nil {
		log.Warn("consent: envelope parse failure, excluding memory", "memory_id", r.ID)
		return false
	}
	key, err := g.keys.Get(env.Kid)
	if err != nil {
		log.Warn("consent: unknown key id, excluding memory", "memory_id", r.ID)
		return false
	}
	plain, err := envelope.Open(key, env, envelope.BuildAAD(r.Kind, r.Key, r.TS, false))
	if err != nil {
		log.Warn("consent: envelope authentication failure, excluding memory", "memory_id", r.ID)
		return false
	}
	r.Value = string(plain)
	if r.Summary != "" {
		senv, err := envelope.Parse([]byte(r.Summary))
		if err != nil {
			log.Warn("consent: summary envelope parse failure, excluding memory", "memory_id", r.ID)
			return false
		}
		ps, err := envelope.Open(key, senv, envelope.BuildAAD(r.Kind, r.Key, r.TS, true))
		if err != nil {
			log.Warn("consent: summary authentication failure, excluding memory", "memory_id", r.ID)
			return false
		}
		r.Summary = string(ps)
	}
	return true
}

// Policy is the per-memory outcome of consent-gate evaluation.
type Policy struct {
	Include      bool
	ContextOnly  bool
	RecallPolicy string
}

var excludedPolicy = Policy{Include: false}

// Filter evaluates policy for each of ids, using consentedIDs when
// provided (nil triggers a fresh load), and returns one Policy per id.
// IDs with no backing memory row are excluded.
func (g *Gate) Filter(ids []int64, consentedIDs map[int64]bool) map[int64]Policy {
	results := map[int64]Policy{}
	if len(ids) == 0 {
		return results
	}

	if consentedIDs == nil {
		var err error
		consentedIDs, err = g.ConsentedIDs()
		if err != nil {
			consentedIDs = map[int64]bool{}
		}
	}

	metadata := g.loadMetadata(ids)

	for _, id := range ids {
		row, ok := metadata[id]
		if !ok {
			results[id] = excludedPolicy
			continue
		}

		// Re-evaluate with the full record shape: tags- and speaker-scoped
		// rules must produce the same decision here as they did at ingest.
		decision := g.engine.Evaluate(rules.Record{
			Kind:    row.Kind,
			Key:     row.Key,
			Value:   row.Value,
			Tags:    row.Tags,
			Speaker: row.Speaker,
		})

		include := true
		if !decision.AllowStore {
			include = false
			log.Debug("consent: excluding memory, never_store policy", "memory_id", id)
		}
		if decision.RequiresConsent && !consentedIDs[id] {
			include = false
			log.Debug("consent: excluding memory, requires_consent without consent record", "memory_id", id)
		}

		contextOnly := decision.RecallPolicy == "context_only"

		results[id] = Policy{
			Include:      include,
			ContextOnly:  contextOnly,
			RecallPolicy: decision.RecallPolicy,
		}
	}

	return results
}

// FTSCandidate is the subset of an fts.Hit the gate needs to filter and
// annotate; kept independent of the fts package to avoid a dependency
// cycle since fts is a lower-level component than consent.
type FTSCandidate struct {
	ID           int64
	Score        float64
	ContextOnly  bool
	RecallPolicy string
}

// ApplyToFTS filters and annotates FTS hits in place, dropping excluded
// candidates and stamping ContextOnly/RecallPolicy on survivors.
func (g *Gate) ApplyToFTS(hits []FTSCandidate, consentedIDs map[int64]bool) []FTSCandidate {
	if len(hits) == 0 {
		return hits
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	policies := g.Filter(ids, consentedIDs)

	filtered := hits[:0]
	for _, h := range hits {
		p, ok := policies[h.ID]
		if !ok || !p.Include {
			continue
		}
		h.ContextOnly = p.ContextOnly
		h.RecallPolicy = p.RecallPolicy
		filtered = append(filtered, h)
	}
	log.Debug("consent: fts gate", "before", len(hits), "after", len(filtered))
	return filtered
}

// VectorCandidate is the (memory_id, score) pair the gate filters for
// vector search results.
type VectorCandidate struct {
	MemoryID int64
	Score    float64
}

// ApplyToVector filters vector search candidates against consent policy.
// Context-only marking happens in the retriever, not here.
func (g *Gate) ApplyToVector(hits []VectorCandidate, consentedIDs map[int64]bool) []VectorCandidate {
	if len(hits) == 0 {
		return hits
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.MemoryID
	}
	policies := g.Filter(ids, consentedIDs)

	filtered := hits[:0]
	for _, h := range hits {
		if p, ok := policies[h.MemoryID]; ok && p.Include {
			filtered = append(filtered, h)
		}
	}
	log.Debug("consent: vector gate", "before", len(hits), "after", len(filtered))
	return filtered
}

// MemoryPolicy returns policy for a single memory id.
func (g *Gate) MemoryPolicy(id int64, consentedIDs map[int64]bool) Policy {
	results := g.Filter([]int64{id}, consentedIDs)
	if p, ok := results[id]; ok {
		return p
	}
	return excludedPolicy
}
