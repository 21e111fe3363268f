// Package retrieve implements the hybrid retriever: fusing full-text and
// vector candidate sets behind the consent gate, with recency shaping,
// per-kind boosting and deterministic tie-breaking.
package retrieve

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bartholomew/memkernel/internal/kernel/consent"
	"github.com/bartholomew/memkernel/internal/kernel/embed"
	"github.com/bartholomew/memkernel/internal/kernel/envelope"
	"github.com/bartholomew/memkernel/internal/kernel/fts"
	"github.com/bartholomew/memkernel/internal/kernel/kernelerr"
	"github.com/bartholomew/memkernel/internal/kernel/keys"
	"github.com/bartholomew/memkernel/internal/kernel/rules"
	"github.com/bartholomew/memkernel/internal/kernel/vector"
)

// Mode selects which channel(s) feed the retriever.
const (
	ModeHybrid = "hybrid"
	ModeVector = "vector"
	ModeFTS    = "fts"
)

// Fusion selects how channel scores are combined.
const (
	FusionWeighted = "weighted"
	FusionRRF      = "rrf"
)

// Config is the retrieval tuning surface.
type Config struct {
	Mode                 string
	Fusion               string
	WeightFTS            float64
	WeightVector         float64
	RRFK                 float64
	RecencyHalfLifeHours float64
}

// DefaultConfig returns the stock retrieval configuration.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeHybrid,
		Fusion:               FusionWeighted,
		WeightFTS:            0.5,
		WeightVector:         0.5,
		RRFK:                 60,
		RecencyHalfLifeHours: 168,
	}
}

// Filters narrow the candidate set by kind and timestamp range.
type Filters struct {
	Kinds  []string
	After  *time.Time
	Before *time.Time
}

// Result is one ranked, gated retrieval item.
type Result struct {
	ID           int64
	Score        float64
	FTSScore     *float64
	VecScore     *float64
	FusedScore   float64
	Snippet      string
	Kind         string
	Timestamp    time.Time
	ContextOnly  bool
	RecallPolicy string
}

// Deps are the sub-components the retriever composes.
type Deps struct {
	DB     *sql.DB
	FTS    *fts.Index
	Vector *vector.Store
	Gate   *consent.Gate
	Rules  *rules.Engine
	Embed  *embed.Engine
	Keys   *keys.Provider

	// BrakeBlocked reports whether the "retrieval" scope is currently
	// blocked; nil means never blocked.
	BrakeBlocked func(scope string) bool

	// Now returns the current time for recency shaping; overridable in
	// tests. Defaults to time.Now.
	Now func() time.Time
}

// Retriever fuses the FTS and vector channels into one ranked result set.
type Retriever struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// New builds a Retriever over deps with cfg as its initial configuration
// snapshot. Config may be swapped later via SetConfig to support hot
// reload.
func New(deps Deps, cfg Config) *Retriever {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Retriever{deps: deps, cfg: cfg, now: now}
}

// SetConfig replaces the active retrieval configuration. The assignment is
// not synchronized with Retrieve calls running at the same time.
func (r *Retriever) SetConfig(cfg Config) { r.cfg = cfg }

type candidateRow struct {
	ID           int64
	Kind         string
	Key          string
	Value        string
	Summary      string
	Tags         []string
	Timestamp    time.Time
	Encrypted    bool
	FTSScore     *float64
	VecScore     *float64
	ContextOnly  bool
	RecallPolicy string
	RuleBoost    float64
	Fused        float64
	Final        float64
}

// Retrieve runs the fused hybrid search and returns up to topK gated,
// ranked results.
func (r *Retriever) Retrieve(query string, topK int, filters Filters) ([]Result, error) {
	return r.RetrieveWithMode(query, topK, filters, r.cfg.Mode)
}

// RetrieveWithMode is Retrieve with the configured channel mode overridden
// for this call only (hybrid, fts or vector).
func (r *Retriever) RetrieveWithMode(query string, topK int, filters Filters, mode string) ([]Result, error) {
	if r.deps.BrakeBlocked != nil && r.deps.BrakeBlocked("retrieval") {
		return nil, kernelerr.ErrBrakeEngaged
	}
	if topK <= 0 {
		return nil, nil
	}
	if mode == "" {
		mode = r.cfg.Mode
	}

	poolSize := topK * 3
	consentedIDs, err := r.deps.Gate.ConsentedIDs()
	if err != nil {
		consentedIDs = map[int64]bool{}
	}

	var ftsHits []fts.Hit
	if mode != ModeVector && strings.TrimSpace(query) != "" {
		raw, err := r.deps.FTS.Search(query, poolSize)
		if err != nil {
			log.Warn("retrieve: fts search failed, degrading channel", "err", err)
			raw = nil
		}
		ftsHits = r.gateFTS(raw, consentedIDs)
	}

	var vecHits []vector.Hit
	if mode != ModeFTS && r.deps.Embed != nil && strings.TrimSpace(query) != "" {
		qvec := r.deps.Embed.Embed(query)
		raw, err := r.deps.Vector.Search(qvec, poolSize, vector.SearchFilter{
			Provider: r.deps.Embed.Provider,
			Model:    r.deps.Embed.Model,
			Dim:      r.deps.Embed.Dim,
		})
		if err != nil {
			log.Warn("retrieve: vector search failed, degrading channel", "err", err)
			raw = nil
		}
		vecHits = r.gateVector(raw, consentedIDs)
	}

	merged := r.merge(ftsHits, vecHits)
	if len(merged) == 0 {
		return nil, nil
	}

	rows, err := r.loadRows(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrStore, err)
	}
	rows = applyFilters(rows, filters)

	normalizeChannels(rows)
	r.fuse(rows)
	r.applyRecencyAndBoost(rows)

	sort.SliceStable(rows, func(i, j int) bool {
		return lessResult(rows[j], rows[i]) // descending
	})

	if len(rows) > topK {
		rows = rows[:topK]
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, Result{
			ID:           row.ID,
			Score:        row.Final,
			FTSScore:     row.FTSScore,
			VecScore:     row.VecScore,
			FusedScore:   row.Fused,
			Snippet:      r.snippet(row, query),
			Kind:         row.Kind,
			Timestamp:    row.Timestamp,
			ContextOnly:  row.ContextOnly,
			RecallPolicy: row.RecallPolicy,
		})
	}
	return results, nil
}

func (r *Retriever) gateFTS(hits []fts.Hit, consented map[int64]bool) []fts.Hit {
	if len(hits) == 0 {
		return nil
	}
	cands := make([]consent.FTSCandidate, len(hits))
	for i, h := range hits {
		cands[i] = consent.FTSCandidate{ID: h.ID, Score: h.Score}
	}
	gated := r.deps.Gate.ApplyToFTS(cands, consented)
	out := make([]fts.Hit, len(gated))
	for i, g := range gated {
		out[i] = fts.Hit{ID: g.ID, Score: g.Score}
	}
	return out
}

func (r *Retriever) gateVector(hits []vector.Hit, consented map[int64]bool) []vector.Hit {
	if len(hits) == 0 {
		return nil
	}
	cands := make([]consent.VectorCandidate, len(hits))
	for i, h := range hits {
		cands[i] = consent.VectorCandidate{MemoryID: h.MemoryID, Score: h.Score}
	}
	gated := r.deps.Gate.ApplyToVector(cands, consented)
	out := make([]vector.Hit, len(gated))
	for i, g := range gated {
		out[i] = vector.Hit{MemoryID: g.MemoryID, Score: g.Score}
	}
	return out
}

// merge builds one row per distinct id seen in either channel.
func (r *Retriever) merge(ftsHits []fts.Hit, vecHits []vector.Hit) map[int64]*candidateRow {
	rows := map[int64]*candidateRow{}
	for _, h := range ftsHits {
		score := h.Score
		rows[h.ID] = &candidateRow{ID: h.ID, FTSScore: &score}
	}
	for _, h := range vecHits {
		score := h.Score
		if row, ok := rows[h.MemoryID]; ok {
			row.VecScore = &score
		} else {
			rows[h.MemoryID] = &candidateRow{ID: h.MemoryID, VecScore: &score}
		}
	}
	return rows
}

func (r *Retriever) loadRows(merged map[int64]*candidateRow) ([]*candidateRow, error) {
	ids := make([]int64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT id, kind, key, value, summary, ts, tags, encrypted FROM memories WHERE id IN (%s)`, strings.Join(placeholders, ","))
	sqlRows, err := r.deps.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer sqlRows.Close()

	var out []*candidateRow
	for sqlRows.Next() {
		var id int64
		var kind, key, value, tsStr string
		var summary, tagsJSON sql.NullString
		var encryptedInt int
		if err := sqlRows.Scan(&id, &kind, &key, &value, &summary, &tsStr, &tagsJSON, &encryptedInt); err != nil {
			continue
		}
		row := merged[id]
		row.Kind = kind
		row.Key = key
		row.Encrypted = encryptedInt != 0
		row.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		if tagsJSON.Valid {
			_ = json.Unmarshal([]byte(tagsJSON.String), &row.Tags)
		}

		plainValue, plainSummary, ok := r.decrypt(kind, key, tsStr, value, summary.String, row.Encrypted)
		if !ok {
			// Authentication failure: elide this candidate entirely.
			continue
		}
		row.Value = plainValue
		row.Summary = plainSummary

		// Tags-scoped boost and recall-policy rules must apply on the read
		// path just as they did at ingest.
		decision := r.deps.Rules.Evaluate(rules.Record{Kind: kind, Key: key, Value: plainValue, Tags: row.Tags})
		row.RuleBoost = decision.Boost
		row.RecallPolicy = decision.RecallPolicy
		row.ContextOnly = decision.RecallPolicy == "context_only"

		out = append(out, row)
	}
	return out, nil
}

func (r *Retriever) decrypt(kind, key, tsStr, value, summary string, encrypted bool) (string, string, bool) {
	if !encrypted {
		return value, summary, true
	}
	env, err := envelope.Parse([]byte(value))
	if err != nil {
		log.Warn("retrieve: value envelope parse failure, eliding candidate")
		return "", "", false
	}
	k, err := r.deps.Keys.Get(env.Kid)
	if err != nil {
		log.Warn("retrieve: unknown key id, eliding candidate")
		return "", "", false
	}
	aad := envelope.BuildAAD(kind, key, tsStr, false)
	plainValue, err := envelope.Open(k, env, aad)
	if err != nil {
		log.Warn("retrieve: envelope authentication failure, eliding candidate")
		return "", "", false
	}
	plainSummary := ""
	if summary != "" {
		senv, err := envelope.Parse([]byte(summary))
		if err != nil {
			log.Warn("retrieve: summary envelope parse failure, eliding candidate")
			return "", "", false
		}
		saad := envelope.BuildAAD(kind, key, tsStr, true)
		ps, err := envelope.Open(k, senv, saad)
		if err != nil {
			log.Warn("retrieve: summary authentication failure, eliding candidate")
			return "", "", false
		}
		plainSummary = string(ps)
	}
	return string(plainValue), plainSummary, true
}

func applyFilters(rows []*candidateRow, f Filters) []*candidateRow {
	if len(f.Kinds) == 0 && f.After == nil && f.Before == nil {
		return rows
	}
	kindSet := map[string]bool{}
	for _, k := range f.Kinds {
		kindSet[k] = true
	}
	out := rows[:0]
	for _, row := range rows {
		if len(kindSet) > 0 && !kindSet[row.Kind] {
			continue
		}
		if f.After != nil && row.Timestamp.Before(*f.After) {
			continue
		}
		if f.Before != nil && row.Timestamp.After(*f.Before) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// normalizeChannels min-max normalizes each channel's raw scores into
// [0,1] over the pulled candidate set.
func normalizeChannels(rows []*candidateRow) {
	minMax := func(get func(*candidateRow) *float64) (float64, float64, bool) {
		min, max := math.Inf(1), math.Inf(-1)
		found := false
		for _, row := range rows {
			if v := get(row); v != nil {
				found = true
				if *v < min {
					min = *v
				}
				if *v > max {
					max = *v
				}
			}
		}
		return min, max, found
	}

	normalize := func(get func(*candidateRow) *float64) {
		min, max, found := minMax(get)
		if !found {
			return
		}
		spread := max - min
		for _, row := range rows {
			v := get(row)
			if v == nil {
				continue
			}
			if spread == 0 {
				*v = 1
				continue
			}
			*v = (*v - min) / spread
		}
	}

	normalize(func(r *candidateRow) *float64 { return r.FTSScore })
	normalize(func(r *candidateRow) *float64 { return r.VecScore })
}

// fuse computes the fused channel score. Weighted
// fusion imputes a missing channel with the mean of the non-missing
// normalized scores so single-channel hits don't fall off a cliff.
func (r *Retriever) fuse(rows []*candidateRow) {
	switch r.cfg.Fusion {
	case FusionRRF:
		ftsRank := rankOf(rows, func(r *candidateRow) *float64 { return r.FTSScore })
		vecRank := rankOf(rows, func(r *candidateRow) *float64 { return r.VecScore })
		for _, row := range rows {
			var score float64
			if rank, ok := ftsRank[row.ID]; ok {
				score += 1.0 / (r.cfg.RRFK + float64(rank))
			}
			if rank, ok := vecRank[row.ID]; ok {
				score += 1.0 / (r.cfg.RRFK + float64(rank))
			}
			row.Fused = score
		}
	default:
		meanFTS, meanVec := meanScores(rows)
		wF, wV := r.cfg.WeightFTS, r.cfg.WeightVector
		for _, row := range rows {
			fScore := meanVecOrSelf(row.FTSScore, meanFTS)
			vScore := meanVecOrSelf(row.VecScore, meanVec)
			row.Fused = wF*fScore + wV*vScore
		}
	}
}

func meanVecOrSelf(v *float64, mean float64) float64 {
	if v == nil {
		return mean
	}
	return *v
}

func meanScores(rows []*candidateRow) (float64, float64) {
	var sumF, sumV float64
	var nF, nV int
	for _, row := range rows {
		if row.FTSScore != nil {
			sumF += *row.FTSScore
			nF++
		}
		if row.VecScore != nil {
			sumV += *row.VecScore
			nV++
		}
	}
	meanF, meanV := 0.0, 0.0
	if nF > 0 {
		meanF = sumF / float64(nF)
	}
	if nV > 0 {
		meanV = sumV / float64(nV)
	}
	return meanF, meanV
}

func rankOf(rows []*candidateRow, get func(*candidateRow) *float64) map[int64]int {
	type scored struct {
		id    int64
		score float64
	}
	var present []scored
	for _, row := range rows {
		if v := get(row); v != nil {
			present = append(present, scored{id: row.ID, score: *v})
		}
	}
	sort.Slice(present, func(i, j int) bool { return present[i].score > present[j].score })
	ranks := map[int64]int{}
	for i, s := range present {
		ranks[s.id] = i + 1
	}
	return ranks
}

// applyRecencyAndBoost multiplies each row's fused score by the recency
// decay factor and the rule's per-kind boost.
func (r *Retriever) applyRecencyAndBoost(rows []*candidateRow) {
	now := r.now()
	halfLife := r.cfg.RecencyHalfLifeHours
	if halfLife <= 0 {
		halfLife = DefaultConfig().RecencyHalfLifeHours
	}
	for _, row := range rows {
		ageHours := now.Sub(row.Timestamp).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		recency := math.Exp(-math.Ln2 * ageHours / halfLife)
		ruleBoost := row.RuleBoost
		if ruleBoost == 0 {
			ruleBoost = 1.0
		}
		row.Final = row.Fused * recency * ruleBoost
	}
}

func lessResult(a, b *candidateRow) bool {
	if a.Final != b.Final {
		return a.Final < b.Final
	}
	aBoth := a.FTSScore != nil && a.VecScore != nil
	bBoth := b.FTSScore != nil && b.VecScore != nil
	if aBoth != bBoth {
		return bBoth
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func (r *Retriever) snippet(row *candidateRow, query string) string {
	text := row.Summary
	if text == "" {
		text = row.Value
	}
	const window = 160
	if text == "" {
		return ""
	}
	idx := -1
	if strings.TrimSpace(query) != "" {
		idx = strings.Index(strings.ToLower(text), strings.ToLower(query))
	}
	if idx < 0 {
		if len(text) > window {
			return text[:window] + "..."
		}
		return text
	}
	start := idx - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(text) {
		end = len(text)
	}
	snippet := text[start:end]
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(text) {
		snippet = snippet + "..."
	}
	return snippet
}
