// Package fts implements the full-text index over the memories table: an
// FTS5 virtual table whose rowid equals the record id, populated only with
// sanitized index text by the ingestion pipeline, with bm25 ranking and a
// once-per-index unavailability degradation log.
package fts

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// The index is a standalone FTS5 table rather than an external-content one:
// the memories.value column may hold ciphertext, so the index text has to
// be supplied explicitly by the pipeline (summary or redacted value) and
// must never be derived from the stored column.
const schemaTemplate = `
CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
  value, summary,
  tokenize='%s'
);

CREATE TABLE IF NOT EXISTS memory_fts_map (
  memory_id  INTEGER PRIMARY KEY,
  indexed_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')),
  FOREIGN KEY(memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting index writes participate in the pipeline's write transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Index owns the FTS5 virtual table and its sync-state table.
type Index struct {
	db        *sql.DB
	tokenizer string

	unavailableOnce sync.Once
	available       bool
}

// NewIndex probes FTS5 availability once and, if available, installs the
// schema and reconciles the sync-state table against the record store. If
// unavailable, the Index silently degrades: Search returns an empty set and
// the degradation is logged exactly once.
func NewIndex(db *sql.DB, tokenizer string) *Index {
	if tokenizer == "" {
		tokenizer = "porter"
	}
	idx := &Index{db: db, tokenizer: tokenizer}
	idx.available = idx.probe()
	if idx.available {
		if err := idx.install(); err != nil {
			idx.degrade("installing FTS5 schema", err)
		} else if err := idx.verifyRowIdentity(); err != nil {
			log.Warn("fts: startup row-identity verification failed", "err", err)
		}
	} else {
		idx.degrade("FTS5 not available in this SQLite build", nil)
	}
	return idx
}

func (idx *Index) probe() bool {
	_, err := idx.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS temp.__fts5_probe USING fts5(x)`)
	if err != nil {
		return false
	}
	_, _ = idx.db.Exec(`DROP TABLE IF EXISTS temp.__fts5_probe`)
	return true
}

func (idx *Index) degrade(reason string, err error) {
	idx.available = false
	idx.unavailableOnce.Do(func() {
		if err != nil {
			log.Warn("fts: index unavailable, degrading to empty candidate set", "reason", reason, "err", err)
		} else {
			log.Warn("fts: index unavailable, degrading to empty candidate set", "reason", reason)
		}
	})
}

func (idx *Index) install() error {
	_, err := idx.db.Exec(fmt.Sprintf(schemaTemplate, idx.tokenizer))
	return err
}

// verifyRowIdentity is the startup migration pass: every indexed row must
// correspond to a live record. Rows tracked in the sync
// table whose record is gone are purged from the index.
func (idx *Index) verifyRowIdentity() error {
	rows, err := idx.db.Query(`
		SELECT f.memory_id FROM memory_fts_map f
		LEFT JOIN memories m ON m.id = f.memory_id
		WHERE m.id IS NULL
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var orphans []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		orphans = append(orphans, id)
	}
	for _, id := range orphans {
		if err := idx.Delete(id); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		log.Info("fts: purged orphaned index rows", "count", len(orphans))
	}
	return nil
}

// Available reports whether the index is usable; it is false once the
// index has degraded to the empty fallback.
func (idx *Index) Available() bool { return idx.available }

// Upsert deletes any existing FTS row for id then inserts the sanitized
// index text. Callers supply the summary when summary_preferred and
// present, else the redacted value, never the raw input.
func (idx *Index) Upsert(id int64, value, summary string) error {
	return idx.UpsertOn(idx.db, id, value, summary)
}

// UpsertOn is Upsert running against q, which may be the pipeline's open
// write transaction so the index row commits atomically with its record.
func (idx *Index) UpsertOn(q Querier, id int64, value, summary string) error {
	if !idx.available {
		return nil
	}
	if err := idx.DeleteOn(q, id); err != nil {
		return err
	}
	if _, err := q.Exec(`INSERT INTO memory_fts(rowid, value, summary) VALUES (?, ?, ?)`, id, value, summary); err != nil {
		return err
	}
	_, err := q.Exec(`INSERT OR REPLACE INTO memory_fts_map(memory_id) VALUES (?)`, id)
	return err
}

// Delete removes any FTS row for id (a no-op if none exists).
func (idx *Index) Delete(id int64) error {
	return idx.DeleteOn(idx.db, id)
}

// DeleteOn is Delete running against q (see UpsertOn).
func (idx *Index) DeleteOn(q Querier, id int64) error {
	if !idx.available {
		return nil
	}
	if _, err := q.Exec(`DELETE FROM memory_fts WHERE rowid = ?`, id); err != nil {
		return err
	}
	_, err := q.Exec(`DELETE FROM memory_fts_map WHERE memory_id = ?`, id)
	return err
}

// Optimize merges the index's b-tree segments; callers run this on the
// weekly maintenance schedule.
func (idx *Index) Optimize() error {
	if !idx.available {
		return nil
	}
	_, err := idx.db.Exec(`INSERT INTO memory_fts(memory_fts) VALUES ('optimize')`)
	return err
}

// Hit is one ranked candidate.
type Hit struct {
	ID    int64
	Score float64
}

// Search returns up to k candidates matching query, ordered by descending
// score. If the index is unavailable, it returns an empty slice with no
// error so the retriever degrades the channel silently.
func (idx *Index) Search(query string, k int) ([]Hit, error) {
	if !idx.available || strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}

	hits, err := idx.searchBM25(query, k)
	if err == nil {
		return hits, nil
	}
	// Either a build without the bm25 auxiliary function or a malformed
	// MATCH expression; retry unranked rather than degrading the channel.
	return idx.searchUnranked(query, k)
}

func (idx *Index) searchBM25(query string, k int) ([]Hit, error) {
	rows, err := idx.db.Query(`
		SELECT rowid, bm25(memory_fts)
		FROM memory_fts WHERE memory_fts MATCH ?
		ORDER BY rank LIMIT ?
	`, query, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id int64
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			continue
		}
		// bm25() returns better-is-more-negative; flip so higher is better.
		hits = append(hits, Hit{ID: id, Score: -rank})
	}
	return hits, rows.Err()
}

func (idx *Index) searchUnranked(query string, k int) ([]Hit, error) {
	rows, err := idx.db.Query(`
		SELECT rowid FROM memory_fts WHERE memory_fts MATCH ? LIMIT ?
	`, query, k)
	if err != nil {
		// A malformed MATCH expression is a caller input problem, not a
		// backend failure; return empty rather than degrading the index.
		return []Hit{}, nil
	}
	defer rows.Close()

	var hits []Hit
	pos := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: 1.0 / float64(1+pos)})
		pos++
	}
	return hits, nil
}
