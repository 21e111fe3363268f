// Package vector implements the embedding store: a SQLite table of
// (memory_id, source, provider, model, dim, vec, norm) rows with an exact
// brute-force cosine search. The sqlite-vec extension is only probed for;
// no search path uses it.
package vector

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/charmbracelet/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_embeddings (
  embedding_id INTEGER PRIMARY KEY AUTOINCREMENT,
  memory_id    INTEGER NOT NULL,
  source       TEXT NOT NULL CHECK(source IN ('summary','full')),
  dim          INTEGER NOT NULL,
  vec          BLOB NOT NULL,
  norm         REAL NOT NULL,
  provider     TEXT NOT NULL,
  model        TEXT NOT NULL,
  created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
  FOREIGN KEY(memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_mememb_memory_id ON memory_embeddings(memory_id);
CREATE INDEX IF NOT EXISTS idx_mememb_source ON memory_embeddings(source);
`

// Source tags an embedding as derived from the record's summary or its
// full (redacted) value.
const (
	SourceSummary = "summary"
	SourceFull    = "full"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting embedding writes participate in the pipeline's write transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store is the SQLite-backed vector store.
type Store struct {
	db *sql.DB

	accelerated bool // true if the sqlite-vec extension loaded successfully
}

// NewStore installs the schema and probes for the sqlite-vec extension,
// recording the result for Accelerated. Search uses the brute-force scan
// whether or not the extension is present.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	s.accelerated = s.tryLoadExtension()
	return s, nil
}

func (s *Store) tryLoadExtension() bool {
	// sqlite-vec-go-bindings registers its extension via an init-time
	// sql.Register hook in the caller's main package; here we only probe
	// whether the resulting connection exposes the vec0 module. Absence
	// is expected and not an error: searches use the brute-force scan
	// either way.
	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS temp.__vec_probe USING vec0(x float[1])`)
	if err != nil {
		log.Info("vector: sqlite-vec extension not available, using brute-force cosine scan")
		return false
	}
	_, _ = s.db.Exec(`DROP TABLE IF EXISTS temp.__vec_probe`)
	return true
}

// Accelerated reports whether the sqlite-vec extension was found at
// startup. Search does not use it.
func (s *Store) Accelerated() bool { return s.accelerated }

func encodeVec(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVec(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out
}

func l2Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Upsert inserts or replaces the embedding for (memoryID, source).
func (s *Store) Upsert(memoryID int64, vec []float32, source, provider, model string) error {
	return s.UpsertOn(s.db, memoryID, vec, source, provider, model)
}

// UpsertOn is Upsert running against q, which may be the pipeline's open
// write transaction so embedding rows commit atomically with their record.
func (s *Store) UpsertOn(q Querier, memoryID int64, vec []float32, source, provider, model string) error {
	if source != SourceSummary && source != SourceFull {
		return fmt.Errorf("vector: source must be %q or %q, got %q", SourceSummary, SourceFull, source)
	}
	norm := l2Norm(vec)
	blob := encodeVec(vec)

	var existing int64
	err := q.QueryRow(`SELECT embedding_id FROM memory_embeddings WHERE memory_id=? AND source=?`, memoryID, source).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = q.Exec(`
			INSERT INTO memory_embeddings (memory_id, source, dim, vec, norm, provider, model)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			memoryID, source, len(vec), blob, norm, provider, model)
		return err
	case err != nil:
		return err
	default:
		_, err = q.Exec(`
			UPDATE memory_embeddings SET vec=?, norm=?, dim=?, provider=?, model=?, created_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE embedding_id=?`,
			blob, norm, len(vec), provider, model, existing)
		return err
	}
}

// DeleteForMemory removes all embeddings for memoryID.
func (s *Store) DeleteForMemory(memoryID int64) error {
	return s.DeleteForMemoryOn(s.db, memoryID)
}

// DeleteForMemoryOn is DeleteForMemory running against q (see UpsertOn).
func (s *Store) DeleteForMemoryOn(q Querier, memoryID int64) error {
	_, err := q.Exec(`DELETE FROM memory_embeddings WHERE memory_id=?`, memoryID)
	return err
}

// Hit is one ranked candidate.
type Hit struct {
	MemoryID int64
	Score    float64 // cosine similarity, clamped to [0,1]
}

// SearchFilter narrows candidates to a specific producer identity unless
// AllowMismatch is set.
type SearchFilter struct {
	Provider      string
	Model         string
	Dim           int
	Source        string
	AllowMismatch bool
}

// Search returns up to k candidates ranked by descending cosine similarity
// to qvec, using the brute-force scan over every eligible row; the
// sqlite-vec extension is not used even when it is loaded.
func (s *Store) Search(qvec []float32, k int, filter SearchFilter) ([]Hit, error) {
	qn := l2Norm(qvec)
	if qn > 0 {
		normalized := make([]float32, len(qvec))
		for i, v := range qvec {
			normalized[i] = float32(float64(v) / qn)
		}
		qvec = normalized
	}

	allowMismatch := filter.AllowMismatch
	if filter.Provider == "" && filter.Model == "" && filter.Dim == 0 {
		allowMismatch = true
	}

	query := `SELECT memory_id, vec, dim FROM memory_embeddings WHERE 1=1`
	var args []any
	if !allowMismatch {
		if filter.Provider != "" {
			query += " AND provider=?"
			args = append(args, filter.Provider)
		}
		if filter.Model != "" {
			query += " AND model=?"
			args = append(args, filter.Model)
		}
		if filter.Dim != 0 {
			query += " AND dim=?"
			args = append(args, filter.Dim)
		}
	} else if filter.Dim != 0 {
		query += " AND dim=?"
		args = append(args, filter.Dim)
	}
	if filter.Source != "" {
		query += " AND source=?"
		args = append(args, filter.Source)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var memoryID int64
		var blob []byte
		var dim int
		if err := rows.Scan(&memoryID, &blob, &dim); err != nil {
			continue
		}
		if dim != len(qvec) {
			continue
		}
		vec := decodeVec(blob)
		score := dot(qvec, vec)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		hits = append(hits, Hit{MemoryID: memoryID, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Count returns the total number of stored embedding rows.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_embeddings`).Scan(&n)
	return n, err
}
