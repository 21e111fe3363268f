package fts

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT, key TEXT, value TEXT, summary TEXT, ts TEXT
		);
	`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFTSUpsertAndSearch(t *testing.T) {
	db := openTestDB(t)
	idx := NewIndex(db, "porter")

	_, err := db.Exec(`INSERT INTO memories (id, kind, key, value, summary, ts) VALUES (1, 'chat', 'k1', 'the quick brown fox', '', 'ts')`)
	require.NoError(t, err)

	if !idx.Available() {
		t.Skip("fts5 unavailable in this sqlite3 build")
	}

	require.NoError(t, idx.Upsert(1, "the quick brown fox", ""))

	hits, err := idx.Search("fox", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, int64(1), hits[0].ID)
}

func TestFTSDeleteRemovesRow(t *testing.T) {
	db := openTestDB(t)
	idx := NewIndex(db, "porter")
	if !idx.Available() {
		t.Skip("fts5 unavailable in this sqlite3 build")
	}

	require.NoError(t, idx.Upsert(1, "password hunter2", ""))
	require.NoError(t, idx.Delete(1))

	hits, err := idx.Search("password", 10)
	require.NoError(t, err)
	require.Len(t, hits, 0)
}

func TestFTSNeverIndexesRawWhenRedactedGiven(t *testing.T) {
	db := openTestDB(t)
	idx := NewIndex(db, "porter")
	if !idx.Available() {
		t.Skip("fts5 unavailable in this sqlite3 build")
	}

	require.NoError(t, idx.Upsert(1, "my **** is ****", ""))

	hits, err := idx.Search("hunter2", 10)
	require.NoError(t, err)
	require.Len(t, hits, 0)
}

func TestFTSEmptyQueryReturnsEmpty(t *testing.T) {
	db := openTestDB(t)
	idx := NewIndex(db, "porter")
	hits, err := idx.Search("", 10)
	require.NoError(t, err)
	require.Len(t, hits, 0)
}
