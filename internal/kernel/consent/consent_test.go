package consent

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/bartholomew/memkernel/internal/kernel/envelope"
	"github.com/bartholomew/memkernel/internal/kernel/keys"
	"github.com/bartholomew/memkernel/internal/kernel/rules"
)

const gateRules = `
never_store:
  - match:
      content: "(?i)forbidden"
    metadata: {}
ask_before_store:
  - match:
      kind: "diary"
    metadata: {}
  - match:
      tags: ["private"]
    metadata: {}
context_only:
  - match:
      kind: "sensitive_joke"
    metadata:
      recall_policy: "context_only"
`

func openGateDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT, key TEXT, value TEXT, summary TEXT, ts TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			encrypted INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE memory_consent (
			memory_id INTEGER PRIMARY KEY,
			granted_at TEXT NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func newGate(t *testing.T, db *sql.DB) (*Gate, *keys.Provider) {
	t.Helper()
	rs, err := rules.ParseRuleSet([]byte(gateRules))
	require.NoError(t, err)
	kp := keys.NewProvider(keys.Config{})
	return New(db, rules.NewEngine(rs), kp), kp
}

func insertMemory(t *testing.T, db *sql.DB, kind, key, value string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO memories (kind, key, value, ts) VALUES (?, ?, ?, ?)`, kind, key, value, "2026-08-01T00:00:00Z")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestFilterExcludesUnconsented(t *testing.T) {
	db := openGateDB(t)
	g, _ := newGate(t, db)

	id := insertMemory(t, db, "diary", "d1", "dear diary")
	policies := g.Filter([]int64{id}, nil)
	require.False(t, policies[id].Include)

	_, err := db.Exec(`INSERT INTO memory_consent (memory_id, granted_at) VALUES (?, ?)`, id, "2026-08-01T00:00:00Z")
	require.NoError(t, err)

	policies = g.Filter([]int64{id}, nil)
	require.True(t, policies[id].Include)
}

func TestFilterHonorsTagScopedConsentRule(t *testing.T) {
	db := openGateDB(t)
	g, _ := newGate(t, db)

	res, err := db.Exec(`INSERT INTO memories (kind, key, value, ts, tags) VALUES (?, ?, ?, ?, ?)`,
		"chat", "c9", "a private aside", "2026-08-01T00:00:00Z", `["private"]`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)

	policies := g.Filter([]int64{id}, nil)
	require.False(t, policies[id].Include)

	_, err = db.Exec(`INSERT INTO memory_consent (memory_id, granted_at) VALUES (?, ?)`, id, "2026-08-01T00:00:00Z")
	require.NoError(t, err)

	policies = g.Filter([]int64{id}, nil)
	require.True(t, policies[id].Include)
}

func TestFilterExcludesNeverStoreDefensively(t *testing.T) {
	db := openGateDB(t)
	g, _ := newGate(t, db)

	id := insertMemory(t, db, "chat", "c1", "this is forbidden knowledge")
	policies := g.Filter([]int64{id}, nil)
	require.False(t, policies[id].Include)
}

func TestFilterAnnotatesContextOnly(t *testing.T) {
	db := openGateDB(t)
	g, _ := newGate(t, db)

	id := insertMemory(t, db, "sensitive_joke", "j1", "a joke")
	policies := g.Filter([]int64{id}, nil)
	require.True(t, policies[id].Include)
	require.True(t, policies[id].ContextOnly)
	require.Equal(t, "context_only", policies[id].RecallPolicy)
}

func TestFilterExcludesMissingRows(t *testing.T) {
	db := openGateDB(t)
	g, _ := newGate(t, db)

	policies := g.Filter([]int64{42}, nil)
	require.False(t, policies[42].Include)
}

func TestFilterDecryptsBeforeRuleEvaluation(t *testing.T) {
	db := openGateDB(t)
	g, kp := newGate(t, db)

	// A never_store content rule must match the plaintext of an encrypted
	// record, so the gate has to decrypt before evaluating.
	k, err := kp.GetByStrength(keys.Standard)
	require.NoError(t, err)
	ts := "2026-08-01T00:00:00Z"
	env, err := envelope.Seal(k.Bytes, k.Kid, []byte("this is forbidden knowledge"), envelope.BuildAAD("chat", "c1", ts, false))
	require.NoError(t, err)
	raw, err := env.ToJSON()
	require.NoError(t, err)

	res, err := db.Exec(`INSERT INTO memories (kind, key, value, ts, encrypted) VALUES (?, ?, ?, ?, 1)`, "chat", "c1", string(raw), ts)
	require.NoError(t, err)
	id, _ := res.LastInsertId()

	policies := g.Filter([]int64{id}, nil)
	require.False(t, policies[id].Include)
}

func TestFilterExcludesTamperedEnvelope(t *testing.T) {
	db := openGateDB(t)
	g, kp := newGate(t, db)

	k, err := kp.GetByStrength(keys.Standard)
	require.NoError(t, err)
	ts := "2026-08-01T00:00:00Z"
	env, err := envelope.Seal(k.Bytes, k.Kid, []byte("ordinary note"), envelope.BuildAAD("chat", "c2", ts, false))
	require.NoError(t, err)
	env.Kid = "no-such-key"
	raw, err := env.ToJSON()
	require.NoError(t, err)

	res, err := db.Exec(`INSERT INTO memories (kind, key, value, ts, encrypted) VALUES (?, ?, ?, ?, 1)`, "chat", "c2", string(raw), ts)
	require.NoError(t, err)
	id, _ := res.LastInsertId()

	policies := g.Filter([]int64{id}, nil)
	require.False(t, policies[id].Include)
}

func TestApplyToFTSPreservesOrderAndDropsExcluded(t *testing.T) {
	db := openGateDB(t)
	g, _ := newGate(t, db)

	ok := insertMemory(t, db, "chat", "c1", "plain note")
	blocked := insertMemory(t, db, "diary", "d1", "dear diary")

	hits := []FTSCandidate{
		{ID: blocked, Score: 0.9},
		{ID: ok, Score: 0.5},
	}
	out := g.ApplyToFTS(hits, nil)
	require.Len(t, out, 1)
	require.Equal(t, ok, out[0].ID)
	require.Equal(t, 0.5, out[0].Score)
}
