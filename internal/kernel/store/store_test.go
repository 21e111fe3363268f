package store

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/bartholomew/memkernel/internal/kernel/embed"
	"github.com/bartholomew/memkernel/internal/kernel/envelope"
	"github.com/bartholomew/memkernel/internal/kernel/index"
	"github.com/bartholomew/memkernel/internal/kernel/kernelerr"
	"github.com/bartholomew/memkernel/internal/kernel/keys"
	"github.com/bartholomew/memkernel/internal/kernel/rules"
)

const testRules = `
redact:
  - match:
      content: "(?i)password.*"
    metadata:
      redact_strategy: "mask"
      encrypt: "strong"
ask_before_store:
  - match:
      kind: "diary"
    metadata:
      requires_consent: true
never_store:
  - match:
      content: "(?i)ssn"
    metadata:
      allow_store: false
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	rs, err := rules.ParseRuleSet([]byte(testRules))
	require.NoError(t, err)
	engine := rules.NewEngine(rs)

	kp := keys.NewProvider(keys.Config{})
	ee := embed.NewEngine("fallback-hash", "v1", 16, nil)

	s, err := New(db, Deps{
		Rules:       engine,
		Keys:        kp,
		Embed:       ee,
		IndexPolicy: index.Policy{DisallowStrongOnly: false},
	})
	require.NoError(t, err)
	return s
}

func TestUpsertRedactsAndEncryptsBeforeIndexing(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Upsert("chat", "k1", "my password is hunter2", time.Now(), nil, nil)
	require.NoError(t, err)
	require.True(t, res.Stored)
	require.False(t, res.NeedsConsent)

	var value string
	var encrypted int
	require.NoError(t, s.db.QueryRow(`SELECT value, encrypted FROM memories WHERE id=?`, res.ID).Scan(&value, &encrypted))
	require.Equal(t, 1, encrypted)
	require.True(t, envelope.IsEnvelope([]byte(value)))
	require.NotContains(t, value, "hunter2")

	if s.fts.Available() {
		hits, err := s.fts.Search("hunter2", 10)
		require.NoError(t, err)
		require.Len(t, hits, 0)
	}
}

func TestUpsertNeverStoreBlocksAllSideEffects(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Upsert("chat", "k2", "my SSN is 123-45-6789", time.Now(), nil, nil)
	require.NoError(t, err)
	require.False(t, res.Stored)
	require.False(t, res.NeedsConsent)
	require.Zero(t, res.ID)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestUpsertRequiresConsentBeforeAvailable(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Upsert("diary", "d1", "dear diary", time.Now(), nil, nil)
	require.NoError(t, err)
	require.False(t, res.Stored)
	require.True(t, res.NeedsConsent)
	require.NotZero(t, res.ID)

	granted, err := s.GrantConsent("diary", "d1")
	require.NoError(t, err)
	require.True(t, granted)

	res2, err := s.Upsert("diary", "d1", "dear diary, updated", time.Now(), nil, nil)
	require.NoError(t, err)
	require.True(t, res2.Stored)
	require.False(t, res2.NeedsConsent)
}

func TestUpsertReplacesOnSameKindKey(t *testing.T) {
	s := newTestStore(t)

	r1, err := s.Upsert("note", "n1", "first", time.Now(), nil, nil)
	require.NoError(t, err)
	r2, err := s.Upsert("note", "n1", "second", time.Now(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, r1.ID, r2.ID)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE kind='note' AND key='n1'`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestDeleteCascadesIndexAndConsent(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Upsert("diary", "d2", "secret", time.Now(), nil, nil)
	require.NoError(t, err)
	_, err = s.GrantConsent("diary", "d2")
	require.NoError(t, err)

	ok, err := s.Delete("diary", "d2")
	require.NoError(t, err)
	require.True(t, ok)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE id=?`, res.ID).Scan(&count))
	require.Equal(t, 0, count)
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM memory_consent WHERE memory_id=?`, res.ID).Scan(&count))
	require.Equal(t, 0, count)

	ok2, err := s.Delete("diary", "d2")
	require.NoError(t, err)
	require.False(t, ok2)
}

func TestGrantConsentNoOpWhenRecordAbsent(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.GrantConsent("chat", "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBrakeBlocksUpsertWithNoSideEffects(t *testing.T) {
	s := newTestStore(t)
	s.brakeBlocked = func(scope string) bool { return scope == "writes" }

	_, err := s.Upsert("chat", "k3", "hello", time.Now(), nil, nil)
	require.ErrorIs(t, err, kernelerr.ErrBrakeEngaged)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestPersistEmbeddingsForPromotesEphemeralVectors(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Upsert("diary", "d3", "a private thought", time.Now(), nil, nil)
	require.NoError(t, err)
	require.True(t, res.NeedsConsent)

	n, err := s.vectors.Count()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = s.GrantConsent("diary", "d3")
	require.NoError(t, err)

	promoted, err := s.PersistEmbeddingsFor(res.ID)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)
}
