package store

// recordsSchema creates the core records table plus the consent table.
// FTS and vector schemas live in their respective packages but are applied
// against the same *sql.DB, since everything shares one record-store file.
const recordsSchema = `
CREATE TABLE IF NOT EXISTS memories (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  kind       TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  summary    TEXT,
  ts         TEXT NOT NULL,
  tags       TEXT NOT NULL DEFAULT '[]',
  metadata   TEXT NOT NULL DEFAULT '{}',
  encrypted  INTEGER NOT NULL DEFAULT 0,
  UNIQUE(kind, key)
);

CREATE INDEX IF NOT EXISTS idx_memories_kind_key ON memories(kind, key);

CREATE TABLE IF NOT EXISTS memory_consent (
  memory_id  INTEGER NOT NULL PRIMARY KEY,
  granted_at TEXT NOT NULL,
  FOREIGN KEY(memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(recordsSchema); err != nil {
		return err
	}
	return nil
}
