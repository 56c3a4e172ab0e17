package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteIndex mirrors log entries into a SQLite table indexed by type
// and timestamp (SPEC_FULL.md's wiring note for
// github.com/mattn/go-sqlite3 in this component). It only writes; this
// package has no query API over it, and nothing in the module calls
// OpenIndex.
type sqliteIndex struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the sqlite archive at dbPath.
func OpenIndex(dbPath string) (Index, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open eventlog index: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		fields TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
	CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init eventlog index schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

func (s *sqliteIndex) Record(e Entry) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO entries (id, type, timestamp, fields) VALUES (?, ?, ?, ?)`,
		e.ID, e.Type, e.Timestamp, string(fields),
	)
	return err
}

func (s *sqliteIndex) Close() error {
	return s.db.Close()
}

var _ Index = (*sqliteIndex)(nil)
