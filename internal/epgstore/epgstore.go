// Package epgstore persists rendered guide programmes in sqlite so the
// two-day merge window survives process restarts.
package epgstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Programme is one stored guide entry. Start and Stop use the XMLTV wire
// format "20060102150405 +0000", which sorts lexicographically in time order.
// Raw holds the exact serialized XML element and doubles as the dedupe key.
type Programme struct {
	Channel string
	Start   string
	Stop    string
	Raw     string
}

// DB is the programme store.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS programmes (
	channel TEXT NOT NULL,
	start   TEXT NOT NULL,
	stop    TEXT NOT NULL,
	raw     TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS programmes_stop ON programmes (stop);
`

// Open opens or creates the store at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open epg store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init epg store: %w", err)
	}
	return &DB{db: db}, nil
}

// Surviving returns programmes whose stop time is at or after cutoff, ordered
// by channel then start. cutoff is in the wire format, so the comparison is a
// plain string compare.
func (d *DB) Surviving(cutoff string) ([]Programme, error) {
	rows, err := d.db.Query(
		`SELECT channel, start, stop, raw FROM programmes WHERE stop >= ? ORDER BY channel, start`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Programme
	for rows.Next() {
		var p Programme
		if err := rows.Scan(&p.Channel, &p.Start, &p.Stop, &p.Raw); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Replace swaps the stored set for progs in one transaction. Duplicate raw
// payloads collapse to a single row.
func (d *DB) Replace(progs []Programme) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM programmes`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO programmes (channel, start, stop, raw) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range progs {
		if _, err := stmt.Exec(p.Channel, p.Start, p.Stop, p.Raw); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}
