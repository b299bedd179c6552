// Package history keeps a ledger of finished transfers in a local
// sqlite database, so the daemon can answer "what landed here and
// when" across restarts.
package history

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	file_name  TEXT      NOT NULL,
	path       TEXT      NOT NULL DEFAULT '',
	size       INTEGER   NOT NULL,
	checksum   INTEGER   NOT NULL DEFAULT 0,
	direction  TEXT      NOT NULL,
	status     TEXT      NOT NULL,
	detail     TEXT      NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at);
`

const (
	DirectionReceived = "received"
	DirectionSent     = "sent"

	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is one finished transfer.
type Entry struct {
	ID        int64     `json:"id"`
	FileName  string    `json:"fileName"`
	Path      string    `json:"path,omitempty"`
	Size      int64     `json:"size"`
	Checksum  uint32    `json:"checksum"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Log is the transfer ledger.
type Log struct {
	db *sql.DB
}

func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "history: open")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "history: create schema")
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one entry. A zero At is stamped with the current
// time.
func (l *Log) Record(e Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.Exec(
		`INSERT INTO transfers (file_name, path, size, checksum, direction, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.FileName, e.Path, e.Size, int64(e.Checksum), e.Direction, e.Status, e.Detail, at,
	)
	return errors.Wrap(err, "history: record")
}

// Recent lists the newest entries first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, file_name, path, size, checksum, direction, status, detail, created_at
		 FROM transfers ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "history: query")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var checksum int64
		if err := rows.Scan(&e.ID, &e.FileName, &e.Path, &e.Size, &checksum,
			&e.Direction, &e.Status, &e.Detail, &e.At); err != nil {
			return nil, errors.Wrap(err, "history: scan")
		}
		e.Checksum = uint32(checksum)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "history: rows")
}
