package filestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/rfsync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS file_state (
    path TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    timestamp INTEGER NOT NULL
);
`

var ErrJournalClosed = errors.New("file state journal is closed")

type dbEntry struct {
	Path      string `db:"path"`
	State     string `db:"state"`
	Timestamp int64  `db:"timestamp"`
}

var unsafeHostChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// JournalPath is the journal file used for host inside storageDir.
func JournalPath(storageDir, host string) string {
	return filepath.Join(storageDir, "rfs-"+unsafeHostChars.ReplaceAllString(host, "_")+".db")
}

// Journal persists a Store in a sqlite database.
type Journal struct {
	db   *sqlx.DB
	path string
}

// OpenJournal opens (creating if needed) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	conn, err := db.Open(path, db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open file state journal: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init file state schema: %w", err)
	}
	return &Journal{db: conn, path: path}, nil
}

func (j *Journal) Path() string {
	return j.path
}

// Load reads every row. Rows with an unknown state char are skipped.
func (j *Journal) Load(ctx context.Context) (map[string]Entry, error) {
	if j.db == nil {
		return nil, ErrJournalClosed
	}

	var rows []dbEntry
	if err := j.db.SelectContext(ctx, &rows, "SELECT path, state, timestamp FROM file_state"); err != nil {
		return nil, fmt.Errorf("load file state: %w", err)
	}

	entries := make(map[string]Entry, len(rows))
	for _, row := range rows {
		if len(row.State) != 1 {
			slog.Warn("filestate skip row", "path", row.Path, "state", row.State)
			continue
		}
		state, err := ParseChar(row.State[0])
		if err != nil {
			slog.Warn("filestate skip row", "path", row.Path, "error", err)
			continue
		}
		entries[row.Path] = Entry{State: state, Timestamp: row.Timestamp}
	}
	slog.Debug("filestate loaded", "journal", j.path, "entries", len(entries))
	return entries, nil
}

// Replace rewrites the journal so it holds exactly entries.
func (j *Journal) Replace(ctx context.Context, entries map[string]Entry) error {
	if j.db == nil {
		return ErrJournalClosed
	}

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM file_state"); err != nil {
		return fmt.Errorf("clear file state: %w", err)
	}

	stmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO file_state (path, state, timestamp) VALUES (:path, :state, :timestamp)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for path, e := range entries {
		row := dbEntry{Path: path, State: string(e.State.Char()), Timestamp: e.Timestamp}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("insert %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit file state: %w", err)
	}
	slog.Debug("filestate stored", "journal", j.path, "entries", len(entries))
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return ErrJournalClosed
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// RemoveJournal deletes the journal file and its WAL companions.
func RemoveJournal(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
