package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339

var migrations = []string{
	`CREATE TABLE recipients (
		id TEXT PRIMARY KEY,
		push_token TEXT NOT NULL,
		live_activity_token TEXT NOT NULL DEFAULT '',
		printer_prefix TEXT NOT NULL,
		on_start INTEGER NOT NULL DEFAULT 1,
		on_complete INTEGER NOT NULL DEFAULT 1,
		on_failed INTEGER NOT NULL DEFAULT 1,
		on_paused INTEGER NOT NULL DEFAULT 0,
		on_milestone INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_recipients_prefix ON recipients(printer_prefix);`,

	`CREATE TABLE print_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prefix TEXT NOT NULL,
		event TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_history_prefix ON print_history(prefix, created_at);`,
}

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Recipients ---

func (s *SQLiteStore) CreateRecipient(r *Recipient) error {
	_, err := s.db.Exec(`INSERT INTO recipients (id, push_token, live_activity_token, printer_prefix,
		on_start, on_complete, on_failed, on_paused, on_milestone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PushToken, r.LiveActivityToken, r.PrinterPrefix,
		boolToInt(r.OnStart), boolToInt(r.OnComplete), boolToInt(r.OnFailed),
		boolToInt(r.OnPaused), boolToInt(r.OnMilestone),
		r.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting recipient: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRecipient(id string) (*Recipient, error) {
	row := s.db.QueryRow(`SELECT id, push_token, live_activity_token, printer_prefix,
		on_start, on_complete, on_failed, on_paused, on_milestone, created_at
		FROM recipients WHERE id = ?`, id)
	return scanRecipient(row)
}

func (s *SQLiteStore) DeleteRecipient(id string) error {
	res, err := s.db.Exec("DELETE FROM recipients WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRecipients(prefix string) ([]Recipient, error) {
	rows, err := s.db.Query(`SELECT id, push_token, live_activity_token, printer_prefix,
		on_start, on_complete, on_failed, on_paused, on_milestone, created_at
		FROM recipients WHERE printer_prefix = ? ORDER BY created_at`, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing recipients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetLiveActivityToken(recipientID, token string) error {
	res, err := s.db.Exec("UPDATE recipients SET live_activity_token = ? WHERE id = ?", token, recipientID)
	if err != nil {
		return fmt.Errorf("setting live-activity token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ClearLiveActivityTokens(prefix string) error {
	_, err := s.db.Exec("UPDATE recipients SET live_activity_token = '' WHERE printer_prefix = ?", prefix)
	if err != nil {
		return fmt.Errorf("clearing live-activity tokens: %w", err)
	}
	return nil
}

// --- Print history ---

func (s *SQLiteStore) AddHistory(e *HistoryEntry) error {
	res, err := s.db.Exec(`INSERT INTO print_history (prefix, event, filename, progress, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.Prefix, e.Event, e.Filename, e.Progress, e.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListHistory(prefix string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, prefix, event, filename, progress, created_at
		FROM print_history WHERE prefix = ? ORDER BY created_at DESC, id DESC LIMIT ?`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var created string
		if err := rows.Scan(&e.ID, &e.Prefix, &e.Event, &e.Filename, &e.Progress, &created); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeFormat, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes history entries older than the retention window.
func (s *SQLiteStore) Cleanup(retention time.Duration) error {
	cutoff := time.Now().Add(-retention).Format(timeFormat)
	res, err := s.db.Exec("DELETE FROM print_history WHERE created_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("cleaning up history: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("history cleanup", "deleted", n)
	}
	return nil
}

// --- Helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRecipient(row scannable) (*Recipient, error) {
	var r Recipient
	var onStart, onComplete, onFailed, onPaused, onMilestone int
	var created string

	err := row.Scan(&r.ID, &r.PushToken, &r.LiveActivityToken, &r.PrinterPrefix,
		&onStart, &onComplete, &onFailed, &onPaused, &onMilestone, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recipient: %w", err)
	}

	r.OnStart = onStart != 0
	r.OnComplete = onComplete != 0
	r.OnFailed = onFailed != 0
	r.OnPaused = onPaused != 0
	r.OnMilestone = onMilestone != 0
	r.CreatedAt, _ = time.Parse(timeFormat, created)

	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
