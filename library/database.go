package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// driverName is go-sqlite3 with the library's SQL functions registered on
// every connection.
const driverName = "sqlite3_library"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("fold", fold, true)
		},
	})
}

// fold lowercases with Unicode rules. SQLite's built-in LOWER only maps
// ASCII letters.
func fold(s string) string { return strings.ToLower(s) }

// Database provides high-level helpers around a SQLite connection.
//
// Every mutating operation runs in one transaction. The DSN sets
// _txlock=immediate, so each transaction takes the write lock at BEGIN and
// read-check-write sequences on the same rows are serialized.
type Database struct {
	db *sql.DB

	insertBookStmt   *sql.Stmt
	insertRecordStmt *sql.Stmt

	retryAttempts  int
	retryBaseDelay time.Duration
}

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Enable busy_timeout and foreign keys; take the write lock at BEGIN.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{
		db:             db,
		retryAttempts:  5,
		retryBaseDelay: 10 * time.Millisecond,
	}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	if d.insertBookStmt != nil {
		d.insertBookStmt.Close()
	}
	if d.insertRecordStmt != nil {
		d.insertRecordStmt.Close()
	}
	return d.db.Close()
}

// Ping checks that the database is reachable.
func (d *Database) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

// migrations[i] moves the schema from version i to i+1.
var migrations = [][]string{
	schemaV1,
	{
		// ISBNs are stored without separators so equal numbers compare equal.
		`UPDATE books SET isbn = UPPER(REPLACE(REPLACE(isbn, '-', ''), ' ', ''));`,
		`CREATE INDEX IF NOT EXISTS idx_books_isbn ON books(isbn);`,
	},
}

var schemaVersion = len(migrations)

func applyMigrations(db *sql.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for v := current; v < schemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", v+1, err)
			}
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS books (
            id TEXT PRIMARY KEY,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            isbn TEXT NOT NULL,
            subject TEXT NOT NULL,
            rack_number TEXT NOT NULL,
            total_copies INTEGER NOT NULL,
            available_copies INTEGER NOT NULL,
            published_year INTEGER NOT NULL DEFAULT 0,
            description TEXT NOT NULL DEFAULT '',
            cover_image_url TEXT NOT NULL DEFAULT '',
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL,
            CHECK (total_copies >= 1),
            CHECK (available_copies >= 0 AND available_copies <= total_copies)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_books_created ON books(created_at);`,
	`CREATE TABLE IF NOT EXISTS admins (
            id TEXT PRIMARY KEY,
            phone_number TEXT NOT NULL UNIQUE,
            name TEXT NOT NULL DEFAULT '',
            username TEXT UNIQUE,
            password_hash TEXT,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            is_setup_complete BOOLEAN NOT NULL DEFAULT 0,
            created_at TEXT NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            admin_id TEXT NOT NULL REFERENCES admins(id) ON DELETE CASCADE,
            created_at TEXT NOT NULL,
            expires_at TEXT NOT NULL,
            revoked_at TEXT
        );`,
	`CREATE TABLE IF NOT EXISTS borrowing_records (
            id TEXT PRIMARY KEY,
            book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            borrower_name TEXT NOT NULL,
            borrower_email TEXT NOT NULL DEFAULT '',
            borrower_phone TEXT NOT NULL DEFAULT '',
            borrowed_at TEXT NOT NULL,
            due_date TEXT NOT NULL,
            returned_at TEXT,
            is_overdue BOOLEAN NOT NULL DEFAULT 0,
            overdue_days INTEGER NOT NULL DEFAULT 0,
            fine_cents INTEGER NOT NULL DEFAULT 0,
            notes TEXT NOT NULL DEFAULT '',
            issued_by TEXT NOT NULL DEFAULT '',
            reminded_at TEXT,
            overdue_notified_at TEXT
        );`,
	`CREATE INDEX IF NOT EXISTS idx_records_open ON borrowing_records(book_id) WHERE returned_at IS NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_records_due ON borrowing_records(due_date) WHERE returned_at IS NULL;`,
	`CREATE TABLE IF NOT EXISTS reservations (
            id TEXT PRIMARY KEY,
            book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            reserver_name TEXT NOT NULL,
            reserver_email TEXT NOT NULL DEFAULT '',
            reserver_phone TEXT NOT NULL DEFAULT '',
            reserved_at TEXT NOT NULL,
            expires_at TEXT NOT NULL,
            is_fulfilled BOOLEAN NOT NULL DEFAULT 0,
            is_cancelled BOOLEAN NOT NULL DEFAULT 0
        );`,
	`CREATE TABLE IF NOT EXISTS notifications (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            record_id TEXT NOT NULL DEFAULT '',
            recipient_phone TEXT NOT NULL DEFAULT '',
            recipient_email TEXT NOT NULL DEFAULT '',
            message TEXT NOT NULL,
            created_at TEXT NOT NULL
        );`,
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.insertBookStmt, err = d.db.Prepare(`INSERT INTO books(id,title,author,isbn,subject,rack_number,total_copies,available_copies,published_year,description,cover_image_url,created_at,updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`); err != nil {
		return err
	}
	if d.insertRecordStmt, err = d.db.Prepare(`INSERT INTO borrowing_records(id,book_id,borrower_name,borrower_email,borrower_phone,borrowed_at,due_date,notes,issued_by)
        VALUES(?,?,?,?,?,?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// inTx runs fn inside a write transaction, retrying with exponential backoff
// while SQLite reports the database busy or locked. fn may run more than once
// and must not have side effects outside tx.
func (d *Database) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < d.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := d.retryBaseDelay * time.Duration(1<<(attempt-1))
			jitter := time.Duration(rand.Float64() * float64(delay) * 0.3) //nolint:gosec // jitter only
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = d.runTx(ctx, fn)
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (d *Database) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// ---------------------------------------------------------------------------
// Time encoding
// ---------------------------------------------------------------------------

// Timestamps are stored as fixed-width UTC ISO-8601 text so that string
// comparison in SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
