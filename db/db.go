package db

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the SQLite-backed repository for the federation engine.
type DB struct {
	db *sql.DB
}

const maxBusyRetries = 5

// Open opens (or creates) the database at path, applies connection pragmas
// and runs the schema migrations.
func Open(path string) (*DB, error) {
	log.Printf("Using database at: %s", path)

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Try to enable WAL2 mode, fall back to WAL if not supported
	var journalMode string
	err = sqlDB.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
	if err != nil || journalMode == "delete" {
		if err = sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		} else {
			log.Printf("Database journal mode: %s (WAL2 not supported, using WAL)", journalMode)
		}
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	d := &DB{db: sqlDB}
	if err := d.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying connection pool
func (db *DB) Close() error {
	return db.db.Close()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_BUSY || serr.Code() == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// wrapTransaction runs f inside a transaction, restarting it while SQLite
// reports the database as busy.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	for attempt := 0; ; attempt++ {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			log.Printf("error starting transaction: %s", err)
			return err
		}
		err = f(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}
		if isBusy(err) && attempt < maxBusyRetries {
			time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
			continue
		}
		log.Printf("error in transaction: %s", err)
		return err
	}
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func parseNullUUID(ns sql.NullString) uuid.UUID {
	if !ns.Valid || ns.String == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// noRows maps sql.ErrNoRows to the (nil, nil) not-found convention
func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

func limitArg(limit int) int {
	if limit < 0 {
		return -1
	}
	return limit
}
