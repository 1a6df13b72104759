package configmgr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	path     TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	meta     BLOB NOT NULL,
	blob     TEXT NOT NULL,
	modified INTEGER NOT NULL
);
`

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Deterministic encoding: the same record always yields the same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("configmgr: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so older daemons can read newer rows.
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("configmgr: CBOR decoder initialization failed: " + err.Error())
	}
}

// SQLiteStore keeps persistent profiles in a SQLite database, one row per
// profile. Metadata and the access list are CBOR encoded.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("error creating state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening state database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("error securing state database: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Load returns every stored record ordered by path.
func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, meta, blob FROM profiles ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("error querying profiles: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			path string
			meta []byte
			blob string
		)
		if err := rows.Scan(&path, &meta, &blob); err != nil {
			return nil, fmt.Errorf("error reading profile row: %w", err)
		}

		var rec Record
		if err := decMode.Unmarshal(meta, &rec); err != nil {
			return nil, fmt.Errorf("error decoding profile %s: %w", path, err)
		}
		rec.Path = path
		rec.Blob = blob
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save inserts or replaces a record in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	meta, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error encoding profile %s: %w", rec.Path, err)
	}

	return s.transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (path, name, meta, blob, modified) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET name=excluded.name, meta=excluded.meta,
			 blob=excluded.blob, modified=excluded.modified`,
			rec.Path, rec.Name, meta, rec.Blob, time.Now().Unix())
		return err
	})
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	return s.transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM profiles WHERE path = ?", path)
		return err
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// transaction executes f within a database transaction with a 30s timeout.
func (s *SQLiteStore) transaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if strings.Contains(err.Error(), "cannot start a transaction within a transaction") {
			_, _ = s.db.Exec("ROLLBACK")
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := f(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	err = tx.Commit()
	if errors.Is(err, sql.ErrTxDone) {
		err = nil
	}
	return err
}
