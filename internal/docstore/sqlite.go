package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ericchongums/kopikap-dashboard/internal/db"
)

const opTimeout = 3 * time.Second

// sqliteEngine stores records in the documents table created by the db migrations.
// Writes are serialized by mu; the connection pool is pinned to one connection so that
// in-memory databases are shared by every caller.
type sqliteEngine struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) a SQLite database at path, migrates it and returns a DB.
func OpenSQLite(path string, opts ...Option) (*DB, error) {
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	return NewSQLite(d, opts...), nil
}

// NewSQLite wraps an already migrated *sql.DB. The DB takes ownership of d.
func NewSQLite(d *sql.DB, opts ...Option) *DB {
	d.SetMaxOpenConns(1)
	d.SetConnMaxLifetime(0)
	return newDB(&sqliteEngine{db: d}, opts...)
}

const (
	selectDocument = `SELECT collection, id, data, version, update_time FROM documents WHERE collection = ? AND id = ?`
	listDocuments  = `SELECT collection, id, data, version, update_time FROM documents WHERE collection = ?`
	upsertDocument = `INSERT INTO documents (collection, id, data, version, update_time) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, version = excluded.version, update_time = excluded.update_time`
	deleteDocument = `DELETE FROM documents WHERE collection = ? AND id = ?`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record, error) {
	var (
		r  record
		ms int64
	)
	if err := row.Scan(&r.Collection, &r.ID, &r.Data, &r.Version, &ms); err != nil {
		return nil, err
	}
	r.UpdateTime = time.UnixMilli(ms).UTC()
	return &r, nil
}

func (e *sqliteEngine) get(ctx context.Context, collection, id string) (*record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	r, err := scanRecord(e.db.QueryRowContext(ctx, selectDocument, collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(err)
	}
	return r, nil
}

func (e *sqliteEngine) list(ctx context.Context, collection string) ([]*record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rows, err := e.db.QueryContext(ctx, listDocuments, collection)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()
	var out []*record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, sqliteErr(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr(err)
	}
	return out, nil
}

func (e *sqliteEngine) commit(ctx context.Context, prepare func(read readFunc) ([]*mutation, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	read := func(collection, id string) (*record, error) {
		r, err := scanRecord(tx.QueryRowContext(ctx, selectDocument, collection, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, sqliteErr(err)
		}
		return r, nil
	}
	muts, err := prepare(read)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, m := range muts {
		if m.deleted {
			_, err = tx.ExecContext(ctx, deleteDocument, m.Collection, m.ID)
		} else {
			_, err = tx.ExecContext(ctx, upsertDocument, m.Collection, m.ID, m.Data, m.Version, m.UpdateTime.UnixMilli())
		}
		if err != nil {
			_ = tx.Rollback()
			return sqliteErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sqliteErr(err)
	}
	return nil
}

// watch polls PRAGMA data_version, which changes only when another connection commits.
// Commits through this engine share its single connection and are announced by DB.commit.
func (e *sqliteEngine) watch(ctx context.Context, pollEvery time.Duration, changed func(string)) error {
	t := time.NewTicker(pollEvery)
	defer t.Stop()
	last := int64(-1)
	for {
		v, err := e.dataVersion(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return sqliteErr(err)
		}
		if v != last {
			changed("")
			last = v
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (e *sqliteEngine) dataVersion(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var v int64
	err := e.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
	return v, err
}

func (e *sqliteEngine) close() error {
	return e.db.Close()
}

// sqliteErr marks busy and locked databases as ErrUnavailable so callers can retry.
func sqliteErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
