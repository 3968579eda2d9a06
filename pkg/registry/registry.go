// Package registry persists specialization reports in SQLite, keyed by
// fingerprint. The canonical CBOR encoding is the stored truth; scalar
// columns exist so listings and lookups never decode it.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/loom/pkg/report"
)

var log = commonlog.GetLogger("loom.registry")

// ErrNotFound indicates the requested report doesn't exist.
var ErrNotFound = errors.New("report not found")

const schema = `CREATE TABLE IF NOT EXISTS specializations (
	fingerprint  TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	vm           TEXT NOT NULL,
	dispatch     TEXT NOT NULL,
	instructions INTEGER NOT NULL,
	report       BLOB NOT NULL,
	created_at   INTEGER NOT NULL
)`

// Registry is a SQLite-backed store of specialization reports.
type Registry struct {
	db *sqlx.DB
	mu sync.Mutex
}

// Entry is one row of a listing: the queryable surface of a stored
// report. CreatedAt is seconds since the epoch.
type Entry struct {
	Fingerprint  string `db:"fingerprint"`
	Name         string `db:"name"`
	VM           string `db:"vm"`
	Dispatch     string `db:"dispatch"`
	Instructions int    `db:"instructions"`
	CreatedAt    int64  `db:"created_at"`
}

// CreatedTime returns the entry's creation time.
func (e Entry) CreatedTime() time.Time {
	return time.Unix(e.CreatedAt, 0).UTC()
}

// Open opens or creates the registry database at path.
func Open(path string) (*Registry, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("open at %s", path)
	return &Registry{db: db}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put stores a report. Reports are content addressed, so storing the
// same fingerprint again is a no-op that keeps the original row.
func (r *Registry) Put(ctx context.Context, rep *report.Report) error {
	if rep.Fingerprint.IsZero() {
		return fmt.Errorf("report %q has no fingerprint", rep.Name)
	}
	data, err := report.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.ExecContext(ctx, `INSERT INTO specializations
		(fingerprint, name, vm, dispatch, instructions, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(fingerprint) DO NOTHING`,
		rep.Fingerprint.String(), rep.Name, rep.VM, rep.Dispatch,
		rep.Instructions, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storing report: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Debugf("stored %q (%s)", rep.Name, rep.Fingerprint)
	}
	return nil
}

// Get retrieves a report by fingerprint.
func (r *Registry) Get(ctx context.Context, f report.Fingerprint) (*report.Report, error) {
	var data []byte
	err := r.db.GetContext(ctx, &data,
		`SELECT report FROM specializations WHERE fingerprint = ?`, f.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, f)
		}
		return nil, fmt.Errorf("querying report: %w", err)
	}
	return report.Unmarshal(data)
}

// Has reports whether a fingerprint is stored.
func (r *Registry) Has(ctx context.Context, f report.Fingerprint) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(
		SELECT 1 FROM specializations WHERE fingerprint = ?
	)`, f.String())
	return exists, err
}

// List returns the stored entries, most recent first, names breaking
// ties.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := r.db.SelectContext(ctx, &entries, `SELECT
		fingerprint, name, vm, dispatch, instructions, created_at
		FROM specializations ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return entries, nil
}

// Delete removes a report. Deleting an absent fingerprint reports
// ErrNotFound.
func (r *Registry) Delete(ctx context.Context, f report.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM specializations WHERE fingerprint = ?`, f.String())
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, f)
	}
	return nil
}

// Count returns the number of stored reports.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT count(*) FROM specializations`)
	return n, err
}
