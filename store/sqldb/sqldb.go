/*
Package sqldb provides a database/sql implementation of the production
stores, for SQLite (mattn/go-sqlite3) and PostgreSQL (pgx stdlib driver).

INTERFACES IMPLEMENTED:
  production.Store:        Entries, rows, stock units, CAS
  production.EditStore:    Draft editing writes
  production.JournalStore: Write-ahead rollback journal

CONDITIONAL UPDATES:
  Status changes are single UPDATE statements guarded by the expected
  status; RowsAffected reports whether the swap happened. No transaction is
  ever held across calls. Multi-row writes inside one call (replacing
  consumptions, deleting an entry) use a short local transaction.

KEY TABLES:
  entries:            Production entries (status, totals)
  inputs, outputs:    Rows of an entry
  stock_units:        Inventory, identifier unique per tenant
  consumptions:       Deductions applied by an entry's last validation
  validation_journal: Inverse operations of an in-flight validation

DIALECTS:
  Queries are written with "?" placeholders and rebound to "$n" for
  PostgreSQL. Decimals and timestamps are stored as TEXT in both dialects.

USAGE:
  store, err := sqldb.NewSQLite("./data/production.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  wf := production.NewWorkflow(store, nil, logger)

MIGRATION:
  Schema is auto-migrated on open. For production, use a proper migration
  tool with versioned migrations.

SEE ALSO:
  - production/store.go: Interface definitions
  - production/store/memory.go: In-memory implementation for testing
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/production-engine/production"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ErrDuplicateIdentifier is returned when a write violates the per-tenant
// uniqueness of stock unit identifiers.
var ErrDuplicateIdentifier = errors.New("duplicate stock unit identifier")

// Store implements the production storage interfaces on database/sql.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	postgres bool
}

var (
	_ production.EditStore    = (*Store)(nil)
	_ production.JournalStore = (*Store)(nil)
)

// NewSQLite opens a SQLite database at dbPath. Use ":memory:" for an
// in-memory database.
func NewSQLite(dbPath string) (*Store, error) {
	db, err := sql.Open(DriverSQLite, dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	return open(db, false)
}

// NewPostgres opens a PostgreSQL database through the pgx driver.
func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(db, true)
}

// Open selects the dialect from driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", DriverSQLite:
		return NewSQLite(dsn)
	case "postgres", DriverPostgres:
		return NewPostgres(dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func open(db *sql.DB, postgres bool) (*Store, error) {
	store := &Store{db: db, postgres: postgres}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema. Statements run one at a time so the
// same script works on drivers that reject multi-statement Exec.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

const schema = `
	-- Production entries
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		process_id TEXT,
		process_code TEXT NOT NULL,
		work_formula TEXT NOT NULL DEFAULT '',
		production_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		entry_type TEXT NOT NULL DEFAULT 'standard',
		corrects_entry_id TEXT,
		input_volume TEXT NOT NULL DEFAULT '0',
		output_volume TEXT NOT NULL DEFAULT '0',
		outcome_pct TEXT NOT NULL DEFAULT '0',
		waste_pct TEXT NOT NULL DEFAULT '0',
		planned_work TEXT,
		actual_work TEXT,
		invoice_number TEXT,
		validated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_tenant
		ON entries(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_entries_corrects
		ON entries(corrects_entry_id) WHERE corrects_entry_id IS NOT NULL;

	-- Consumed stock units
	CREATE TABLE IF NOT EXISTS inputs (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		stock_unit_id TEXT NOT NULL,
		pieces_used INTEGER,
		volume TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inputs_entry
		ON inputs(entry_id);
	-- Orphan reference checks (hot path of re-validation)
	CREATE INDEX IF NOT EXISTS idx_inputs_stock_unit
		ON inputs(stock_unit_id);

	-- Staged outputs
	CREATE TABLE IF NOT EXISTS outputs (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		identifier TEXT NOT NULL DEFAULT '',
		attributes_json TEXT NOT NULL,
		length_mm TEXT NOT NULL DEFAULT '0',
		width_mm TEXT NOT NULL DEFAULT '0',
		thickness_mm TEXT NOT NULL DEFAULT '0',
		pieces INTEGER,
		volume TEXT NOT NULL,
		note TEXT,
		sort_order INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_outputs_entry
		ON outputs(entry_id, sort_order);

	-- Inventory
	CREATE TABLE IF NOT EXISTS stock_units (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		origin_entry_id TEXT,
		sequence INTEGER NOT NULL DEFAULT 0,
		identifier TEXT NOT NULL,
		attributes_json TEXT NOT NULL,
		length_mm TEXT NOT NULL DEFAULT '0',
		width_mm TEXT NOT NULL DEFAULT '0',
		thickness_mm TEXT NOT NULL DEFAULT '0',
		pieces INTEGER,
		volume TEXT NOT NULL,
		status TEXT NOT NULL,
		prior_status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: identifiers are unique per tenant
	CREATE UNIQUE INDEX IF NOT EXISTS idx_stock_units_identifier
		ON stock_units(tenant_id, identifier);
	CREATE INDEX IF NOT EXISTS idx_stock_units_origin
		ON stock_units(origin_entry_id) WHERE origin_entry_id IS NOT NULL;

	-- Deductions applied by the last validation of an entry
	CREATE TABLE IF NOT EXISTS consumptions (
		entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		stock_unit_id TEXT NOT NULL,
		pieces INTEGER,
		volume TEXT NOT NULL,
		PRIMARY KEY (entry_id, stock_unit_id)
	);
	CREATE INDEX IF NOT EXISTS idx_consumptions_stock_unit
		ON consumptions(stock_unit_id);

	-- Inverse operations of an in-flight validation
	CREATE TABLE IF NOT EXISTS validation_journal (
		entry_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		prior_status TEXT NOT NULL,
		op_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (entry_id, seq)
	)
`

// =============================================================================
// QUERY HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// inClause returns "?, ?, ?" and the args for a list of IDs.
func inClause[T ~string](ids []T) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = string(id)
	}
	return strings.Join(marks, ", "), args
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullPieces(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func piecesPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return production.Pieces(n.Int64)
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := parseDecimal(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// timeLayout keeps every fraction digit so that stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
