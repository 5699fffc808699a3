// Package storage provides the persistent relational store for the housing
// pipeline: postcode reference data, sale transactions, and the derived
// joined and tile tables.
//
// The store runs on embedded SQLite by default and on PostgreSQL when
// configured with a DSN. Both engines are driven through database/sql with a
// single SQL surface: statements use $1..$n placeholders in first-occurrence
// order (valid in both engines) and portable column types (TEXT, BIGINT,
// DOUBLE PRECISION).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Table names. The long-lived tables (postcodes, sales) are created on open
// and mutated only by their loader's upsert. The derived tables (region
// subset, joined, tiles) are owned by the pipeline step that rebuilds them.
const (
	TablePostcodes       = "postcode_geo"
	TablePostcodesRegion = "postcode_geo_region"
	TableSales           = "ppd_sales"
	TableSalesGeo        = "ppd_sales_geo"
	TableSalesGeoRegion  = "ppd_sales_geo_region"
	TableTiles           = "heatmap_tiles"
)

// DriverSQLite and DriverPostgres are the accepted Options.Driver values.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and locates the backing database.
type Options struct {
	Driver      string // DriverSQLite or DriverPostgres
	SQLitePath  string // file path for the embedded store
	PostgresDSN string // connection string when Driver is DriverPostgres
}

// Store wraps a single database session for one pipeline run.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens (creating if necessary) the store and ensures the long-lived
// schema exists. Each pipeline component holds one exclusive session for the
// duration of its run, so the pool is capped at a single connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite, "":
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite path not configured")
		}
		if dir := filepath.Dir(opts.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", opts.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
	case DriverPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres DSN not configured")
		}
		db, err = sql.Open("pgx", opts.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}

	db.SetMaxOpenConns(1)

	s := &Store{db: db, driver: driverName(opts.Driver)}

	if s.driver == DriverSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA temp_store=MEMORY",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply %s: %w", pragma, err)
			}
		}
	}

	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func driverName(d string) string {
	if d == "" {
		return DriverSQLite
	}
	return d
}

// Close closes the database session.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for component queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver reports which engine backs the store.
func (s *Store) Driver() string {
	return s.driver
}

// createSchema creates the long-lived tables and their indexes. Derived
// tables are built shadow-then-swap by the join and tile builders.
func (s *Store) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + TablePostcodes + ` (
			postcode TEXT PRIMARY KEY,
			lat      DOUBLE PRECISION,
			lon      DOUBLE PRECISION,
			ladcd    TEXT,
			ladnm    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + TablePostcodes + `_ladnm ON ` + TablePostcodes + `(ladnm)`,
		`CREATE INDEX IF NOT EXISTS idx_` + TablePostcodes + `_latlon ON ` + TablePostcodes + `(lat, lon)`,

		`CREATE TABLE IF NOT EXISTS ` + TableSales + ` (
			transaction_id    TEXT PRIMARY KEY,
			price             BIGINT NOT NULL,
			transfer_date     TEXT NOT NULL,
			postcode          TEXT NOT NULL,
			property_type     TEXT,
			new_build         TEXT,
			tenure            TEXT,
			paon              TEXT,
			saon              TEXT,
			street            TEXT,
			locality          TEXT,
			town              TEXT,
			district          TEXT,
			county            TEXT,
			ppd_category_type TEXT,
			record_status     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + TableSales + `_postcode ON ` + TableSales + `(postcode)`,
		`CREATE INDEX IF NOT EXISTS idx_` + TableSales + `_date ON ` + TableSales + `(transfer_date)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}

// TableExists reports whether the named table exists.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var query string
	switch s.driver {
	case DriverPostgres:
		query = `SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
	default:
		query = `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = $1`
	}
	var one int
	err := s.db.QueryRowContext(ctx, query, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return true, nil
}

// Count returns the row count of the named table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// ShadowName returns the shadow-table name a rebuild writes into before
// swapping it live.
func ShadowName(table string) string {
	return table + "_shadow"
}

// SwapTable atomically replaces the live table with its fully built shadow:
// the drop of the old table and the rename of the shadow commit together, so
// a concurrent reader sees either the previous contents or the new ones,
// never an empty or partial table.
func (s *Store) SwapTable(ctx context.Context, shadow, live string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+live); err != nil {
		return fmt.Errorf("drop %s: %w", live, err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE `+shadow+` RENAME TO `+live); err != nil {
		return fmt.Errorf("rename %s to %s: %w", shadow, live, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}
	return nil
}

// DropIfExists removes a table, typically a stale shadow from an abandoned
// run.
func (s *Store) DropIfExists(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}
