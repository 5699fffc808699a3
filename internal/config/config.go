// Package config resolves pipeline configuration from the environment.
//
// Every path, table location, and tuning knob the pipeline uses lives here so
// that components can be pointed at temporary stores in tests instead of
// relying on ambient constants.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all pipeline settings. Defaults reproduce the standard
// on-disk layout (data/raw for inputs, db/housing.db for the store,
// data/published for the snapshot artifact).
type Config struct {
	// Store selection. Driver is "sqlite" (embedded, default) or "postgres".
	DBDriver    string `env:"HEATMAP_DB_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"HEATMAP_SQLITE_PATH" envDefault:"db/housing.db"`
	PostgresDSN string `env:"HEATMAP_POSTGRES_DSN"`

	// Input locations.
	PostcodeDir      string `env:"HEATMAP_POSTCODE_DIR" envDefault:"data/raw/onspd"`
	SalesCSV         string `env:"HEATMAP_SALES_CSV" envDefault:"data/raw/ppd/pp-2025.csv"`
	SalesCSVFallback string `env:"HEATMAP_SALES_CSV_FALLBACK" envDefault:"Data/raw/ppd/pp-2025.csv"`

	// Loader tuning. One transaction is committed per BatchSize rows.
	BatchSize int `env:"HEATMAP_BATCH_SIZE" envDefault:"50000"`

	// Grid aggregation. GridDegrees is the cell edge in degrees; 0.01 deg of
	// latitude is roughly 1.1 km (the east-west span shrinks with latitude,
	// so cells are not uniform in metres). Tiles with fewer than MinSales
	// rows are not emitted.
	GridDegrees float64 `env:"HEATMAP_GRID_DEGREES" envDefault:"0.01"`
	MinSales    int     `env:"HEATMAP_MIN_SALES" envDefault:"5"`

	// RegionAreas restricts the region subset table to these administrative
	// area names. Semicolon-separated because the names themselves contain
	// commas. Empty means the built-in allow-list.
	RegionAreas []string `env:"HEATMAP_REGION_AREAS" envSeparator:";"`

	// Published snapshot artifact. The tile consumer prefers this file over
	// the live table when it exists.
	SnapshotPath string `env:"HEATMAP_SNAPSHOT_PATH" envDefault:"data/published/heatmap_tiles.parquet"`

	// Optional ClickHouse publish sink.
	ClickHouseHost     string `env:"HEATMAP_CLICKHOUSE_HOST" envDefault:"localhost"`
	ClickHousePort     int    `env:"HEATMAP_CLICKHOUSE_PORT" envDefault:"9000"`
	ClickHouseDatabase string `env:"HEATMAP_CLICKHOUSE_DATABASE" envDefault:"housing"`
	ClickHouseUser     string `env:"HEATMAP_CLICKHOUSE_USER" envDefault:"default"`
	ClickHousePassword string `env:"HEATMAP_CLICKHOUSE_PASSWORD"`

	Verbose bool `env:"HEATMAP_VERBOSE" envDefault:"false"`
}

// defaultRegionAreas is the built-in administrative-area allow-list:
// Worcestershire plus its bordering counties, by local authority name.
var defaultRegionAreas = []string{
	// Worcestershire
	"Worcester", "Wychavon", "Malvern Hills", "Bromsgrove", "Redditch", "Wyre Forest",
	// Herefordshire (unitary)
	"Herefordshire, County of",
	// Gloucestershire
	"Cheltenham", "Cotswold", "Forest of Dean", "Gloucester", "Stroud", "Tewkesbury",
	// Warwickshire
	"North Warwickshire", "Nuneaton and Bedworth", "Rugby", "Stratford-on-Avon", "Warwick",
	// Staffordshire
	"Cannock Chase", "East Staffordshire", "Lichfield", "Newcastle-under-Lyme",
	"South Staffordshire", "Stafford", "Staffordshire Moorlands", "Tamworth",
	// Shropshire
	"Shropshire", "Telford and Wrekin",
	// West Midlands (met county)
	"Birmingham", "Coventry", "Dudley", "Sandwell", "Solihull", "Walsall", "Wolverhampton",
}

// Load reads .env (if present) and the process environment into a Config.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if len(cfg.RegionAreas) == 0 {
		cfg.RegionAreas = append([]string(nil), defaultRegionAreas...)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.GridDegrees <= 0 {
		return nil, fmt.Errorf("grid degrees must be positive, got %g", cfg.GridDegrees)
	}
	return cfg, nil
}
