// Package tiles bins joined sale transactions into a fixed-degree grid and
// computes per-cell summary statistics for heatmap rendering, then publishes
// or serves the resulting tile table.
package tiles

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"housing_heatmap/internal/storage"
)

// Tile is one grid cell, keyed by the lower-bound coordinates of its
// half-open interval. Cell edges are gridDegrees wide in both axes; note the
// east-west span per degree shrinks with latitude, so cells are not uniform
// in metres.
type Tile struct {
	LatBin      float64 `parquet:"lat_bin"`
	LonBin      float64 `parquet:"lon_bin"`
	SalesCount  int64   `parquet:"sales_count"`
	AvgPrice    float64 `parquet:"avg_price"`
	MedianPrice float64 `parquet:"median_price"`
}

// EmptyDiagnostic describes the aggregation source when a build produced
// zero tiles, to aid troubleshooting of upstream data problems. Computed
// with a single aggregate query, never a row-by-row rescan.
type EmptyDiagnostic struct {
	SourceRows                     int64
	MinLat, MaxLat, MinLon, MaxLon sql.NullFloat64
}

// BuildStats reports the outcome of a tile build.
type BuildStats struct {
	Source     string // joined table the tiles were computed from
	TileCount  int64
	Diagnostic *EmptyDiagnostic // non-nil only when TileCount is zero
}

// Build recomputes the tile table from the joined data: the region-scoped
// joined table when it exists and is non-empty, else the full one.
//
// Every row is assigned to the cell lat_bin = floor(lat/g)*g,
// lon_bin = floor(lon/g)*g. The interval is half-open: a coordinate exactly
// on a cell boundary belongs to the cell whose lower bound equals it. Cells
// with fewer than minSales rows are omitted entirely rather than emitted
// with null statistics. The tile table is fully replaced via shadow and
// atomic swap.
func Build(ctx context.Context, log *slog.Logger, st *storage.Store, gridDegrees float64, minSales int) (BuildStats, error) {
	if gridDegrees <= 0 {
		return BuildStats{}, fmt.Errorf("grid size must be positive, got %g", gridDegrees)
	}

	source, err := pickSource(ctx, log, st)
	if err != nil {
		return BuildStats{}, err
	}
	log.Info("aggregating tiles", "source", source, "grid_degrees", gridDegrees, "min_sales", minSales)

	built, err := aggregate(ctx, st, source, gridDegrees, minSales)
	if err != nil {
		return BuildStats{}, err
	}

	if err := writeTiles(ctx, st, built); err != nil {
		return BuildStats{}, err
	}

	stats := BuildStats{Source: source, TileCount: int64(len(built))}
	if len(built) == 0 {
		diag, err := diagnoseEmpty(ctx, st, source)
		if err != nil {
			return stats, err
		}
		stats.Diagnostic = diag
		log.Warn("no tiles created",
			"source", source,
			"source_rows", diag.SourceRows,
			"lat_range", fmt.Sprintf("%v..%v", diag.MinLat.Float64, diag.MaxLat.Float64),
			"lon_range", fmt.Sprintf("%v..%v", diag.MinLon.Float64, diag.MaxLon.Float64))
	}
	log.Info("tile build complete", "tiles", stats.TileCount)
	return stats, nil
}

// pickSource prefers the region joined table when it has rows, falling back
// to the full joined table. Neither existing is fatal.
func pickSource(ctx context.Context, log *slog.Logger, st *storage.Store) (string, error) {
	hasRegion, err := st.TableExists(ctx, storage.TableSalesGeoRegion)
	if err != nil {
		return "", err
	}
	if hasRegion {
		n, err := st.Count(ctx, storage.TableSalesGeoRegion)
		if err != nil {
			return "", err
		}
		log.Info("region joined table", "rows", n)
		if n > 0 {
			return storage.TableSalesGeoRegion, nil
		}
	}

	hasFull, err := st.TableExists(ctx, storage.TableSalesGeo)
	if err != nil {
		return "", err
	}
	if !hasFull {
		return "", fmt.Errorf("missing table %s: run build-join first", storage.TableSalesGeo)
	}
	return storage.TableSalesGeo, nil
}

// aggregate streams binned rows ordered by cell then price, folding one cell
// at a time so only a single cell's prices are ever held in memory. Because
// the stream is price-ordered within each cell, the exact median falls out
// of the buffered slice by rank.
func aggregate(ctx context.Context, st *storage.Store, source string, gridDegrees float64, minSales int) ([]Tile, error) {
	rows, err := st.DB().QueryContext(ctx, `
		SELECT
			floor(lat / $1) * $1 AS lat_bin,
			floor(lon / $1) * $1 AS lon_bin,
			price
		FROM `+source+`
		WHERE lat IS NOT NULL AND lon IS NOT NULL AND price IS NOT NULL
		ORDER BY 1, 2, price`, gridDegrees)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", source, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		tiles    []Tile
		cur      Tile
		prices   []int64
		haveCell bool
	)
	finish := func() {
		if n := len(prices); n >= minSales {
			cur.SalesCount = int64(n)
			cur.AvgPrice = mean(prices)
			cur.MedianPrice = medianSorted(prices)
			tiles = append(tiles, cur)
		}
		prices = prices[:0]
	}

	for rows.Next() {
		var latBin, lonBin float64
		var price int64
		if err := rows.Scan(&latBin, &lonBin, &price); err != nil {
			return nil, fmt.Errorf("scan binned row: %w", err)
		}
		if !haveCell || latBin != cur.LatBin || lonBin != cur.LonBin {
			if haveCell {
				finish()
			}
			cur = Tile{LatBin: latBin, LonBin: lonBin}
			haveCell = true
		}
		prices = append(prices, price)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream %s: %w", source, err)
	}
	if haveCell {
		finish()
	}
	return tiles, nil
}

func mean(prices []int64) float64 {
	var sum float64
	for _, p := range prices {
		sum += float64(p)
	}
	return sum / float64(len(prices))
}

// medianSorted returns the exact median of an ascending price slice: the
// value at rank (n+1)/2 for odd n, the mean of the values at ranks n/2 and
// n/2+1 for even n. Equal prices need no special handling since the median
// is defined purely by sorted position.
func medianSorted(prices []int64) float64 {
	n := len(prices)
	if n%2 == 1 {
		return float64(prices[n/2])
	}
	return float64(prices[n/2-1]+prices[n/2]) / 2
}

// writeTiles builds the shadow tile table and swaps it live. An empty build
// still replaces the previous tile table: the tiles are a derivation of the
// current run, not an accumulation.
func writeTiles(ctx context.Context, st *storage.Store, tiles []Tile) error {
	shadow := storage.ShadowName(storage.TableTiles)
	if err := st.DropIfExists(ctx, shadow); err != nil {
		return err
	}
	_, err := st.DB().ExecContext(ctx, `CREATE TABLE `+shadow+` (
		lat_bin      DOUBLE PRECISION NOT NULL,
		lon_bin      DOUBLE PRECISION NOT NULL,
		sales_count  BIGINT NOT NULL,
		avg_price    DOUBLE PRECISION NOT NULL,
		median_price DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (lat_bin, lon_bin)
	)`)
	if err != nil {
		return fmt.Errorf("create tile shadow: %w", err)
	}

	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tile insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+shadow+` (lat_bin, lon_bin, sales_count, avg_price, median_price)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare tile insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, t := range tiles {
		if _, err := stmt.ExecContext(ctx, t.LatBin, t.LonBin, t.SalesCount, t.AvgPrice, t.MedianPrice); err != nil {
			return fmt.Errorf("insert tile (%g, %g): %w", t.LatBin, t.LonBin, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tiles: %w", err)
	}

	return st.SwapTable(ctx, shadow, storage.TableTiles)
}

func diagnoseEmpty(ctx context.Context, st *storage.Store, source string) (*EmptyDiagnostic, error) {
	var d EmptyDiagnostic
	err := st.DB().QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(lat), MAX(lat), MIN(lon), MAX(lon) FROM `+source).
		Scan(&d.SourceRows, &d.MinLat, &d.MaxLat, &d.MinLon, &d.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("diagnose empty tile set: %w", err)
	}
	return &d, nil
}
