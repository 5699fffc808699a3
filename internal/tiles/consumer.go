package tiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/parquet-go/parquet-go"

	"housing_heatmap/internal/storage"
)

// Metric selects which tile statistic weights the heatmap.
type Metric string

const (
	MetricSalesCount  Metric = "sales_count"
	MetricAvgPrice    Metric = "avg_price"
	MetricMedianPrice Metric = "median_price"
)

// Fallback map center used when no tiles survive filtering (roughly the
// West Midlands).
const (
	FallbackCenterLat = 52.4
	FallbackCenterLon = -2.2
)

// Point is one weighted heatmap point.
type Point struct {
	Lat    float64
	Lon    float64
	Weight float64
}

// View is what a map renderer consumes: a center and weighted points, or an
// explicit fallback when nothing matched the filter. An empty result is a
// view, not an error.
type View struct {
	CenterLat float64
	CenterLon float64
	Points    []Point
	Fallback  bool
}

// Load reads the tile set a consumer should render: the published columnar
// snapshot when it exists, else the live tile table. This lets a dashboard
// run from a published artifact without reaching the store at all.
func Load(ctx context.Context, st *storage.Store, snapshotPath string) ([]Tile, error) {
	if snapshotPath != "" {
		_, err := os.Stat(snapshotPath)
		switch {
		case err == nil:
			rows, err := parquet.ReadFile[Tile](snapshotPath)
			if err != nil {
				return nil, fmt.Errorf("read snapshot %s: %w", snapshotPath, err)
			}
			return rows, nil
		case !errors.Is(err, fs.ErrNotExist):
			// An unreadable snapshot is a real fault; only a missing one
			// means "use the live table".
			return nil, fmt.Errorf("stat snapshot %s: %w", snapshotPath, err)
		}
	}
	return readLiveTiles(ctx, st)
}

func readLiveTiles(ctx context.Context, st *storage.Store) ([]Tile, error) {
	ok, err := st.TableExists(ctx, storage.TableTiles)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("missing table %s: run build-tiles first", storage.TableTiles)
	}
	rows, err := st.DB().QueryContext(ctx, `
		SELECT lat_bin, lon_bin, sales_count, avg_price, median_price
		FROM `+storage.TableTiles+`
		ORDER BY lat_bin, lon_bin`)
	if err != nil {
		return nil, fmt.Errorf("query tiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Tile
	for rows.Next() {
		var t Tile
		if err := rows.Scan(&t.LatBin, &t.LonBin, &t.SalesCount, &t.AvgPrice, &t.MedianPrice); err != nil {
			return nil, fmt.Errorf("scan tile: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BuildView applies the client-supplied minimum-sales filter and weighting
// metric. When the filter leaves nothing it returns the default view: a
// single informational marker at the fallback center instead of an error.
func BuildView(all []Tile, minSales int64, metric Metric) View {
	var kept []Tile
	for _, t := range all {
		if t.SalesCount >= minSales {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return View{
			CenterLat: FallbackCenterLat,
			CenterLon: FallbackCenterLon,
			Points:    []Point{{Lat: FallbackCenterLat, Lon: FallbackCenterLon, Weight: 0}},
			Fallback:  true,
		}
	}

	v := View{Points: make([]Point, 0, len(kept))}
	var latSum, lonSum float64
	for _, t := range kept {
		latSum += t.LatBin
		lonSum += t.LonBin
		w := weight(t, metric)
		if w < 0 {
			w = 0
		}
		v.Points = append(v.Points, Point{Lat: t.LatBin, Lon: t.LonBin, Weight: w})
	}
	v.CenterLat = latSum / float64(len(kept))
	v.CenterLon = lonSum / float64(len(kept))
	return v
}

func weight(t Tile, metric Metric) float64 {
	switch metric {
	case MetricAvgPrice:
		return t.AvgPrice
	case MetricMedianPrice:
		return t.MedianPrice
	default:
		return float64(t.SalesCount)
	}
}
