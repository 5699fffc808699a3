package tiles

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"housing_heatmap/internal/geojoin"
	"housing_heatmap/internal/ingest"
)

// Full pipeline: reference load, sales load, join, aggregate. Postcode A has
// coordinates, postcode B does not, and all three sales reference A, so
// exactly one tile comes out, keyed at A's bin with all three sales.
func TestPipelineEndToEnd(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	refPath := filepath.Join(dir, "postcodes.csv")
	refCSV := "pcds,lat,long,ladcd,ladnm\n" +
		"WR1 2EY,52.193,-2.221,E07000237,Worcester\n" +
		"WR5 1AA,,,E07000237,Worcester\n"
	if err := os.WriteFile(refPath, []byte(refCSV), 0o644); err != nil {
		t.Fatalf("write reference csv: %v", err)
	}

	salesPath := filepath.Join(t.TempDir(), "pp-2025.csv")
	salesCSV := "{TX1},100,2025-01-01,WR1 2EY,D,N,F\n" +
		"{TX2},200,2025-01-02,wr1 2ey,S,N,F\n" +
		"{TX3},300,2025-01-03,WR12EY,T,N,F\n" +
		"{TX4},999,2025-01-04,WR5 1AA,D,N,F\n" // resolves to the coordinate-less reference
	if err := os.WriteFile(salesPath, []byte(salesCSV), 0o644); err != nil {
		t.Fatalf("write sales csv: %v", err)
	}

	_, err := ingest.LoadPostcodes(ctx, testLogger(), st, ingest.PostcodeOptions{
		Dir: dir, BatchSize: 100, RegionAreas: []string{"Worcester"},
	})
	if err != nil {
		t.Fatalf("LoadPostcodes: %v", err)
	}
	salesRes, err := ingest.LoadSales(ctx, testLogger(), st, ingest.SalesOptions{
		Path: salesPath, BatchSize: 100,
	})
	if err != nil {
		t.Fatalf("LoadSales: %v", err)
	}
	if salesRes.RowsWritten != 4 {
		t.Fatalf("sales RowsWritten = %d, want 4", salesRes.RowsWritten)
	}

	joinStats, err := geojoin.Build(ctx, testLogger(), st)
	if err != nil {
		t.Fatalf("geojoin.Build: %v", err)
	}
	// TX4's postcode resolves to a reference without coordinates and must
	// not appear in any joined table.
	if joinStats.FullRows != 3 {
		t.Errorf("FullRows = %d, want 3", joinStats.FullRows)
	}
	if joinStats.RegionRows != 3 {
		t.Errorf("RegionRows = %d, want 3", joinStats.RegionRows)
	}

	buildStats, err := Build(ctx, testLogger(), st, 0.01, 1)
	if err != nil {
		t.Fatalf("tiles.Build: %v", err)
	}
	if buildStats.TileCount != 1 {
		t.Fatalf("TileCount = %d, want exactly 1", buildStats.TileCount)
	}

	tile := queryTiles(t, st)[0]
	wantLat := math.Floor(52.193/0.01) * 0.01
	wantLon := math.Floor(-2.221/0.01) * 0.01
	if tile.LatBin != wantLat || tile.LonBin != wantLon {
		t.Errorf("tile bin = (%g, %g), want (%g, %g)", tile.LatBin, tile.LonBin, wantLat, wantLon)
	}
	if tile.SalesCount != 3 {
		t.Errorf("SalesCount = %d, want 3", tile.SalesCount)
	}
	if tile.MedianPrice != 200 {
		t.Errorf("MedianPrice = %g, want 200", tile.MedianPrice)
	}
	if tile.AvgPrice != 200 {
		t.Errorf("AvgPrice = %g, want 200", tile.AvgPrice)
	}
}
