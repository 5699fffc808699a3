package tiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"housing_heatmap/internal/storage"
)

func buildSampleTiles(t *testing.T, st *storage.Store) {
	t.Helper()
	createJoined(t, st, storage.TableSalesGeo)
	insertJoined(t, st, storage.TableSalesGeo, 100, 51.52, -0.097)
	insertJoined(t, st, storage.TableSalesGeo, 200, 51.52, -0.097)
	insertJoined(t, st, storage.TableSalesGeo, 300, 52.19, -2.22)
	if _, err := Build(context.Background(), testLogger(), st, 0.01, 1); err != nil {
		t.Fatalf("Build: %v", err)
	}
}

func TestLoadFallsBackToLiveTable(t *testing.T) {
	st := openTestStore(t)
	buildSampleTiles(t, st)

	got, err := Load(context.Background(), st, filepath.Join(t.TempDir(), "absent.parquet"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(tiles) = %d, want 2", len(got))
	}
}

func TestLoadReportsUnstatableSnapshot(t *testing.T) {
	st := openTestStore(t)
	buildSampleTiles(t, st)

	// A snapshot path routed through a regular file fails stat with ENOTDIR,
	// not "does not exist"; that is a configuration fault to report, not a
	// cue to fall back to the live table.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	_, err := Load(context.Background(), st, filepath.Join(blocker, "tiles.parquet"))
	if err == nil {
		t.Fatal("expected error for a snapshot path that cannot be stat-ed")
	}
}

func TestPublishAndLoadSnapshot(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	buildSampleTiles(t, st)

	path := filepath.Join(t.TempDir(), "heatmap_tiles.parquet")
	n, err := PublishSnapshot(ctx, testLogger(), st, path)
	if err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	if n != 2 {
		t.Errorf("published %d tiles, want 2", n)
	}

	live, err := readLiveTiles(ctx, st)
	if err != nil {
		t.Fatalf("readLiveTiles: %v", err)
	}
	fromSnapshot, err := Load(ctx, st, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(fromSnapshot) != len(live) {
		t.Fatalf("snapshot tiles = %d, live tiles = %d", len(fromSnapshot), len(live))
	}
	for i := range live {
		if fromSnapshot[i] != live[i] {
			t.Errorf("tile %d: snapshot %+v != live %+v", i, fromSnapshot[i], live[i])
		}
	}

	// The snapshot is preferred even when the live table changes underneath.
	if _, err := st.DB().ExecContext(ctx, `DELETE FROM `+storage.TableTiles); err != nil {
		t.Fatalf("clear live table: %v", err)
	}
	again, err := Load(ctx, st, path)
	if err != nil {
		t.Fatalf("Load after clear: %v", err)
	}
	if len(again) != 2 {
		t.Errorf("len(tiles) = %d, want 2 from snapshot", len(again))
	}
}

func TestBuildViewFiltersAndWeights(t *testing.T) {
	all := []Tile{
		{LatBin: 51.52, LonBin: -0.09, SalesCount: 10, AvgPrice: 500000, MedianPrice: 450000},
		{LatBin: 52.19, LonBin: -2.22, SalesCount: 3, AvgPrice: 200000, MedianPrice: 180000},
	}

	v := BuildView(all, 5, MetricMedianPrice)
	if v.Fallback {
		t.Fatal("unexpected fallback")
	}
	if len(v.Points) != 1 {
		t.Fatalf("len(Points) = %d, want 1", len(v.Points))
	}
	if v.Points[0].Weight != 450000 {
		t.Errorf("Weight = %g, want 450000", v.Points[0].Weight)
	}
	if v.CenterLat != 51.52 || v.CenterLon != -0.09 {
		t.Errorf("center = (%g, %g), want the kept tile", v.CenterLat, v.CenterLon)
	}

	v = BuildView(all, 1, MetricSalesCount)
	if len(v.Points) != 2 {
		t.Fatalf("len(Points) = %d, want 2", len(v.Points))
	}
	if v.Points[0].Weight != 10 || v.Points[1].Weight != 3 {
		t.Errorf("weights = %g, %g, want 10, 3", v.Points[0].Weight, v.Points[1].Weight)
	}
}

func TestBuildViewEmptyFallback(t *testing.T) {
	v := BuildView(nil, 5, MetricAvgPrice)
	if !v.Fallback {
		t.Fatal("expected fallback view")
	}
	if len(v.Points) != 1 {
		t.Fatalf("len(Points) = %d, want 1 informational marker", len(v.Points))
	}
	if v.CenterLat != FallbackCenterLat || v.CenterLon != FallbackCenterLon {
		t.Errorf("center = (%g, %g), want fallback center", v.CenterLat, v.CenterLon)
	}

	// Tiles exist but none pass the filter: still a fallback, never an error.
	v = BuildView([]Tile{{SalesCount: 1}}, 5, MetricAvgPrice)
	if !v.Fallback {
		t.Error("expected fallback when filter removes everything")
	}
}
