package ingest

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"housing_heatmap/internal/storage"
)

func TestDetectHeader(t *testing.T) {
	tests := []struct {
		name string
		row  []string
		want bool
	}{
		{
			name: "guid data row",
			row:  []string{"{8AD0B6C9-1ACD-447E-9D39-58AA71371BFF}", "100000", "2025-01-01", "EC1A1BB", "F", "N", "L"},
			want: false,
		},
		{
			name: "official header",
			row:  []string{"Transaction unique identifier", "Price", "Date of Transfer", "Postcode"},
			want: true,
		},
		{
			name: "price and postcode header",
			row:  []string{"price", "date", "postcode"},
			want: true,
		},
		{
			name: "empty row",
			row:  nil,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectHeader(tt.row); got != tt.want {
				t.Errorf("DetectHeader(%v) = %v, want %v", tt.row, got, tt.want)
			}
		})
	}
}

const salesCSV = `{TX1},250000,2025-01-15,EC1A 1BB,F,N,L,12,,Long Lane,,London,City of London,Greater London,A,A
{TX2},180000,2025-02-01,WR1 2EY,T,N,F
{TX3},not-a-price,2025-02-02,WR1 2EY,D,N,F
,100000,2025-02-03,WR1 2EY,D,N,F
{TX4},95000,2025-02-04,,S,Y,F
{TX5},120000
{TX6},300000,2025-03-01,wr1 2ey,D,N,F
`

func TestLoadSales(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "pp-2025.csv", salesCSV)

	res, err := LoadSales(context.Background(), testLogger(), st,
		SalesOptions{Path: path, BatchSize: 2})
	if err != nil {
		t.Fatalf("LoadSales: %v", err)
	}

	if res.RowsRead != 7 {
		t.Errorf("RowsRead = %d, want 7", res.RowsRead)
	}
	// TX3 bad price, blank id, TX4 blank postcode, TX5 too few columns.
	if res.RowsSkipped != 4 {
		t.Errorf("RowsSkipped = %d, want 4", res.RowsSkipped)
	}
	if res.RowsWritten != 3 {
		t.Errorf("RowsWritten = %d, want 3", res.RowsWritten)
	}

	ctx := context.Background()
	n, err := st.Count(ctx, storage.TableSales)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("sales rows = %d, want 3", n)
	}

	// Optional trailing columns default to NULL when absent.
	var street sql.NullString
	err = st.DB().QueryRowContext(ctx,
		`SELECT street FROM `+storage.TableSales+` WHERE transaction_id = $1`, "{TX2}").Scan(&street)
	if err != nil {
		t.Fatalf("query TX2: %v", err)
	}
	if street.Valid {
		t.Errorf("TX2 street = %q, want NULL", street.String)
	}

	// Postcode stored normalized.
	var pc string
	err = st.DB().QueryRowContext(ctx,
		`SELECT postcode FROM `+storage.TableSales+` WHERE transaction_id = $1`, "{TX6}").Scan(&pc)
	if err != nil {
		t.Fatalf("query TX6: %v", err)
	}
	if pc != "WR12EY" {
		t.Errorf("TX6 postcode = %q, want %q", pc, "WR12EY")
	}
}

func TestLoadSalesSkipsDetectedHeader(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "pp.csv",
		"Transaction unique identifier,Price,Date of Transfer,Postcode,Property Type,Old/New,Duration\n"+
			"{TX1},250000,2025-01-15,EC1A 1BB,F,N,L\n")

	res, err := LoadSales(context.Background(), testLogger(), st,
		SalesOptions{Path: path, BatchSize: 100})
	if err != nil {
		t.Fatalf("LoadSales: %v", err)
	}
	if res.RowsRead != 1 {
		t.Errorf("RowsRead = %d, want 1 (header discarded, not counted)", res.RowsRead)
	}
	if res.RowsWritten != 1 {
		t.Errorf("RowsWritten = %d, want 1", res.RowsWritten)
	}
}

func TestLoadSalesLatestLoadWins(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	path := writeFile(t, dir, "pp.csv", "{TX1},250000,2025-01-15,EC1A 1BB,F,N,L\n")
	if _, err := LoadSales(ctx, testLogger(), st, SalesOptions{Path: path, BatchSize: 100}); err != nil {
		t.Fatalf("first load: %v", err)
	}

	path = writeFile(t, dir, "pp.csv", "{TX1},275000,2025-06-30,EC1A 1BB,F,N,F\n")
	if _, err := LoadSales(ctx, testLogger(), st, SalesOptions{Path: path, BatchSize: 100}); err != nil {
		t.Fatalf("second load: %v", err)
	}

	var price int64
	var tenure string
	err := st.DB().QueryRowContext(ctx,
		`SELECT price, tenure FROM `+storage.TableSales+` WHERE transaction_id = $1`, "{TX1}").
		Scan(&price, &tenure)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if price != 275000 {
		t.Errorf("price = %d, want 275000", price)
	}
	if tenure != "F" {
		t.Errorf("tenure = %q, want %q", tenure, "F")
	}

	n, err := st.Count(ctx, storage.TableSales)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("sales rows = %d, want 1", n)
	}
}

func TestLoadSalesFallbackPath(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	fallback := writeFile(t, dir, "fallback.csv", "{TX1},250000,2025-01-15,EC1A 1BB,F,N,L\n")

	res, err := LoadSales(context.Background(), testLogger(), st, SalesOptions{
		Path:         dir + "/missing.csv",
		FallbackPath: fallback,
		BatchSize:    100,
	})
	if err != nil {
		t.Fatalf("LoadSales: %v", err)
	}
	if res.RowsWritten != 1 {
		t.Errorf("RowsWritten = %d, want 1", res.RowsWritten)
	}
}

func TestLoadSalesMissingInput(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "present.csv", "x\n")

	_, err := LoadSales(context.Background(), testLogger(), st, SalesOptions{
		Path:         dir + "/missing.csv",
		FallbackPath: dir + "/also-missing.csv",
		BatchSize:    100,
	})
	if err == nil {
		t.Fatal("expected error for missing sales file")
	}
	// The error should name what actually exists to aid troubleshooting.
	if !strings.Contains(err.Error(), "present.csv") {
		t.Errorf("error %q should list sibling CSVs", err)
	}
}

func TestLoadSalesRejectsDirectoryPath(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	fallback := writeFile(t, dir, "fallback.csv", "{TX1},250000,2025-01-15,EC1A 1BB,F,N,L\n")

	// A directory at the primary path must not be selected; the loader moves
	// on to the fallback.
	res, err := LoadSales(context.Background(), testLogger(), st, SalesOptions{
		Path:         dir,
		FallbackPath: fallback,
		BatchSize:    100,
	})
	if err != nil {
		t.Fatalf("LoadSales: %v", err)
	}
	if res.RowsWritten != 1 {
		t.Errorf("RowsWritten = %d, want 1 from the fallback file", res.RowsWritten)
	}

	// Both candidates being directories is a missing-input error, not a
	// confusing read failure.
	_, err = LoadSales(context.Background(), testLogger(), st, SalesOptions{
		Path:         dir,
		FallbackPath: t.TempDir(),
		BatchSize:    100,
	})
	if err == nil {
		t.Fatal("expected error when both paths are directories")
	}
}

func TestLoadSalesRejectsNegativePrice(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "pp.csv", "{TX1},-5,2025-01-15,EC1A 1BB,F,N,L\n")

	res, err := LoadSales(context.Background(), testLogger(), st,
		SalesOptions{Path: path, BatchSize: 100})
	if err != nil {
		t.Fatalf("LoadSales: %v", err)
	}
	if res.RowsSkipped != 1 || res.RowsWritten != 0 {
		t.Errorf("got %+v, want 1 skipped and 0 written", res)
	}
}
