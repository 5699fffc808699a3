package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"housing_heatmap/internal/postcode"
	"housing_heatmap/internal/storage"
)

// PostcodeOptions configures the reference loader.
type PostcodeOptions struct {
	Dir         string   // directory searched recursively for *.csv
	BatchSize   int      // rows per committed batch
	RegionAreas []string // administrative-area names kept in the region subset
}

const upsertPostcodeSQL = `
	INSERT INTO ` + storage.TablePostcodes + ` (postcode, lat, lon, ladcd, ladnm)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (postcode) DO UPDATE SET
		lat   = excluded.lat,
		lon   = excluded.lon,
		ladcd = excluded.ladcd,
		ladnm = excluded.ladnm`

// LoadPostcodes ingests the postcode reference CSV(s) into the postcode
// table and then rebuilds the region subset table from scratch.
//
// Rows are upserted by normalized postcode, last row wins across and within
// files. A row with a blank postcode is skipped and counted. A missing input
// directory or zero matching files is fatal.
func LoadPostcodes(ctx context.Context, log *slog.Logger, st *storage.Store, opts PostcodeOptions) (Result, error) {
	files, err := findPostcodeFiles(opts.Dir)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, path := range files {
		log.Info("ingesting postcode reference file", "path", path)
		if err := ingestPostcodeFile(ctx, log, st, path, opts.BatchSize, &result); err != nil {
			return result, fmt.Errorf("ingest %s: %w", path, err)
		}
	}
	log.Info("postcode ingest complete",
		"rows_read", result.RowsRead,
		"rows_written", result.RowsWritten,
		"rows_skipped", result.RowsSkipped)

	if err := buildRegionSubset(ctx, log, st, opts.RegionAreas); err != nil {
		return result, err
	}
	return result, nil
}

// findPostcodeFiles discovers CSV files under dir. The full national extract
// is usually named *_UK.csv and sits alongside per-region slices of the same
// data; when it is present only it is loaded, otherwise every match is loaded
// in sorted order.
func findPostcodeFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("missing postcode directory %s: place the reference CSV inside it: %w", dir, err)
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".csv") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CSV found under %s (expected something like ONSPD_*_UK.csv)", dir)
	}
	sort.Strings(files)

	for _, f := range files {
		if strings.HasSuffix(strings.ToUpper(filepath.Base(f)), "_UK.CSV") {
			return []string{f}, nil
		}
	}
	return files, nil
}

func ingestPostcodeFile(ctx context.Context, log *slog.Logger, st *storage.Store, path string, batchSize int, result *Result) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	cr := newCSVReader(f)

	header, err := cr.Read()
	if err == io.EOF {
		return fmt.Errorf("file is empty")
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	cols := indexHeader(header)

	// Accepted header names: postcode from pcds else pcd, longitude from
	// long else lon.
	pcCol, ok := cols["pcds"]
	if !ok {
		pcCol, ok = cols["pcd"]
	}
	if !ok {
		return fmt.Errorf("no postcode column (pcds or pcd) in header")
	}
	latCol := colOrMissing(cols, "lat")
	lonCol, ok := cols["long"]
	if !ok {
		lonCol = colOrMissing(cols, "lon")
	}
	ladcdCol := colOrMissing(cols, "ladcd")
	ladnmCol := colOrMissing(cols, "ladnm")

	batch := make([][]any, 0, batchSize)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed CSV line: drop it and keep going.
			result.RowsRead++
			result.RowsSkipped++
			continue
		}
		result.RowsRead++

		pc := postcode.Normalize(field(row, pcCol))
		if pc == "" {
			result.RowsSkipped++
			continue
		}

		batch = append(batch, []any{
			pc,
			nullFloat(field(row, latCol)),
			nullFloat(field(row, lonCol)),
			nullString(field(row, ladcdCol)),
			nullString(field(row, ladnmCol)),
		})
		if len(batch) >= batchSize {
			if err := flushBatch(ctx, st.DB(), upsertPostcodeSQL, batch); err != nil {
				return err
			}
			result.RowsWritten += int64(len(batch))
			log.Info("postcode batch committed", "rows_read", result.RowsRead)
			batch = batch[:0]
		}
	}
	if err := flushBatch(ctx, st.DB(), upsertPostcodeSQL, batch); err != nil {
		return err
	}
	result.RowsWritten += int64(len(batch))
	return nil
}

// buildRegionSubset recomputes the region subset table: postcodes whose
// administrative-area name is on the allow-list and that have coordinates.
// Built into a shadow table and swapped so readers never see it half-built.
func buildRegionSubset(ctx context.Context, log *slog.Logger, st *storage.Store, areas []string) error {
	if len(areas) == 0 {
		return errors.New("region area allow-list is empty")
	}
	log.Info("building region subset table", "areas", len(areas))

	shadow := storage.ShadowName(storage.TablePostcodesRegion)
	if err := st.DropIfExists(ctx, shadow); err != nil {
		return err
	}

	placeholders := make([]string, len(areas))
	args := make([]any, len(areas))
	for i, a := range areas {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = a
	}
	createSQL := `CREATE TABLE ` + shadow + ` AS
		SELECT * FROM ` + storage.TablePostcodes + `
		WHERE ladnm IN (` + strings.Join(placeholders, ", ") + `)
		  AND lat IS NOT NULL AND lon IS NOT NULL`
	if _, err := st.DB().ExecContext(ctx, createSQL, args...); err != nil {
		return fmt.Errorf("build region subset: %w", err)
	}
	if err := st.SwapTable(ctx, shadow, storage.TablePostcodesRegion); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_` + storage.TablePostcodesRegion + `_ladnm ON ` + storage.TablePostcodesRegion + `(ladnm)`,
		`CREATE INDEX IF NOT EXISTS idx_` + storage.TablePostcodesRegion + `_latlon ON ` + storage.TablePostcodesRegion + `(lat, lon)`,
	}
	for _, stmt := range indexes {
		if _, err := st.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("index region subset: %w", err)
		}
	}

	n, err := st.Count(ctx, storage.TablePostcodesRegion)
	if err != nil {
		return err
	}
	log.Info("region subset built", "rows", n)
	return nil
}

// indexHeader maps lowercased, trimmed column names to their positions.
func indexHeader(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func colOrMissing(cols map[string]int, name string) int {
	if i, ok := cols[name]; ok {
		return i
	}
	return -1
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func nullFloat(s string) sql.NullFloat64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullFloat64{}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
