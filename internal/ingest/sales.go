package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"housing_heatmap/internal/postcode"
	"housing_heatmap/internal/storage"
)

// SalesOptions configures the transaction loader.
type SalesOptions struct {
	Path         string // designated input file
	FallbackPath string // tried when Path does not exist
	BatchSize    int
}

// Positional columns of the price-paid feed. The first seven are required;
// everything after is optional address and category detail.
const (
	colTransactionID = iota
	colPrice
	colTransferDate
	colPostcode
	colPropertyType
	colNewBuild
	colTenure
	colPAON
	colSAON
	colStreet
	colLocality
	colTown
	colDistrict
	colCounty
	colCategoryType
	colRecordStatus
)

const minSaleColumns = 7

const upsertSaleSQL = `
	INSERT INTO ` + storage.TableSales + ` (
		transaction_id, price, transfer_date, postcode, property_type, new_build, tenure,
		paon, saon, street, locality, town, district, county,
		ppd_category_type, record_status
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (transaction_id) DO UPDATE SET
		price             = excluded.price,
		transfer_date     = excluded.transfer_date,
		postcode          = excluded.postcode,
		property_type     = excluded.property_type,
		new_build         = excluded.new_build,
		tenure            = excluded.tenure,
		paon              = excluded.paon,
		saon              = excluded.saon,
		street            = excluded.street,
		locality          = excluded.locality,
		town              = excluded.town,
		district          = excluded.district,
		county            = excluded.county,
		ppd_category_type = excluded.ppd_category_type,
		record_status     = excluded.record_status`

// LoadSales ingests the sale transaction CSV into the sales table, upserting
// by transaction id with the latest load winning. Rows with too few columns,
// a blank transaction id, an invalid price, or a blank normalized postcode
// are dropped and counted; RowsRead and RowsWritten are reported separately
// since some read rows are legitimately filtered.
func LoadSales(ctx context.Context, log *slog.Logger, st *storage.Store, opts SalesOptions) (Result, error) {
	path, err := resolveSalesPath(opts)
	if err != nil {
		return Result{}, err
	}
	log.Info("ingesting sales file", "path", path)

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	cr := newCSVReader(f)

	first, err := cr.Read()
	if err == io.EOF {
		return Result{}, fmt.Errorf("%s is empty", path)
	}
	if err != nil {
		return Result{}, fmt.Errorf("read first row of %s: %w", path, err)
	}

	var result Result
	batch := make([][]any, 0, opts.BatchSize)

	if DetectHeader(first) {
		log.Info("detected header row in sales CSV; skipping it")
	} else {
		ingestSaleRow(first, &result, &batch)
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.RowsRead++
			result.RowsSkipped++
			continue
		}
		ingestSaleRow(row, &result, &batch)

		if len(batch) >= opts.BatchSize {
			if err := flushBatch(ctx, st.DB(), upsertSaleSQL, batch); err != nil {
				return result, err
			}
			result.RowsWritten += int64(len(batch))
			log.Info("sales batch committed",
				"rows_read", result.RowsRead, "rows_written", result.RowsWritten)
			batch = batch[:0]
		}
	}
	if err := flushBatch(ctx, st.DB(), upsertSaleSQL, batch); err != nil {
		return result, err
	}
	result.RowsWritten += int64(len(batch))

	log.Info("sales ingest complete",
		"rows_read", result.RowsRead,
		"rows_written", result.RowsWritten,
		"rows_skipped", result.RowsSkipped)
	return result, nil
}

// resolveSalesPath picks the configured file or its fallback. When neither
// exists the error lists the CSVs actually present next to each candidate,
// since a misnamed download is the usual cause.
func resolveSalesPath(opts SalesOptions) (string, error) {
	if info, err := os.Stat(opts.Path); err == nil && !info.IsDir() {
		return opts.Path, nil
	}
	if opts.FallbackPath != "" {
		if info, err := os.Stat(opts.FallbackPath); err == nil && !info.IsDir() {
			return opts.FallbackPath, nil
		}
	}
	return "", fmt.Errorf("missing sales file %s (also looked for %s; found %v and %v)",
		opts.Path, opts.FallbackPath,
		siblingCSVs(opts.Path), siblingCSVs(opts.FallbackPath))
}

func siblingCSVs(path string) []string {
	if path == "" {
		return nil
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.csv"))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return names
}

// DetectHeader reports whether the first row of a sales CSV is a header.
//
// The feed is usually headerless, with rows like
// {GUID},100000,2025-01-01,EC1A1BB,... so the heuristic looks for header
// vocabulary in the joined row text. It is best-effort: there is no general
// way to tell a header from a data row without a schema, so a data row that
// happens to contain these words would be falsely dropped and an unusual
// header falsely ingested (and then rejected row-by-row).
func DetectHeader(first []string) bool {
	if len(first) == 0 {
		return false
	}
	joined := strings.ToLower(strings.Join(first, ","))
	if strings.Contains(joined, "transaction") && strings.Contains(joined, "identifier") {
		return true
	}
	return strings.Contains(joined, "price") && strings.Contains(joined, "postcode")
}

// ingestSaleRow validates one data row and appends its upsert arguments to
// the batch, or counts it as skipped.
func ingestSaleRow(row []string, result *Result, batch *[][]any) {
	result.RowsRead++

	if len(row) < minSaleColumns {
		result.RowsSkipped++
		return
	}
	txid := strings.TrimSpace(row[colTransactionID])
	if txid == "" {
		result.RowsSkipped++
		return
	}
	price, err := strconv.ParseInt(strings.TrimSpace(row[colPrice]), 10, 64)
	if err != nil || price < 0 {
		result.RowsSkipped++
		return
	}
	pc := postcode.Normalize(field(row, colPostcode))
	if pc == "" {
		result.RowsSkipped++
		return
	}

	*batch = append(*batch, []any{
		txid,
		price,
		strings.TrimSpace(field(row, colTransferDate)),
		pc,
		nullString(field(row, colPropertyType)),
		nullString(field(row, colNewBuild)),
		nullString(field(row, colTenure)),
		nullString(field(row, colPAON)),
		nullString(field(row, colSAON)),
		nullString(field(row, colStreet)),
		nullString(field(row, colLocality)),
		nullString(field(row, colTown)),
		nullString(field(row, colDistrict)),
		nullString(field(row, colCounty)),
		nullString(field(row, colCategoryType)),
		nullString(field(row, colRecordStatus)),
	})
}
