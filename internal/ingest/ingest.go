// Package ingest loads the two long-lived source datasets: the
// postcode-to-coordinate reference CSV and the property sale transaction CSV.
//
// Both loaders share the same discipline: tolerant row parsing (a malformed
// row is counted and dropped, never fatal), upsert by natural key with
// last-write-wins, and batched commits so a crash loses at most the in-flight
// batch while committed batches form a deterministic prefix of the input.
package ingest

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Result reports the structured outcome of a load so callers and tests can
// assert on counts instead of scraping progress output. RowsRead counts every
// data row seen; RowsSkipped counts rows dropped by validation; RowsWritten
// counts rows actually upserted.
type Result struct {
	RowsRead    int64
	RowsWritten int64
	RowsSkipped int64
}

// newCSVReader wraps r in a csv.Reader that tolerates a UTF-8 byte order
// mark and variable column counts.
func newCSVReader(r io.Reader) *csv.Reader {
	br := bufio.NewReader(r)
	if lead, err := br.Peek(3); err == nil && lead[0] == 0xEF && lead[1] == 0xBB && lead[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	return cr
}

// nullString converts a raw CSV field to a nullable column value: blank
// (after trimming) becomes NULL.
func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// flushBatch commits one batch of rows through the prepared upsert statement
// as a single transaction.
func flushBatch(ctx context.Context, db *sql.DB, upsertSQL string, batch [][]any) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, args := range batch {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
