// Package geojoin materializes sale transactions joined to their postcode
// coordinates.
//
// The joined tables are full recomputations, not incremental: each build
// derives them from the current sales and postcode tables. A build writes
// into a shadow table and swaps it live in one transaction, so a concurrent
// reader (a dashboard, typically) never observes a dropped or empty table
// mid-rebuild.
package geojoin

import (
	"context"
	"fmt"
	"log/slog"

	"housing_heatmap/internal/storage"
)

// Stats reports the sizes of the joined tables after a build. RegionRows is
// -1 when no region subset exists.
type Stats struct {
	FullRows   int64
	RegionRows int64
}

// A joined row keeps the transaction attributes plus resolved coordinates
// and administrative-area name. Inner join on normalized postcode; reference
// rows without coordinates are excluded, so a transaction whose postcode has
// no coordinates appears in neither joined table.
const joinSelect = `
	SELECT
		p.transaction_id,
		p.price,
		p.transfer_date,
		p.postcode,
		p.property_type,
		p.new_build,
		p.tenure,
		g.lat,
		g.lon,
		g.ladnm
	FROM %s p
	JOIN %s g ON p.postcode = g.postcode
	WHERE g.lat IS NOT NULL AND g.lon IS NOT NULL`

// Build recomputes the full joined table, and the region-scoped one when the
// region subset table exists (even if empty, so a prior run's region join
// never outlives its subset). The postcode table must have been loaded first.
func Build(ctx context.Context, log *slog.Logger, st *storage.Store) (Stats, error) {
	hasGeo, err := st.TableExists(ctx, storage.TablePostcodes)
	if err != nil {
		return Stats{}, err
	}
	if !hasGeo {
		return Stats{}, fmt.Errorf("missing table %s: run ingest-postcodes first", storage.TablePostcodes)
	}

	log.Info("building joined table", "source", storage.TablePostcodes)
	if err := rebuild(ctx, st, storage.TablePostcodes, storage.TableSalesGeo); err != nil {
		return Stats{}, err
	}
	stats := Stats{RegionRows: -1}
	if stats.FullRows, err = st.Count(ctx, storage.TableSalesGeo); err != nil {
		return Stats{}, err
	}

	hasRegion, err := st.TableExists(ctx, storage.TablePostcodesRegion)
	if err != nil {
		return Stats{}, err
	}
	if hasRegion {
		// Rebuilt even when the region subset is empty: the joined tables are
		// replaced on every run, so a stale region join from a previous run
		// must not survive a subset that has since shrunk to nothing.
		log.Info("building region joined table", "source", storage.TablePostcodesRegion)
		if err := rebuild(ctx, st, storage.TablePostcodesRegion, storage.TableSalesGeoRegion); err != nil {
			return Stats{}, err
		}
		if stats.RegionRows, err = st.Count(ctx, storage.TableSalesGeoRegion); err != nil {
			return Stats{}, err
		}
	}

	log.Info("join build complete", "full_rows", stats.FullRows, "region_rows", stats.RegionRows)
	return stats, nil
}

func rebuild(ctx context.Context, st *storage.Store, refTable, joinedTable string) error {
	shadow := storage.ShadowName(joinedTable)
	if err := st.DropIfExists(ctx, shadow); err != nil {
		return err
	}

	createSQL := fmt.Sprintf(`CREATE TABLE `+shadow+` AS`+joinSelect,
		storage.TableSales, refTable)
	if _, err := st.DB().ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("build %s: %w", joinedTable, err)
	}
	if err := st.SwapTable(ctx, shadow, joinedTable); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_` + joinedTable + `_latlon ON ` + joinedTable + `(lat, lon)`,
		`CREATE INDEX IF NOT EXISTS idx_` + joinedTable + `_date ON ` + joinedTable + `(transfer_date)`,
	}
	for _, stmt := range indexes {
		if _, err := st.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("index %s: %w", joinedTable, err)
		}
	}
	return nil
}

// SampleRow is one recent joined transaction, used by the status report.
type SampleRow struct {
	TransferDate string
	Price        int64
	Postcode     string
	Lat          float64
	Lon          float64
}

// Sample returns the n most recent joined rows, newest first.
func Sample(ctx context.Context, st *storage.Store, n int) ([]SampleRow, error) {
	ok, err := st.TableExists(ctx, storage.TableSalesGeo)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := st.DB().QueryContext(ctx, `
		SELECT transfer_date, price, postcode, lat, lon
		FROM `+storage.TableSalesGeo+`
		ORDER BY transfer_date DESC
		LIMIT `+fmt.Sprint(n))
	if err != nil {
		return nil, fmt.Errorf("sample joined rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SampleRow
	for rows.Next() {
		var r SampleRow
		if err := rows.Scan(&r.TransferDate, &r.Price, &r.Postcode, &r.Lat, &r.Lon); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
