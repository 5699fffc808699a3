// Command heatmap runs the property-price heatmap pipeline: ingest postcode
// reference data, ingest price-paid sales, join them on postcode, aggregate
// into grid tiles, and publish the tile table.
//
// Each pipeline stage is its own subcommand so stages can be run and rerun
// independently; all locations and tuning come from the environment (see
// internal/config), with flags as optional overrides.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"housing_heatmap/internal/config"
	"housing_heatmap/internal/geojoin"
	"housing_heatmap/internal/ingest"
	"housing_heatmap/internal/storage"
	"housing_heatmap/internal/tiles"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "heatmap",
		Short:         "Property price heatmap pipeline",
		Long:          "Batch pipeline that loads postcode reference data and price-paid sales,\njoins them on postcode, and aggregates prices into heatmap grid tiles.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newIngestPostcodesCmd())
	rootCmd.AddCommand(newIngestSalesCmd())
	rootCmd.AddCommand(newBuildJoinCmd())
	rootCmd.AddCommand(newBuildTilesCmd())
	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}

// setup loads config and opens the store; every subcommand starts here.
func setup(ctx context.Context) (*config.Config, *slog.Logger, *storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log := newLogger(cfg.Verbose)

	st, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.DBDriver,
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, log, st, nil
}

func newIngestPostcodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-postcodes",
		Short: "Load the postcode reference CSV and rebuild the region subset",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			res, err := ingest.LoadPostcodes(ctx, log, st, ingest.PostcodeOptions{
				Dir:         cfg.PostcodeDir,
				BatchSize:   cfg.BatchSize,
				RegionAreas: cfg.RegionAreas,
			})
			if err != nil {
				return err
			}
			return reportCounts(ctx, log, st, storage.TablePostcodes, storage.TablePostcodesRegion, res)
		},
	}
}

func newIngestSalesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-sales",
		Short: "Load the price-paid sales CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			res, err := ingest.LoadSales(ctx, log, st, ingest.SalesOptions{
				Path:         cfg.SalesCSV,
				FallbackPath: cfg.SalesCSVFallback,
				BatchSize:    cfg.BatchSize,
			})
			if err != nil {
				return err
			}
			return reportCounts(ctx, log, st, storage.TableSales, "", res)
		},
	}
}

func newBuildJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build-join",
		Short: "Rebuild the joined sales/coordinates tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, log, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			stats, err := geojoin.Build(ctx, log, st)
			if err != nil {
				return err
			}
			log.Info("joined tables ready",
				"full_rows", stats.FullRows, "region_rows", stats.RegionRows)
			return nil
		},
	}
}

func newBuildTilesCmd() *cobra.Command {
	var (
		grid     float64
		minSales int
	)
	cmd := &cobra.Command{
		Use:   "build-tiles",
		Short: "Aggregate joined sales into heatmap grid tiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if !cmd.Flags().Changed("grid") {
				grid = cfg.GridDegrees
			}
			if !cmd.Flags().Changed("min-sales") {
				minSales = cfg.MinSales
			}
			stats, err := tiles.Build(ctx, log, st, grid, minSales)
			if err != nil {
				return err
			}
			log.Info("tile table ready", "tiles", stats.TileCount, "source", stats.Source)
			return nil
		},
	}
	cmd.Flags().Float64Var(&grid, "grid", 0.01, "grid cell size in degrees")
	cmd.Flags().IntVar(&minSales, "min-sales", 5, "minimum sales per emitted tile")
	return cmd
}

func newPublishCmd() *cobra.Command {
	var toClickHouse bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the tile table as a parquet snapshot (and optionally to ClickHouse)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := tiles.PublishSnapshot(ctx, log, st, cfg.SnapshotPath)
			if err != nil {
				return err
			}
			log.Info("snapshot published", "path", cfg.SnapshotPath, "tiles", n)

			if toClickHouse {
				n, err := tiles.PublishClickHouse(ctx, log, st, tiles.ClickHouseConfig{
					Host:     cfg.ClickHouseHost,
					Port:     cfg.ClickHousePort,
					Database: cfg.ClickHouseDatabase,
					User:     cfg.ClickHouseUser,
					Password: cfg.ClickHousePassword,
				})
				if err != nil {
					return err
				}
				log.Info("clickhouse publish complete", "tiles", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&toClickHouse, "to-clickhouse", false, "also push tiles to ClickHouse")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print row counts for all pipeline tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tables := []string{
				storage.TablePostcodes,
				storage.TablePostcodesRegion,
				storage.TableSales,
				storage.TableSalesGeo,
				storage.TableSalesGeoRegion,
				storage.TableTiles,
			}
			for _, table := range tables {
				ok, err := st.TableExists(ctx, table)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("%-22s (not built)\n", table)
					continue
				}
				n, err := st.Count(ctx, table)
				if err != nil {
					return err
				}
				fmt.Printf("%-22s %d rows\n", table, n)
			}

			sample, err := geojoin.Sample(ctx, st, 5)
			if err != nil {
				return err
			}
			if len(sample) > 0 {
				fmt.Println("\nMost recent joined sales:")
				for _, r := range sample {
					fmt.Printf("  %s  %8d  %-8s (%.4f, %.4f)\n",
						r.TransferDate, r.Price, r.Postcode, r.Lat, r.Lon)
				}
			}
			return nil
		},
	}
}

// reportCounts logs the loader outcome and the affected table sizes.
func reportCounts(ctx context.Context, log *slog.Logger, st *storage.Store, table, extraTable string, res ingest.Result) error {
	n, err := st.Count(ctx, table)
	if err != nil {
		return err
	}
	attrs := []any{
		"table", table, "rows", n,
		"rows_read", res.RowsRead, "rows_written", res.RowsWritten, "rows_skipped", res.RowsSkipped,
	}
	if extraTable != "" {
		if extra, err := st.Count(ctx, extraTable); err == nil {
			attrs = append(attrs, "region_rows", extra)
		}
	}
	log.Info("load complete", attrs...)
	return nil
}
