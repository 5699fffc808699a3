package tiles

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"housing_heatmap/internal/storage"
)

// ClickHouseConfig holds connection settings for the optional ClickHouse
// publish sink.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PublishClickHouse pushes the live tile table into a ClickHouse table for
// dashboard-scale serving. The sink is fully replaced on each publish, in
// keeping with the tile table being a per-run derivation.
func PublishClickHouse(ctx context.Context, log *slog.Logger, st *storage.Store, cfg ClickHouseConfig) (int, error) {
	tiles, err := readLiveTiles(ctx, st)
	if err != nil {
		return 0, err
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return 0, fmt.Errorf("open clickhouse: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Ping(ctx); err != nil {
		return 0, fmt.Errorf("ping clickhouse: %w", err)
	}

	createSQL := `CREATE TABLE IF NOT EXISTS ` + storage.TableTiles + ` (
		lat_bin      Float64,
		lon_bin      Float64,
		sales_count  Int64,
		avg_price    Float64,
		median_price Float64
	)
	ENGINE = MergeTree()
	ORDER BY (lat_bin, lon_bin)`
	if err := conn.Exec(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("create clickhouse table: %w", err)
	}
	if err := conn.Exec(ctx, `TRUNCATE TABLE `+storage.TableTiles); err != nil {
		return 0, fmt.Errorf("truncate clickhouse table: %w", err)
	}

	batch, err := conn.PrepareBatch(ctx, `INSERT INTO `+storage.TableTiles)
	if err != nil {
		return 0, fmt.Errorf("prepare clickhouse batch: %w", err)
	}
	for _, t := range tiles {
		if err := batch.Append(t.LatBin, t.LonBin, t.SalesCount, t.AvgPrice, t.MedianPrice); err != nil {
			return 0, fmt.Errorf("append tile (%g, %g): %w", t.LatBin, t.LonBin, err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send clickhouse batch: %w", err)
	}

	log.Info("published tiles to clickhouse",
		"host", cfg.Host, "database", cfg.Database, "tiles", len(tiles))
	return len(tiles), nil
}
