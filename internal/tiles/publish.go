package tiles

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"housing_heatmap/internal/storage"
)

// PublishSnapshot writes the live tile table to a columnar parquet file with
// exactly the tile columns. The snapshot is a versionable artifact that the
// consumer prefers over the live store, so a dashboard can be decoupled from
// the pipeline's database entirely.
func PublishSnapshot(ctx context.Context, log *slog.Logger, st *storage.Store, path string) (int, error) {
	tiles, err := readLiveTiles(ctx, st)
	if err != nil {
		return 0, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("create snapshot directory: %w", err)
		}
	}
	if err := parquet.WriteFile(path, tiles); err != nil {
		return 0, fmt.Errorf("write snapshot %s: %w", path, err)
	}
	log.Info("published tile snapshot", "path", path, "tiles", len(tiles))
	return len(tiles), nil
}
