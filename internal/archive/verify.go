package archive

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/pbibridge/pbibridge/internal/storage"
)

// Verify downloads one archived object and counts its records by reading the
// parquet file back through an embedded engine. A count mismatch against the
// recorded row count indicates a corrupt or incomplete archive.
func Verify(ctx context.Context, store storage.ObjectStore, key string) (int64, error) {
	if store == nil {
		return 0, fmt.Errorf("object store is required")
	}
	if strings.TrimSpace(key) == "" {
		return 0, fmt.Errorf("archive key is required")
	}

	reader, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get archive %q: %w", key, err)
	}

	workDir, err := os.MkdirTemp("", "pbibridge-verify-")
	if err != nil {
		_ = reader.Close()
		return 0, fmt.Errorf("create verify temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	localPath := filepath.Join(workDir, "archive.parquet")
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		return 0, fmt.Errorf("write local archive file: %w", err)
	}
	if err := reader.Close(); err != nil {
		return 0, fmt.Errorf("close archive %q: %w", key, err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return 0, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM read_parquet('%s')`, strings.ReplaceAll(localPath, "'", "''"))
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count archived rows: %w", err)
	}
	return count, nil
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return nil
}
