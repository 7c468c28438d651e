package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pbibridge/pbibridge/internal/observability"
	"github.com/pbibridge/pbibridge/internal/storage"
)

// Options tune archiver behavior beyond the store itself.
type Options struct {
	// VerifyWrites reads every archived object back after upload and recounts
	// its rows against the result. Adds a full round trip per archive; meant
	// for audit deployments, not the hot path.
	VerifyWrites bool
}

// Archiver writes query results to the object store under per-catalog,
// per-day keys. A nil *Archiver is a valid no-op.
type Archiver struct {
	store  storage.ObjectStore
	logger *slog.Logger
	opts   Options
}

func New(store storage.ObjectStore, logger *slog.Logger, opts Options) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger, opts: opts}
}

// Archive persists one result and returns its object key. Archiving is best
// effort from the caller's perspective; a failed archive never fails the
// query that produced the result.
func (a *Archiver) Archive(ctx context.Context, catalog, queryID string, result Result, executedAt time.Time) (string, error) {
	if a == nil || a.store == nil {
		return "", nil
	}
	if len(result.Rows) == 0 {
		return "", nil
	}

	key, err := storage.BuildArchivePath(catalog, queryID, executedAt)
	if err != nil {
		return "", err
	}
	data, err := EncodeResult(result, executedAt)
	if err != nil {
		return "", err
	}

	info, err := a.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	if err != nil {
		return "", fmt.Errorf("store archive %q: %w", key, err)
	}

	if a.opts.VerifyWrites {
		count, err := Verify(ctx, a.store, key)
		if err != nil {
			return "", fmt.Errorf("verify archive %q: %w", key, err)
		}
		if count != int64(len(result.Rows)) {
			return "", fmt.Errorf("archive %q verification counted %d rows, wrote %d", key, count, len(result.Rows))
		}
	}

	observability.AddArchivedBytes(info.Size)
	a.logger.Info("query result archived",
		slog.String("key", key),
		slog.Int("rows", len(result.Rows)),
		slog.Int64("bytes", info.Size))
	return key, nil
}
