// Package archive persists query results as parquet objects and verifies
// them by reading the files back.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Result is the result slice handed to archiving, already wire-encoded.
type Result struct {
	Columns   []string
	Rows      []map[string]any
	RowCount  int
	Truncated bool
}

type archivedRow struct {
	RowIndex       int64  `parquet:"row_index"`
	PayloadJSON    string `parquet:"payload_json"`
	ArchivedUnixMs int64  `parquet:"archived_unix_ms"`
}

// EncodeResult serializes one result to parquet, one record per result row
// with the row payload as JSON.
func EncodeResult(result Result, archivedAt time.Time) ([]byte, error) {
	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("result has no rows to archive")
	}

	stamp := archivedAt.UTC().UnixMilli()
	records := make([]archivedRow, 0, len(result.Rows))
	for i, row := range result.Rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("marshal row %d: %w", i, err)
		}
		records = append(records, archivedRow{
			RowIndex:       int64(i),
			PayloadJSON:    string(payload),
			ArchivedUnixMs: stamp,
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[archivedRow](buf)
	if _, err := writer.Write(records); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
