package connector

import (
	"fmt"
	"time"

	"github.com/pbibridge/pbibridge/internal/engine"
)

// TableKind distinguishes tables that hold rows from pure measure containers.
type TableKind string

const (
	KindDataTable    TableKind = "data_table"
	KindMeasureTable TableKind = "measure_table"
)

type ColumnInfo struct {
	Name        string `json:"name"`
	DataType    string `json:"data_type"`
	Description string `json:"description,omitempty"`
}

type MeasureInfo struct {
	Name        string `json:"name"`
	Expression  string `json:"dax"`
	Description string `json:"description,omitempty"`
}

// Relationship describes one edge of the model graph from the owning table's
// point of view.
type Relationship struct {
	RelatedTable         string `json:"related_table"`
	FromColumn           string `json:"from_column"`
	ToColumn             string `json:"to_column"`
	Cardinality          string `json:"cardinality"`
	IsActive             bool   `json:"is_active"`
	CrossFilterDirection string `json:"cross_filter_direction"`
	Type                 string `json:"relationship_type"`
}

// Describe renders the edge as one line for model prompts.
func (r Relationship) Describe() string {
	active := "active"
	if !r.IsActive {
		active = "inactive"
	}
	return fmt.Sprintf("[%s] -> %s[%s] (%s, %s, cross-filter %s)",
		r.FromColumn, r.RelatedTable, r.ToColumn, r.Cardinality, active, r.CrossFilterDirection)
}

// TableInfo is the cached schema snapshot for one table. Sample rows are
// bounded and loaded lazily for tables outside the initial discovery window.
type TableInfo struct {
	Name          string           `json:"name"`
	Kind          TableKind        `json:"kind"`
	Description   string           `json:"description"`
	Columns       []ColumnInfo     `json:"columns,omitempty"`
	Measures      []MeasureInfo    `json:"measures,omitempty"`
	Relationships []Relationship   `json:"relationships,omitempty"`
	SampleRows    []map[string]any `json:"sample_rows,omitempty"`

	detailed bool
}

// QueryRequest is one execution attempt: a candidate query plus its budget.
type QueryRequest struct {
	Query   string
	Timeout time.Duration
	MaxRows int
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult carries the rows of a completed query. Truncated is set when
// the row cap cut the result short.
type QueryResult struct {
	Columns   []Column         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	Duration  time.Duration    `json:"-"`
}

func resultFromEngine(raw engine.Result, maxRows int) QueryResult {
	columns := make([]Column, 0, len(raw.Columns))
	for _, col := range raw.Columns {
		columns = append(columns, Column{Name: col.Name, Type: col.Type})
	}

	truncated := false
	rows := raw.Rows
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
		truncated = true
	}

	mapped := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				entry[col.Name] = row[i]
			} else {
				entry[col.Name] = nil
			}
		}
		mapped = append(mapped, entry)
	}

	return QueryResult{
		Columns:   columns,
		Rows:      mapped,
		RowCount:  len(mapped),
		Truncated: truncated,
		Duration:  raw.Duration,
	}
}
