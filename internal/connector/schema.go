package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pbibridge/pbibridge/internal/engine"
)

// DMV statements against the tabular model's system views. Batch queries keep
// discovery to a fixed number of round trips regardless of model size.
const (
	dmvTables        = "SELECT [ID], [Name], [Description] FROM $SYSTEM.TMSCHEMA_TABLES"
	dmvColumns       = "SELECT [ID], [TableID], [ExplicitName], [ExplicitDataType], [Description] FROM $SYSTEM.TMSCHEMA_COLUMNS"
	dmvMeasures      = "SELECT [TableID], [Name], [Expression], [Description] FROM $SYSTEM.TMSCHEMA_MEASURES"
	dmvRelationships = "SELECT [FromTableID], [ToTableID], [FromColumnID], [ToColumnID], [IsActive], [CrossFilteringBehavior], [FromCardinality], [ToCardinality] FROM $SYSTEM.TMSCHEMA_RELATIONSHIPS"
)

const noDescription = "No description available"

// refreshSchema rebuilds the metadata cache from the model's system views and
// loads sample rows for the first DiscoveryTableLimit tables. Tables already
// known are refreshed in place, never dropped.
func (s *Session) refreshSchema(ctx context.Context) error {
	tablesRes, err := s.runStatement(ctx, dmvTables, s.opts.DefaultTimeout)
	if err != nil {
		return err
	}
	columnsRes, err := s.runStatement(ctx, dmvColumns, s.opts.DefaultTimeout)
	if err != nil {
		return err
	}
	measuresRes, err := s.runStatement(ctx, dmvMeasures, s.opts.DefaultTimeout)
	if err != nil {
		return err
	}
	relationshipsRes, err := s.runStatement(ctx, dmvRelationships, s.opts.DefaultTimeout)
	if err != nil {
		return err
	}

	model := buildModel(tablesRes, columnsRes, measuresRes, relationshipsRes)

	s.mu.Lock()
	for _, name := range model.order {
		fresh := model.tables[name]
		if existing, ok := s.tables[name]; ok {
			detail := existing.detailed
			samples := existing.SampleRows
			*existing = *fresh
			existing.detailed = detail
			existing.SampleRows = samples
			continue
		}
		s.tables[name] = fresh
		s.tableOrder = append(s.tableOrder, name)
	}
	s.schemaValid = true
	limit := s.opts.DiscoveryTableLimit
	initial := make([]*TableInfo, 0, limit)
	for i, name := range s.tableOrder {
		if i >= limit {
			break
		}
		if info := s.tables[name]; !info.detailed {
			initial = append(initial, info)
		}
	}
	s.mu.Unlock()

	for _, info := range initial {
		if err := s.loadTableDetail(ctx, info); err != nil {
			s.logger.Warn("detail load failed during discovery",
				slog.String("table", info.Name), slog.Any("error", err))
		}
	}
	return nil
}

// loadTableDetail fills the bounded sample-row cache for a data table and
// marks the entry as fully loaded. Measure tables carry no rows to sample.
func (s *Session) loadTableDetail(ctx context.Context, info *TableInfo) error {
	s.mu.Lock()
	kind := info.Kind
	name := info.Name
	s.mu.Unlock()

	if kind == KindMeasureTable {
		s.mu.Lock()
		info.detailed = true
		s.mu.Unlock()
		return nil
	}

	statement := fmt.Sprintf("EVALUATE TOPN(%d, '%s')", s.opts.SampleRows, escapeTableName(name))
	raw, err := s.runStatement(ctx, statement, s.opts.DefaultTimeout)
	if err != nil {
		return err
	}
	sampled := resultFromEngine(raw, s.opts.SampleRows)

	s.mu.Lock()
	info.SampleRows = sampled.Rows
	info.detailed = true
	s.mu.Unlock()
	return nil
}

type modelSnapshot struct {
	order  []string
	tables map[string]*TableInfo
}

func buildModel(tablesRes, columnsRes, measuresRes, relationshipsRes engine.Result) modelSnapshot {
	idToName := map[int64]string{}
	descriptions := map[int64]string{}
	var orderedIDs []int64

	for _, row := range tablesRes.Rows {
		id := asInt64(cell(tablesRes, row, "ID"))
		name := asString(cell(tablesRes, row, "Name"))
		if name == "" || isSystemTable(name) {
			continue
		}
		idToName[id] = name
		descriptions[id] = asString(cell(tablesRes, row, "Description"))
		orderedIDs = append(orderedIDs, id)
	}

	columnNames := map[int64]string{}
	columnsByTable := map[int64][]ColumnInfo{}
	for _, row := range columnsRes.Rows {
		tableID := asInt64(cell(columnsRes, row, "TableID"))
		name := asString(cell(columnsRes, row, "ExplicitName"))
		if name == "" || strings.HasPrefix(name, "RowNumber") {
			continue
		}
		columnNames[asInt64(cell(columnsRes, row, "ID"))] = name
		columnsByTable[tableID] = append(columnsByTable[tableID], ColumnInfo{
			Name:        name,
			DataType:    dataTypeName(asInt64(cell(columnsRes, row, "ExplicitDataType"))),
			Description: asString(cell(columnsRes, row, "Description")),
		})
	}

	measuresByTable := map[int64][]MeasureInfo{}
	for _, row := range measuresRes.Rows {
		tableID := asInt64(cell(measuresRes, row, "TableID"))
		measuresByTable[tableID] = append(measuresByTable[tableID], MeasureInfo{
			Name:        asString(cell(measuresRes, row, "Name")),
			Expression:  asString(cell(measuresRes, row, "Expression")),
			Description: asString(cell(measuresRes, row, "Description")),
		})
	}

	relationshipsByTable := map[int64][]Relationship{}
	for _, row := range relationshipsRes.Rows {
		fromTable := asInt64(cell(relationshipsRes, row, "FromTableID"))
		toTable := asInt64(cell(relationshipsRes, row, "ToTableID"))
		fromColumn := columnNames[asInt64(cell(relationshipsRes, row, "FromColumnID"))]
		toColumn := columnNames[asInt64(cell(relationshipsRes, row, "ToColumnID"))]
		fromName, okFrom := idToName[fromTable]
		toName, okTo := idToName[toTable]
		if !okFrom || !okTo || fromColumn == "" || toColumn == "" {
			continue
		}

		active := asBool(cell(relationshipsRes, row, "IsActive"))
		crossFilter := formatCrossFilter(asInt64(cell(relationshipsRes, row, "CrossFilteringBehavior")))
		fromCard := asInt64(cell(relationshipsRes, row, "FromCardinality"))
		toCard := asInt64(cell(relationshipsRes, row, "ToCardinality"))

		relationshipsByTable[fromTable] = append(relationshipsByTable[fromTable], Relationship{
			RelatedTable:         toName,
			FromColumn:           fromColumn,
			ToColumn:             toColumn,
			Cardinality:          formatCardinality(fromCard, toCard),
			IsActive:             active,
			CrossFilterDirection: crossFilter,
			Type:                 "Many-to-One",
		})
		relationshipsByTable[toTable] = append(relationshipsByTable[toTable], Relationship{
			RelatedTable:         fromName,
			FromColumn:           toColumn,
			ToColumn:             fromColumn,
			Cardinality:          formatCardinality(toCard, fromCard),
			IsActive:             active,
			CrossFilterDirection: crossFilter,
			Type:                 "One-to-Many",
		})
	}

	snapshot := modelSnapshot{tables: map[string]*TableInfo{}}
	for _, id := range orderedIDs {
		name := idToName[id]
		description := descriptions[id]
		if description == "" {
			description = noDescription
		}
		kind := KindDataTable
		if len(columnsByTable[id]) == 0 && len(measuresByTable[id]) > 0 {
			kind = KindMeasureTable
		}
		snapshot.tables[name] = &TableInfo{
			Name:          name,
			Kind:          kind,
			Description:   description,
			Columns:       columnsByTable[id],
			Measures:      measuresByTable[id],
			Relationships: relationshipsByTable[id],
		}
		snapshot.order = append(snapshot.order, name)
	}
	return snapshot
}

// isSystemTable filters the model's internal tables out of discovery.
func isSystemTable(name string) bool {
	return strings.HasPrefix(name, "$") ||
		strings.HasPrefix(name, "DateTableTemplate_") ||
		strings.HasPrefix(name, "LocalDateTable_")
}

func escapeTableName(name string) string {
	return strings.ReplaceAll(name, "'", "''")
}

func formatCardinality(from, to int64) string {
	return fmt.Sprintf("%s-to-%s", cardinalityWord(from), cardinalityWord(to))
}

func cardinalityWord(code int64) string {
	switch code {
	case 1:
		return "One"
	case 2:
		return "Many"
	default:
		return "Unknown"
	}
}

func formatCrossFilter(code int64) string {
	switch code {
	case 1:
		return "Single"
	case 2:
		return "Both"
	case 3:
		return "Automatic"
	case 4:
		return "None"
	default:
		return "Unknown"
	}
}

// dataTypeName maps TMSCHEMA explicit data type codes onto readable names.
func dataTypeName(code int64) string {
	switch code {
	case 1:
		return "automatic"
	case 2:
		return "string"
	case 6:
		return "int64"
	case 8:
		return "double"
	case 9:
		return "dateTime"
	case 10:
		return "decimal"
	case 11:
		return "boolean"
	case 17:
		return "binary"
	default:
		return "unknown"
	}
}

// cell looks a value up by DMV column name, tolerating the bracketed or
// table-prefixed forms the rowset may use.
func cell(result engine.Result, row []any, name string) any {
	for i, col := range result.Columns {
		if i >= len(row) {
			break
		}
		if normalizeDMVColumn(col.Name) == name {
			return row[i]
		}
	}
	return nil
}

func normalizeDMVColumn(name string) string {
	if open := strings.IndexByte(name, '['); open >= 0 {
		if end := strings.IndexByte(name[open:], ']'); end > 0 {
			return name[open+1 : open+end]
		}
	}
	return name
}

func asString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func asInt64(v any) int64 {
	switch typed := v.(type) {
	case int64:
		return typed
	case int:
		return int64(typed)
	case float64:
		return int64(typed)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func asBool(v any) bool {
	switch typed := v.(type) {
	case bool:
		return typed
	case int64:
		return typed != 0
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return false
		}
		return parsed
	default:
		return false
	}
}
