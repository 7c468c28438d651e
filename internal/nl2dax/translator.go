// Package nl2dax turns natural-language questions into DAX queries and query
// results back into prose, backed by an OpenAI-compatible chat endpoint.
package nl2dax

import (
	"context"
	"errors"
)

// ErrUnavailable reports that no language-model backend is configured. Callers
// degrade to canned responses rather than failing the request.
var ErrUnavailable = errors.New("natural-language generation is not configured")

// TableContext carries the schema slice the model sees for one table.
type TableContext struct {
	TableName     string           `json:"table_name"`
	Kind          string           `json:"kind"`
	Columns       []string         `json:"columns"`
	Measures      []string         `json:"measures,omitempty"`
	Relationships []string         `json:"relationships,omitempty"`
	SampleRows    []map[string]any `json:"sample_rows,omitempty"`
}

// Request asks for a DAX query answering one question against a dataset.
type Request struct {
	Catalog  string         `json:"catalog"`
	Question string         `json:"question"`
	Tables   []TableContext `json:"tables"`
	History  []Exchange     `json:"history,omitempty"`
}

// Generated is a model-produced DAX query before sanitization.
type Generated struct {
	DAX      string `json:"dax"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ResultSummary is the compact result view handed to interpretation.
type ResultSummary struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
}

// Translator is the language-model surface the dispatcher depends on.
type Translator interface {
	// GenerateQuery produces one DAX query for the question.
	GenerateQuery(ctx context.Context, req Request) (Generated, error)
	// InterpretResult explains a query result in plain language.
	InterpretResult(ctx context.Context, question string, result ResultSummary) (string, error)
	// SuggestQuestions proposes questions the dataset can answer.
	SuggestQuestions(ctx context.Context, catalog string, tables []TableContext) ([]string, error)
}

// Unavailable is the degraded Translator used when no backend is configured.
// Every call reports ErrUnavailable.
type Unavailable struct{}

func (Unavailable) GenerateQuery(context.Context, Request) (Generated, error) {
	return Generated{}, ErrUnavailable
}

func (Unavailable) InterpretResult(context.Context, string, ResultSummary) (string, error) {
	return "", ErrUnavailable
}

func (Unavailable) SuggestQuestions(context.Context, string, []TableContext) ([]string, error) {
	return nil, ErrUnavailable
}
