// Package dispatch routes named tool calls to the session, the query
// generator, and the archival side effects, enforcing the one-connection
// lifecycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pbibridge/pbibridge/internal/archive"
	"github.com/pbibridge/pbibridge/internal/connector"
	"github.com/pbibridge/pbibridge/internal/encode"
	"github.com/pbibridge/pbibridge/internal/engine"
	"github.com/pbibridge/pbibridge/internal/history"
	"github.com/pbibridge/pbibridge/internal/nl2dax"
	"github.com/pbibridge/pbibridge/internal/observability"
)

// Session is the connection surface the dispatcher drives.
type Session interface {
	Connect(ctx context.Context, target engine.Target) error
	Disconnect()
	Connected() bool
	Catalog() string
	ListTables(ctx context.Context) ([]string, error)
	GetTableInfo(ctx context.Context, name string) (*connector.TableInfo, error)
	Execute(ctx context.Context, req connector.QueryRequest) (connector.QueryResult, error)
}

type state string

const (
	stateNoSession  state = "NO_SESSION"
	stateConnecting state = "CONNECTING"
	stateReady      state = "READY"
	stateQuerying   state = "QUERYING"
)

type Options struct {
	// GenerationEnabled gates the ask_question pipeline; suggest_questions
	// degrades to templates instead.
	GenerationEnabled bool
	SuggestionCount   int
	// SchemaContextTables caps how many tables are described to the model.
	SchemaContextTables int
}

func (o Options) withDefaults() Options {
	if o.SuggestionCount <= 0 {
		o.SuggestionCount = 5
	}
	if o.SchemaContextTables <= 0 {
		o.SchemaContextTables = 5
	}
	return o
}

type Dispatcher struct {
	session      Session
	translator   nl2dax.Translator
	conversation *nl2dax.Conversation
	recorder     history.Recorder
	archiver     *archive.Archiver
	logger       *slog.Logger
	opts         Options

	tools map[string]tool

	mu      sync.Mutex
	state   state
	queryID uint64
}

func New(session Session, translator nl2dax.Translator, conversation *nl2dax.Conversation, recorder history.Recorder, archiver *archive.Archiver, logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if translator == nil {
		translator = nl2dax.Unavailable{}
	}
	if conversation == nil {
		conversation = nl2dax.NewConversation(0)
	}
	d := &Dispatcher{
		session:      session,
		translator:   translator,
		conversation: conversation,
		recorder:     recorder,
		archiver:     archiver,
		logger:       logger,
		opts:         opts.withDefaults(),
		state:        stateNoSession,
	}
	d.registerTools()
	return d
}

func (d *Dispatcher) registerTools() {
	generationAvailable := d.opts.GenerationEnabled
	d.tools = map[string]tool{
		ToolConnect: {
			info: ToolInfo{
				Name:        ToolConnect,
				Description: "Connect to a Power BI dataset over its XMLA endpoint.",
				Available:   true,
				Arguments: []argSpec{
					{Name: "xmla_endpoint", Type: argString, Required: true},
					{Name: "tenant_id", Type: argString, Required: true},
					{Name: "client_id", Type: argString, Required: true},
					{Name: "client_secret", Type: argString, Required: true},
					{Name: "initial_catalog", Type: argString, Required: true},
				},
			},
			handler: d.handleConnect,
		},
		ToolListTables: {
			info: ToolInfo{
				Name:        ToolListTables,
				Description: "List the tables of the connected dataset.",
				Available:   true,
			},
			handler: d.handleListTables,
		},
		ToolTableDetails: {
			info: ToolInfo{
				Name:        ToolTableDetails,
				Description: "Describe one table: columns, measures, relationships, and sample rows.",
				Available:   true,
				Arguments: []argSpec{
					{Name: "table_name", Type: argString, Required: true},
				},
			},
			handler: d.handleTableDetails,
		},
		ToolExecuteQuery: {
			info: ToolInfo{
				Name:        ToolExecuteQuery,
				Description: "Execute a DAX query against the connected dataset.",
				Available:   true,
				Arguments: []argSpec{
					{Name: "query", Type: argString, Required: true},
					{Name: "timeout_seconds", Type: argNumber},
					{Name: "max_rows", Type: argNumber},
				},
			},
			handler: d.handleExecuteQuery,
		},
		ToolAskQuestion: {
			info: ToolInfo{
				Name:        ToolAskQuestion,
				Description: "Answer a natural-language question by generating and running a DAX query.",
				Available:   generationAvailable,
				Arguments: []argSpec{
					{Name: "question", Type: argString, Required: true},
					{Name: "include_data", Type: argBool},
				},
			},
			handler: d.handleAskQuestion,
		},
		ToolSuggestions: {
			info: ToolInfo{
				Name:        ToolSuggestions,
				Description: "Suggest questions the connected dataset can answer.",
				Available:   true,
			},
			handler: d.handleSuggestions,
		},
		ToolQueryHistory: {
			info: ToolInfo{
				Name:        ToolQueryHistory,
				Description: "List recently executed queries.",
				Available:   true,
				Arguments: []argSpec{
					{Name: "limit", Type: argNumber},
				},
			},
			handler: d.handleQueryHistory,
		},
		ToolDisconnect: {
			info: ToolInfo{
				Name:        ToolDisconnect,
				Description: "Disconnect from the dataset and release the connection.",
				Available:   true,
			},
			handler: d.handleDisconnect,
		},
	}
}

// Dispatch validates the arguments and runs one tool call.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := d.tools[name]
	if !ok {
		err := invalidArguments(fmt.Sprintf("unknown tool %q", name))
		observability.ObserveToolInvocation(name, "invalid")
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(t.info, args); err != nil {
		observability.ObserveToolInvocation(name, "invalid")
		return nil, err
	}

	payload, err := t.handler(callContext{Context: ctx}, args)
	if err != nil {
		observability.ObserveToolInvocation(name, string(connector.KindOf(err)))
		return nil, err
	}
	observability.ObserveToolInvocation(name, "ok")
	return payload, nil
}

type callContext struct {
	context.Context
}

// transition moves the lifecycle forward, rejecting calls that would overlap
// an exclusive phase.
func (d *Dispatcher) transition(from []state, to state, busyMessage string) (state, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, candidate := range from {
		if d.state == candidate {
			previous := d.state
			d.state = to
			return previous, nil
		}
	}
	if d.state == stateNoSession {
		return d.state, &connector.Error{Kind: connector.KindNotConnected, Message: "not connected to a dataset"}
	}
	return d.state, &connector.Error{Kind: connector.KindBusy, Message: busyMessage}
}

func (d *Dispatcher) setState(s state) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Dispatcher) currentState() state {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) handleConnect(ctx callContext, args arguments) (any, error) {
	if _, err := d.transition([]state{stateNoSession, stateReady}, stateConnecting, "another operation is in progress"); err != nil {
		return nil, err
	}

	target := engine.Target{
		Endpoint: args.String("xmla_endpoint"),
		Catalog:  args.String("initial_catalog"),
		Credentials: engine.Credentials{
			TenantID:     args.String("tenant_id"),
			ClientID:     args.String("client_id"),
			ClientSecret: args.String("client_secret"),
		},
	}

	if err := d.session.Connect(ctx, target); err != nil {
		d.setState(stateNoSession)
		return nil, err
	}
	d.conversation.Reset()
	d.setState(stateReady)

	tables, err := d.session.ListTables(ctx)
	if err != nil {
		// Connected but discovery incomplete; table names load on demand.
		tables = nil
	}
	return map[string]any{
		"status":  "connected",
		"catalog": target.Catalog,
		"tables":  tables,
	}, nil
}

func (d *Dispatcher) handleDisconnect(_ callContext, _ arguments) (any, error) {
	d.setState(stateNoSession)
	d.session.Disconnect()
	d.conversation.Reset()
	return map[string]any{"status": "disconnected"}, nil
}

func (d *Dispatcher) handleListTables(ctx callContext, _ arguments) (any, error) {
	tables, err := d.session.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tables": tables}, nil
}

func (d *Dispatcher) handleTableDetails(ctx callContext, args arguments) (any, error) {
	info, err := d.session.GetTableInfo(ctx, args.String("table_name"))
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (d *Dispatcher) handleExecuteQuery(ctx callContext, args arguments) (any, error) {
	req := connector.QueryRequest{Query: args.String("query")}
	if seconds, ok := args.Number("timeout_seconds"); ok && seconds > 0 {
		req.Timeout = time.Duration(seconds * float64(time.Second))
	}
	if maxRows, ok := args.Number("max_rows"); ok && maxRows > 0 {
		req.MaxRows = int(maxRows)
	}

	result, err := d.runQuery(ctx, ToolExecuteQuery, "", req)
	if err != nil {
		return nil, err
	}
	return queryPayload(result), nil
}

// runQuery wraps session execution with the QUERYING phase, metrics, history
// recording, and best-effort archiving.
func (d *Dispatcher) runQuery(ctx context.Context, toolName, question string, req connector.QueryRequest) (connector.QueryResult, error) {
	if _, err := d.transition([]state{stateReady}, stateQuerying, "another query is running"); err != nil {
		return connector.QueryResult{}, err
	}
	defer d.setState(stateReady)

	executedAt := time.Now().UTC()
	result, err := d.session.Execute(ctx, req)
	if err != nil {
		if connector.KindOf(err) == connector.KindQueryTimeout {
			observability.IncrementQueryTimeout()
		}
		d.record(ctx, history.Entry{
			Catalog:    d.session.Catalog(),
			Tool:       toolName,
			Query:      req.Query,
			Question:   question,
			Status:     history.StatusError,
			ErrorKind:  string(connector.KindOf(err)),
			DurationMS: time.Since(executedAt).Milliseconds(),
			ExecutedAt: executedAt,
		})
		return connector.QueryResult{}, err
	}
	observability.ObserveQuery(result.RowCount, result.Duration)

	archiveKey := d.archive(ctx, result, executedAt)
	d.record(ctx, history.Entry{
		Catalog:    d.session.Catalog(),
		Tool:       toolName,
		Query:      req.Query,
		Question:   question,
		Status:     history.StatusOK,
		RowCount:   result.RowCount,
		Truncated:  result.Truncated,
		DurationMS: result.Duration.Milliseconds(),
		ArchiveKey: archiveKey,
		ExecutedAt: executedAt,
	})
	return result, nil
}

func (d *Dispatcher) archive(ctx context.Context, result connector.QueryResult, executedAt time.Time) string {
	if d.archiver == nil {
		return ""
	}
	d.mu.Lock()
	d.queryID++
	id := fmt.Sprintf("q-%s-%06d", executedAt.Format("20060102"), d.queryID)
	d.mu.Unlock()

	key, err := d.archiver.Archive(ctx, d.session.Catalog(), id, archive.Result{
		Columns:   columnNames(result),
		Rows:      encodedRows(result),
		RowCount:  result.RowCount,
		Truncated: result.Truncated,
	}, executedAt)
	if err != nil {
		d.logger.Warn("result archive failed", slog.Any("error", err))
		return ""
	}
	return key
}

func (d *Dispatcher) record(ctx context.Context, entry history.Entry) {
	if d.recorder == nil {
		return
	}
	if _, err := d.recorder.Record(ctx, entry); err != nil {
		d.logger.Warn("history record failed", slog.Any("error", err))
	}
}

func (d *Dispatcher) handleAskQuestion(ctx callContext, args arguments) (any, error) {
	if !d.opts.GenerationEnabled {
		return nil, &connector.Error{
			Kind:    connector.KindGenerationUnavailable,
			Message: "natural-language querying is not configured on this server",
		}
	}
	if !d.session.Connected() {
		return nil, &connector.Error{Kind: connector.KindNotConnected, Message: "not connected to a dataset"}
	}

	question := args.String("question")
	tables, err := d.schemaContext(ctx)
	if err != nil {
		return nil, err
	}

	generated, err := d.translator.GenerateQuery(ctx, nl2dax.Request{
		Catalog:  d.session.Catalog(),
		Question: question,
		Tables:   tables,
		History:  d.conversation.History(),
	})
	if err != nil {
		observability.ObserveGenerationCall("generate_query", "error")
		if errors.Is(err, nl2dax.ErrUnavailable) {
			return nil, &connector.Error{Kind: connector.KindGenerationUnavailable, Message: err.Error(), Err: err}
		}
		return nil, &connector.Error{Kind: connector.KindGenerationUnavailable, Message: "query generation failed", Err: err}
	}
	observability.ObserveGenerationCall("generate_query", "ok")

	result, err := d.runQuery(ctx, ToolAskQuestion, question, connector.QueryRequest{Query: generated.DAX})
	if err != nil {
		return nil, err
	}

	summary := nl2dax.ResultSummary{
		Columns:   columnNames(result),
		Rows:      encodedRows(result),
		RowCount:  result.RowCount,
		Truncated: result.Truncated,
	}
	answer, err := d.translator.InterpretResult(ctx, question, summary)
	if err != nil {
		observability.ObserveGenerationCall("interpret_result", "error")
		d.logger.Warn("result interpretation failed", slog.Any("error", err))
		answer = ""
	} else {
		observability.ObserveGenerationCall("interpret_result", "ok")
	}

	d.conversation.Record(nl2dax.Exchange{Question: question, DAX: generated.DAX, Answer: answer})

	payload := map[string]any{
		"question": question,
		"dax":      generated.DAX,
		"answer":   answer,
	}
	if args.Bool("include_data") {
		payload["result"] = queryPayload(result)
	}
	return payload, nil
}

func (d *Dispatcher) handleSuggestions(ctx callContext, _ arguments) (any, error) {
	if !d.session.Connected() {
		return nil, &connector.Error{Kind: connector.KindNotConnected, Message: "not connected to a dataset"}
	}
	tables, err := d.schemaContext(ctx)
	if err != nil {
		return nil, err
	}

	if d.opts.GenerationEnabled {
		questions, err := d.translator.SuggestQuestions(ctx, d.session.Catalog(), tables)
		if err == nil {
			observability.ObserveGenerationCall("suggest_questions", "ok")
			if len(questions) > d.opts.SuggestionCount {
				questions = questions[:d.opts.SuggestionCount]
			}
			return map[string]any{"questions": questions, "source": "model"}, nil
		}
		observability.ObserveGenerationCall("suggest_questions", "error")
		d.logger.Warn("model suggestions failed, using templates", slog.Any("error", err))
	}

	return map[string]any{
		"questions": nl2dax.TemplateSuggestions(tables, d.opts.SuggestionCount),
		"source":    "template",
	}, nil
}

func (d *Dispatcher) handleQueryHistory(ctx callContext, args arguments) (any, error) {
	if d.recorder == nil {
		return map[string]any{"entries": []history.Entry{}}, nil
	}
	limit := 0
	if value, ok := args.Number("limit"); ok {
		limit = int(value)
	}
	entries, err := d.recorder.Recent(ctx, d.session.Catalog(), limit)
	if err != nil {
		return nil, &connector.Error{Kind: connector.KindConnector, Message: "history lookup failed", Err: err}
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return map[string]any{"entries": entries}, nil
}

// schemaContext builds the bounded table view handed to the model and to
// template suggestions.
func (d *Dispatcher) schemaContext(ctx context.Context) ([]nl2dax.TableContext, error) {
	names, err := d.session.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) > d.opts.SchemaContextTables {
		names = names[:d.opts.SchemaContextTables]
	}

	contexts := make([]nl2dax.TableContext, 0, len(names))
	for _, name := range names {
		info, err := d.session.GetTableInfo(ctx, name)
		if err != nil {
			d.logger.Warn("table context load failed", slog.String("table", name), slog.Any("error", err))
			continue
		}
		tc := nl2dax.TableContext{TableName: info.Name, Kind: string(info.Kind)}
		for _, column := range info.Columns {
			tc.Columns = append(tc.Columns, column.Name)
		}
		for _, measure := range info.Measures {
			tc.Measures = append(tc.Measures, measure.Name)
		}
		for _, rel := range info.Relationships {
			tc.Relationships = append(tc.Relationships, rel.Describe())
		}
		for _, row := range info.SampleRows {
			tc.SampleRows = append(tc.SampleRows, encode.Row(row))
		}
		contexts = append(contexts, tc)
	}
	return contexts, nil
}

func queryPayload(result connector.QueryResult) map[string]any {
	return map[string]any{
		"columns":     columnNames(result),
		"rows":        encodedRows(result),
		"row_count":   result.RowCount,
		"truncated":   result.Truncated,
		"duration_ms": result.Duration.Milliseconds(),
	}
}

func columnNames(result connector.QueryResult) []string {
	names := make([]string, 0, len(result.Columns))
	for _, column := range result.Columns {
		names = append(names, column.Name)
	}
	return names
}

func encodedRows(result connector.QueryResult) []map[string]any {
	rows := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, encode.Row(row))
	}
	return rows
}
