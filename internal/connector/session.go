// Package connector owns the live analytical-engine connection, the schema
// cache, and query execution. All failures cross its boundary as classified
// *Error values.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pbibridge/pbibridge/internal/dax"
	"github.com/pbibridge/pbibridge/internal/engine"
)

// Options bound the session's discovery and execution behavior.
type Options struct {
	// DiscoveryTableLimit caps how many tables get detailed metadata and
	// sample rows during connect. Remaining tables load lazily.
	DiscoveryTableLimit int
	// SampleRows is the per-table sample cache size.
	SampleRows int
	// DefaultRowCap applies when a request does not carry its own cap.
	DefaultRowCap int
	// DefaultTimeout applies when a request does not carry its own budget.
	DefaultTimeout time.Duration
	// DisconnectGrace bounds how long disconnect waits for in-flight calls.
	DisconnectGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.DiscoveryTableLimit <= 0 {
		o.DiscoveryTableLimit = 5
	}
	if o.SampleRows <= 0 {
		o.SampleRows = 3
	}
	if o.DefaultRowCap <= 0 {
		o.DefaultRowCap = 1000
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = 5 * time.Second
	}
	return o
}

// Session manages exactly one live connection to a tabular dataset. At most
// one handle exists at any time; a reconnect releases the old handle before
// acquiring a new one.
type Session struct {
	client engine.Client
	logger *slog.Logger
	opts   Options

	mu          sync.Mutex
	handle      engine.Handle
	target      engine.Target
	connected   bool
	generation  uint64
	schemaValid bool
	tableOrder  []string
	tables      map[string]*TableInfo

	inflight sync.WaitGroup
	cancelMu sync.Mutex
	cancels  map[uint64]context.CancelFunc
	cancelID uint64
}

func NewSession(client engine.Client, logger *slog.Logger, opts Options) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		client:  client,
		logger:  logger,
		opts:    opts.withDefaults(),
		tables:  map[string]*TableInfo{},
		cancels: map[uint64]context.CancelFunc{},
	}
}

// Connected reports whether a live handle exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Catalog returns the catalog of the active connection, or "".
func (s *Session) Catalog() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ""
	}
	return s.target.Catalog
}

// Connect releases any previous handle, acquires a fresh one, probes
// liveness, and runs bounded schema discovery. On failure the session is left
// disconnected with no handle retained.
func (s *Session) Connect(ctx context.Context, target engine.Target) error {
	s.mu.Lock()
	old := s.handle
	s.handle = nil
	s.connected = false
	s.schemaValid = false
	s.generation++
	generation := s.generation
	s.tableOrder = nil
	s.tables = map[string]*TableInfo{}
	s.mu.Unlock()

	if old != nil {
		s.cancelInflight()
		if err := old.Close(); err != nil {
			s.logger.Warn("closing previous handle failed", slog.Any("error", err))
		}
	}

	handle, err := s.client.Open(ctx, target)
	if err != nil {
		return classifyEngineError(err, KindConnection)
	}
	if err := handle.Ping(ctx); err != nil {
		_ = handle.Close()
		return classifyEngineError(err, KindConnection)
	}

	s.mu.Lock()
	if s.generation != generation {
		// A competing connect or disconnect won; drop this handle.
		s.mu.Unlock()
		_ = handle.Close()
		return newError(KindBusy, "connection superseded by a concurrent request", nil)
	}
	s.handle = handle
	s.target = target
	s.connected = true
	s.mu.Unlock()

	if err := s.refreshSchema(ctx); err != nil {
		s.logger.Warn("initial schema discovery failed",
			slog.String("catalog", target.Catalog), slog.Any("error", err))
		// The connection itself is good; metadata loads lazily on demand.
		return nil
	}

	s.logger.Info("connected to dataset",
		slog.String("catalog", target.Catalog),
		slog.String("descriptor", target.Redacted()),
		slog.Int("tables", len(s.TableNames())))
	return nil
}

// Disconnect releases the handle and invalidates the cache. It is idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	alreadyDown := !s.connected
	s.connected = false
	s.schemaValid = false
	s.generation++
	s.tableOrder = nil
	s.tables = map[string]*TableInfo{}
	s.mu.Unlock()

	if alreadyDown && handle == nil {
		return
	}

	s.cancelInflight()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.DisconnectGrace):
		s.logger.Warn("disconnect grace period elapsed with calls still in flight")
	}

	if handle != nil {
		if err := handle.Close(); err != nil {
			s.logger.Warn("closing handle failed", slog.Any("error", err))
		}
	}
	s.logger.Info("disconnected from dataset")
}

// TableNames returns discovered table names in stable discovery order.
func (s *Session) TableNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tableOrder))
	copy(names, s.tableOrder)
	return names
}

// ListTables returns the cached table names, refreshing the cache first when
// it has been invalidated.
func (s *Session) ListTables(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	connected := s.connected
	valid := s.schemaValid
	s.mu.Unlock()

	if !connected {
		return nil, newError(KindNotConnected, "not connected to a dataset", nil)
	}
	if !valid {
		if err := s.refreshSchema(ctx); err != nil {
			return nil, err
		}
	}
	return s.TableNames(), nil
}

// GetTableInfo returns the schema snapshot for one table, loading column,
// measure, and sample detail lazily when the initial bounded discovery did
// not cover it.
func (s *Session) GetTableInfo(ctx context.Context, name string) (*TableInfo, error) {
	s.mu.Lock()
	connected := s.connected
	valid := s.schemaValid
	s.mu.Unlock()

	if !connected {
		return nil, newError(KindNotConnected, "not connected to a dataset", nil)
	}
	if !valid {
		if err := s.refreshSchema(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	info, ok := s.tables[name]
	detailed := ok && info.detailed
	s.mu.Unlock()
	if !ok {
		return nil, newError(KindTableNotFound, fmt.Sprintf("table %q was not found in the dataset", name), nil)
	}
	if !detailed {
		if err := s.loadTableDetail(ctx, info); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	snapshot := snapshotTable(info)
	s.mu.Unlock()
	return snapshot, nil
}

// Execute sanitizes and runs one query within its timeout budget, enforcing
// the row cap. A call that outlives its budget is cancelled and reported as a
// timeout; its eventual result, if any, is discarded.
func (s *Session) Execute(ctx context.Context, req QueryRequest) (QueryResult, error) {
	cleaned, err := dax.Sanitize(req.Query)
	if err != nil {
		return QueryResult{}, newError(KindInvalidQuery, err.Error(), err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	maxRows := req.MaxRows
	if maxRows <= 0 {
		maxRows = s.opts.DefaultRowCap
	}

	raw, err := s.runStatement(ctx, cleaned, timeout)
	if err != nil {
		return QueryResult{}, err
	}
	result := resultFromEngine(raw, maxRows)
	s.logger.Info("query executed",
		slog.Int("rows", result.RowCount),
		slog.Bool("truncated", result.Truncated),
		slog.String("duration", result.Duration.String()))
	return result, nil
}

// runStatement performs one engine call off the caller's flow, awaiting
// completion or timeout. Results arriving after the deadline are dropped.
func (s *Session) runStatement(ctx context.Context, statement string, timeout time.Duration) (engine.Result, error) {
	s.mu.Lock()
	if !s.connected || s.handle == nil {
		s.mu.Unlock()
		return engine.Result{}, newError(KindNotConnected, "not connected to a dataset", nil)
	}
	handle := s.handle
	generation := s.generation
	s.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	id := s.trackCancel(cancel)

	type outcome struct {
		result engine.Result
		err    error
	}
	// Buffered so an abandoned call can still deliver and exit.
	done := make(chan outcome, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result, err := handle.Execute(execCtx, statement)
		done <- outcome{result: result, err: err}
	}()

	defer func() {
		cancel()
		s.untrackCancel(id)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			switch {
			case execCtx.Err() == context.DeadlineExceeded:
				return engine.Result{}, newError(KindQueryTimeout,
					fmt.Sprintf("query exceeded its %s budget", timeout), out.err)
			case execCtx.Err() == context.Canceled && ctx.Err() == nil:
				// Cancelled from our side: a disconnect or reconnect is in progress.
				return engine.Result{}, newError(KindNotConnected, "connection is closing", out.err)
			default:
				return engine.Result{}, classifyEngineError(out.err, KindQuery)
			}
		}
		s.mu.Lock()
		stale := s.generation != generation
		s.mu.Unlock()
		if stale {
			return engine.Result{}, newError(KindNotConnected, "connection was replaced while the query ran", nil)
		}
		return out.result, nil
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			s.logger.Warn("query abandoned after timeout", slog.String("timeout", timeout.String()))
			return engine.Result{}, newError(KindQueryTimeout,
				fmt.Sprintf("query exceeded its %s budget", timeout), execCtx.Err())
		}
		return engine.Result{}, newError(KindConnection, "query cancelled", execCtx.Err())
	}
}

func (s *Session) trackCancel(cancel context.CancelFunc) uint64 {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancelID++
	id := s.cancelID
	s.cancels[id] = cancel
	return id
}

func (s *Session) untrackCancel(id uint64) {
	s.cancelMu.Lock()
	delete(s.cancels, id)
	s.cancelMu.Unlock()
}

func (s *Session) cancelInflight() {
	s.cancelMu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancelMu.Unlock()
}

func snapshotTable(info *TableInfo) *TableInfo {
	copied := *info
	copied.Columns = append([]ColumnInfo(nil), info.Columns...)
	copied.Measures = append([]MeasureInfo(nil), info.Measures...)
	copied.Relationships = append([]Relationship(nil), info.Relationships...)
	copied.SampleRows = append([]map[string]any(nil), info.SampleRows...)
	return &copied
}
