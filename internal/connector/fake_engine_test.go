package connector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pbibridge/pbibridge/internal/engine"
)

func res(columns []string, rows ...[]any) engine.Result {
	cols := make([]engine.Column, 0, len(columns))
	for _, name := range columns {
		cols = append(cols, engine.Column{Name: name})
	}
	return engine.Result{Columns: cols, Rows: rows}
}

// fakeHandle answers DMV discovery statements from a fixed model and routes
// everything else through an optional override.
type fakeHandle struct {
	mu       sync.Mutex
	delay    time.Duration
	closed   bool
	executed []string
	override func(statement string) (engine.Result, bool, error)
}

func (h *fakeHandle) Execute(ctx context.Context, statement string) (engine.Result, error) {
	h.mu.Lock()
	h.executed = append(h.executed, statement)
	delay := h.delay
	override := h.override
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}

	if override != nil {
		if result, handled, err := override(statement); handled {
			return result, err
		}
	}

	switch {
	case strings.Contains(statement, "TMSCHEMA_TABLES"):
		return res([]string{"ID", "Name", "Description"},
			[]any{int64(1), "Sales", ""},
			[]any{int64(2), "Product", "Product master data"},
			[]any{int64(3), "Region", ""},
			[]any{int64(4), "Metrics", "Model measures"},
			[]any{int64(5), "DateTableTemplate_1a2b", ""},
			[]any{int64(6), "$Hidden", ""},
		), nil
	case strings.Contains(statement, "TMSCHEMA_COLUMNS"):
		return res([]string{"ID", "TableID", "ExplicitName", "ExplicitDataType", "Description"},
			[]any{int64(101), int64(1), "Amount", int64(10), "Sale amount"},
			[]any{int64(102), int64(1), "Date", int64(9), ""},
			[]any{int64(103), int64(1), "ProductId", int64(6), ""},
			[]any{int64(201), int64(2), "Id", int64(6), ""},
			[]any{int64(202), int64(2), "Name", int64(2), ""},
			[]any{int64(301), int64(3), "Name", int64(2), ""},
		), nil
	case strings.Contains(statement, "TMSCHEMA_MEASURES"):
		return res([]string{"TableID", "Name", "Expression", "Description"},
			[]any{int64(4), "Total Revenue", "SUM(Sales[Amount])", ""},
			[]any{int64(4), "Order Count", "COUNTROWS(Sales)", ""},
		), nil
	case strings.Contains(statement, "TMSCHEMA_RELATIONSHIPS"):
		return res([]string{"FromTableID", "ToTableID", "FromColumnID", "ToColumnID", "IsActive", "CrossFilteringBehavior", "FromCardinality", "ToCardinality"},
			[]any{int64(1), int64(2), int64(103), int64(201), true, int64(1), int64(2), int64(1)},
		), nil
	case strings.HasPrefix(statement, "EVALUATE TOPN"):
		return res([]string{"Sales[Amount]", "Sales[Date]", "Sales[ProductId]"},
			[]any{19.99, "2024-01-01", int64(7)},
			[]any{5.0, "2024-01-02", int64(8)},
		), nil
	default:
		return res([]string{"ok"}, []any{int64(1)}), nil
	}
}

func (h *fakeHandle) Ping(ctx context.Context) error {
	_, err := h.Execute(ctx, `EVALUATE ROW("ok", 1)`)
	return err
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) statements() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

type fakeClient struct {
	mu      sync.Mutex
	openErr error
	handles []*fakeHandle
	setup   func(h *fakeHandle)
}

func (c *fakeClient) Open(_ context.Context, _ engine.Target) (engine.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	handle := &fakeHandle{}
	if c.setup != nil {
		c.setup(handle)
	}
	c.handles = append(c.handles, handle)
	return handle, nil
}

func (c *fakeClient) lastHandle() *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

func testTarget() engine.Target {
	return engine.Target{
		Endpoint: "powerbi://api.powerbi.com/v1.0/myorg/WS",
		Catalog:  "SalesDS",
		Credentials: engine.Credentials{
			TenantID:     "tid",
			ClientID:     "cid",
			ClientSecret: "secret",
		},
	}
}
