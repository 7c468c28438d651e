package connector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pbibridge/pbibridge/internal/engine"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(client *fakeClient, opts Options) *Session {
	return NewSession(client, quietLogger(), opts)
}

func TestConnectDiscoversUserTables(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})

	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	names, err := session.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	want := []string{"Sales", "Product", "Region", "Metrics"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("ListTables() = %v, want %v", names, want)
	}

	// Stable order across repeated calls.
	again, err := session.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables() second call error = %v", err)
	}
	if !reflect.DeepEqual(again, want) {
		t.Fatalf("ListTables() second call = %v", again)
	}
}

func TestListTablesNotConnected(t *testing.T) {
	session := newTestSession(&fakeClient{}, Options{})
	_, err := session.ListTables(context.Background())
	if KindOf(err) != KindNotConnected {
		t.Fatalf("KindOf() = %v, want %v", KindOf(err), KindNotConnected)
	}
}

func TestGetTableInfoDataTable(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	info, err := session.GetTableInfo(context.Background(), "Sales")
	if err != nil {
		t.Fatalf("GetTableInfo() error = %v", err)
	}
	if info.Kind != KindDataTable {
		t.Fatalf("kind = %v", info.Kind)
	}
	if len(info.Columns) != 3 {
		t.Fatalf("columns = %v", info.Columns)
	}
	if info.Columns[0].DataType != "decimal" {
		t.Fatalf("Amount data type = %q", info.Columns[0].DataType)
	}
	if len(info.Relationships) != 1 {
		t.Fatalf("relationships = %v", info.Relationships)
	}
	rel := info.Relationships[0]
	if rel.RelatedTable != "Product" || rel.FromColumn != "ProductId" || rel.ToColumn != "Id" {
		t.Fatalf("relationship = %+v", rel)
	}
	if rel.Cardinality != "Many-to-One" || rel.CrossFilterDirection != "Single" || !rel.IsActive {
		t.Fatalf("relationship attributes = %+v", rel)
	}
}

func TestGetTableInfoMeasureTable(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	info, err := session.GetTableInfo(context.Background(), "Metrics")
	if err != nil {
		t.Fatalf("GetTableInfo() error = %v", err)
	}
	if info.Kind != KindMeasureTable {
		t.Fatalf("kind = %v", info.Kind)
	}
	if len(info.Measures) != 2 || info.Measures[0].Expression != "SUM(Sales[Amount])" {
		t.Fatalf("measures = %v", info.Measures)
	}
	if len(info.SampleRows) != 0 {
		t.Fatalf("measure table should carry no samples, got %v", info.SampleRows)
	}
}

func TestGetTableInfoLazySampleLoad(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{DiscoveryTableLimit: 1, SampleRows: 2})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	handle := client.lastHandle()
	before := countTOPN(handle.statements())
	if before != 1 {
		t.Fatalf("initial discovery TOPN calls = %d, want 1", before)
	}

	info, err := session.GetTableInfo(context.Background(), "Product")
	if err != nil {
		t.Fatalf("GetTableInfo() error = %v", err)
	}
	if len(info.SampleRows) == 0 {
		t.Fatal("expected lazily loaded sample rows")
	}
	if countTOPN(handle.statements()) != before+1 {
		t.Fatalf("TOPN calls = %d, want %d", countTOPN(handle.statements()), before+1)
	}

	// Second fetch is served from cache.
	if _, err := session.GetTableInfo(context.Background(), "Product"); err != nil {
		t.Fatalf("GetTableInfo() second call error = %v", err)
	}
	if countTOPN(handle.statements()) != before+1 {
		t.Fatal("cached detail should not trigger another sample query")
	}
}

func countTOPN(statements []string) int {
	count := 0
	for _, statement := range statements {
		if strings.HasPrefix(statement, "EVALUATE TOPN") {
			count++
		}
	}
	return count
}

func TestGetTableInfoNotFound(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_, err := session.GetTableInfo(context.Background(), "Nope")
	if KindOf(err) != KindTableNotFound {
		t.Fatalf("KindOf() = %v", KindOf(err))
	}
}

func TestExecuteSanitizesBeforeRunning(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := session.Execute(context.Background(), QueryRequest{Query: "```dax\nEVALUATE Sales\n```"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	statements := client.lastHandle().statements()
	last := statements[len(statements)-1]
	if last != "EVALUATE Sales" {
		t.Fatalf("executed statement = %q", last)
	}
}

func TestExecuteRejectsInvalidQuery(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_, err := session.Execute(context.Background(), QueryRequest{Query: "please show me sales"})
	if KindOf(err) != KindInvalidQuery {
		t.Fatalf("KindOf() = %v", KindOf(err))
	}
	// The invalid text never reached the engine.
	for _, statement := range client.lastHandle().statements() {
		if strings.Contains(statement, "please show") {
			t.Fatal("unsanitized query reached the engine")
		}
	}
}

func TestExecuteEnforcesRowCap(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result, err := session.Execute(context.Background(), QueryRequest{Query: "EVALUATE TOPN(5, Sales)", MaxRows: 1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 1 || !result.Truncated {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteUnderCapNotTruncated(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result, err := session.Execute(context.Background(), QueryRequest{Query: "EVALUATE TOPN(5, Sales)", MaxRows: 10})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Truncated {
		t.Fatal("result should not be truncated")
	}
	if result.RowCount != 2 {
		t.Fatalf("row count = %d", result.RowCount)
	}
}

func TestExecuteTimeout(t *testing.T) {
	client := &fakeClient{setup: func(h *fakeHandle) {
		h.delay = 30 * time.Millisecond
	}}
	session := newTestSession(client, Options{})
	// Connect succeeds despite the delay: discovery uses the default budget.
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	start := time.Now()
	_, err := session.Execute(context.Background(), QueryRequest{Query: "EVALUATE Sales", Timeout: 5 * time.Millisecond})
	if KindOf(err) != KindQueryTimeout {
		t.Fatalf("KindOf() = %v (err = %v)", KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %s to report", elapsed)
	}
}

func TestExecuteNotConnected(t *testing.T) {
	session := newTestSession(&fakeClient{}, Options{})
	_, err := session.Execute(context.Background(), QueryRequest{Query: "EVALUATE Sales"})
	if KindOf(err) != KindNotConnected {
		t.Fatalf("KindOf() = %v", KindOf(err))
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	session.Disconnect()
	if !client.lastHandle().isClosed() {
		t.Fatal("handle not closed on disconnect")
	}
	session.Disconnect() // second call is a no-op

	_, err := session.ListTables(context.Background())
	if KindOf(err) != KindNotConnected {
		t.Fatalf("KindOf() after disconnect = %v", KindOf(err))
	}
}

func TestReconnectReleasesOldHandleFirst(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := client.lastHandle()

	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if !first.isClosed() {
		t.Fatal("old handle must be released before the new one is acquired")
	}
	if !session.Connected() {
		t.Fatal("session should be connected after reconnect")
	}
}

func TestConnectAuthFailureClassified(t *testing.T) {
	client := &fakeClient{openErr: errors.New("response 401: AADSTS7000215 invalid client secret")}
	session := newTestSession(client, Options{})
	err := session.Connect(context.Background(), testTarget())
	if KindOf(err) != KindAuth {
		t.Fatalf("KindOf() = %v", KindOf(err))
	}
	if session.Connected() {
		t.Fatal("session must stay disconnected after auth failure")
	}
}

func TestConnectNetworkFailureClassified(t *testing.T) {
	client := &fakeClient{openErr: errors.New("dial tcp: connection refused")}
	session := newTestSession(client, Options{})
	err := session.Connect(context.Background(), testTarget())
	if KindOf(err) != KindConnection {
		t.Fatalf("KindOf() = %v", KindOf(err))
	}
}

func TestExecuteQueryErrorClassified(t *testing.T) {
	client := &fakeClient{setup: func(h *fakeHandle) {
		h.override = func(statement string) (engine.Result, bool, error) {
			if statement == "EVALUATE Broken" {
				return engine.Result{}, true, errors.New("Query (1, 12) The syntax for 'Broken' is incorrect")
			}
			return engine.Result{}, false, nil
		}
	}}
	session := newTestSession(client, Options{})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_, err := session.Execute(context.Background(), QueryRequest{Query: "EVALUATE Broken"})
	if KindOf(err) != KindQuery {
		t.Fatalf("KindOf() = %v (err = %v)", KindOf(err), err)
	}
}

func TestGetTableInfoConcurrentLazyLoad(t *testing.T) {
	client := &fakeClient{}
	session := newTestSession(client, Options{DiscoveryTableLimit: 1, SampleRows: 2})
	if err := session.Connect(context.Background(), testTarget()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// "Product" sits outside the discovery window, so every caller races to
	// load its detail.
	const callers = 4
	infos := make([]*TableInfo, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			infos[slot], errs[slot] = session.GetTableInfo(context.Background(), "Product")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("GetTableInfo() caller %d error = %v", i, errs[i])
		}
		if infos[i] == nil || infos[i].Name != "Product" {
			t.Fatalf("GetTableInfo() caller %d = %+v", i, infos[i])
		}
		if len(infos[i].Columns) != 2 {
			t.Fatalf("caller %d columns = %v", i, infos[i].Columns)
		}
	}
}
