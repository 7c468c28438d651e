// Package engine defines the analytical-engine client capability the rest of
// the server depends on: open a connection, execute a statement, close. The
// concrete XMLA transport lives in a subpackage; callers never see past this
// boundary except for the raw error text used for classification.
package engine

import (
	"context"
	"fmt"
	"time"
)

// Credentials identifies a service principal against an Azure AD tenant.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Target names one tabular dataset behind an XMLA endpoint.
type Target struct {
	Endpoint string
	Catalog  string
	Credentials
}

// ConnectionString renders the classic MSOLAP descriptor for the target. It is
// what the engine receives; the core never parses it back.
func (t Target) ConnectionString() string {
	return fmt.Sprintf(
		"Provider=MSOLAP;Data Source=%s;Initial Catalog=%s;User ID=app:%s@%s;Password=%s;",
		t.Endpoint, t.Catalog, t.ClientID, t.TenantID, t.ClientSecret,
	)
}

// Redacted is the descriptor with the secret masked, safe for logs and error
// context.
func (t Target) Redacted() string {
	masked := t
	masked.ClientSecret = "****"
	return masked.ConnectionString()
}

// Column describes one column of a result set.
type Column struct {
	Name string
	Type string
}

// Result is the raw outcome of one statement execution. Values are native
// engine types; encoding for transport happens elsewhere.
type Result struct {
	Columns  []Column
	Rows     [][]any
	Duration time.Duration
}

// Handle is a live connection to one dataset.
type Handle interface {
	// Execute runs a DAX or DMV statement and returns its rowset.
	Execute(ctx context.Context, statement string) (Result, error)
	// Ping issues a trivial statement to probe liveness.
	Ping(ctx context.Context) error
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Client opens handles against tabular datasets.
type Client interface {
	Open(ctx context.Context, target Target) (Handle, error)
}
