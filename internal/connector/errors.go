package connector

import (
	"errors"
	"fmt"

	"github.com/pbibridge/pbibridge/internal/dax"
)

// Kind tags every failure that crosses the connector boundary. No raw engine
// error leaves this package unclassified.
type Kind string

const (
	KindAuth                  Kind = "AuthError"
	KindConnection            Kind = "ConnectionError"
	KindQuery                 Kind = "QueryError"
	KindQueryTimeout          Kind = "QueryTimeout"
	KindTableNotFound         Kind = "TableNotFound"
	KindNotConnected          Kind = "NotConnected"
	KindInvalidQuery          Kind = "InvalidQuery"
	KindInvalidArguments      Kind = "InvalidArguments"
	KindBusy                  Kind = "Busy"
	KindGenerationUnavailable Kind = "GenerationUnavailable"
	KindConnector             Kind = "ConnectorError"
)

// Error is the classified failure type for session operations.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, mapping sanitizer failures to InvalidQuery
// and anything unrecognized to the ConnectorError catch-all.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	var invalid *dax.InvalidQueryError
	if errors.As(err, &invalid) {
		return KindInvalidQuery
	}
	return KindConnector
}
