// Package backend defines the narrow interface the broker core depends on
// to reach a database, grounded on this codebase's own database-facing
// naming (Model/interface-style separation of contract from implementation)
// generalized from a MySQL connection pool to a backend-agnostic contract
// whose only shipped implementation talks to PostgreSQL via pgx.
package backend

import (
	"context"
	"fmt"

	"github.com/S3tuit/ai-db-explorer-sub000/internal/validator"
)

// ErrUnknownConnection is returned by Resolve when no profile matches the
// requested connection name.
var ErrUnknownConnection = fmt.Errorf("backend: unknown connection")

// ErrBackendUnreachable is returned when a resolved connection's database
// cannot be reached.
var ErrBackendUnreachable = fmt.Errorf("backend: unreachable")

// Column describes one column of a query result.
type Column struct {
	Name string
	Type string
}

// QueryResult is the typed, bounded result of a successful execution.
type QueryResult struct {
	Columns   []Column
	Rows      [][]any
	RowCount  int
	Truncated bool
	ExecMs    int64
}

// Handle is an opaque, resolved reference to one configured connection.
type Handle interface {
	// Name returns the connection's configured name.
	Name() string
}

// Manager is the interface the broker core depends on. It is implemented
// concretely by internal/backend/postgres, but the core never imports that
// package directly — only this interface.
type Manager interface {
	// Resolve looks up a connection by name, returning ErrUnknownConnection
	// if it is not configured.
	Resolve(connectionName string) (Handle, *validator.Profile, error)

	// IsFunctionSafe answers the validator's safe-function predicate for a
	// fully-qualified function name against this connection's database.
	IsFunctionSafe(ctx context.Context, h Handle, qualifiedName string) (bool, error)

	// Exec runs sql against h, honoring the profile's statement timeout and
	// row cap. The caller has already passed the statement through the
	// validator.
	Exec(ctx context.Context, h Handle, sql string) (QueryResult, error)

	// BuildIR parses sql into the validator's query IR and produces its
	// touch report. This is the external parser/analyzer collaborator's
	// entry point as consumed by the broker.
	BuildIR(ctx context.Context, h Handle, sql string) (*validator.Query, validator.TouchReport, error)

	// Connections lists the configured connection names and their
	// read-only flags, backing the list_connections tool.
	Connections() []ConnectionSummary

	// Close releases every held resource (e.g. connection pools).
	Close()
}

// ConnectionSummary is the minimal per-connection information exposed by
// list_connections.
type ConnectionSummary struct {
	Name     string
	ReadOnly bool
}
