// Package dispatch decodes one JSON-RPC request per ready session and
// routes it to the broker's small set of named tools, grounded on this
// codebase's handleSQL/handleFunction switch-by-type dispatch and its
// respond() error-enveloping pattern, generalized from an AMQP RPC envelope
// to the tools/call JSON-RPC envelope of SPEC_FULL §6.
package dispatch

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/S3tuit/ai-db-explorer-sub000/internal/backend"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/session"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/validator"
)

const (
	toolRunSQLQuery     = "run_sql_query"
	toolListConnections = "list_connections"
)

type envelopeIn struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"params"`
}

type envelopeOut struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type runSQLQueryArgs struct {
	ConnectionName string `json:"connectionName"`
	Query          string `json:"query"`
}

type resultColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type runSQLQueryResult struct {
	ExecMs    int64          `json:"exec_ms"`
	Columns   []resultColumn `json:"columns"`
	Rows      [][]any        `json:"rows"`
	RowCount  int            `json:"rowcount"`
	Truncated bool           `json:"truncated"`
}

type connectionSummary struct {
	Name     string `json:"name"`
	ReadOnly bool   `json:"readOnly"`
}

type listConnectionsResult struct {
	Connections []connectionSummary `json:"connections"`
}

// Dispatcher ties the database manager and the SQL validator together
// behind the tool surface SPEC_FULL §4.5 names.
type Dispatcher struct {
	backend   backend.Manager
	validator *validator.Validator
	log       *logrus.Entry
}

func New(be backend.Manager, v *validator.Validator, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{backend: be, validator: v, log: log}
}

// Dispatch decodes and routes one request frame, returning the response
// frame bytes to write back. It never panics and never returns a nil
// response for a non-fatal error: every reachable path produces exactly one
// JSON-RPC envelope. The boolean return reports whether the error is fatal
// (protocol-level, no response produced) per SPEC_FULL §7.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, raw []byte) ([]byte, bool) {
	traceID := uuid.NewString()
	log := d.log.WithField("trace_id", traceID)

	var req envelopeIn
	if err := json.Unmarshal(raw, &req); err != nil {
		log.WithError(err).Warn("invalid JSON-RPC envelope")
		return encodeError(nil, -32700, "Invalid JSON"), false
	}
	if req.JSONRPC != "2.0" || req.Method == "" || len(req.ID) == 0 {
		log.Warn("malformed JSON-RPC request")
		return encodeError(req.ID, -32600, "Invalid JSON-RPC request"), false
	}
	if req.Method != "tools/call" {
		log.WithField("method", req.Method).Warn("unknown method")
		return encodeError(req.ID, -32601, fmt.Sprintf("unknown method %q", req.Method)), false
	}

	switch req.Params.Name {
	case toolRunSQLQuery:
		return d.dispatchRunSQLQuery(ctx, sess, req.ID, req.Params.Arguments, log), false
	case toolListConnections:
		return d.dispatchListConnections(req.ID, log), false
	default:
		log.WithField("tool", req.Params.Name).Warn("unknown tool")
		return encodeError(req.ID, -32601, fmt.Sprintf("unknown tool %q", req.Params.Name)), false
	}
}

func (d *Dispatcher) dispatchRunSQLQuery(ctx context.Context, sess *session.Session, id json.RawMessage, rawArgs json.RawMessage, log *logrus.Entry) []byte {
	var args runSQLQueryArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil || args.ConnectionName == "" || args.Query == "" {
		return encodeError(id, int(brokererrInvalidParams), "connectionName and query are required")
	}
	log = log.WithField("conn_name", args.ConnectionName)

	handle, profile, err := d.backend.Resolve(args.ConnectionName)
	if err != nil {
		log.WithError(err).Warn("unknown connection")
		return encodeError(id, int(brokererrInvalidParams), "Unable to connect to the requested database.")
	}
	_ = sess.ConnStore(args.ConnectionName)

	query, touches, err := d.backend.BuildIR(ctx, handle, args.Query)
	if err != nil {
		log.WithError(err).Warn("failed to parse query")
		return encodeError(id, int(brokererrInvalidParams), "The query could not be parsed.")
	}

	d.validator.SetChecker(functionSafetyAdapter{ctx: ctx, backend: d.backend, handle: handle})
	result, err := d.validator.Validate(query, touches, profile)
	if err != nil {
		log.WithError(err).Error("validator internal error")
		return encodeError(id, int(brokererrInternal), "Something went wrong while validating the query.")
	}
	if !result.Accepted {
		log.WithField("reason", result.Reason).Info("query rejected by validator")
		return encodeError(id, int(brokererrValidatorRejected), result.Reason)
	}

	start := time.Now()
	execResult, err := d.backend.Exec(ctx, handle, args.Query)
	if err != nil {
		log.WithError(err).Error("backend execution failed")
		return encodeError(id, int(brokererrBackend), "Something went wrong while communicating with the database.")
	}

	cols := make([]resultColumn, len(execResult.Columns))
	for i, c := range execResult.Columns {
		cols[i] = resultColumn{Name: c.Name, Type: c.Type}
	}

	if result.SensitiveMode && profile.Policy.ColumnPseudonymize.Enabled {
		pseudonymizeColumns(execResult.Rows, validator.SensitiveSelectIndices(query, profile), profile.Policy.ColumnPseudonymize.Strategy)
	}

	out := runSQLQueryResult{
		ExecMs:    time.Since(start).Milliseconds(),
		Columns:   cols,
		Rows:      execResult.Rows,
		RowCount:  execResult.RowCount,
		Truncated: execResult.Truncated,
	}
	return encodeResult(id, out)
}

func (d *Dispatcher) dispatchListConnections(id json.RawMessage, log *logrus.Entry) []byte {
	conns := d.backend.Connections()
	out := make([]connectionSummary, len(conns))
	for i, c := range conns {
		out[i] = connectionSummary{Name: c.Name, ReadOnly: c.ReadOnly}
	}
	return encodeResult(id, listConnectionsResult{Connections: out})
}

// pseudonymizeColumns replaces every value at the given column indices with
// a pseudonym in place, per the connection's configured strategy: a
// "deterministic" strategy hashes the original value so repeated runs and
// repeated values produce the same pseudonym; anything else (including an
// unset strategy) falls back to a fresh random pseudonym per cell, since a
// value an operator has chosen to mask should never leak unmasked rather
// than default to an unrecognized strategy name.
func pseudonymizeColumns(rows [][]any, indices []int, strategy string) {
	if len(indices) == 0 {
		return
	}
	for _, row := range rows {
		for _, idx := range indices {
			if idx < 0 || idx >= len(row) {
				continue
			}
			if row[idx] == nil {
				continue
			}
			if strategy == "deterministic" {
				row[idx] = deterministicPseudonym(row[idx])
			} else {
				row[idx] = randomPseudonym()
			}
		}
	}
}

func deterministicPseudonym(v any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return "anon_" + hex.EncodeToString(sum[:8])
}

func randomPseudonym() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "anon_redacted"
	}
	return "anon_" + hex.EncodeToString(buf[:])
}

type functionSafetyAdapter struct {
	ctx     context.Context
	backend backend.Manager
	handle  backend.Handle
}

func (f functionSafetyAdapter) IsGloballySafe(qualifiedName string) (bool, error) {
	return f.backend.IsFunctionSafe(f.ctx, f.handle, qualifiedName)
}

// Closed set of error codes mirroring brokererr.Kind, scoped to this
// package's JSON-RPC error field.
const (
	brokererrInvalidParams     = -32602
	brokererrInternal          = -32603
	brokererrValidatorRejected = -32000
	brokererrBackend           = -32001
)

func encodeResult(id json.RawMessage, result any) []byte {
	env := envelopeOut{JSONRPC: "2.0", ID: id, Result: result}
	b, err := json.Marshal(env)
	if err != nil {
		return encodeError(id, brokererrInternal, "failed to encode response")
	}
	return b
}

func encodeError(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	env := envelopeOut{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
	b, err := json.Marshal(env)
	if err != nil {
		// Marshaling a closed, known-good struct cannot fail in practice;
		// fall back to a hand-built minimal envelope rather than panic.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return b
}
