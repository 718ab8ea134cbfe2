// Package postgres is the broker's one concrete database backend,
// grounded conceptually on this codebase's pool-per-tenant shape but built
// on github.com/jackc/pgx/v5 rather than a hand-rolled wire protocol,
// since speaking Postgres's wire format is explicitly out of the core's
// scope.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/S3tuit/ai-db-explorer-sub000/internal/backend"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/validator"
)

// IRBuilder is the external parser/analyzer collaborator that turns raw SQL
// into the validator's query IR plus its touch report. The core never
// implements SQL parsing itself; this interface is the seam where a real
// parser is plugged in.
type IRBuilder interface {
	Build(sql string) (*validator.Query, validator.TouchReport, error)
}

// ConnectionConfig is one entry from the JSON catalog (SPEC_FULL §6).
type ConnectionConfig struct {
	Name     string
	Host     string
	Port     uint16
	User     string
	Password string
	Database string
	Options  string
	Profile  *validator.Profile
}

func (c ConnectionConfig) connString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "postgres://%s", c.User)
	if c.Password != "" {
		fmt.Fprintf(&b, ":%s", c.Password)
	}
	fmt.Fprintf(&b, "@%s:%d/%s", c.Host, c.Port, c.Database)
	if c.Options != "" {
		fmt.Fprintf(&b, "?%s", c.Options)
	}
	return b.String()
}

type handle struct {
	cfg  ConnectionConfig
	pool *pgxpool.Pool
}

func (h *handle) Name() string { return h.cfg.Name }

// Manager is the postgres-backed implementation of backend.Manager. One
// pool is opened lazily per connection on first use and kept for the
// process lifetime.
type Manager struct {
	log       *logrus.Entry
	builder   IRBuilder
	mu        sync.Mutex
	handles   map[string]*handle
	configs   map[string]ConnectionConfig
	safeFuncs map[string]map[string]bool // connection name -> lowercase qualified name -> safe
}

// New builds a Manager over the given connection configs. builder may be
// nil; BuildIR then fails with a clear "no IR builder configured" error rather
// than silently returning an empty IR.
func New(log *logrus.Entry, configs []ConnectionConfig, builder IRBuilder) *Manager {
	byName := make(map[string]ConnectionConfig, len(configs))
	for _, c := range configs {
		byName[strings.ToLower(c.Name)] = c
	}
	return &Manager{
		log:       log,
		builder:   builder,
		handles:   make(map[string]*handle),
		configs:   byName,
		safeFuncs: make(map[string]map[string]bool),
	}
}

func (m *Manager) Resolve(connectionName string) (backend.Handle, *validator.Profile, error) {
	key := strings.ToLower(connectionName)
	cfg, ok := m.configs[key]
	if !ok {
		return nil, nil, backend.ErrUnknownConnection
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key]
	if !ok {
		pool, err := pgxpool.New(context.Background(), cfg.connString())
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", backend.ErrBackendUnreachable, err)
		}
		h = &handle{cfg: cfg, pool: pool}
		m.handles[key] = h
	}
	return h, cfg.Profile, nil
}

func (m *Manager) mustHandle(h backend.Handle) (*handle, error) {
	ph, ok := h.(*handle)
	if !ok || ph == nil {
		return nil, fmt.Errorf("backend: invalid handle")
	}
	return ph, nil
}

// IsFunctionSafe looks up pg_proc for an immutable (provolatile = 'i')
// function matching the qualified name, caching results per connection for
// the manager's lifetime since catalog contents do not change while a
// broker process is running against a given database.
func (m *Manager) IsFunctionSafe(ctx context.Context, h backend.Handle, qualifiedName string) (bool, error) {
	ph, err := m.mustHandle(h)
	if err != nil {
		return false, err
	}

	qualifiedName = strings.ToLower(qualifiedName)
	m.mu.Lock()
	cache, ok := m.safeFuncs[ph.cfg.Name]
	if !ok {
		cache = make(map[string]bool)
		m.safeFuncs[ph.cfg.Name] = cache
	}
	if safe, cached := cache[qualifiedName]; cached {
		m.mu.Unlock()
		return safe, nil
	}
	m.mu.Unlock()

	schema, name := "pg_catalog", qualifiedName
	if idx := strings.IndexByte(qualifiedName, '.'); idx >= 0 {
		schema, name = qualifiedName[:idx], qualifiedName[idx+1:]
	}

	const q = `SELECT count(*) FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE n.nspname = $1 AND p.proname = $2 AND p.provolatile = 'i'`
	var count int
	if err := ph.pool.QueryRow(ctx, q, schema, name).Scan(&count); err != nil {
		return false, fmt.Errorf("backend: pg_proc lookup for %s: %w", qualifiedName, err)
	}
	safe := count > 0

	m.mu.Lock()
	cache[qualifiedName] = safe
	m.mu.Unlock()
	return safe, nil
}

// Exec wraps sql in a per-statement timeout enforced by Postgres itself via
// SET LOCAL statement_timeout, and truncates the returned rows to the
// profile's MaxRowsPerQuery, setting Truncated when it does.
func (m *Manager) Exec(ctx context.Context, h backend.Handle, sql string) (backend.QueryResult, error) {
	ph, err := m.mustHandle(h)
	if err != nil {
		return backend.QueryResult{}, err
	}
	profile := ph.cfg.Profile

	if profile != nil && profile.Policy.ReadOnly && !isReadOnlyStatement(sql) {
		return backend.QueryResult{}, fmt.Errorf("backend: connection %q is read-only", ph.cfg.Name)
	}

	tx, err := ph.pool.Begin(ctx)
	if err != nil {
		return backend.QueryResult{}, fmt.Errorf("%w: begin: %v", backend.ErrBackendUnreachable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if profile != nil && profile.Policy.StatementTimeoutMs > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", profile.Policy.StatementTimeoutMs)
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return backend.QueryResult{}, fmt.Errorf("backend: setting statement_timeout: %w", err)
		}
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return backend.QueryResult{}, fmt.Errorf("backend: query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]backend.Column, len(fields))
	for i, f := range fields {
		cols[i] = backend.Column{Name: string(f.Name), Type: fmt.Sprintf("oid:%d", f.DataTypeOID)}
	}

	maxRows := 10000
	if profile != nil && profile.Policy.MaxRowsPerQuery > 0 {
		maxRows = int(profile.Policy.MaxRowsPerQuery)
	}

	var out [][]any
	truncated := false
	for rows.Next() {
		if len(out) >= maxRows {
			truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return backend.QueryResult{}, fmt.Errorf("backend: reading row: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return backend.QueryResult{}, fmt.Errorf("backend: row iteration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return backend.QueryResult{}, fmt.Errorf("backend: commit: %w", err)
	}

	return backend.QueryResult{
		Columns:   cols,
		Rows:      out,
		RowCount:  len(out),
		Truncated: truncated,
	}, nil
}

func isReadOnlyStatement(sql string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(sql))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")
}

func (m *Manager) BuildIR(ctx context.Context, h backend.Handle, sql string) (*validator.Query, validator.TouchReport, error) {
	if m.builder == nil {
		return nil, validator.TouchReport{}, fmt.Errorf("backend: no IR builder configured for this broker")
	}
	return m.builder.Build(sql)
}

func (m *Manager) Connections() []backend.ConnectionSummary {
	out := make([]backend.ConnectionSummary, 0, len(m.configs))
	for _, c := range m.configs {
		readOnly := false
		if c.Profile != nil {
			readOnly = c.Profile.Policy.ReadOnly
		}
		out = append(out, backend.ConnectionSummary{Name: c.Name, ReadOnly: readOnly})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		h.pool.Close()
	}
}

var _ backend.Manager = (*Manager)(nil)
