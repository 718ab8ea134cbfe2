// Package config loads the broker's JSON connection catalog and applies
// flag/environment overrides, grounded on this codebase's own
// DefaultServerConfig/LoadConfigFromFlags/getEnv* idiom, generalized from a
// single flat struct of device/AMQP/MySQL knobs into a catalog of
// per-database profiles loaded from a JSON document instead of flags alone.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/S3tuit/ai-db-explorer-sub000/internal/validator"
)

// MaxCatalogBytes and MaxDatabaseEntries are the catalog's hard caps.
const (
	MaxCatalogBytes    = 8 * 1024 * 1024
	MaxDatabaseEntries = 50
)

// rawSafetyPolicy mirrors the JSON shape of a safetyPolicy object.
type rawSafetyPolicy struct {
	ReadOnly             string           `json:"readOnly"`
	StatementTimeoutMs   uint32           `json:"statementTimeoutMs"`
	MaxRowReturned       uint32           `json:"maxRowReturned"`
	MaxPayloadKiloBytes  uint32           `json:"maxPayloadKiloBytes"`
	SensitiveModeMaxRows uint32           `json:"sensitiveModeMaxRows"`
	ColumnPolicy         *rawColumnPolicy `json:"columnPolicy"`
}

type rawColumnPolicy struct {
	Mode     string `json:"mode"`
	Strategy string `json:"strategy"`
}

type rawDatabase struct {
	Type             string           `json:"type"`
	ConnectionName   string           `json:"connectionName"`
	Host             string           `json:"host"`
	Port             uint16           `json:"port"`
	Username         string           `json:"username"`
	Password         string           `json:"password"`
	Database         string           `json:"database"`
	Options          string           `json:"options"`
	SensitiveColumns []string         `json:"sensitiveColumns"`
	SafeFunctions    []string         `json:"safeFunctions"`
	SafetyPolicy     *rawSafetyPolicy `json:"safetyPolicy"`
}

type rawCatalog struct {
	Version      string          `json:"version"`
	SafetyPolicy rawSafetyPolicy `json:"safetyPolicy"`
	Databases    []rawDatabase   `json:"databases"`
}

// Database is one parsed, validated catalog entry: the connection
// parameters plus its resolved safety profile.
type Database struct {
	ConnectionName string
	Host           string
	Port           uint16
	Username       string
	Password       string
	Database       string
	Options        string
	Profile        *validator.Profile
}

// Catalog is the broker's fully parsed, validated configuration.
type Catalog struct {
	Version   string
	Databases []Database
}

func toPolicy(raw rawSafetyPolicy, fallback validator.SafetyPolicy) validator.SafetyPolicy {
	policy := fallback
	if raw.ReadOnly != "" {
		policy.ReadOnly = strings.EqualFold(raw.ReadOnly, "yes")
	}
	if raw.StatementTimeoutMs > 0 {
		policy.StatementTimeoutMs = raw.StatementTimeoutMs
	}
	if raw.MaxRowReturned > 0 {
		policy.MaxRowsPerQuery = raw.MaxRowReturned
	}
	if raw.MaxPayloadKiloBytes > 0 {
		policy.MaxPayloadBytes = raw.MaxPayloadKiloBytes * 1024
	}
	if raw.SensitiveModeMaxRows > 0 {
		policy.SensitiveModeMaxRows = raw.SensitiveModeMaxRows
	}
	if raw.ColumnPolicy != nil {
		policy.ColumnPseudonymize = validator.ColumnPseudonymizeMode{
			Enabled:  strings.EqualFold(raw.ColumnPolicy.Mode, "pseudonymize"),
			Strategy: raw.ColumnPolicy.Strategy,
		}
	}
	return policy
}

func normalizeQualifiedNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		lower := strings.ToLower(strings.TrimSpace(n))
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, lower)
	}
	sort.Strings(out)
	return out
}

// Load parses and validates a catalog from raw JSON bytes. It never reads
// from disk itself; LoadFile wraps it with the size cap and file read.
func Load(raw []byte) (*Catalog, error) {
	if len(raw) > MaxCatalogBytes {
		return nil, fmt.Errorf("config: catalog exceeds %d bytes", MaxCatalogBytes)
	}

	var rc rawCatalog
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("config: invalid JSON: %w", err)
	}
	if len(rc.Databases) > MaxDatabaseEntries {
		return nil, fmt.Errorf("config: %d database entries exceeds cap of %d", len(rc.Databases), MaxDatabaseEntries)
	}

	basePolicy := toPolicy(rc.SafetyPolicy, validator.DefaultSafetyPolicy())

	seenNames := make(map[string]struct{}, len(rc.Databases))
	dbs := make([]Database, 0, len(rc.Databases))
	for i, rd := range rc.Databases {
		if rd.Type != "" && rd.Type != "postgres" {
			return nil, fmt.Errorf("config: database %d: unsupported type %q", i, rd.Type)
		}
		if rd.ConnectionName == "" {
			return nil, fmt.Errorf("config: database %d: connectionName is required", i)
		}
		key := strings.ToLower(rd.ConnectionName)
		if _, dup := seenNames[key]; dup {
			return nil, fmt.Errorf("config: duplicate connectionName %q", rd.ConnectionName)
		}
		seenNames[key] = struct{}{}

		policy := basePolicy
		if rd.SafetyPolicy != nil {
			policy = toPolicy(*rd.SafetyPolicy, basePolicy)
		}

		sensitive := normalizeQualifiedNames(rd.SensitiveColumns)
		safeFuncs := normalizeQualifiedNames(rd.SafeFunctions)
		profile := validator.NewProfile(rd.ConnectionName, policy, sensitive, safeFuncs)

		// A configured columnPolicy is the operator's explicit signal that
		// sensitive-mode queries are expected to run against this
		// connection and should be pseudonymized on the way out; absent
		// one, sensitive columns stay unreachable rather than returned
		// raw by default.
		if policy.ColumnPseudonymize.Enabled {
			profile.SetVaultOpen(true)
		}

		dbs = append(dbs, Database{
			ConnectionName: rd.ConnectionName,
			Host:           rd.Host,
			Port:           rd.Port,
			Username:       rd.Username,
			Password:       rd.Password,
			Database:       rd.Database,
			Options:        rd.Options,
			Profile:        profile,
		})
	}

	return &Catalog{Version: rc.Version, Databases: dbs}, nil
}

// LoadFile reads and parses a catalog from path, rejecting files over the
// size cap before they are ever unmarshaled.
func LoadFile(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Size() > MaxCatalogBytes {
		return nil, fmt.Errorf("config: %s exceeds %d bytes", path, MaxCatalogBytes)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(raw)
}

// RuntimeFlags are the process-level knobs that sit outside the JSON
// catalog: where to bind, how long timeouts run, whether a shared secret is
// required. Grounded on LoadConfigFromFlags's flag-then-env-override
// sequence.
type RuntimeFlags struct {
	CatalogPath      string
	SocketPath       string
	RequireSecret    bool
	SharedSecretHex  string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
}

// DefaultRuntimeFlags mirrors DefaultServerConfig's role: a complete,
// sensible default before flags or environment variables are applied.
func DefaultRuntimeFlags() *RuntimeFlags {
	return &RuntimeFlags{
		CatalogPath:      "catalog.json",
		SocketPath:       defaultSocketPath(),
		RequireSecret:    false,
		HandshakeTimeout: 3 * time.Second,
		RequestTimeout:   30 * time.Second,
	}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/broker.sock"
	}
	return fmt.Sprintf("%s/broker-%d.sock", os.TempDir(), os.Getuid())
}

// LoadRuntimeFlags parses command-line flags, then lets matching
// environment variables override them, mirroring the reference config's
// flag-then-env precedence.
func LoadRuntimeFlags() *RuntimeFlags {
	rf := DefaultRuntimeFlags()

	flag.StringVar(&rf.CatalogPath, "catalog", rf.CatalogPath, "Path to the JSON connection catalog")
	flag.StringVar(&rf.SocketPath, "socket", rf.SocketPath, "Path to the broker's Unix control socket")
	flag.BoolVar(&rf.RequireSecret, "require-secret", rf.RequireSecret, "Require a shared secret during handshake")
	flag.StringVar(&rf.SharedSecretHex, "shared-secret", rf.SharedSecretHex, "Hex-encoded 32-byte shared secret")
	flag.DurationVar(&rf.HandshakeTimeout, "handshake-timeout", rf.HandshakeTimeout, "Per-peer handshake timeout")
	flag.DurationVar(&rf.RequestTimeout, "request-timeout", rf.RequestTimeout, "Per-request read timeout")
	flag.Parse()

	rf.CatalogPath = getEnv("BROKER_CATALOG", rf.CatalogPath)
	rf.SocketPath = getEnv("BROKER_SOCKET", rf.SocketPath)
	rf.RequireSecret = getEnvBool("BROKER_REQUIRE_SECRET", rf.RequireSecret)
	rf.SharedSecretHex = getEnv("BROKER_SHARED_SECRET", rf.SharedSecretHex)
	rf.HandshakeTimeout = getEnvDuration("BROKER_HANDSHAKE_TIMEOUT", rf.HandshakeTimeout)
	rf.RequestTimeout = getEnvDuration("BROKER_REQUEST_TIMEOUT", rf.RequestTimeout)

	return rf
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
