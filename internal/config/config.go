// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"deid/internal/ddl"
	"deid/internal/sqltype"
)

// Connection is a database/sql driver name and DSN.
type Connection struct {
	Driver string
	DSN    string
}

// Configured reports whether a DSN was given.
func (c Connection) Configured() bool { return c.DSN != "" }

func (c Connection) same(o Connection) bool {
	return c.DSN != "" && c.DSN == o.DSN && strings.EqualFold(c.Driver, o.Driver)
}

// Config holds the configuration of the deid command.
type Config struct {
	MetaDBPath  string     // path to the SQLite metastore (catalogs, plans, stores, runs)
	Source      Connection // dataset being de-identified
	Destination Connection // de-identified copy
	Mapping     Connection // mapping server holding the pseudonym stores

	// VaultTargets maps vault target names to their connections.
	VaultTargets map[string]Connection

	TargetPlatform     string // type dialect of the destination (default: derived from DEST_DRIVER)
	BatchSize          int    // rows per batch (default 5000)
	MaxParallelTables  int    // tables migrated concurrently (default 4)
	ResolveRPS         float64
	ResolveBurst       int
	DilutionScriptsDir string // directory of *.star dilution operations (optional)
	LogLevel           string // log level: debug, info, warn, error (default "info")
	Env                string // environment: "development" (default) or "production"

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// VaultNames lists the configured vault targets in order.
func (c *Config) VaultNames() []string {
	names := make([]string, 0, len(c.VaultTargets))
	for n := range c.VaultTargets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:         os.Getenv("META_DB_PATH"),
		Source:             connectionFromEnv("SOURCE"),
		Destination:        connectionFromEnv("DEST"),
		Mapping:            connectionFromEnv("MAPPING"),
		TargetPlatform:     strings.ToLower(os.Getenv("TARGET_PLATFORM")),
		DilutionScriptsDir: os.Getenv("DILUTION_SCRIPTS_DIR"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		Env:                os.Getenv("ENV"),
	}

	vaults, err := ParseVaultTargets(os.Getenv("VAULT_TARGETS"))
	if err != nil {
		return nil, err
	}
	cfg.VaultTargets = vaults

	cfg.BatchSize = cfg.intEnv("BATCH_SIZE", 5000)
	cfg.MaxParallelTables = cfg.intEnv("MAX_PARALLEL_TABLES", 4)
	cfg.ResolveBurst = cfg.intEnv("RESOLVE_BURST", 1)
	if v := os.Getenv("RESOLVE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.ResolveRPS = f
		} else {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring RESOLVE_RPS=%q: not a non-negative number", v))
		}
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "deid_meta.sqlite"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TargetPlatform == "" {
		cfg.TargetPlatform = platformForDriver(cfg.Destination.Driver)
	}
	switch cfg.TargetPlatform {
	case sqltype.PlatformDuckDB, sqltype.PlatformSQLite, sqltype.PlatformPostgres:
	default:
		return nil, fmt.Errorf("TARGET_PLATFORM must be duckdb, sqlite or postgres, got %q", cfg.TargetPlatform)
	}
	for _, c := range []struct {
		name string
		conn Connection
	}{{"SOURCE_DRIVER", cfg.Source}, {"DEST_DRIVER", cfg.Destination}, {"MAPPING_DRIVER", cfg.Mapping}} {
		if _, err := ddl.DialectForDriver(c.conn.Driver); err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
	}

	// The mapping server must not share a connection with the dataset it
	// pseudonymizes or the copy it writes, nor a vault with the live copy.
	if cfg.Mapping.same(cfg.Source) {
		return nil, fmt.Errorf("MAPPING_DSN must differ from SOURCE_DSN")
	}
	if cfg.Mapping.same(cfg.Destination) {
		return nil, fmt.Errorf("MAPPING_DSN must differ from DEST_DSN")
	}
	for _, name := range cfg.VaultNames() {
		if cfg.VaultTargets[name].same(cfg.Destination) {
			return nil, fmt.Errorf("vault target %q must not point at DEST_DSN", name)
		}
	}

	if !cfg.Mapping.Configured() {
		cfg.Warnings = append(cfg.Warnings, "MAPPING_DSN not set; pseudonym stores cannot be provisioned or resolved")
	}
	if len(cfg.VaultTargets) == 0 {
		cfg.Warnings = append(cfg.Warnings, "VAULT_TARGETS not set; plans that keep identifiers will fail the check")
	}

	// Production mode: missing collaborators are fatal errors.
	if cfg.IsProduction() {
		if !cfg.Mapping.Configured() {
			return nil, fmt.Errorf("MAPPING_DSN must be set in production (ENV=production)")
		}
		if len(cfg.VaultTargets) == 0 {
			return nil, fmt.Errorf("VAULT_TARGETS must be set in production (ENV=production)")
		}
	}

	return cfg, nil
}

func connectionFromEnv(prefix string) Connection {
	c := Connection{
		Driver: strings.TrimSpace(os.Getenv(prefix + "_DRIVER")),
		DSN:    strings.TrimSpace(os.Getenv(prefix + "_DSN")),
	}
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	return c
}

func platformForDriver(driver string) string {
	d, err := ddl.DialectForDriver(driver)
	if err != nil {
		return sqltype.PlatformSQLite
	}
	switch d {
	case ddl.DuckDB:
		return sqltype.PlatformDuckDB
	case ddl.Postgres:
		return sqltype.PlatformPostgres
	default:
		return sqltype.PlatformSQLite
	}
}

func (c *Config) intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring %s=%q: not a positive integer", key, v))
		return def
	}
	return n
}

// ParseVaultTargets parses "name=driver:dsn,name=driver:dsn".
func ParseVaultTargets(s string) (map[string]Connection, error) {
	out := map[string]Connection{}
	for _, entry := range compactNonEmpty(splitTrim(s)) {
		name, rest, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("VAULT_TARGETS entry %q must have the form name=driver:dsn", entry)
		}
		driver, dsn, ok := strings.Cut(rest, ":")
		if !ok || dsn == "" {
			return nil, fmt.Errorf("VAULT_TARGETS entry %q must have the form name=driver:dsn", entry)
		}
		if _, err := ddl.DialectForDriver(driver); err != nil {
			return nil, fmt.Errorf("VAULT_TARGETS entry %q: %w", name, err)
		}
		name = strings.TrimSpace(name)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("VAULT_TARGETS lists %q twice", name)
		}
		out[name] = Connection{Driver: driver, DSN: dsn}
	}
	return out, nil
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
