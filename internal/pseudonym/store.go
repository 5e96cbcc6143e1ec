package pseudonym

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"deid/internal/ddl"
	"deid/internal/domain"
	"deid/internal/sqltype"

	"github.com/samber/lo"
)

const (
	defaultMaxAttempts = 32
	capabilityUpsert   = "mapping-server:allocate-and-insert"
	capabilityMapping  = "mapping-server"
)

// ProvisionRecorder records provisioning in the store registry.
type ProvisionRecorder interface {
	MarkProvisioned(ctx context.Context, name string, at time.Time) error
}

// Resolver maps raw values to tokens.
type Resolver interface {
	Store() domain.PseudonymStore
	Resolve(ctx context.Context, values []any, preview bool) (*Mapping, error)
	Probe(ctx context.Context) error
}

// MappingStore is a pseudonym store bound to its mapping server.
type MappingStore struct {
	db          *sql.DB
	dialect     ddl.Dialect
	registry    ProvisionRecorder
	logger      *slog.Logger
	maxAttempts int

	mu      sync.Mutex
	store   domain.PseudonymStore
	capable bool
}

var _ Resolver = (*MappingStore)(nil)

// NewMappingStore binds store to a mapping server connection. registry may
// be nil, in which case provisioning is not recorded.
func NewMappingStore(db *sql.DB, dialect ddl.Dialect, store domain.PseudonymStore, registry ProvisionRecorder, logger *slog.Logger) (*MappingStore, error) {
	if err := store.Validate(); err != nil {
		return nil, err
	}
	if sqltype.Translate(store.KeyType, string(dialect)) == sqltype.Unknown {
		return nil, domain.ErrValidation("key type %q of store %q is not supported on %s", store.KeyType, store.Name, dialect)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MappingStore{
		db:          db,
		dialect:     dialect,
		registry:    registry,
		logger:      logger.With("component", "pseudonym", "store", store.Name),
		maxAttempts: defaultMaxAttempts,
		store:       store,
	}, nil
}

// Store returns the store definition.
func (m *MappingStore) Store() domain.PseudonymStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Probe checks that the mapping server is reachable and supports
// INSERT .. ON CONFLICT DO NOTHING.
func (m *MappingStore) Probe(ctx context.Context) error {
	m.mu.Lock()
	capable := m.capable
	m.mu.Unlock()
	if capable {
		return nil
	}

	if err := m.db.PingContext(ctx); err != nil {
		return &domain.DependencyError{Capability: capabilityMapping, Err: err}
	}
	switch m.dialect {
	case ddl.SQLite:
		var version string
		if err := m.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
			return &domain.DependencyError{Capability: capabilityUpsert, Err: err}
		}
		if !versionAtLeast(version, 3, 24) {
			return &domain.DependencyError{Capability: capabilityUpsert, Err: fmt.Errorf("sqlite %s predates 3.24", version)}
		}
	case ddl.Postgres:
		var num string
		if err := m.db.QueryRowContext(ctx, "SHOW server_version_num").Scan(&num); err != nil {
			return &domain.DependencyError{Capability: capabilityUpsert, Err: err}
		}
		if n, _ := strconv.Atoi(num); n < 90500 {
			return &domain.DependencyError{Capability: capabilityUpsert, Err: fmt.Errorf("postgres %s predates 9.5", num)}
		}
	}

	m.mu.Lock()
	m.capable = true
	m.mu.Unlock()
	return nil
}

// IsProvisioned reports whether the mapping table exists.
func (m *MappingStore) IsProvisioned(ctx context.Context) (bool, error) {
	var n int
	store := m.Store()
	if err := m.db.QueryRowContext(ctx, m.dialect.TableExistsQuery(), store.MappingTable()).Scan(&n); err != nil {
		return false, &domain.TransientError{Op: "check mapping table", Err: err}
	}
	return n > 0, nil
}

// Provision creates the mapping table and records the store as provisioned.
// Provisioning an already provisioned store is a no-op.
func (m *MappingStore) Provision(ctx context.Context) error {
	if err := m.Probe(ctx); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.TransientError{Op: "begin provision", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	created, err := m.ensureTable(ctx, tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &domain.TransientError{Op: "commit provision", Err: err}
	}
	committed = true

	if created {
		store := m.Store()
		m.logger.Info("mapping table provisioned", "table", store.MappingTable())
	}
	return m.recordProvisioned(ctx)
}

// Resolve returns the token of every distinct non-null value, allocating
// tokens for values not seen before. Existing values keep their token.
// In preview mode the whole call, including any provisioning, is rolled back.
func (m *MappingStore) Resolve(ctx context.Context, values []any, preview bool) (*Mapping, error) {
	store := m.Store()
	mapping := newMapping(store)

	keys := lo.UniqBy(
		lo.FilterMap(values, func(v any, _ int) (any, bool) { return domain.NormalizeValue(v), v != nil }),
		func(v any) string { k, _ := domain.CanonicalValue(v); return k },
	)
	if len(keys) == 0 {
		return mapping, nil
	}
	if err := m.Probe(ctx); err != nil {
		return nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &domain.TransientError{Op: "begin resolve", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	created, err := m.ensureTable(ctx, tx)
	if err != nil {
		return nil, err
	}

	lookup, err := tx.PrepareContext(ctx, m.dialect.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		ddl.QuoteIdentifier(store.PublicColumn()),
		ddl.QuoteIdentifier(store.MappingTable()),
		ddl.QuoteIdentifier(store.PrivateColumn()))))
	if err != nil {
		return nil, &domain.TransientError{Op: "prepare lookup", Err: err}
	}
	defer lookup.Close() //nolint:errcheck

	var missing []any
	for _, v := range keys {
		tok, found, err := lookupToken(ctx, lookup, v)
		if err != nil {
			return nil, err
		}
		if found {
			mapping.add(v, tok, false)
			continue
		}
		missing = append(missing, v)
	}

	if len(missing) > 0 {
		if err := m.checkCapacity(ctx, tx, store, len(missing)); err != nil {
			return nil, err
		}
		insertSQL, err := m.dialect.UpsertIgnore(store.MappingTable(), []string{store.PrivateColumn(), store.PublicColumn()})
		if err != nil {
			return nil, err
		}
		insert, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			return nil, &domain.TransientError{Op: "prepare insert", Err: err}
		}
		defer insert.Close() //nolint:errcheck

		gen := newGenerator(store)
		for _, v := range missing {
			tok, isNew, err := m.allocate(ctx, lookup, insert, gen, v)
			if err != nil {
				return nil, err
			}
			mapping.add(v, tok, isNew)
		}
	}

	m.logger.Debug("resolved",
		"distinct", mapping.Len(), "allocated", mapping.Allocated, "preview", preview)

	if preview {
		return mapping, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, &domain.TransientError{Op: "commit resolve", Err: err}
	}
	committed = true

	if created {
		m.logger.Info("mapping table provisioned on first use", "table", store.MappingTable())
	}
	if created || !store.Provisioned() {
		if err := m.recordProvisioned(ctx); err != nil {
			return nil, err
		}
	}
	return mapping, nil
}

// allocate inserts a fresh token for v. A zero-row insert means either a
// concurrent writer stored v first, whose token is then returned, or the
// candidate token collided and another is tried. Random draws come first;
// small spaces are then walked in order so a free token is always found.
func (m *MappingStore) allocate(ctx context.Context, lookup, insert *sql.Stmt, gen *generator, v any) (string, bool, error) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		tok, isNew, ok, err := m.tryInsert(ctx, lookup, insert, v, gen.next())
		if err != nil || ok {
			return tok, isNew, err
		}
	}
	for {
		candidate, more := gen.walk()
		if !more {
			break
		}
		tok, isNew, ok, err := m.tryInsert(ctx, lookup, insert, v, candidate)
		if err != nil || ok {
			return tok, isNew, err
		}
	}
	return "", false, &domain.DependencyError{
		Capability: capabilityMapping,
		Err:        fmt.Errorf("store %q found no free token after %d attempts", m.Store().Name, m.maxAttempts),
	}
}

// tryInsert stores candidate for v. ok is false when candidate is taken
// by another value.
func (m *MappingStore) tryInsert(ctx context.Context, lookup, insert *sql.Stmt, v any, candidate string) (tok string, isNew, ok bool, err error) {
	res, err := insert.ExecContext(ctx, v, candidate)
	if err != nil {
		return "", false, false, &domain.TransientError{Op: "insert token", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, false, &domain.TransientError{Op: "insert token", Err: err}
	}
	if n == 1 {
		return candidate, true, true, nil
	}
	tok, found, err := lookupToken(ctx, lookup, v)
	if err != nil || !found {
		return "", false, false, err
	}
	return tok, false, true, nil
}

func (m *MappingStore) checkCapacity(ctx context.Context, tx *sql.Tx, store domain.PseudonymStore, extra int) error {
	var used int64
	q := "SELECT COUNT(*) FROM " + ddl.QuoteIdentifier(store.MappingTable())
	if err := tx.QueryRowContext(ctx, q).Scan(&used); err != nil {
		return &domain.TransientError{Op: "count mapping", Err: err}
	}
	if float64(used)+float64(extra) > Capacity(store) {
		return &domain.DependencyError{
			Capability: capabilityMapping,
			Err:        fmt.Errorf("store %q cannot hold %d more tokens (%d used)", store.Name, extra, used),
		}
	}
	return nil
}

// ensureTable creates the mapping table inside tx when it does not exist.
func (m *MappingStore) ensureTable(ctx context.Context, tx *sql.Tx) (bool, error) {
	store := m.Store()
	var n int
	if err := tx.QueryRowContext(ctx, m.dialect.TableExistsQuery(), store.MappingTable()).Scan(&n); err != nil {
		return false, &domain.TransientError{Op: "check mapping table", Err: err}
	}
	if n > 0 {
		return false, nil
	}
	if store.Provisioned() {
		return false, &domain.DependencyError{
			Capability: capabilityMapping,
			Err:        fmt.Errorf("store %q is provisioned but table %q is missing", store.Name, store.MappingTable()),
		}
	}

	stmt, err := ddl.CreateTable(store.MappingTable(), []ddl.ColumnDef{
		{Name: store.PrivateColumn(), Type: sqltype.Translate(store.KeyType, string(m.dialect)), NotNull: true},
		{Name: store.PublicColumn(), Type: store.OutputType(), NotNull: true, Unique: true},
	}, []string{store.PrivateColumn()}, false)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return false, &domain.TransientError{Op: "create mapping table", Err: err}
	}
	return true, nil
}

func (m *MappingStore) recordProvisioned(ctx context.Context) error {
	now := time.Now().UTC()
	m.mu.Lock()
	already := m.store.ProvisionedAt != nil
	if !already {
		m.store.ProvisionedAt = &now
	}
	name := m.store.Name
	m.mu.Unlock()

	if already || m.registry == nil {
		return nil
	}
	if err := m.registry.MarkProvisioned(ctx, name, now); err != nil {
		return fmt.Errorf("record provisioning of %q: %w", name, err)
	}
	return nil
}

func lookupToken(ctx context.Context, stmt *sql.Stmt, v any) (string, bool, error) {
	var tok string
	err := stmt.QueryRowContext(ctx, v).Scan(&tok)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, &domain.TransientError{Op: "lookup token", Err: err}
	}
	return tok, true, nil
}

func versionAtLeast(version string, major, minor int) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}
	maj, err1 := strconv.Atoi(parts[0])
	mnr, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}
	return maj > major || (maj == major && mnr >= minor)
}

// Count returns the number of tokens allocated so far. An unprovisioned
// store has none.
func (m *MappingStore) Count(ctx context.Context) (int64, error) {
	ok, err := m.IsProvisioned(ctx)
	if err != nil || !ok {
		return 0, err
	}
	store := m.Store()
	var n int64
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+ddl.QuoteIdentifier(store.MappingTable())).Scan(&n); err != nil {
		return 0, &domain.TransientError{Op: "count mapping", Err: err}
	}
	return n, nil
}
