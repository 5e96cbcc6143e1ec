package migrate

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"deid/internal/db"
	"deid/internal/db/repository"
	"deid/internal/ddl"
	"deid/internal/dilution"
	"deid/internal/domain"
	"deid/internal/plan"
	"deid/internal/pseudonym"
	"deid/internal/sqltype"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStores struct {
	repo    *repository.PseudonymStoreRepo
	mapping *sql.DB

	mu    sync.Mutex
	cache map[string]*pseudonym.MappingStore
}

func (s *testStores) Resolver(ctx context.Context, name string) (pseudonym.Resolver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.cache[name]; ok {
		return r, nil
	}
	rec, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := pseudonym.NewMappingStore(s.mapping, ddl.SQLite, *rec, s.repo, nil)
	if err != nil {
		return nil, err
	}
	s.cache[name] = r
	return r, nil
}

type testVaults map[string]Database

func (v testVaults) Connect(target string) (Database, error) {
	d, ok := v[target]
	if !ok {
		return Database{}, errors.New("no such vault")
	}
	return d, nil
}

func (v testVaults) Has(target string) bool {
	_, ok := v[target]
	return ok
}

type fixture struct {
	source, dest, mapping, vaultDB *sql.DB
	runs                           *repository.RunRepo
	plans                          *repository.PlanRepo
	manager                        *plan.Manager
	engine                         *Engine
}

func studyCatalog() *domain.Catalog {
	return &domain.Catalog{
		Name:           "study",
		SourcePlatform: sqltype.PlatformSQLite,
		Tables: []domain.TableInfo{
			{Name: "patients", Columns: []domain.ColumnInfo{
				{Name: "chi", Type: "VARCHAR(10)", IsPrimaryKey: true},
				{Name: "name", Type: "TEXT"},
				{Name: "dob", Type: "DATE"},
				{Name: "postcode", Type: "VARCHAR(8)"},
				{Name: "sex", Type: "TEXT"},
				{Name: "notes", Type: "TEXT"},
			}},
			{Name: "tests", Columns: []domain.ColumnInfo{
				{Name: "id", Type: "INTEGER", IsPrimaryKey: true},
				{Name: "chi", Type: "VARCHAR(10)"},
				{Name: "result", Type: "TEXT"},
				{Name: "taken", Type: "DATETIME"},
			}},
		},
	}
}

func exec(t *testing.T, conn *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := conn.Exec(s)
		require.NoError(t, err, s)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	meta, _ := db.OpenTestSQLite(t)
	f := &fixture{
		source:  db.OpenTestDataDB(t, "source"),
		dest:    db.OpenTestDataDB(t, "dest"),
		mapping: db.OpenTestDataDB(t, "mapping"),
		vaultDB: db.OpenTestDataDB(t, "vault"),
		runs:    repository.NewRunRepo(meta),
		plans:   repository.NewPlanRepo(meta),
	}
	exec(t, f.source,
		`CREATE TABLE patients (chi VARCHAR(10) PRIMARY KEY, name TEXT, dob DATE, postcode VARCHAR(8), sex TEXT, notes TEXT)`,
		`INSERT INTO patients VALUES ('1111111111', 'Ann', '1980-05-17', 'DD1 4HN', 'F', 'likes cats')`,
		`INSERT INTO patients VALUES ('2222222222', 'Bob', '1975-11-02', 'EH10 5HF', 'M', NULL)`,
		`INSERT INTO patients VALUES ('3333333333', 'Cat', NULL, NULL, 'F', NULL)`,
		`CREATE TABLE tests (id INTEGER PRIMARY KEY, chi VARCHAR(10), result TEXT, taken DATETIME)`,
		`INSERT INTO tests VALUES (1, '2222222222', '41', '2024-01-05 10:00:00')`,
		`INSERT INTO tests VALUES (2, '1111111111', '7', '2024-02-10 09:30:00')`,
		`INSERT INTO tests VALUES (3, '2222222222', '13', '2024-03-15 08:15:00')`,
		`INSERT INTO tests VALUES (4, NULL, '99', '2024-03-20 12:00:00')`,
	)

	stores := repository.NewPseudonymStoreRepo(meta)
	_, err := stores.Create(ctx, &domain.PseudonymStore{Name: "chi", Digits: 3, Chars: 3, KeyType: "VARCHAR(10)"})
	require.NoError(t, err)

	reg, err := dilution.NewRegistry(dilution.Builtins()...)
	require.NoError(t, err)
	vaults := testVaults{"default": {DB: f.vaultDB, Dialect: ddl.SQLite}}
	destination := Database{DB: f.dest, Dialect: ddl.SQLite}

	f.manager, err = plan.NewManager(studyCatalog(), nil, plan.Deps{
		Dilutions:      reg,
		Stores:         stores,
		Usage:          f.plans,
		Env:            &Environment{Destination: destination, Runs: f.runs, Vaults: vaults},
		TargetPlatform: sqltype.PlatformSQLite,
	})
	require.NoError(t, err)
	m := f.manager
	m.SetTarget("warehouse")
	m.SetDefaultVault("default")
	require.NoError(t, m.SetPseudonymStore(domain.ColumnRef{Table: "patients", Column: "chi"}, "chi"))
	require.NoError(t, m.SetVaultDestination(domain.ColumnRef{Table: "patients", Column: "name"}, true))
	require.NoError(t, m.SetDilution(domain.ColumnRef{Table: "patients", Column: "dob"}, "date_to_year"))
	require.NoError(t, m.SetDilution(domain.ColumnRef{Table: "patients", Column: "postcode"}, "postcode_district"))
	require.NoError(t, m.SetDecision(domain.ColumnRef{Table: "patients", Column: "sex"}, domain.DecisionPassThrough))
	require.NoError(t, m.SetVaultDestination(domain.ColumnRef{Table: "patients", Column: "notes"}, false))
	require.NoError(t, m.SetDecision(domain.ColumnRef{Table: "tests", Column: "id"}, domain.DecisionPassThrough))
	require.NoError(t, m.SetPseudonymStore(domain.ColumnRef{Table: "tests", Column: "chi"}, "chi"))
	require.NoError(t, m.SetDilution(domain.ColumnRef{Table: "tests", Column: "result"}, "round_to_ten"))
	require.NoError(t, m.SetDecision(domain.ColumnRef{Table: "tests", Column: "taken"}, domain.DecisionPassThrough))
	require.NoError(t, f.plans.Save(ctx, m.Plan()))

	f.engine, err = New(Config{
		Plan:              m,
		Stores:            &testStores{repo: stores, mapping: f.mapping, cache: map[string]*pseudonym.MappingStore{}},
		Vaults:            vaults,
		Dilutions:         reg,
		Source:            Database{DB: f.source, Dialect: ddl.SQLite},
		Destination:       destination,
		Runs:              f.runs,
		Plans:             f.plans,
		BatchSize:         2,
		MaxParallelTables: 2,
		Now:               func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return f
}

func queryMap(t *testing.T, conn *sql.DB, q string) map[string]any {
	t.Helper()
	rows, err := conn.Query(q)
	require.NoError(t, err)
	defer rows.Close()
	out := map[string]any{}
	for rows.Next() {
		var k string
		var v any
		require.NoError(t, rows.Scan(&k, &v))
		out[k] = domain.NormalizeValue(v)
	}
	require.NoError(t, rows.Err())
	return out
}

func count(t *testing.T, conn *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestEndpointSchema(t *testing.T) {
	f := newFixture(t)
	got, err := f.engine.EndpointSchema(context.Background(), "patients")
	require.NoError(t, err)
	assert.Equal(t, []EndpointColumn{
		{Name: "ANOchi", Type: "VARCHAR(6)", Source: "chi", PrimaryKey: true},
		{Name: "dob", Type: "INTEGER", Source: "dob"},
		{Name: "postcode", Type: "VARCHAR(4)", Source: "postcode"},
		{Name: "sex", Type: "TEXT", Source: "sex"},
	}, got)
}

type lockedStores struct{}

func (lockedStores) GetByName(context.Context, string) (*domain.PseudonymStore, error) {
	return nil, errors.New("database is locked")
}

func TestEndpointSchema_StoreReadFailureIsTransient(t *testing.T) {
	reg, err := dilution.NewRegistry(dilution.Builtins()...)
	require.NoError(t, err)
	m, err := plan.NewManager(studyCatalog(), nil, plan.Deps{
		Dilutions:      reg,
		Stores:         lockedStores{},
		TargetPlatform: sqltype.PlatformSQLite,
	})
	require.NoError(t, err)
	require.NoError(t, m.SetPseudonymStore(domain.ColumnRef{Table: "patients", Column: "chi"}, "chi"))

	_, err = EndpointSchema(context.Background(), m, "patients")
	var te *domain.TransientError
	require.ErrorAs(t, err, &te)
	var ve *domain.ValidationError
	assert.False(t, errors.As(err, &ve), "read failures must not look like a missing type")
}

func TestExtractionSQL(t *testing.T) {
	f := newFixture(t)

	q, args, err := f.engine.ExtractionSQL("patients", nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "chi", "name", "dob", "postcode", "sex" FROM "patients" ORDER BY "chi"`, q)
	assert.Empty(t, args)

	_, _, err = f.engine.ExtractionSQL("tests", &Window{To: time.Now()})
	assert.Error(t, err, "tests is not partitioned")

	require.NoError(t, f.manager.SetIncremental(&domain.IncrementalSpec{Table: "tests", Column: "taken"}))
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	q, args, err = f.engine.ExtractionSQL("tests", &Window{From: &from, To: to})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "chi", "result", "taken" FROM "tests" WHERE "taken" >= ? AND "taken" < ? ORDER BY "id"`, q)
	assert.Equal(t, []any{from, to}, args)

	q, args, err = f.engine.ExtractionSQL("tests", &Window{To: to})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "chi", "result", "taken" FROM "tests" WHERE "taken" < ? ORDER BY "id"`, q)
	assert.Equal(t, []any{to}, args)
}

func TestRequiredDependencies(t *testing.T) {
	f := newFixture(t)
	var caps []string
	for _, d := range f.engine.RequiredDependencies() {
		assert.True(t, d.Required)
		caps = append(caps, d.Capability)
	}
	assert.Equal(t, []string{"source", "destination", "mapping-server:allocate-and-insert:chi", "vault:default"}, caps)
	assert.NoError(t, f.engine.Preflight(context.Background()))
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Tables, 2)
	assert.False(t, report.Failed())
	assert.Equal(t, 3, report.Tables[0].Stats.Rows)
	assert.Equal(t, 3, report.Tables[0].Stats.Allocated+report.Tables[1].Stats.Allocated)
	assert.Equal(t, int64(3), report.Tables[0].Stats.VaultInserted)
	assert.Equal(t, 1, report.Tables[1].Stats.Nulls)

	// Same person, same token in both tables.
	tokens := queryMap(t, f.dest, `SELECT CAST(dob AS TEXT), "ANOchi" FROM patients WHERE dob IS NOT NULL`)
	testTokens := queryMap(t, f.dest, `SELECT CAST(id AS TEXT), "ANOchi" FROM tests`)
	assert.Equal(t, tokens["1980"], testTokens["2"])
	assert.Equal(t, tokens["1975"], testTokens["1"])
	assert.Equal(t, tokens["1975"], testTokens["3"])
	assert.Nil(t, testTokens["4"])

	diluted := queryMap(t, f.dest, `SELECT "ANOchi", postcode FROM patients WHERE postcode IS NOT NULL`)
	assert.ElementsMatch(t, []any{"DD1", "EH10"}, []any{diluted[tokens["1980"].(string)], diluted[tokens["1975"].(string)]})

	results := queryMap(t, f.dest, `SELECT CAST(id AS TEXT), result FROM tests`)
	assert.Equal(t, int64(40), results["1"])

	// The vault keeps the pristine values under the raw key.
	names := queryMap(t, f.vaultDB, `SELECT chi, name FROM vault_patients`)
	assert.Equal(t, map[string]any{"1111111111": "Ann", "2222222222": "Bob", "3333333333": "Cat"}, names)
	postcodes := queryMap(t, f.vaultDB, `SELECT chi, postcode FROM vault_patients`)
	assert.Equal(t, "EH10 5HF", postcodes["2222222222"])

	var staging int
	require.NoError(t, f.vaultDB.QueryRow(ddl.SQLite.TableExistsQuery(), "vault_patients_staging").Scan(&staging))
	assert.Equal(t, 0, staging)

	// Dropped columns never reach the destination or the vault.
	var n int
	require.NoError(t, f.dest.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('patients') WHERE name IN ('name', 'notes', 'chi')`).Scan(&n))
	assert.Equal(t, 0, n)

	runs, err := f.runs.List(ctx, "study", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusSucceeded, runs[0].Status)

	// A second run is idempotent.
	report, err = f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Tables[0].Stats.Allocated+report.Tables[1].Stats.Allocated)
	assert.Equal(t, int64(0), report.Tables[0].Stats.VaultInserted)
	assert.Equal(t, int64(0), report.Tables[0].Stats.VaultUpdated)
	assert.Equal(t, 3, count(t, f.dest, "patients"))
	assert.Equal(t, 4, count(t, f.dest, "tests"))
	assert.Equal(t, tokens, queryMap(t, f.dest, `SELECT CAST(dob AS TEXT), "ANOchi" FROM patients WHERE dob IS NOT NULL`))
}

func TestRun_PreviewLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.engine.Run(ctx, RunOptions{Preview: true})
	require.NoError(t, err)
	assert.True(t, report.Preview)
	assert.Equal(t, 3, report.Tables[0].Stats.Rows)

	for _, c := range []struct {
		conn  *sql.DB
		table string
	}{
		{f.mapping, "ano_chi"},
		{f.dest, "patients"},
		{f.dest, "tests"},
		{f.vaultDB, "vault_patients"},
	} {
		var n int
		require.NoError(t, c.conn.QueryRow(ddl.SQLite.TableExistsQuery(), c.table).Scan(&n))
		assert.Equal(t, 0, n, c.table)
	}
}

func TestRun_BlockedByCheck(t *testing.T) {
	f := newFixture(t)
	f.manager.SetTarget("")

	_, err := f.engine.Run(context.Background(), RunOptions{})
	var failed *CheckFailedError
	require.True(t, errors.As(err, &failed))
	assert.True(t, domain.HasFailures(failed.Findings))

	runs, err := f.runs.List(context.Background(), "study", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_FailingTableDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	exec(t, f.source, `INSERT INTO tests VALUES (5, '1111111111', 'n/a', '2024-03-21 12:00:00')`)

	report, err := f.engine.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.False(t, domain.IsRuntimeIntegrity(err))
	assert.True(t, report.Failed())
	assert.Empty(t, report.Tables[0].Error)
	assert.Contains(t, report.Tables[1].Error, "round_to_ten")
	assert.NotContains(t, report.Tables[1].Error, "n/a")

	assert.Equal(t, 3, count(t, f.dest, "patients"))
	var n int
	require.NoError(t, f.dest.QueryRow(ddl.SQLite.TableExistsQuery(), "tests").Scan(&n))
	assert.Equal(t, 0, n, "failed table load is rolled back")

	runs, err := f.runs.List(context.Background(), "study", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusFailed, runs[0].Status)
}

func TestRun_IncrementalAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.SetSkipped("patients", true))
	require.NoError(t, f.manager.SetIncremental(&domain.IncrementalSpec{Table: "tests", Column: "taken"}))

	report, err := f.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, report.Window)
	assert.Nil(t, report.Window.From)
	assert.Equal(t, 2, report.Tables[0].Stats.Rows, "rows taken before March")

	saved, err := f.plans.Get(ctx, "study")
	require.NoError(t, err)
	require.NotNil(t, saved.Incremental)
	require.NotNil(t, saved.Incremental.Watermark)
	assert.True(t, saved.Incremental.Watermark.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestEnvironment_UnopenedDestination(t *testing.T) {
	ctx := context.Background()
	var dep *domain.DependencyError

	env := &Environment{DestinationErr: errors.New("connection refused")}
	require.True(t, errors.As(env.PingTarget(ctx), &dep))
	assert.Equal(t, "destination", dep.Capability)

	env = &Environment{}
	require.True(t, errors.As(env.PingTarget(ctx), &dep))
	migrated, err := env.MigratedTables(ctx)
	require.NoError(t, err)
	assert.Nil(t, migrated)
	assert.False(t, env.HasVaultTarget("default"))
}
