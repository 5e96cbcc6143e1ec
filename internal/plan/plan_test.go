package plan

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"deid/internal/dilution"
	"deid/internal/domain"
	"deid/internal/sqltype"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStores map[string]*domain.PseudonymStore

func (f fakeStores) GetByName(_ context.Context, name string) (*domain.PseudonymStore, error) {
	if s, ok := f[name]; ok {
		return s, nil
	}
	return nil, domain.ErrNotFound("pseudonym store %q not found", name)
}

type brokenStores struct{ err error }

func (b brokenStores) GetByName(context.Context, string) (*domain.PseudonymStore, error) {
	return nil, b.err
}

type fakeUsage map[string][]string

func (f fakeUsage) StoresForColumnName(_ context.Context, base, _ string) ([]string, error) {
	return f[base], nil
}

type fakeEnv struct {
	pingErr  error
	active   *domain.MigrationRun
	migrated map[string]bool
	vaults   map[string]bool
}

func (f *fakeEnv) PingTarget(context.Context) error { return f.pingErr }
func (f *fakeEnv) ActiveRun(context.Context, string) (*domain.MigrationRun, error) {
	return f.active, nil
}
func (f *fakeEnv) MigratedTables(context.Context) (map[string]bool, error) { return f.migrated, nil }
func (f *fakeEnv) HasVaultTarget(name string) bool { return f.vaults[name] }

func ref(s string) domain.ColumnRef {
	r, err := domain.ParseColumnRef(s)
	if err != nil {
		panic(err)
	}
	return r
}

func labCatalog() *domain.Catalog {
	return &domain.Catalog{
		Name:           "lab",
		SourcePlatform: sqltype.PlatformSQLite,
		Tables: []domain.TableInfo{
			{Name: "tests", Columns: []domain.ColumnInfo{
				{Name: "TestId", Type: "INTEGER", IsPrimaryKey: true},
				{Name: "Measure", Type: "VARCHAR(20)"},
				{Name: "Value", Type: "DOUBLE"},
			}},
			{Name: "patients", Columns: []domain.ColumnInfo{
				{Name: "chi", Type: "VARCHAR(10)", IsPrimaryKey: true},
				{Name: "dob", Type: "DATE"},
				{Name: "postcode", Type: "VARCHAR(8)"},
				{Name: "hic_dataLoadRunID", Type: "INTEGER"},
				{Name: "sex", Type: "TEXT", Extractable: true},
			}},
			{Name: "codes", Columns: []domain.ColumnInfo{
				{Name: "code", Type: "VARCHAR(10)", IsPrimaryKey: true},
				{Name: "label", Type: "TEXT"},
			}},
		},
		Lookups: []domain.LookupInfo{{
			ForeignKey:   domain.ColumnRef{Table: "tests", Column: "Measure"},
			PrimaryKey:   domain.ColumnRef{Table: "codes", Column: "code"},
			Descriptions: []domain.ColumnRef{{Table: "codes", Column: "label"}},
		}},
	}
}

func newTestManager(t *testing.T, env *fakeEnv) *Manager {
	t.Helper()
	reg, err := dilution.NewRegistry(dilution.Builtins()...)
	require.NoError(t, err)
	if env == nil {
		env = &fakeEnv{vaults: map[string]bool{"default": true}}
	}
	at := time.Now()
	m, err := NewManager(labCatalog(), nil, Deps{
		Dilutions: reg,
		Stores: fakeStores{
			"chi":   {Name: "chi", Digits: 3, Chars: 3, KeyType: "VARCHAR(10)", ProvisionedAt: &at},
			"fresh": {Name: "fresh", Digits: 2, Chars: 2, KeyType: "INTEGER"},
		},
		Usage:          fakeUsage{"chi": {"chi"}, "nhs": {"nhs_a", "nhs_b"}},
		Env:            env,
		TargetPlatform: sqltype.PlatformDuckDB,
	})
	require.NoError(t, err)
	m.SetTarget("warehouse")
	m.SetDefaultVault("default")
	return m
}

// decideAll gives every column a valid decision.
func decideAll(t *testing.T, m *Manager) {
	t.Helper()
	for _, c := range []string{"tests.TestId", "tests.Measure", "tests.Value", "codes.code", "codes.label", "patients.sex"} {
		require.NoError(t, m.SetDecision(ref(c), domain.DecisionPassThrough))
	}
	require.NoError(t, m.SetPseudonymStore(ref("patients.chi"), "chi"))
	require.NoError(t, m.SetDilution(ref("patients.dob"), "date_to_year"))
	require.NoError(t, m.SetDilution(ref("patients.postcode"), "postcode_district"))
	require.NoError(t, m.SetVaultDestination(ref("patients.hic_dataLoadRunID"), false))
}

func fails(findings []domain.Finding) []domain.Finding {
	var out []domain.Finding
	for _, f := range findings {
		if f.Severity == domain.SeverityFail {
			out = append(out, f)
		}
	}
	return out
}

func TestSetDecision_PrimaryKey(t *testing.T) {
	m := newTestManager(t, nil)
	for _, kind := range []domain.DecisionKind{domain.DecisionDrop, domain.DecisionDilute} {
		err := m.SetDecision(ref("tests.TestId"), kind)
		var invalid *domain.InvalidPlanError
		require.True(t, errors.As(err, &invalid), kind.String())
		assert.Equal(t, ref("tests.TestId"), invalid.Column)
	}
	require.NoError(t, m.SetDecision(ref("tests.TestId"), domain.DecisionPseudonymize))
	assert.Error(t, m.SetVaultDestination(ref("tests.TestId"), true))
	assert.Error(t, m.SetDilution(ref("tests.TestId"), "round_to_ten"))

	var nf *domain.NotFoundError
	assert.True(t, errors.As(m.SetDecision(ref("tests.nope"), domain.DecisionDrop), &nf))
}

func TestSetDecision_ChangingKindClearsReference(t *testing.T) {
	m := newTestManager(t, nil)
	r := ref("patients.dob")

	require.NoError(t, m.SetDilution(r, "date_to_year"))
	require.NoError(t, m.SetDecision(r, domain.DecisionDilute))
	assert.Equal(t, domain.Dilute{Operation: "date_to_year"}, m.Decision(r))

	require.NoError(t, m.SetDecision(r, domain.DecisionPseudonymize))
	assert.Equal(t, domain.Pseudonymize{}, m.Decision(r))

	require.NoError(t, m.SetPseudonymStore(r, "chi"))
	require.NoError(t, m.SetDecision(r, domain.DecisionDrop))
	assert.Equal(t, domain.Drop{}, m.Decision(r))

	require.NoError(t, m.ClearDecision(r))
	assert.Nil(t, m.Decision(r))
	assert.Equal(t, domain.Drop{}, m.Effective(r))

	var nf *domain.NotFoundError
	assert.True(t, errors.As(m.SetDilution(r, "shred"), &nf))
}

func TestCheck_PrimaryKeyDropped(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)
	decisions := m.Plan().Decisions
	decisions[ref("tests.TestId")] = domain.Drop{}
	m.Restore(decisions)

	got := fails(m.Check(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, "tests.TestId", got[0].Subject)
	assert.Contains(t, got[0].Message, "primary key")
}

func TestCheck_LookupDescriptionDiluted(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)
	require.NoError(t, m.SetDilution(ref("codes.label"), "crush_to_bitflag"))

	got := fails(m.Check(context.Background()))
	require.NotEmpty(t, got)
	assert.Equal(t, "codes.label", got[0].Subject)
	assert.Contains(t, got[0].Message, "passed through")
}

func TestCheck_PseudonymizeWithoutStore(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)
	require.NoError(t, m.SetDecision(ref("tests.Value"), domain.DecisionPseudonymize))

	got := fails(m.Check(context.Background()))
	require.NotEmpty(t, got)
	assert.Equal(t, "tests.Value", got[0].Subject)
	assert.Contains(t, got[0].Message, "tests.Value")
	assert.Contains(t, got[0].Message, "no store")
}

func TestCheck_ValidPlanHasNoFailures(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)

	findings := m.Check(context.Background())
	assert.Empty(t, fails(findings), "%+v", findings)
	assert.False(t, domain.HasFailures(findings))

	// Check is repeatable and does not mutate the plan.
	before := m.Plan()
	assert.Equal(t, findings, m.Check(context.Background()))
	assert.Equal(t, before.Decisions, m.Plan().Decisions)
}

func TestCheck_Rules(t *testing.T) {
	tests := []struct {
		name    string
		env     *fakeEnv
		mutate  func(t *testing.T, m *Manager)
		subject string
		want    string
	}{
		{
			name:    "unreachable target",
			env:     &fakeEnv{pingErr: errors.New("connection refused"), vaults: map[string]bool{"default": true}},
			subject: "warehouse",
			want:    "unreachable",
		},
		{
			name:    "target in use",
			env:     &fakeEnv{active: &domain.MigrationRun{ID: "r1", CatalogName: "other"}, vaults: map[string]bool{"default": true}},
			subject: "warehouse",
			want:    "in use by run r1",
		},
		{
			name: "everything skipped",
			mutate: func(t *testing.T, m *Manager) {
				for _, tbl := range []string{"tests", "patients", "codes"} {
					require.NoError(t, m.SetSkipped(tbl, true))
				}
			},
			subject: "lab",
			want:    "skipped",
		},
		{
			name: "table valued function",
			mutate: func(t *testing.T, m *Manager) {
				m.catalog.Tables[2].IsTableValuedFunction = true
			},
			subject: "codes",
			want:    "table-valued function",
		},
		{
			name:    "no vault target",
			mutate:  func(t *testing.T, m *Manager) { m.SetDefaultVault("") },
			subject: "patients",
			want:    "no vault target",
		},
		{
			name:    "unknown vault target",
			mutate:  func(t *testing.T, m *Manager) { m.SetDefaultVault("elsewhere") },
			subject: "patients",
			want:    "not configured",
		},
		{
			name: "unknown store",
			mutate: func(t *testing.T, m *Manager) {
				require.NoError(t, m.SetPseudonymStore(ref("patients.chi"), "ghost"))
			},
			subject: "patients.chi",
			want:    "does not exist",
		},
		{
			name: "incremental with several tables",
			mutate: func(t *testing.T, m *Manager) {
				require.NoError(t, m.SetIncremental(&domain.IncrementalSpec{Table: "tests", Column: "TestId"}))
			},
			subject: "tests",
			want:    "only table in scope",
		},
		{
			name: "incremental partition not passed through",
			mutate: func(t *testing.T, m *Manager) {
				require.NoError(t, m.SetSkipped("tests", true))
				require.NoError(t, m.SetSkipped("codes", true))
				require.NoError(t, m.SetIncremental(&domain.IncrementalSpec{Table: "patients", Column: "dob"}))
			},
			subject: "patients.dob",
			want:    "partition column",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.env)
			decideAll(t, m)
			if tt.mutate != nil {
				tt.mutate(t, m)
			}
			got := fails(m.Check(context.Background()))
			require.NotEmpty(t, got)
			assert.Equal(t, tt.subject, got[0].Subject)
			assert.Contains(t, got[0].Message, tt.want)
		})
	}
}

func TestCheck_JoinKeysOfMigratedTablesAreExempt(t *testing.T) {
	env := &fakeEnv{migrated: map[string]bool{"codes": true}, vaults: map[string]bool{"default": true}}
	m := newTestManager(t, env)
	decideAll(t, m)
	require.NoError(t, m.SetDilution(ref("codes.label"), "crush_to_bitflag"))

	assert.Empty(t, fails(m.Check(context.Background())))
}

func TestCheck_InformationalFindings(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)
	require.NoError(t, m.ClearDecision(ref("patients.sex")))
	require.NoError(t, m.SetPseudonymStore(ref("tests.Value"), "fresh"))
	require.NoError(t, m.SetPseudonymStore(ref("tests.TestId"), "chi"))

	var warnings, infos []string
	for _, f := range m.Check(context.Background()) {
		switch f.Severity {
		case domain.SeverityWarning:
			warnings = append(warnings, f.Subject)
		case domain.SeverityInfo:
			infos = append(infos, f.Subject)
		}
	}
	assert.Contains(t, warnings, "patients.sex")
	assert.Contains(t, warnings, "tests.TestId", "INTEGER column keyed into a VARCHAR store")
	assert.NotContains(t, warnings, "patients.chi")
	assert.Contains(t, infos, "tests.Value")
}

func TestComputeEndpointType(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)
	ctx := context.Background()

	tests := []struct {
		column string
		want   string
		ok     bool
	}{
		{"patients.chi", "VARCHAR(6)", true},
		{"patients.dob", "INTEGER", true},
		{"patients.postcode", "VARCHAR(4)", true},
		{"tests.Value", "DOUBLE", true},
		{"patients.hic_dataLoadRunID", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			got, ok := m.ComputeEndpointType(ctx, ref(tt.column))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	require.NoError(t, m.SetPseudonymStore(ref("tests.Value"), "ghost"))
	got, ok := m.ComputeEndpointType(ctx, ref("tests.Value"))
	assert.True(t, ok)
	assert.Equal(t, sqltype.Unknown, got)
}

func TestEndpointType_StoreReadFailure(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)
	m.deps.Stores = brokenStores{err: errors.New("database is locked")}
	ctx := context.Background()

	_, ok, err := m.EndpointType(ctx, ref("patients.chi"))
	assert.True(t, ok)
	var te *domain.TransientError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "database is locked")

	typ, _, err := m.EndpointType(ctx, ref("patients.dob"))
	require.NoError(t, err)
	assert.Equal(t, "INTEGER", typ)

	got, ok := m.ComputeEndpointType(ctx, ref("patients.chi"))
	assert.True(t, ok)
	assert.Equal(t, sqltype.Unknown, got)

	m.deps.Stores = fakeStores{}
	got, ok, err = m.EndpointType(ctx, ref("patients.chi"))
	require.NoError(t, err, "an unknown store is a plan problem, not a read failure")
	assert.True(t, ok)
	assert.Equal(t, sqltype.Unknown, got)
}

func TestVaultRecord(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)
	require.NoError(t, m.SetVaultDestination(ref("patients.hic_dataLoadRunID"), true))
	require.NoError(t, m.SetTableVault("patients", "secure"))

	rec, err := m.VaultRecord("patients")
	require.NoError(t, err)
	assert.Equal(t, "secure", rec.Target)
	require.Len(t, rec.PrimaryKeys, 1)
	assert.Equal(t, []domain.DiscardedColumn{
		{Name: "dob", Type: "DATE", Destination: domain.DestinationDilute},
		{Name: "postcode", Type: "VARCHAR(8)", Destination: domain.DestinationDilute},
		{Name: "hic_dataLoadRunID", Type: "INTEGER", Destination: domain.DestinationToVault},
	}, rec.Discarded)
}

func TestSuggest(t *testing.T) {
	m := newTestManager(t, nil)
	m.catalog.Tables[0].Columns = append(m.catalog.Tables[0].Columns,
		domain.ColumnInfo{Name: "ANOchi", Type: "VARCHAR(10)"},
		domain.ColumnInfo{Name: "nhs", Type: "VARCHAR(10)"},
	)
	require.NoError(t, m.SetDecision(ref("patients.sex"), domain.DecisionDrop))

	res, err := m.Suggest(context.Background())
	require.NoError(t, err)

	applied := map[string]string{}
	for _, s := range res.Applied {
		applied[s.Column.String()] = s.Decision
	}
	assert.Equal(t, "pseudonymize (chi)", applied["patients.chi"])
	assert.Equal(t, "pseudonymize (chi)", applied["tests.ANOchi"])
	assert.Equal(t, "drop", applied["patients.hic_dataLoadRunID"])
	assert.NotContains(t, applied, "patients.sex", "explicit decisions are kept")
	assert.NotContains(t, applied, "tests.nhs")
	assert.Equal(t, domain.Drop{}, m.Decision(ref("patients.sex")))

	require.Len(t, res.Ambiguous, 1)
	assert.Equal(t, ref("tests.nhs"), res.Ambiguous[0].Column)
	assert.Equal(t, []string{"nhs_a", "nhs_b"}, res.Ambiguous[0].Stores)
	assert.Nil(t, m.Decision(ref("tests.nhs")))
}

func TestSuggest_ExtractableAndPrimaryKeys(t *testing.T) {
	m := newTestManager(t, nil)
	m.catalog.Tables[2].Columns[0].Name = "hic_code"
	m.catalog.Tables[2].Columns[0].Extractable = true

	res, err := m.Suggest(context.Background())
	require.NoError(t, err)
	applied := map[string]string{}
	for _, s := range res.Applied {
		applied[s.Column.String()] = s.Decision
	}
	assert.Equal(t, "pass through", applied["patients.sex"])
	assert.Equal(t, "pass through", applied["codes.hic_code"], "primary keys are never dropped")
}

func TestYAMLRoundTrip(t *testing.T) {
	m := newTestManager(t, nil)
	decideAll(t, m)
	require.NoError(t, m.SetVaultDestination(ref("patients.hic_dataLoadRunID"), true))
	require.NoError(t, m.SetSkipped("codes", true))
	require.NoError(t, m.SetTableVault("patients", "secure"))
	require.NoError(t, m.SetIncremental(&domain.IncrementalSpec{Table: "tests", Column: "TestId"}))
	m.AdvanceWatermark(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, m.Plan()))
	assert.Contains(t, buf.String(), "kind: AnonymisationPlan")

	got, err := Import(&buf)
	require.NoError(t, err)
	want := m.Plan()
	assert.Equal(t, want.CatalogName, got.CatalogName)
	assert.Equal(t, want.Target, got.Target)
	assert.Equal(t, want.DefaultVault, got.DefaultVault)
	assert.Equal(t, want.TableVaults, got.TableVaults)
	assert.Equal(t, want.Skipped, got.Skipped)
	assert.Equal(t, want.Decisions, got.Decisions)
	require.NotNil(t, got.Incremental)
	assert.True(t, want.Incremental.Watermark.Equal(*got.Incremental.Watermark))
}

func TestImport_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"wrong kind", "apiVersion: deid/v1\nkind: Other\ncatalog: lab\n"},
		{"unknown field", "apiVersion: deid/v1\nkind: AnonymisationPlan\ncatalog: lab\nowner: me\n"},
		{"bad decision", "apiVersion: deid/v1\nkind: AnonymisationPlan\ncatalog: lab\ncolumns:\n  - column: a.b\n    decision: shred\n"},
		{"bad ref", "apiVersion: deid/v1\nkind: AnonymisationPlan\ncatalog: lab\ncolumns:\n  - column: ab\n    decision: drop\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Import(strings.NewReader(tt.doc))
			var verr *domain.ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
}

func TestFormatFindings(t *testing.T) {
	var buf bytes.Buffer
	FormatFindings(&buf, []domain.Finding{
		{Severity: domain.SeverityFail, Message: "primary key tests.TestId is drop", SuggestedFix: "pass it through"},
		{Severity: domain.SeverityWarning, Message: "patients.sex is undecided"},
	}, true)
	out := buf.String()
	assert.Contains(t, out, "✗ primary key tests.TestId is drop")
	assert.Contains(t, out, "fix: pass it through")
	assert.Contains(t, out, "1 failure(s), 1 warning(s), 0 info")
	assert.NotContains(t, out, "\033[")

	buf.Reset()
	FormatFindings(&buf, nil, true)
	assert.Contains(t, buf.String(), "ready to migrate")
}
