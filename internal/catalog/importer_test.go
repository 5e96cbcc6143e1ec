package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"deid/internal/db"
	"deid/internal/ddl"
	"deid/internal/domain"
	"deid/internal/sqltype"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImport_SQLite(t *testing.T) {
	src := db.OpenTestDataDB(t, "source")
	for _, stmt := range []string{
		`CREATE TABLE patients (chi VARCHAR(10) PRIMARY KEY, name TEXT NOT NULL, dob DATE)`,
		`CREATE TABLE codes (code TEXT PRIMARY KEY, label TEXT)`,
		`CREATE TABLE tests (
			id INTEGER PRIMARY KEY,
			chi VARCHAR(10) REFERENCES patients(chi),
			code TEXT REFERENCES codes,
			value REAL
		)`,
	} {
		_, err := src.Exec(stmt)
		require.NoError(t, err)
	}

	c, err := NewImporter(src, ddl.SQLite, nil).Import(context.Background(), "study")
	require.NoError(t, err)
	assert.Equal(t, sqltype.PlatformSQLite, c.SourcePlatform)
	require.Len(t, c.Tables, 3)

	p, ok := c.Table("patients")
	require.True(t, ok)
	assert.Equal(t, []domain.ColumnInfo{
		{Name: "chi", Type: "VARCHAR(10)", Position: 1, IsPrimaryKey: true},
		{Name: "name", Type: "TEXT", Position: 2},
		{Name: "dob", Type: "DATE", Position: 3, Nullable: true},
	}, p.Columns)

	assert.ElementsMatch(t, []domain.JoinInfo{
		{ForeignKey: domain.ColumnRef{Table: "tests", Column: "chi"}, PrimaryKey: domain.ColumnRef{Table: "patients", Column: "chi"}},
		{ForeignKey: domain.ColumnRef{Table: "tests", Column: "code"}, PrimaryKey: domain.ColumnRef{Table: "codes", Column: "code"}},
	}, c.Joins)
}

func TestImport_DuckDB(t *testing.T) {
	ctx := context.Background()
	src, dialect, err := db.Open(ctx, "duckdb", filepath.Join(t.TempDir(), "source.duckdb"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	for _, stmt := range []string{
		`CREATE TABLE patients (chi VARCHAR PRIMARY KEY, dob DATE)`,
		`CREATE TABLE tests (id INTEGER PRIMARY KEY, chi VARCHAR REFERENCES patients(chi), value DOUBLE)`,
	} {
		_, err := src.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	c, err := NewImporter(src, dialect, nil).Import(ctx, "study")
	require.NoError(t, err)
	assert.Equal(t, sqltype.PlatformDuckDB, c.SourcePlatform)

	tests, ok := c.Table("tests")
	require.True(t, ok)
	require.Len(t, tests.Columns, 3)
	assert.True(t, tests.Columns[0].IsPrimaryKey)
	assert.Equal(t, "INTEGER", tests.Columns[0].Type)
	assert.Equal(t, "DOUBLE", tests.Columns[2].Type)
	assert.True(t, tests.Columns[1].Nullable)

	assert.Equal(t, []domain.JoinInfo{
		{ForeignKey: domain.ColumnRef{Table: "tests", Column: "chi"}, PrimaryKey: domain.ColumnRef{Table: "patients", Column: "chi"}},
	}, c.Joins)
}

func TestMerge(t *testing.T) {
	existing := &domain.Catalog{
		Name: "study",
		Tables: []domain.TableInfo{
			{Name: "tests", Columns: []domain.ColumnInfo{{Name: "id"}, {Name: "code"}, {Name: "gone", Extractable: true}, {Name: "value", Extractable: true}}},
			{Name: "codes", Columns: []domain.ColumnInfo{{Name: "code"}, {Name: "label"}, {Name: "old_label"}}},
		},
		Joins: []domain.JoinInfo{
			{ForeignKey: domain.ColumnRef{Table: "tests", Column: "gone"}, PrimaryKey: domain.ColumnRef{Table: "codes", Column: "code"}},
		},
		Lookups: []domain.LookupInfo{
			{
				ForeignKey:   domain.ColumnRef{Table: "tests", Column: "code"},
				PrimaryKey:   domain.ColumnRef{Table: "codes", Column: "code"},
				Descriptions: []domain.ColumnRef{{Table: "codes", Column: "label"}},
			},
			{
				ForeignKey:   domain.ColumnRef{Table: "tests", Column: "code"},
				PrimaryKey:   domain.ColumnRef{Table: "codes", Column: "code"},
				Descriptions: []domain.ColumnRef{{Table: "codes", Column: "old_label"}},
			},
		},
	}
	imported := &domain.Catalog{
		Name: "study",
		Tables: []domain.TableInfo{
			{Name: "tests", Columns: []domain.ColumnInfo{{Name: "id"}, {Name: "code"}, {Name: "value"}}},
			{Name: "codes", Columns: []domain.ColumnInfo{{Name: "code"}, {Name: "label"}}},
		},
	}

	got := Merge(existing, imported)
	tests, _ := got.Table("tests")
	v, _ := tests.Column("value")
	assert.True(t, v.Extractable)
	assert.Empty(t, got.Joins, "join on a removed column is dropped")
	require.Len(t, got.Lookups, 1)
	assert.Equal(t, "label", got.Lookups[0].Descriptions[0].Column)

	assert.Same(t, imported, Merge(nil, imported))
}
