package vault

import (
	"context"
	"errors"
	"testing"

	"deid/internal/db"
	"deid/internal/ddl"
	"deid/internal/dilution"
	"deid/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patientsRecord() domain.VaultRecord {
	return domain.VaultRecord{
		Table:       "patients",
		Target:      "default",
		PrimaryKeys: []domain.ColumnInfo{{Name: "chi", Type: "VARCHAR(10)", IsPrimaryKey: true}},
		Discarded: []domain.DiscardedColumn{
			{Name: "name", Type: "TEXT", Destination: domain.DestinationToVault},
			{Name: "postcode", Type: "VARCHAR(8)", Destination: domain.DestinationDilute},
			{Name: "notes", Type: "TEXT", Destination: domain.DestinationDiscard},
		},
	}
}

func patientsBatch() *domain.Batch {
	return &domain.Batch{
		Columns: []string{"chi", "name", "postcode", "notes", "sex"},
		Rows: [][]any{
			{"1111111111", "Ann", "DD1 4HN", "n1", "F"},
			{"2222222222", "Bob", "EH10 5HF", nil, "M"},
		},
	}
}

func openVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(context.Background(), db.OpenTestDataDB(t, "vault"), ddl.SQLite, patientsRecord(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close(context.Background()) })
	return v
}

func countRows(t *testing.T, v *Vault, table string) int {
	t.Helper()
	var n int
	require.NoError(t, v.db.QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestVault_RoundTripWithDilution(t *testing.T) {
	v := openVault(t)
	ctx := context.Background()
	batch := patientsBatch()

	res, err := v.Absorb(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, MergeResult{Inserted: 2}, res)

	Strip(patientsRecord(), batch)
	assert.Equal(t, []string{"chi", "postcode", "sex"}, batch.Columns)

	reg, err := dilution.NewRegistry(dilution.Builtins()...)
	require.NoError(t, err)
	op, ok := reg.Get("postcode_district")
	require.True(t, ok)
	for _, row := range batch.Rows {
		out, err := op.Apply(row[1])
		require.NoError(t, err)
		row[1] = out
	}

	got, err := v.Recover(ctx, "1111111111")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ann", "postcode": "DD1 4HN"}, got)
	assert.Equal(t, "DD1", batch.Rows[0][1])

	got, err = v.Recover(ctx, "2222222222")
	require.NoError(t, err)
	assert.Equal(t, "EH10 5HF", got["postcode"])
	assert.Equal(t, "EH10", batch.Rows[1][1])

	_, err = v.Recover(ctx, "9999999999")
	var nf *domain.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestVault_MergeIsIdempotent(t *testing.T) {
	v := openVault(t)
	ctx := context.Background()

	require.NoError(t, v.Stage(ctx, patientsBatch()))
	first, err := v.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, MergeResult{Inserted: 2}, first)
	assert.Equal(t, 0, countRows(t, v, v.staging))

	require.NoError(t, v.Stage(ctx, patientsBatch()))
	second, err := v.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, MergeResult{}, second)
	assert.Equal(t, 2, countRows(t, v, v.table))
}

func TestVault_NewestWins(t *testing.T) {
	v := openVault(t)
	ctx := context.Background()
	_, err := v.Absorb(ctx, patientsBatch())
	require.NoError(t, err)

	changed := &domain.Batch{
		Columns: []string{"chi", "name", "postcode"},
		Rows: [][]any{
			{"1111111111", "Ann Smith", "DD1 4HN"},
			{"3333333333", "Cat", nil},
		},
	}
	res, err := v.Absorb(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, MergeResult{Inserted: 1, Updated: 1}, res)

	got, err := v.Recover(ctx, "1111111111")
	require.NoError(t, err)
	assert.Equal(t, "Ann Smith", got["name"])

	got, err = v.Recover(ctx, "3333333333")
	require.NoError(t, err)
	assert.Nil(t, got["postcode"])

	nulled := &domain.Batch{
		Columns: []string{"chi", "name", "postcode"},
		Rows:    [][]any{{"3333333333", "Cat", "AB1 2CD"}},
	}
	res, err = v.Absorb(ctx, nulled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Updated)
}

func TestVault_DuplicateKeysInBatch(t *testing.T) {
	tests := []struct {
		name    string
		rows    [][]any
		wantErr bool
	}{
		{
			name: "identical duplicates collapse",
			rows: [][]any{{"1", "Ann", "DD1"}, {"1", "Ann", "DD1"}},
		},
		{
			name:    "conflicting duplicates",
			rows:    [][]any{{"1", "Ann", "DD1"}, {"1", "Anne", "DD1"}},
			wantErr: true,
		},
		{
			name:    "null key",
			rows:    [][]any{{nil, "Ann", "DD1"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := openVault(t)
			batch := &domain.Batch{Columns: []string{"chi", "name", "postcode"}, Rows: tt.rows}
			res, err := v.Absorb(context.Background(), batch)
			if tt.wantErr {
				var conflict *domain.MergeConflictError
				require.True(t, errors.As(err, &conflict), "got %v", err)
				assert.True(t, domain.IsRuntimeIntegrity(err))
				assert.NotContains(t, err.Error(), "Ann")
				assert.Equal(t, 0, countRows(t, v, v.table))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Inserted)
		})
	}
}

func TestVault_MissingBatchColumn(t *testing.T) {
	v := openVault(t)
	err := v.Stage(context.Background(), &domain.Batch{Columns: []string{"chi", "name"}, Rows: [][]any{{"1", "Ann"}}})
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestOpen_AddsNewColumnsToExistingVault(t *testing.T) {
	ctx := context.Background()
	conn := db.OpenTestDataDB(t, "vault")

	rec := patientsRecord()
	rec.Discarded = rec.Discarded[:1]
	v, err := Open(ctx, conn, ddl.SQLite, rec, nil)
	require.NoError(t, err)
	_, err = v.Absorb(ctx, &domain.Batch{Columns: []string{"chi", "name"}, Rows: [][]any{{"1", "Ann"}}})
	require.NoError(t, err)
	require.NoError(t, v.Close(ctx))

	v, err = Open(ctx, conn, ddl.SQLite, patientsRecord(), nil)
	require.NoError(t, err)
	got, err := v.Recover(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ann", "postcode": nil}, got)
	require.NoError(t, v.Close(ctx))

	var n int
	require.NoError(t, conn.QueryRow(ddl.SQLite.TableExistsQuery(), "vault_patients_staging").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestOpen_Rejects(t *testing.T) {
	conn := db.OpenTestDataDB(t, "vault")
	ctx := context.Background()

	noKey := patientsRecord()
	noKey.PrimaryKeys = nil
	_, err := Open(ctx, conn, ddl.SQLite, noKey, nil)
	assert.Error(t, err)

	nothing := patientsRecord()
	nothing.Discarded = []domain.DiscardedColumn{{Name: "notes", Type: "TEXT"}}
	_, err = Open(ctx, conn, ddl.SQLite, nothing, nil)
	assert.Error(t, err)

	badType := patientsRecord()
	badType.Discarded[0].Type = "GEOMETRY"
	_, err = Open(ctx, conn, ddl.SQLite, badType, nil)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}
