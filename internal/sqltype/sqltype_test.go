package sqltype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{in: "varchar(10)", want: Type{Family: FamilyString, Length: 10}},
		{in: "TEXT", want: Type{Family: FamilyString}},
		{in: "character  varying ( 20 )", want: Type{Family: FamilyString, Length: 20}},
		{in: "uuid", want: Type{Family: FamilyString, Length: 36}},
		{in: "DECIMAL(10,2)", want: Type{Family: FamilyDecimal, Precision: 10, Scale: 2}},
		{in: "NUMERIC", want: Type{Family: FamilyDecimal, Precision: 18, Scale: 3}},
		{in: "int8", want: Type{Family: FamilyBigInt}},
		{in: "timestamp with time zone", want: Type{Family: FamilyTimestamp}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "STRUCT(a INT)", "GEOMETRY", "DECIMAL(2,5)", "INT[]"} {
		t.Run("invalid_"+bad, func(t *testing.T) {
			_, err := Parse(bad)
			assert.Error(t, err)
		})
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		src      string
		platform string
		want     string
	}{
		{src: "VARCHAR(7)", platform: PlatformDuckDB, want: "VARCHAR(7)"},
		{src: "TEXT", platform: PlatformDuckDB, want: "VARCHAR"},
		{src: "TEXT", platform: PlatformSQLite, want: "TEXT"},
		{src: "BIGINT", platform: PlatformSQLite, want: "INTEGER"},
		{src: "DOUBLE", platform: PlatformPostgres, want: "DOUBLE PRECISION"},
		{src: "REAL", platform: PlatformDuckDB, want: "DOUBLE"},
		{src: "DATETIME", platform: PlatformDuckDB, want: "TIMESTAMP"},
		{src: "TIMESTAMP", platform: PlatformSQLite, want: "DATETIME"},
		{src: "BLOB", platform: PlatformPostgres, want: "BYTEA"},
		{src: "DECIMAL(10,2)", platform: PlatformPostgres, want: "NUMERIC(10,2)"},
		{src: "GEOMETRY", platform: PlatformDuckDB, want: Unknown},
		{src: "INTEGER", platform: "oracle", want: Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.src+"_"+tt.platform, func(t *testing.T) {
			assert.Equal(t, tt.want, Translate(tt.src, tt.platform))
		})
	}
}

func TestSameFamily(t *testing.T) {
	assert.True(t, SameFamily("VARCHAR(10)", "TEXT"))
	assert.True(t, SameFamily("INTEGER", "BIGINT"))
	assert.False(t, SameFamily("INTEGER", "VARCHAR(10)"))
	assert.False(t, SameFamily("GEOMETRY", "GEOMETRY"))
}
