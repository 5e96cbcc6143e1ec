// Package sqltype translates column types between source and destination
// platforms. Translation never fails loudly: an untranslatable type renders
// as Unknown and plan checking reports it.
package sqltype

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Unknown is returned when a type cannot be translated.
const Unknown = "UNKNOWN"

// Platforms supported as translation targets.
const (
	PlatformDuckDB   = "duckdb"
	PlatformSQLite   = "sqlite"
	PlatformPostgres = "postgres"
)

// Family is the platform-neutral kind of a column type.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyString
	FamilyInteger
	FamilyBigInt
	FamilyDecimal
	FamilyFloat
	FamilyBoolean
	FamilyDate
	FamilyTime
	FamilyTimestamp
	FamilyBlob
)

func (f Family) String() string {
	switch f {
	case FamilyString:
		return "string"
	case FamilyInteger:
		return "integer"
	case FamilyBigInt:
		return "bigint"
	case FamilyDecimal:
		return "decimal"
	case FamilyFloat:
		return "float"
	case FamilyBoolean:
		return "boolean"
	case FamilyDate:
		return "date"
	case FamilyTime:
		return "time"
	case FamilyTimestamp:
		return "timestamp"
	case FamilyBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Type is a parsed column type.
type Type struct {
	Family    Family
	Length    int // string length, 0 when unbounded
	Precision int
	Scale     int
}

var typeRe = regexp.MustCompile(`^([A-Z][A-Z0-9_ ]*?)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?$`)

var families = map[string]Family{
	"VARCHAR": FamilyString, "CHARACTER VARYING": FamilyString, "NVARCHAR": FamilyString,
	"TEXT": FamilyString, "STRING": FamilyString, "CHAR": FamilyString, "NCHAR": FamilyString,
	"CHARACTER": FamilyString, "BPCHAR": FamilyString, "CLOB": FamilyString, "UUID": FamilyString,

	"INT": FamilyInteger, "INTEGER": FamilyInteger, "INT4": FamilyInteger, "MEDIUMINT": FamilyInteger,
	"SMALLINT": FamilyInteger, "INT2": FamilyInteger, "TINYINT": FamilyInteger, "INT1": FamilyInteger,
	"UINTEGER": FamilyInteger, "USMALLINT": FamilyInteger, "UTINYINT": FamilyInteger, "SERIAL": FamilyInteger,

	"BIGINT": FamilyBigInt, "INT8": FamilyBigInt, "LONG": FamilyBigInt, "HUGEINT": FamilyBigInt,
	"UBIGINT": FamilyBigInt, "BIGSERIAL": FamilyBigInt,

	"DECIMAL": FamilyDecimal, "NUMERIC": FamilyDecimal,

	"REAL": FamilyFloat, "FLOAT": FamilyFloat, "FLOAT4": FamilyFloat, "FLOAT8": FamilyFloat,
	"DOUBLE": FamilyFloat, "DOUBLE PRECISION": FamilyFloat,

	"BOOLEAN": FamilyBoolean, "BOOL": FamilyBoolean, "BIT": FamilyBoolean, "LOGICAL": FamilyBoolean,

	"DATE": FamilyDate,
	"TIME": FamilyTime,

	"TIMESTAMP": FamilyTimestamp, "DATETIME": FamilyTimestamp, "DATETIME2": FamilyTimestamp,
	"SMALLDATETIME": FamilyTimestamp, "TIMESTAMPTZ": FamilyTimestamp,
	"TIMESTAMP WITH TIME ZONE": FamilyTimestamp, "TIMESTAMP WITHOUT TIME ZONE": FamilyTimestamp,

	"BLOB": FamilyBlob, "BYTEA": FamilyBlob, "VARBINARY": FamilyBlob, "BINARY": FamilyBlob,
}

// Parse parses a source type name.
func Parse(name string) (Type, error) {
	s := strings.Join(strings.Fields(strings.ToUpper(name)), " ")
	m := typeRe.FindStringSubmatch(s)
	if m == nil {
		return Type{}, fmt.Errorf("unrecognised type %q", name)
	}
	fam, ok := families[m[1]]
	if !ok {
		return Type{}, fmt.Errorf("unrecognised type %q", name)
	}
	t := Type{Family: fam}
	var p1, p2 int
	if m[2] != "" {
		p1, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		p2, _ = strconv.Atoi(m[3])
	}
	switch fam {
	case FamilyString:
		t.Length = p1
		if m[1] == "UUID" {
			t.Length = 36
		}
	case FamilyDecimal:
		t.Precision, t.Scale = p1, p2
		if t.Precision == 0 {
			t.Precision, t.Scale = 18, 3
		}
		if t.Scale > t.Precision {
			return Type{}, fmt.Errorf("type %q has scale larger than precision", name)
		}
	}
	return t, nil
}

// Render returns the type as spelled on platform.
func (t Type) Render(platform string) (string, error) {
	switch platform {
	case PlatformDuckDB, PlatformSQLite, PlatformPostgres:
	default:
		return "", fmt.Errorf("unsupported platform %q", platform)
	}
	switch t.Family {
	case FamilyString:
		if t.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", t.Length), nil
		}
		if platform == PlatformDuckDB {
			return "VARCHAR", nil
		}
		return "TEXT", nil
	case FamilyInteger:
		return "INTEGER", nil
	case FamilyBigInt:
		if platform == PlatformSQLite {
			return "INTEGER", nil
		}
		return "BIGINT", nil
	case FamilyDecimal:
		if platform == PlatformPostgres {
			return fmt.Sprintf("NUMERIC(%d,%d)", t.Precision, t.Scale), nil
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale), nil
	case FamilyFloat:
		switch platform {
		case PlatformSQLite:
			return "REAL", nil
		case PlatformPostgres:
			return "DOUBLE PRECISION", nil
		}
		return "DOUBLE", nil
	case FamilyBoolean:
		return "BOOLEAN", nil
	case FamilyDate:
		return "DATE", nil
	case FamilyTime:
		return "TIME", nil
	case FamilyTimestamp:
		if platform == PlatformSQLite {
			return "DATETIME", nil
		}
		return "TIMESTAMP", nil
	case FamilyBlob:
		if platform == PlatformPostgres {
			return "BYTEA", nil
		}
		return "BLOB", nil
	}
	return "", fmt.Errorf("type family %s has no rendering", t.Family)
}

// Translate renders a source type for platform, or Unknown.
func Translate(sourceType, platform string) string {
	t, err := Parse(sourceType)
	if err != nil {
		return Unknown
	}
	out, err := t.Render(platform)
	if err != nil {
		return Unknown
	}
	return out
}

// SameFamily reports whether two type names parse into the same family.
// Integer widths are considered the same family.
func SameFamily(a, b string) bool {
	ta, err := Parse(a)
	if err != nil {
		return false
	}
	tb, err := Parse(b)
	if err != nil {
		return false
	}
	return normalizeFamily(ta.Family) == normalizeFamily(tb.Family)
}

func normalizeFamily(f Family) Family {
	if f == FamilyBigInt {
		return FamilyInteger
	}
	return f
}
