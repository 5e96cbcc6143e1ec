package domain

import (
	"strings"
	"time"
)

// ColumnRef identifies a column within a catalog.
type ColumnRef struct {
	Table  string
	Column string
}

func (r ColumnRef) String() string { return r.Table + "." + r.Column }

// MarshalText renders the reference as "table.column" in JSON output.
func (r ColumnRef) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ParseColumnRef parses "table.column". The last dot separates the column.
func ParseColumnRef(s string) (ColumnRef, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return ColumnRef{}, ErrValidation("column reference %q must have the form table.column", s)
	}
	return ColumnRef{Table: s[:i], Column: s[i+1:]}, nil
}

// ColumnInfo describes one column of a cataloged table.
type ColumnInfo struct {
	Name         string
	Type         string // source platform type
	Position     int
	Nullable     bool
	IsPrimaryKey bool
	Extractable  bool // already feeds an extractable projection
}

// TableInfo describes one cataloged table.
type TableInfo struct {
	Name                  string
	Columns               []ColumnInfo
	IsTableValuedFunction bool
}

// Column returns the named column.
func (t *TableInfo) Column(name string) (*ColumnInfo, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// PrimaryKeys returns the primary key columns in position order.
func (t *TableInfo) PrimaryKeys() []ColumnInfo {
	var out []ColumnInfo
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			out = append(out, c)
		}
	}
	return out
}

// JoinInfo is a declared join between two tables.
type JoinInfo struct {
	ForeignKey ColumnRef
	PrimaryKey ColumnRef
}

// LookupInfo is a join to a lookup table whose description columns are
// pulled into extractions.
type LookupInfo struct {
	ForeignKey   ColumnRef
	PrimaryKey   ColumnRef
	Descriptions []ColumnRef
}

// Catalog is the metadata model of a cataloged dataset.
type Catalog struct {
	ID             int64
	Name           string
	SourcePlatform string // "duckdb", "sqlite" or "postgres"
	Tables         []TableInfo
	Joins          []JoinInfo
	Lookups        []LookupInfo
	CreatedAt      time.Time
}

// Table returns the named table.
func (c *Catalog) Table(name string) (*TableInfo, bool) {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

// Column resolves a column reference against the catalog.
func (c *Catalog) Column(ref ColumnRef) (*TableInfo, *ColumnInfo, bool) {
	t, ok := c.Table(ref.Table)
	if !ok {
		return nil, nil, false
	}
	col, ok := t.Column(ref.Column)
	if !ok {
		return nil, nil, false
	}
	return t, col, true
}

// ColumnRefs lists every column of the catalog in table, then position order.
func (c *Catalog) ColumnRefs() []ColumnRef {
	var out []ColumnRef
	for _, t := range c.Tables {
		for _, col := range t.Columns {
			out = append(out, ColumnRef{Table: t.Name, Column: col.Name})
		}
	}
	return out
}

// Validate checks that the catalog is well-formed.
func (c *Catalog) Validate() error {
	if c.Name == "" {
		return ErrValidation("catalog name is required")
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return ErrValidation("catalog %q has a table without a name", c.Name)
		}
		if seen[t.Name] {
			return ErrValidation("catalog %q lists table %q twice", c.Name, t.Name)
		}
		seen[t.Name] = true
	}
	for _, j := range c.Joins {
		if _, _, ok := c.Column(j.ForeignKey); !ok {
			return ErrValidation("join references unknown column %s", j.ForeignKey)
		}
		if _, _, ok := c.Column(j.PrimaryKey); !ok {
			return ErrValidation("join references unknown column %s", j.PrimaryKey)
		}
	}
	for _, l := range c.Lookups {
		refs := append([]ColumnRef{l.ForeignKey, l.PrimaryKey}, l.Descriptions...)
		for _, r := range refs {
			if _, _, ok := c.Column(r); !ok {
				return ErrValidation("lookup references unknown column %s", r)
			}
		}
	}
	return nil
}
