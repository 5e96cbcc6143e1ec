// Package ddl builds the DDL and DML statements used against mapping servers,
// vaults and destinations, for each supported SQL dialect.
package ddl

import (
	"fmt"
	"strings"
)

// ColumnDef describes a column for CREATE TABLE.
type ColumnDef struct {
	Name    string
	Type    string
	NotNull bool
	Unique  bool
}

func (c ColumnDef) sql() (string, error) {
	if err := ValidateName(c.Name); err != nil {
		return "", fmt.Errorf("invalid column name: %w", err)
	}
	if err := ValidateColumnType(c.Type); err != nil {
		return "", fmt.Errorf("invalid column type for %q: %w", c.Name, err)
	}
	def := QuoteIdentifier(c.Name) + " " + c.Type
	if c.NotNull {
		def += " NOT NULL"
	}
	if c.Unique {
		def += " UNIQUE"
	}
	return def, nil
}

// CreateTable returns
// CREATE TABLE [IF NOT EXISTS] "<table>" ("<col1>" TYPE1, ..., PRIMARY KEY ("<pk>", ...)).
func CreateTable(table string, columns []ColumnDef, primaryKey []string, ifNotExists bool) (string, error) {
	if err := ValidateName(table); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("at least one column is required")
	}

	defs := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		def, err := c.sql()
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}
	if len(primaryKey) > 0 {
		for _, pk := range primaryKey {
			if !hasColumn(columns, pk) {
				return "", fmt.Errorf("primary key column %q is not defined", pk)
			}
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(QuoteIdentifiers(primaryKey), ", ")+")")
	}

	prefix := "CREATE TABLE "
	if ifNotExists {
		prefix += "IF NOT EXISTS "
	}
	return prefix + QuoteIdentifier(table) + " (" + strings.Join(defs, ", ") + ")", nil
}

// DropTable returns DROP TABLE [IF EXISTS] "<table>".
func DropTable(table string, ifExists bool) (string, error) {
	if err := ValidateName(table); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	if ifExists {
		return "DROP TABLE IF EXISTS " + QuoteIdentifier(table), nil
	}
	return "DROP TABLE " + QuoteIdentifier(table), nil
}

// AddColumn returns ALTER TABLE "<table>" ADD COLUMN "<col>" TYPE.
func AddColumn(table string, c ColumnDef) (string, error) {
	if err := ValidateName(table); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	def, err := c.sql()
	if err != nil {
		return "", err
	}
	return "ALTER TABLE " + QuoteIdentifier(table) + " ADD COLUMN " + def, nil
}

// Insert returns INSERT INTO "<table>" ("<c1>", ...) VALUES (?, ...) using
// '?' placeholders; rebind for the target dialect.
func Insert(table string, columns []string) (string, error) {
	if err := ValidateName(table); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("at least one column is required")
	}
	for _, c := range columns {
		if err := ValidateName(c); err != nil {
			return "", fmt.Errorf("invalid column name: %w", err)
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdentifier(table),
		strings.Join(QuoteIdentifiers(columns), ", "),
		placeholders,
	), nil
}

func hasColumn(columns []ColumnDef, name string) bool {
	for _, c := range columns {
		if c.Name == name {
			return true
		}
	}
	return false
}
