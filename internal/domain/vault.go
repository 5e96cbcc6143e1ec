package domain

// Destination classifies a column removed from the live copy.
type Destination int

const (
	DestinationDiscard Destination = iota
	DestinationToVault
	DestinationDilute
)

func (d Destination) String() string {
	switch d {
	case DestinationToVault:
		return "to_vault"
	case DestinationDilute:
		return "dilute"
	default:
		return "discard"
	}
}

const (
	vaultTablePrefix   = "vault_"
	stagingTableSuffix = "_staging"
)

// VaultTableName is the vault table of a source table.
func VaultTableName(table string) string { return vaultTablePrefix + table }

// StagingTableName is the staging table of a source table.
func StagingTableName(table string) string { return vaultTablePrefix + table + stagingTableSuffix }

// DiscardedColumn is a column whose raw values leave the live copy.
type DiscardedColumn struct {
	Name        string
	Type        string // source type
	Destination Destination
}

// VaultRecord describes what one table sends to the vault.
type VaultRecord struct {
	Table       string
	Target      string // vault target name
	PrimaryKeys []ColumnInfo
	Discarded   []DiscardedColumn
}

// VaultColumns are the discarded columns whose raw values are kept.
func (r *VaultRecord) VaultColumns() []DiscardedColumn {
	var out []DiscardedColumn
	for _, c := range r.Discarded {
		if c.Destination != DestinationDiscard {
			out = append(out, c)
		}
	}
	return out
}

// HasVaultColumns reports whether the table sends anything to the vault.
func (r *VaultRecord) HasVaultColumns() bool { return len(r.VaultColumns()) > 0 }

// Validate checks the record against the columns of the live schema.
// Dilute columns stay in the live copy, so they must be present there.
func (r *VaultRecord) Validate(liveColumns []string) error {
	if r.HasVaultColumns() && len(r.PrimaryKeys) == 0 {
		return ErrValidation("table %q sends columns to the vault but has no primary key", r.Table)
	}
	live := make(map[string]bool, len(liveColumns))
	for _, c := range liveColumns {
		live[c] = true
	}
	for _, c := range r.Discarded {
		if c.Destination == DestinationDilute && !live[c.Name] {
			return ErrValidation("diluted column %s.%s is missing from the live schema", r.Table, c.Name)
		}
	}
	return nil
}
