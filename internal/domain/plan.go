package domain

import (
	"slices"
	"time"
)

// Severity grades a plan check finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityFail
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityFail:
		return "fail"
	default:
		return "info"
	}
}

// MarshalText renders the severity by name in JSON and YAML output.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Finding is one result of checking a plan. Fail findings block execution.
type Finding struct {
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
	Subject      string   `json:"subject,omitempty"` // table or table.column the finding is about
}

// HasFailures reports whether any finding has SeverityFail.
func HasFailures(findings []Finding) bool {
	return slices.ContainsFunc(findings, func(f Finding) bool { return f.Severity == SeverityFail })
}

// IncrementalSpec configures a partitioned (incremental) migration.
type IncrementalSpec struct {
	Table     string
	Column    string     // partition column
	Watermark *time.Time // upper bound of the last successful window
}

// Plan is the persisted anonymisation plan of one catalog.
type Plan struct {
	CatalogName  string
	Target       string            // destination identity checked for concurrent runs
	DefaultVault string            // vault target name
	TableVaults  map[string]string // per-table vault target overrides
	Skipped      []string          // tables excluded from migration
	Incremental  *IncrementalSpec
	Decisions    map[ColumnRef]Decision
	UpdatedAt    time.Time
}

// NewPlan returns an empty plan for a catalog.
func NewPlan(catalogName string) *Plan {
	return &Plan{
		CatalogName: catalogName,
		TableVaults: map[string]string{},
		Decisions:   map[ColumnRef]Decision{},
	}
}

// VaultFor returns the vault target of a table.
func (p *Plan) VaultFor(table string) string {
	if v := p.TableVaults[table]; v != "" {
		return v
	}
	return p.DefaultVault
}

// IsSkipped reports whether a table is excluded from migration.
func (p *Plan) IsSkipped(table string) bool {
	return slices.Contains(p.Skipped, table)
}
