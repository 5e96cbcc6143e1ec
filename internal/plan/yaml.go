package plan

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"deid/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	fileAPIVersion = "deid/v1"
	fileKind       = "AnonymisationPlan"
)

type planFile struct {
	APIVersion   string            `yaml:"apiVersion"`
	Kind         string            `yaml:"kind"`
	Catalog      string            `yaml:"catalog"`
	Target       string            `yaml:"target,omitempty"`
	DefaultVault string            `yaml:"default_vault,omitempty"`
	TableVaults  map[string]string `yaml:"table_vaults,omitempty"`
	Skip         []string          `yaml:"skip,omitempty"`
	Incremental  *incrementalFile  `yaml:"incremental,omitempty"`
	Columns      []columnFile      `yaml:"columns"`
}

type incrementalFile struct {
	Table     string     `yaml:"table"`
	Column    string     `yaml:"column"`
	Watermark *time.Time `yaml:"watermark,omitempty"`
}

type columnFile struct {
	Column    string `yaml:"column"`
	Decision  string `yaml:"decision"`
	Store     string `yaml:"store,omitempty"`
	Operation string `yaml:"dilution,omitempty"`
	Vault     bool   `yaml:"vault,omitempty"`
}

// Export writes p as YAML. Columns are sorted so that exports diff cleanly.
func Export(w io.Writer, p *domain.Plan) error {
	f := planFile{
		APIVersion:   fileAPIVersion,
		Kind:         fileKind,
		Catalog:      p.CatalogName,
		Target:       p.Target,
		DefaultVault: p.DefaultVault,
		Skip:         p.Skipped,
	}
	if len(p.TableVaults) > 0 {
		f.TableVaults = p.TableVaults
	}
	if inc := p.Incremental; inc != nil {
		f.Incremental = &incrementalFile{Table: inc.Table, Column: inc.Column, Watermark: inc.Watermark}
	}
	for ref, d := range p.Decisions {
		c := columnFile{Column: ref.String(), Decision: d.Kind().String()}
		switch v := d.(type) {
		case domain.Drop:
			c.Vault = v.ToVault
		case domain.Pseudonymize:
			c.Store = v.Store
		case domain.Dilute:
			c.Operation = v.Operation
		}
		f.Columns = append(f.Columns, c)
	}
	slices.SortFunc(f.Columns, func(a, b columnFile) int { return strings.Compare(a.Column, b.Column) })

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return enc.Close()
}

// Import reads a plan written by Export. Unknown fields are rejected.
func Import(r io.Reader) (*domain.Plan, error) {
	var f planFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrValidation("plan file is empty")
		}
		return nil, domain.ErrValidation("parse plan: %v", err)
	}
	if f.APIVersion != fileAPIVersion || f.Kind != fileKind {
		return nil, domain.ErrValidation("expected apiVersion %s kind %s, got %q %q", fileAPIVersion, fileKind, f.APIVersion, f.Kind)
	}
	if f.Catalog == "" {
		return nil, domain.ErrValidation("plan file names no catalog")
	}

	p := domain.NewPlan(f.Catalog)
	p.Target = f.Target
	p.DefaultVault = f.DefaultVault
	for table, vault := range f.TableVaults {
		p.TableVaults[table] = vault
	}
	p.Skipped = slices.Sorted(slices.Values(f.Skip))
	if inc := f.Incremental; inc != nil {
		p.Incremental = &domain.IncrementalSpec{Table: inc.Table, Column: inc.Column, Watermark: inc.Watermark}
	}

	for i, c := range f.Columns {
		ref, err := domain.ParseColumnRef(c.Column)
		if err != nil {
			return nil, domain.ErrValidation("columns[%d]: %v", i, err)
		}
		if _, dup := p.Decisions[ref]; dup {
			return nil, domain.ErrValidation("columns[%d]: %s listed twice", i, ref)
		}
		kind, err := domain.ParseDecisionKind(c.Decision)
		if err != nil {
			return nil, domain.ErrValidation("columns[%d]: %v", i, err)
		}
		switch kind {
		case domain.DecisionDrop:
			p.Decisions[ref] = domain.Drop{ToVault: c.Vault}
		case domain.DecisionPseudonymize:
			p.Decisions[ref] = domain.Pseudonymize{Store: c.Store}
		case domain.DecisionDilute:
			p.Decisions[ref] = domain.Dilute{Operation: c.Operation}
		case domain.DecisionPassThrough:
			p.Decisions[ref] = domain.PassThrough{}
		}
	}
	return p, nil
}
