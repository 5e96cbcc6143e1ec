package plan

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"deid/internal/domain"

	"github.com/samber/lo"
)

// Suggestion is a decision Suggest applied to an undecided column.
type Suggestion struct {
	Column   domain.ColumnRef `json:"column"`
	Decision string           `json:"decision"`
	Reason   string           `json:"reason"`
}

// Ambiguity is an undecided column whose name is pseudonymized through
// more than one store elsewhere. Suggest leaves such columns alone.
type Ambiguity struct {
	Column domain.ColumnRef `json:"column"`
	Stores []string         `json:"stores"`
}

// SuggestResult lists what Suggest touched and what it refused to guess.
type SuggestResult struct {
	Applied   []Suggestion `json:"applied"`
	Ambiguous []Ambiguity  `json:"ambiguous,omitempty"`
}

// Suggest decides undecided columns by heuristics, in order: adopt the one
// store other columns of the same base name already use; drop
// administrative columns; pass through columns that are already
// extractable. Columns decided before the call are never changed.
func (m *Manager) Suggest(ctx context.Context) (SuggestResult, error) {
	var res SuggestResult
	before := m.Plan()

	local := map[string][]string{}
	for ref, d := range before.Decisions {
		if p, ok := d.(domain.Pseudonymize); ok && p.Store != "" {
			base := domain.BaseColumnName(ref.Column)
			local[base] = append(local[base], p.Store)
		}
	}

	for _, t := range m.catalog.Tables {
		for _, col := range t.Columns {
			ref := domain.ColumnRef{Table: t.Name, Column: col.Name}
			if before.Decisions[ref] != nil {
				continue
			}

			stores, err := m.storesFor(ctx, col.Name, local)
			if err != nil {
				return res, err
			}
			var d domain.Decision
			var reason string
			switch {
			case len(stores) > 1:
				res.Ambiguous = append(res.Ambiguous, Ambiguity{Column: ref, Stores: stores})
				continue
			case len(stores) == 1:
				d = domain.Pseudonymize{Store: stores[0]}
				reason = fmt.Sprintf("columns named %q already use store %q", domain.BaseColumnName(col.Name), stores[0])
			case !col.IsPrimaryKey && m.isAdministrative(col.Name):
				d = domain.Drop{}
				reason = "administrative column"
			case col.Extractable:
				d = domain.PassThrough{}
				reason = "already extractable"
			default:
				continue
			}

			m.mu.Lock()
			m.set(ref, d)
			m.mu.Unlock()
			res.Applied = append(res.Applied, Suggestion{Column: ref, Decision: domain.DescribeDecision(d), Reason: reason})
		}
	}
	return res, nil
}

func (m *Manager) storesFor(ctx context.Context, column string, local map[string][]string) ([]string, error) {
	base := domain.BaseColumnName(column)
	stores := slices.Clone(local[base])
	if m.deps.Usage != nil {
		used, err := m.deps.Usage.StoresForColumnName(ctx, base, m.catalog.Name)
		if err != nil {
			return nil, fmt.Errorf("look up stores for %q: %w", base, err)
		}
		stores = append(stores, used...)
	}
	stores = lo.Uniq(stores)
	slices.Sort(stores)
	return stores, nil
}

func (m *Manager) isAdministrative(column string) bool {
	return lo.SomeBy(m.deps.AdminPatterns, func(re *regexp.Regexp) bool { return re.MatchString(column) })
}
