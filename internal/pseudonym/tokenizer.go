package pseudonym

import (
	"context"
	"fmt"
	"log/slog"

	"deid/internal/domain"

	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

// SubstituteStats summarises one column substitution.
type SubstituteStats struct {
	Column    string `json:"column"`
	Store     string `json:"store"`
	Rows      int    `json:"rows"`
	Nulls     int    `json:"nulls"`
	Distinct  int    `json:"distinct"`
	Allocated int    `json:"allocated"`
}

// Tokenizer replaces raw column values with tokens from a resolver.
// Resolve calls are throttled by a shared limiter so that parallel tables
// do not overload the mapping server.
type Tokenizer struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTokenizer creates a Tokenizer. A nil limiter means unlimited.
func NewTokenizer(limiter *rate.Limiter, logger *slog.Logger) *Tokenizer {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tokenizer{limiter: limiter, logger: logger.With("component", "tokenizer")}
}

// Substitute resolves every non-null value of column through r, replaces
// it with its token and renames the column to its token column name.
// NULLs stay NULL.
func (t *Tokenizer) Substitute(ctx context.Context, batch *domain.Batch, column string, r Resolver, preview bool) (SubstituteStats, error) {
	store := r.Store()
	stats := SubstituteStats{Column: column, Store: store.Name, Rows: batch.Len()}

	idx := batch.ColumnIndex(column)
	if idx < 0 {
		return stats, domain.ErrNotFound("column %q not in batch", column)
	}

	values := lo.FilterMap(batch.Rows, func(row []any, _ int) (any, bool) {
		return row[idx], row[idx] != nil
	})
	stats.Nulls = stats.Rows - len(values)

	if len(values) > 0 {
		if err := t.limiter.Wait(ctx); err != nil {
			return stats, fmt.Errorf("wait for resolve slot: %w", err)
		}
		mapping, err := r.Resolve(ctx, values, preview)
		if err != nil {
			return stats, fmt.Errorf("resolve %s through %s: %w", column, store.Name, err)
		}
		stats.Distinct = mapping.Len()
		stats.Allocated = mapping.Allocated

		for _, row := range batch.Rows {
			if row[idx] == nil {
				continue
			}
			tok, ok := mapping.Token(domain.NormalizeValue(row[idx]))
			if !ok {
				return stats, &domain.MappingGapError{Store: store.Name, Column: column}
			}
			row[idx] = tok
		}
	}

	if err := batch.RenameColumn(column, domain.TokenColumnName(column)); err != nil {
		return stats, err
	}
	t.logger.Debug("column tokenized",
		"column", column, "store", store.Name, "rows", stats.Rows,
		"nulls", stats.Nulls, "allocated", stats.Allocated)
	return stats, nil
}
