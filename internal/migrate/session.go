package migrate

import (
	"context"
	"fmt"

	"deid/internal/dilution"
	"deid/internal/domain"
	"deid/internal/pseudonym"
	"deid/internal/vault"
)

// TableStats accumulates what a table session did.
type TableStats struct {
	Rows          int   `json:"rows"`
	Nulls         int   `json:"nulls"`
	Allocated     int   `json:"allocated"`
	VaultInserted int64 `json:"vault_inserted"`
	VaultUpdated  int64 `json:"vault_updated"`
}

type tokenColumn struct {
	name     string
	resolver pseudonym.Resolver
}

type diluteColumn struct {
	name string
	op   dilution.Operation
}

// TableSession transforms the batches of one table. It is not safe for
// concurrent use.
type TableSession struct {
	e       *Engine
	table   string
	preview bool
	record  domain.VaultRecord
	vault   *vault.Vault
	tokens  []tokenColumn
	dilutes []diluteColumn
	stats   TableStats
}

// OpenTable prepares a session for table. Outside preview it opens the
// table's vault, creating its staging table.
func (e *Engine) OpenTable(ctx context.Context, table string, preview bool) (*TableSession, error) {
	t, ok := e.cfg.Plan.Catalog().Table(table)
	if !ok {
		return nil, domain.ErrNotFound("table %q not in catalog", table)
	}
	rec, err := e.cfg.Plan.VaultRecord(table)
	if err != nil {
		return nil, err
	}
	s := &TableSession{e: e, table: table, preview: preview, record: rec}

	for _, c := range t.Columns {
		switch d := e.cfg.Plan.Effective(domain.ColumnRef{Table: table, Column: c.Name}).(type) {
		case domain.Pseudonymize:
			r, err := e.cfg.Stores.Resolver(ctx, d.Store)
			if err != nil {
				return nil, fmt.Errorf("store of %s.%s: %w", table, c.Name, err)
			}
			s.tokens = append(s.tokens, tokenColumn{name: c.Name, resolver: r})
		case domain.Dilute:
			op, ok := e.cfg.Dilutions.Get(d.Operation)
			if !ok {
				return nil, &domain.DependencyError{Capability: "dilution:" + d.Operation, Err: fmt.Errorf("not registered")}
			}
			s.dilutes = append(s.dilutes, diluteColumn{name: c.Name, op: op})
		}
	}

	if rec.HasVaultColumns() && !preview {
		db, err := e.cfg.Vaults.Connect(rec.Target)
		if err != nil {
			return nil, &domain.DependencyError{Capability: "vault:" + rec.Target, Err: err}
		}
		s.vault, err = vault.Open(ctx, db.DB, db.Dialect, rec, e.logger)
		if err != nil {
			return nil, fmt.Errorf("open vault of %s: %w", table, err)
		}
	}
	return s, nil
}

// ExtractAndTransform turns a source batch into a destination batch in
// place: dumped columns are merged into the vault and stripped, then
// pseudonymized columns are tokenized and diluted columns rewritten.
func (s *TableSession) ExtractAndTransform(ctx context.Context, batch *domain.Batch) error {
	if s.vault != nil {
		res, err := s.vault.Absorb(ctx, batch)
		if err != nil {
			return fmt.Errorf("vault %s: %w", s.table, err)
		}
		s.stats.VaultInserted += res.Inserted
		s.stats.VaultUpdated += res.Updated
	}
	vault.Strip(s.record, batch)

	for _, tc := range s.tokens {
		st, err := s.e.cfg.Tokenizer.Substitute(ctx, batch, tc.name, tc.resolver, s.preview)
		if err != nil {
			return err
		}
		s.stats.Nulls += st.Nulls
		s.stats.Allocated += st.Allocated
	}

	for _, dc := range s.dilutes {
		idx := batch.ColumnIndex(dc.name)
		if idx < 0 {
			return domain.ErrValidation("diluted column %s.%s missing from batch", s.table, dc.name)
		}
		for _, row := range batch.Rows {
			v, err := dc.op.Apply(row[idx])
			if err != nil {
				return fmt.Errorf("dilute %s.%s with %s: %w", s.table, dc.name, dc.op.Name(), err)
			}
			row[idx] = v
		}
	}

	s.stats.Rows += batch.Len()
	return nil
}

// Stats returns the totals so far.
func (s *TableSession) Stats() TableStats { return s.stats }

// Close drops the vault staging table.
func (s *TableSession) Close(ctx context.Context) error {
	if s.vault == nil {
		return nil
	}
	return s.vault.Close(ctx)
}
