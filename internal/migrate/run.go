package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"deid/internal/ddl"
	"deid/internal/domain"
	"deid/internal/sqltype"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CheckFailedError is returned by Run when the plan has Fail findings.
type CheckFailedError struct {
	Findings []domain.Finding
}

func (e *CheckFailedError) Error() string {
	n := 0
	for _, f := range e.Findings {
		if f.Severity == domain.SeverityFail {
			n++
		}
	}
	return fmt.Sprintf("plan check reported %d failure(s)", n)
}

// RunOptions control one run.
type RunOptions struct {
	Preview bool
}

// TableReport is the outcome of one table.
type TableReport struct {
	Table    string        `json:"table"`
	Stats    TableStats    `json:"stats"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunReport is the outcome of a run.
type RunReport struct {
	RunID    string          `json:"run_id"`
	Catalog  string          `json:"catalog"`
	Target   string          `json:"target"`
	Preview  bool            `json:"preview"`
	Window   *Window         `json:"window,omitempty"`
	Tables   []TableReport   `json:"tables"`
	Findings []domain.Finding `json:"findings,omitempty"`
}

// Failed reports whether any table failed.
func (r *RunReport) Failed() bool {
	for _, t := range r.Tables {
		if t.Error != "" {
			return true
		}
	}
	return false
}

// Run migrates every table in scope. Tables run concurrently; a failing
// table stops only itself and the vault and store state of the others is
// kept. The returned error joins the table failures.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	findings := e.cfg.Plan.Check(ctx)
	if domain.HasFailures(findings) {
		return nil, &CheckFailedError{Findings: findings}
	}

	p := e.cfg.Plan.Plan()
	report := &RunReport{
		RunID:    uuid.NewString(),
		Catalog:  p.CatalogName,
		Target:   p.Target,
		Preview:  opts.Preview,
		Findings: findings,
	}
	if inc := p.Incremental; inc != nil {
		report.Window = &Window{From: inc.Watermark, To: e.cfg.Now().UTC()}
	}

	run := &domain.MigrationRun{
		ID:          report.RunID,
		CatalogName: p.CatalogName,
		Target:      p.Target,
		Preview:     opts.Preview,
		Status:      domain.RunStatusRunning,
		StartedAt:   e.cfg.Now().UTC(),
	}
	if err := e.cfg.Runs.Start(ctx, run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	tables := e.cfg.Plan.InScope()
	logger := e.logger.With("run_id", run.ID, "catalog", p.CatalogName, "preview", opts.Preview)
	logger.Info("migration started", "tables", len(tables))

	report.Tables = make([]TableReport, len(tables))
	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxParallelTables)
	for i, t := range tables {
		g.Go(func() error {
			start := time.Now()
			stats, err := e.migrateTable(ctx, t.Name, report.Window, opts.Preview)
			tr := TableReport{Table: t.Name, Stats: stats, Duration: time.Since(start)}
			if err != nil {
				tr.Error = err.Error()
				logger.Error("table failed", "table", t.Name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("table %s: %w", t.Name, err))
				mu.Unlock()
			} else {
				logger.Info("table migrated", "table", t.Name, "rows", stats.Rows, "allocated", stats.Allocated)
			}
			report.Tables[i] = tr
			return nil // don't fail the other tables
		})
	}
	_ = g.Wait()
	runErr := errors.Join(errs...)

	if runErr == nil && !opts.Preview && report.Window != nil {
		e.cfg.Plan.AdvanceWatermark(report.Window.To)
		if e.cfg.Plans != nil {
			if err := e.cfg.Plans.Save(ctx, e.cfg.Plan.Plan()); err != nil {
				runErr = fmt.Errorf("save watermark: %w", err)
			}
		}
	}

	status, msg := domain.RunStatusSucceeded, ""
	if runErr != nil {
		status, msg = domain.RunStatusFailed, runErr.Error()
	}
	if err := e.cfg.Runs.Finish(context.WithoutCancel(ctx), run.ID, status, msg); err != nil {
		logger.Warn("record run finish failed", "error", err)
	}
	logger.Info("migration finished", "status", status)
	return report, runErr
}

// migrateTable streams one table from the source through a session into the
// destination. Outside preview the destination rows of the table (or of the
// window) are replaced in one transaction.
func (e *Engine) migrateTable(ctx context.Context, table string, w *Window, preview bool) (stats TableStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	schema, err := e.EndpointSchema(ctx, table)
	if err != nil {
		return stats, err
	}
	query, args, err := e.ExtractionSQL(table, w)
	if err != nil {
		return stats, err
	}

	// The destination transaction is taken before the source cursor so that
	// tables sharing single-connection pools acquire them in the same order.
	var load *loader
	if !preview {
		load, err = e.beginLoad(ctx, table, schema, w)
		if err != nil {
			return stats, err
		}
		defer load.rollback()
	}

	session, err := e.OpenTable(ctx, table, preview)
	if err != nil {
		return stats, err
	}
	defer func() {
		if cerr := session.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	rows, err := e.cfg.Source.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return stats, &domain.TransientError{Op: "extract " + table, Err: err}
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return stats, &domain.TransientError{Op: "extract " + table, Err: err}
	}
	blob := e.blobColumns(table, cols)

	flush := func(batch *domain.Batch) error {
		if batch.Len() == 0 {
			return nil
		}
		if err := session.ExtractAndTransform(ctx, batch); err != nil {
			return err
		}
		if load != nil {
			return load.write(ctx, batch)
		}
		return nil
	}

	batch := &domain.Batch{Columns: append([]string{}, cols...)}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return session.Stats(), &domain.TransientError{Op: "scan " + table, Err: err}
		}
		for i, v := range vals {
			if !blob[i] {
				vals[i] = domain.NormalizeValue(v)
			}
		}
		batch.Rows = append(batch.Rows, vals)
		if batch.Len() >= e.cfg.BatchSize {
			if err := flush(batch); err != nil {
				return session.Stats(), err
			}
			batch = &domain.Batch{Columns: append([]string{}, cols...)}
		}
	}
	if err := rows.Err(); err != nil {
		return session.Stats(), &domain.TransientError{Op: "extract " + table, Err: err}
	}
	if err := flush(batch); err != nil {
		return session.Stats(), err
	}

	if load != nil {
		if err := load.commit(); err != nil {
			return session.Stats(), err
		}
	}
	return session.Stats(), nil
}

func (e *Engine) blobColumns(table string, cols []string) []bool {
	out := make([]bool, len(cols))
	t, ok := e.cfg.Plan.Catalog().Table(table)
	if !ok {
		return out
	}
	for i, name := range cols {
		if c, ok := t.Column(name); ok {
			if typ, err := sqltype.Parse(c.Type); err == nil && typ.Family == sqltype.FamilyBlob {
				out[i] = true
			}
		}
	}
	return out
}

// loader writes one table into the destination inside a transaction.
type loader struct {
	tx        *sql.Tx
	dialect   ddl.Dialect
	table     string
	committed bool
	stmt      *sql.Stmt
	columns   string
}

func (e *Engine) beginLoad(ctx context.Context, table string, schema []EndpointColumn, w *Window) (*loader, error) {
	dest := e.cfg.Destination
	defs := make([]ddl.ColumnDef, len(schema))
	var keys []string
	for i, c := range schema {
		defs[i] = ddl.ColumnDef{Name: c.Name, Type: c.Type, NotNull: c.PrimaryKey}
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	create, err := ddl.CreateTable(table, defs, keys, true)
	if err != nil {
		return nil, err
	}

	tx, err := dest.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, &domain.TransientError{Op: "begin load " + table, Err: err}
	}
	l := &loader{tx: tx, dialect: dest.Dialect, table: table}
	if _, err := tx.ExecContext(ctx, create); err != nil {
		l.rollback()
		return nil, &domain.TransientError{Op: "create destination " + table, Err: err}
	}

	del := "DELETE FROM " + ddl.QuoteIdentifier(table)
	var args []any
	if w != nil {
		col := ddl.QuoteIdentifier(e.cfg.Plan.Plan().Incremental.Column)
		if w.From != nil {
			del += fmt.Sprintf(" WHERE %s >= ? AND %s < ?", col, col)
			args = append(args, *w.From, w.To)
		} else {
			del += fmt.Sprintf(" WHERE %s < ?", col)
			args = append(args, w.To)
		}
	}
	if _, err := tx.ExecContext(ctx, dest.Dialect.Rebind(del), args...); err != nil {
		l.rollback()
		return nil, &domain.TransientError{Op: "clear destination " + table, Err: err}
	}
	return l, nil
}

func (l *loader) write(ctx context.Context, batch *domain.Batch) error {
	cols := strings.Join(batch.Columns, "\x00")
	if l.stmt == nil || l.columns != cols {
		if l.stmt != nil {
			_ = l.stmt.Close()
		}
		insert, err := ddl.Insert(l.table, batch.Columns)
		if err != nil {
			return err
		}
		l.stmt, err = l.tx.PrepareContext(ctx, l.dialect.Rebind(insert))
		if err != nil {
			return &domain.TransientError{Op: "prepare load " + l.table, Err: err}
		}
		l.columns = cols
	}
	for _, row := range batch.Rows {
		if _, err := l.stmt.ExecContext(ctx, row...); err != nil {
			return &domain.TransientError{Op: "load " + l.table, Err: err}
		}
	}
	return nil
}

func (l *loader) commit() error {
	if l.stmt != nil {
		_ = l.stmt.Close()
	}
	if err := l.tx.Commit(); err != nil {
		return &domain.TransientError{Op: "commit load " + l.table, Err: err}
	}
	l.committed = true
	return nil
}

func (l *loader) rollback() {
	if l.committed {
		return
	}
	if l.stmt != nil {
		_ = l.stmt.Close()
		l.stmt = nil
	}
	_ = l.tx.Rollback()
	l.committed = true
}
