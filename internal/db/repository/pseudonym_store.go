package repository

import (
	"context"
	"database/sql"
	"time"

	"deid/internal/db"
	"deid/internal/domain"
)

// PseudonymStoreRepo is the registry of pseudonym stores.
type PseudonymStoreRepo struct {
	db *sql.DB
}

func NewPseudonymStoreRepo(db *sql.DB) *PseudonymStoreRepo {
	return &PseudonymStoreRepo{db: db}
}

var _ domain.PseudonymStoreRepository = (*PseudonymStoreRepo)(nil)

const storeColumns = `name, digits, chars, suffix, key_type, provisioned_at, created_at`

func (r *PseudonymStoreRepo) Create(ctx context.Context, s *domain.PseudonymStore) (*domain.PseudonymStore, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pseudonym_stores (name, digits, chars, suffix, key_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.Name, s.Digits, s.Chars, s.Suffix, s.KeyType, formatTime(time.Now()))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, domain.ErrConflict("pseudonym store %q already exists", s.Name)
		}
		return nil, mapDBError(err)
	}
	return r.GetByName(ctx, s.Name)
}

func (r *PseudonymStoreRepo) GetByName(ctx context.Context, name string) (*domain.PseudonymStore, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM pseudonym_stores WHERE name = ?`, name)
	s, err := scanStore(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound("pseudonym store %q not found", name)
		}
		return nil, mapDBError(err)
	}
	return s, nil
}

func (r *PseudonymStoreRepo) List(ctx context.Context) ([]domain.PseudonymStore, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+storeColumns+` FROM pseudonym_stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.PseudonymStore
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateShape changes digits, chars, suffix and key type. Provisioned
// stores are immutable.
func (r *PseudonymStoreRepo) UpdateShape(ctx context.Context, s *domain.PseudonymStore) error {
	if err := s.Validate(); err != nil {
		return err
	}
	current, err := r.GetByName(ctx, s.Name)
	if err != nil {
		return err
	}
	if current.Provisioned() {
		return domain.ErrConflict("pseudonym store %q is provisioned; its shape can no longer change", s.Name)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE pseudonym_stores SET digits = ?, chars = ?, suffix = ?, key_type = ? WHERE name = ? AND provisioned_at IS NULL`,
		s.Digits, s.Chars, s.Suffix, s.KeyType, s.Name)
	if err != nil {
		return mapDBError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict("pseudonym store %q was provisioned concurrently", s.Name)
	}
	return nil
}

// MarkProvisioned records that the mapping table exists. The first
// recorded time wins.
func (r *PseudonymStoreRepo) MarkProvisioned(ctx context.Context, name string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pseudonym_stores SET provisioned_at = COALESCE(provisioned_at, ?) WHERE name = ?`,
		formatTime(at), name)
	if err != nil {
		return mapDBError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("pseudonym store %q not found", name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStore(row rowScanner) (*domain.PseudonymStore, error) {
	var (
		s           domain.PseudonymStore
		provisioned sql.NullString
		created     string
	)
	if err := row.Scan(&s.Name, &s.Digits, &s.Chars, &s.Suffix, &s.KeyType, &provisioned, &created); err != nil {
		return nil, err
	}
	s.ProvisionedAt = parseNullTime(provisioned)
	s.CreatedAt = parseTime(created)
	return &s, nil
}
