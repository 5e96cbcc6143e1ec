package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TokenColumnPrefix marks token (public) columns and mapping tables.
const TokenColumnPrefix = "ANO"

const (
	maxTokenDigits = 12
	maxTokenChars  = 12
	maxSuffixLen   = 10
)

var (
	storeNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,62}$`)
	suffixRe    = regexp.MustCompile(`^[A-Za-z0-9]*$`)
)

// PseudonymStore is a named mapping domain from raw values to tokens.
// The shape (digits, chars, suffix, key type) is fixed once provisioned.
type PseudonymStore struct {
	Name          string
	Digits        int
	Chars         int
	Suffix        string
	KeyType       string // type of the raw (private) key column
	ProvisionedAt *time.Time
	CreatedAt     time.Time
}

// Validate checks that the store shape is well-formed.
func (s PseudonymStore) Validate() error {
	if !storeNameRe.MatchString(s.Name) {
		return ErrValidation("store name %q must start with a letter and contain only letters, digits and underscores", s.Name)
	}
	if s.Digits < 0 || s.Digits > maxTokenDigits {
		return ErrValidation("digits must be between 0 and %d", maxTokenDigits)
	}
	if s.Chars < 0 || s.Chars > maxTokenChars {
		return ErrValidation("chars must be between 0 and %d", maxTokenChars)
	}
	if s.Digits+s.Chars == 0 {
		return ErrValidation("store %q needs at least one digit or char", s.Name)
	}
	if len(s.Suffix) > maxSuffixLen || !suffixRe.MatchString(s.Suffix) {
		return ErrValidation("suffix must be at most %d letters or digits", maxSuffixLen)
	}
	if strings.TrimSpace(s.KeyType) == "" {
		return ErrValidation("key_type is required")
	}
	return nil
}

// Provisioned reports whether the mapping table exists on the mapping server.
func (s PseudonymStore) Provisioned() bool { return s.ProvisionedAt != nil }

// TokenLength is the exact length of every token of this store.
func (s PseudonymStore) TokenLength() int {
	n := s.Digits + s.Chars
	if s.Suffix != "" {
		n += 1 + len(s.Suffix)
	}
	return n
}

// OutputType is the declared type of token columns.
func (s PseudonymStore) OutputType() string {
	return fmt.Sprintf("VARCHAR(%d)", s.TokenLength())
}

// MappingTable is the table holding this store's mapping.
func (s PseudonymStore) MappingTable() string { return "ano_" + strings.ToLower(s.Name) }

// PrivateColumn holds raw values in the mapping table.
func (s PseudonymStore) PrivateColumn() string { return s.Name }

// PublicColumn holds tokens in the mapping table.
func (s PseudonymStore) PublicColumn() string { return TokenColumnName(s.Name) }

// TokenColumnName returns the public name of a pseudonymized column.
func TokenColumnName(column string) string { return TokenColumnPrefix + column }

// BaseColumnName strips the token prefix and folds case so that "chi",
// "CHI" and "ANOchi" compare equal.
func BaseColumnName(column string) string {
	if len(column) > len(TokenColumnPrefix) && strings.HasPrefix(column, TokenColumnPrefix) {
		column = column[len(TokenColumnPrefix):]
	}
	return strings.ToLower(column)
}
