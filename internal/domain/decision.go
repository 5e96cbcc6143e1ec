package domain

import (
	"fmt"
	"strings"
)

// DecisionKind enumerates the ways a column can be handled by a migration.
type DecisionKind int

const (
	DecisionUndecided DecisionKind = iota
	DecisionDrop
	DecisionPseudonymize
	DecisionDilute
	DecisionPassThrough
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDrop:
		return "drop"
	case DecisionPseudonymize:
		return "pseudonymize"
	case DecisionDilute:
		return "dilute"
	case DecisionPassThrough:
		return "pass_through"
	default:
		return "undecided"
	}
}

// ParseDecisionKind parses the textual form produced by String.
func ParseDecisionKind(s string) (DecisionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop":
		return DecisionDrop, nil
	case "pseudonymize", "pseudonymise":
		return DecisionPseudonymize, nil
	case "dilute":
		return DecisionDilute, nil
	case "pass_through", "passthrough", "pass-through":
		return DecisionPassThrough, nil
	default:
		return DecisionUndecided, ErrValidation("unknown decision %q (want drop, pseudonymize, dilute or pass_through)", s)
	}
}

// Decision is the per-column plan entry. Exactly one of Drop, Pseudonymize,
// Dilute or PassThrough.
type Decision interface {
	Kind() DecisionKind
	isDecision()
}

// Drop removes the column from the live copy. ToVault routes the values to
// the identifier vault instead of discarding them.
type Drop struct {
	ToVault bool
}

// Pseudonymize substitutes values with tokens from the named store.
type Pseudonymize struct {
	Store string
}

// Dilute reduces the precision of the column with the named operation. The
// original values are kept in the vault.
type Dilute struct {
	Operation string
}

// PassThrough copies the column unchanged.
type PassThrough struct{}

func (Drop) Kind() DecisionKind         { return DecisionDrop }
func (Pseudonymize) Kind() DecisionKind { return DecisionPseudonymize }
func (Dilute) Kind() DecisionKind       { return DecisionDilute }
func (PassThrough) Kind() DecisionKind  { return DecisionPassThrough }

func (Drop) isDecision()         {}
func (Pseudonymize) isDecision() {}
func (Dilute) isDecision()       {}
func (PassThrough) isDecision()  {}

// NewDecision returns the empty variant for kind, or nil when undecided.
func NewDecision(kind DecisionKind) Decision {
	switch kind {
	case DecisionDrop:
		return Drop{}
	case DecisionPseudonymize:
		return Pseudonymize{}
	case DecisionDilute:
		return Dilute{}
	case DecisionPassThrough:
		return PassThrough{}
	default:
		return nil
	}
}

// KindOf returns the kind of d, treating nil as undecided.
func KindOf(d Decision) DecisionKind {
	if d == nil {
		return DecisionUndecided
	}
	return d.Kind()
}

// DescribeDecision renders a decision for reports.
func DescribeDecision(d Decision) string {
	switch v := d.(type) {
	case Drop:
		if v.ToVault {
			return "drop (to vault)"
		}
		return "drop"
	case Pseudonymize:
		if v.Store == "" {
			return "pseudonymize (no store)"
		}
		return fmt.Sprintf("pseudonymize (%s)", v.Store)
	case Dilute:
		if v.Operation == "" {
			return "dilute (no operation)"
		}
		return fmt.Sprintf("dilute (%s)", v.Operation)
	case PassThrough:
		return "pass through"
	default:
		return "undecided"
	}
}
