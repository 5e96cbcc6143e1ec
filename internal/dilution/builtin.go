package dilution

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type funcOperation struct {
	name        string
	description string
	outputType  string
	apply       func(any) (any, error)
}

func (f *funcOperation) Name() string                    { return f.name }
func (f *funcOperation) Description() string             { return f.description }
func (f *funcOperation) ExpectedDestinationType() string { return f.outputType }
func (f *funcOperation) Apply(v any) (any, error)        { return f.apply(v) }

// Builtins returns the built-in operations.
func Builtins() []Operation {
	return []Operation{
		&funcOperation{
			name:        "date_to_year",
			description: "Replaces a date with its year",
			outputType:  "INTEGER",
			apply: nullSafe(func(v any) (any, error) {
				t, err := asTime(v)
				if err != nil {
					return nil, err
				}
				return int64(t.Year()), nil
			}),
		},
		&funcOperation{
			name:        "date_to_month",
			description: "Truncates a date to the first day of its month",
			outputType:  "DATE",
			apply: nullSafe(func(v any) (any, error) {
				t, err := asTime(v)
				if err != nil {
					return nil, err
				}
				return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
			}),
		},
		&funcOperation{
			name:        "round_date_to_quarter_middle",
			description: "Moves a date to the 15th of the middle month of its quarter",
			outputType:  "DATE",
			apply: nullSafe(func(v any) (any, error) {
				t, err := asTime(v)
				if err != nil {
					return nil, err
				}
				q := (int(t.Month()) - 1) / 3
				return time.Date(t.Year(), time.Month(q*3+2), 15, 0, 0, 0, 0, time.UTC), nil
			}),
		},
		&funcOperation{
			name:        "postcode_district",
			description: "Drops the inward code of a UK postcode, keeping the district",
			outputType:  "VARCHAR(4)",
			apply: nullSafe(func(v any) (any, error) {
				s, ok := asString(v)
				if !ok {
					return nil, fmt.Errorf("postcode_district: expected text, got %T", v)
				}
				return PostcodeDistrict(s), nil
			}),
		},
		&funcOperation{
			name:        "crush_to_bitflag",
			description: "Replaces a value with whether it was present",
			outputType:  "BOOLEAN",
			apply: func(v any) (any, error) {
				if v == nil {
					return false, nil
				}
				if s, ok := asString(v); ok {
					return strings.TrimSpace(s) != "", nil
				}
				return true, nil
			},
		},
		&funcOperation{
			name:        "round_to_ten",
			description: "Rounds a number to the nearest ten",
			outputType:  "BIGINT",
			apply: nullSafe(func(v any) (any, error) {
				f, err := asFloat(v)
				if err != nil {
					return nil, err
				}
				return int64(math.Round(f/10) * 10), nil
			}),
		},
	}
}

// PostcodeDistrict returns the outward code of a UK postcode. Values that
// are too short to carry an inward code are returned normalised but
// otherwise unchanged.
func PostcodeDistrict(postcode string) string {
	s := strings.ToUpper(strings.Join(strings.Fields(postcode), ""))
	if len(s) < 5 {
		return s
	}
	return s[:len(s)-3]
}

func nullSafe(fn func(any) (any, error)) func(any) (any, error) {
	return func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return fn(v)
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string, []byte:
		s, _ := asString(x)
		s = strings.TrimSpace(s)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse a %d-character value as a date", len(s))
	default:
		return time.Time{}, fmt.Errorf("expected a date, got %T", v)
	}
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return "", false
	}
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string, []byte:
		s, _ := asString(x)
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse a %d-character value as a number", len(s))
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
