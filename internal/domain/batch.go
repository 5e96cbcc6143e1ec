package domain

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Batch is a block of rows read from a source table.
type Batch struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (b *Batch) Len() int { return len(b.Rows) }

// ColumnIndex returns the position of a column, or -1.
func (b *Batch) ColumnIndex(name string) int {
	return slices.Index(b.Columns, name)
}

// RenameColumn renames a column in place.
func (b *Batch) RenameColumn(from, to string) error {
	i := b.ColumnIndex(from)
	if i < 0 {
		return ErrNotFound("column %q not in batch", from)
	}
	if from != to && b.ColumnIndex(to) >= 0 {
		return ErrConflict("column %q already in batch", to)
	}
	b.Columns[i] = to
	return nil
}

// RemoveColumns drops the named columns from every row. Unknown names are ignored.
func (b *Batch) RemoveColumns(names ...string) {
	keep := make([]int, 0, len(b.Columns))
	for i, c := range b.Columns {
		if !slices.Contains(names, c) {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(b.Columns) {
		return
	}
	cols := make([]string, len(keep))
	for j, i := range keep {
		cols[j] = b.Columns[i]
	}
	for r, row := range b.Rows {
		out := make([]any, len(keep))
		for j, i := range keep {
			out[j] = row[i]
		}
		b.Rows[r] = out
	}
	b.Columns = cols
}

// CanonicalValue returns a comparison key for a scanned value so that
// equal values read through different drivers compare equal. ok is false
// for NULL.
func CanonicalValue(v any) (key string, ok bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + x, true
	case []byte:
		return "s:" + string(x), true
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano), true
	case bool:
		return "b:" + strconv.FormatBool(x), true
	case float64:
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64), true
	case float32:
		return "n:" + strconv.FormatFloat(float64(x), 'g', -1, 32), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "n:" + fmt.Sprint(x), true
	default:
		return "v:" + fmt.Sprint(x), true
	}
}

// NormalizeValue converts driver byte slices to strings so that values bind
// as text.
func NormalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
