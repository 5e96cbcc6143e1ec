package pseudonym

import "deid/internal/domain"

// Entry is one row of a resolve result.
type Entry struct {
	Raw   any
	Token string
	New   bool // allocated by this call
}

// Mapping is the two-column result of a resolve call: raw key to token.
type Mapping struct {
	Store         string
	PrivateColumn string
	PublicColumn  string
	Allocated     int

	entries []Entry
	index   map[string]int
}

func newMapping(s domain.PseudonymStore) *Mapping {
	return &Mapping{
		Store:         s.Name,
		PrivateColumn: s.PrivateColumn(),
		PublicColumn:  s.PublicColumn(),
		index:         map[string]int{},
	}
}

func (m *Mapping) add(raw any, token string, isNew bool) {
	key, ok := domain.CanonicalValue(raw)
	if !ok {
		return
	}
	if _, dup := m.index[key]; dup {
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Raw: raw, Token: token, New: isNew})
	if isNew {
		m.Allocated++
	}
}

// Token returns the token of a raw value.
func (m *Mapping) Token(raw any) (string, bool) {
	key, ok := domain.CanonicalValue(raw)
	if !ok {
		return "", false
	}
	i, ok := m.index[key]
	if !ok {
		return "", false
	}
	return m.entries[i].Token, true
}

// Entries returns the rows in resolve order.
func (m *Mapping) Entries() []Entry { return m.entries }

// Len returns the number of distinct raw values.
func (m *Mapping) Len() int { return len(m.entries) }
