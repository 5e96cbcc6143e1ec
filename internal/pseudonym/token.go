// Package pseudonym provisions pseudonym stores on a mapping server,
// resolves raw values to stable tokens and substitutes them into batches.
package pseudonym

import (
	crand "crypto/rand"
	"math"
	"math/rand/v2"
	"strings"

	"deid/internal/domain"
)

// Letters excludes I and O so tokens cannot be misread as 1 and 0.
const Letters = "ABCDEFGHJKLMNPQRSTUVWXYZ"

const digits = "0123456789"

// maxWalk bounds the token spaces that are walked in order once random
// draws keep colliding.
const maxWalk = 1 << 20

// generator draws random tokens of a store's shape. Not safe for concurrent use.
type generator struct {
	digits, chars int
	suffix        string
	rnd           *rand.Rand

	// space is the number of tokens, or 0 when it exceeds maxWalk.
	space  uint64
	start  uint64
	walked uint64
}

func newGenerator(s domain.PseudonymStore) *generator {
	var seed [32]byte
	_, _ = crand.Read(seed[:])
	g := &generator{
		digits: s.Digits,
		chars:  s.Chars,
		suffix: s.Suffix,
		rnd:    rand.New(rand.NewChaCha8(seed)),
	}
	if c := Capacity(s); c <= maxWalk {
		g.space = uint64(c)
		g.start = g.rnd.Uint64N(g.space)
	}
	return g
}

// walk returns the next token of an in-order pass over the whole space,
// starting at a random offset. It reports false once every token was
// returned or the space is too large to walk.
func (g *generator) walk() (string, bool) {
	if g.walked >= g.space {
		return "", false
	}
	tok := g.tokenAt((g.start + g.walked) % g.space)
	g.walked++
	return tok, true
}

// tokenAt renders token number i, chars varying fastest.
func (g *generator) tokenAt(i uint64) string {
	buf := make([]byte, g.digits+g.chars)
	for p := len(buf) - 1; p >= g.digits; p-- {
		buf[p] = Letters[i%uint64(len(Letters))]
		i /= uint64(len(Letters))
	}
	for p := g.digits - 1; p >= 0; p-- {
		buf[p] = digits[i%10]
		i /= 10
	}
	if g.suffix == "" {
		return string(buf)
	}
	return string(buf) + "_" + g.suffix
}

func (g *generator) next() string {
	var b strings.Builder
	b.Grow(g.digits + g.chars + 1 + len(g.suffix))
	for i := 0; i < g.digits; i++ {
		b.WriteByte(digits[g.rnd.IntN(len(digits))])
	}
	for i := 0; i < g.chars; i++ {
		b.WriteByte(Letters[g.rnd.IntN(len(Letters))])
	}
	if g.suffix != "" {
		b.WriteByte('_')
		b.WriteString(g.suffix)
	}
	return b.String()
}

// Capacity is the number of distinct tokens a store shape can produce.
func Capacity(s domain.PseudonymStore) float64 {
	return math.Pow(10, float64(s.Digits)) * math.Pow(float64(len(Letters)), float64(s.Chars))
}

// ValidToken reports whether tok has the exact shape of store s.
func ValidToken(s domain.PseudonymStore, tok string) bool {
	if len(tok) != s.TokenLength() {
		return false
	}
	for i := 0; i < s.Digits; i++ {
		if !strings.ContainsRune(digits, rune(tok[i])) {
			return false
		}
	}
	for i := s.Digits; i < s.Digits+s.Chars; i++ {
		if !strings.ContainsRune(Letters, rune(tok[i])) {
			return false
		}
	}
	if s.Suffix != "" {
		return tok[s.Digits+s.Chars:] == "_"+s.Suffix
	}
	return true
}
