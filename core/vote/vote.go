// Package vote reduces many noisy plate readings into one guess with a
// per-position plurality vote.
package vote

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pyropy/carlens/core/constants"
)

var (
	ErrNoConsensus   = errors.New("no consensus")
	ErrInvalidFormat = errors.New("invalid plate format")
)

// Class is the set of characters allowed at one plate position.
type Class byte

const (
	Digit  Class = 'D'
	Letter Class = 'L'
	Any    Class = 'X'
)

func (c Class) Accepts(r byte) bool {
	isDigit := r >= '0' && r <= '9'
	isLetter := r >= 'A' && r <= 'Z'

	switch c {
	case Digit:
		return isDigit
	case Letter:
		return isLetter
	case Any:
		return isDigit || isLetter
	}

	return false
}

// Format is a per-position class template such as "DLLLDD".
type Format []Class

func ParseFormat(s string) (Format, error) {
	if s == "" {
		return nil, errors.Wrap(ErrInvalidFormat, "empty")
	}

	f := make(Format, len(s))
	for i := 0; i < len(s); i++ {
		switch c := Class(s[i]); c {
		case Digit, Letter, Any:
			f[i] = c
		default:
			return nil, errors.Wrapf(ErrInvalidFormat, "unknown class %q at position %d", s[i], i)
		}
	}

	return f, nil
}

// DefaultFormat is one digit, three letters and two digits.
func DefaultFormat() Format {
	f, _ := ParseFormat(constants.PLATE_FORMAT)
	return f
}

func (f Format) Valid(candidate string) bool {
	if len(candidate) != len(f) {
		return false
	}

	for i := 0; i < len(candidate); i++ {
		if !f[i].Accepts(candidate[i]) {
			return false
		}
	}

	return true
}

func (f Format) String() string {
	b := make([]byte, len(f))
	for i, c := range f {
		b[i] = byte(c)
	}

	return string(b)
}

// Tally holds per position character counts.
type Tally []map[byte]int

// Aggregator accumulates candidates for one session. Add may be called from
// many goroutines.
type Aggregator struct {
	mu          sync.Mutex
	format      Format
	placeholder byte
	tally       Tally
	count       int
	rejected    int
}

func NewAggregator(format Format, placeholder byte) *Aggregator {
	tally := make(Tally, len(format))
	for i := range tally {
		tally[i] = map[byte]int{}
	}

	return &Aggregator{
		format:      format,
		placeholder: placeholder,
		tally:       tally,
	}
}

// Add counts candidate if it matches the format and reports whether it did.
func (a *Aggregator) Add(candidate string) bool {
	if !a.format.Valid(candidate) {
		a.mu.Lock()
		a.rejected++
		a.mu.Unlock()
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < len(candidate); i++ {
		a.tally[i][candidate[i]]++
	}
	a.count++

	return true
}

// Finalize picks the most frequent character at every position. Ties go to
// the lexicographically smallest character.
func (a *Aggregator) Finalize() (string, error) {
	tally, count := a.snapshot()
	if count == 0 {
		return "", ErrNoConsensus
	}

	out := make([]byte, len(tally))
	for i, counts := range tally {
		out[i] = a.placeholder

		best := 0
		for ch, n := range counts {
			if n > best || (n == best && ch < out[i]) {
				out[i], best = ch, n
			}
		}
	}

	return string(out), nil
}

// Tally returns a copy of the current counts.
func (a *Aggregator) Tally() Tally {
	tally, _ := a.snapshot()
	return tally
}

// snapshot copies the tally and the count under one lock.
func (a *Aggregator) snapshot() (Tally, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make(Tally, len(a.tally))
	for i, counts := range a.tally {
		snapshot[i] = make(map[byte]int, len(counts))
		for ch, n := range counts {
			snapshot[i][ch] = n
		}
	}

	return snapshot, a.count
}

// Count is the number of candidates that were counted.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.count
}

func (a *Aggregator) Rejected() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.rejected
}
