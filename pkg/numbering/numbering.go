// Package numbering formats and allocates human-readable report numbers of
// the form CODE-YYMM-SEQ, e.g. CKOL-2610-007.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PlaceholderCode stands in for the store code until a store is selected.
const PlaceholderCode = "XXXX"

var ErrInvalidNumber = errors.New("invalid report number")

// Sequencer hands out the next sequence for a prefix. Implementations must be
// atomic across processes.
type Sequencer interface {
	NextSequence(ctx context.Context, prefix string) (int, error)
}

// Prefix returns CODE-YYMM for the given store code and instant.
func Prefix(storeCode string, at time.Time) string {
	code := normalizeCode(storeCode)
	return fmt.Sprintf("%s-%s", code, at.Format("0601"))
}

// Format renders a sequence under prefix, zero padded to three digits.
func Format(prefix string, seq int) string {
	return fmt.Sprintf("%s-%03d", prefix, seq)
}

// Parse splits a report number into its prefix and sequence.
func Parse(number string) (prefix string, seq int, err error) {
	idx := strings.LastIndex(number, "-")
	if idx <= 0 || idx == len(number)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	prefix, tail := number[:idx], number[idx+1:]
	seq, err = strconv.Atoi(tail)
	if err != nil || seq <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	mid := strings.LastIndex(prefix, "-")
	if mid <= 0 || len(prefix)-mid-1 != 4 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	if _, err := strconv.Atoi(prefix[mid+1:]); err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	return prefix, seq, nil
}

// CodeOf returns the store code part of a report number.
func CodeOf(number string) string {
	prefix, _, err := Parse(number)
	if err != nil {
		return ""
	}
	return prefix[:strings.LastIndex(prefix, "-")]
}

// IsPlaceholder reports whether number was allocated before a store was known.
func IsPlaceholder(number string) bool {
	return CodeOf(number) == PlaceholderCode
}

// Matches reports whether number already belongs to storeCode. A number never
// belongs to an empty store code, placeholder numbers included.
func Matches(number, storeCode string) bool {
	if strings.TrimSpace(storeCode) == "" {
		return false
	}
	code := CodeOf(number)
	return code != "" && code == normalizeCode(storeCode)
}

func normalizeCode(storeCode string) string {
	code := strings.ToUpper(strings.TrimSpace(storeCode))
	if code == "" {
		return PlaceholderCode
	}
	return code
}

type Allocator struct {
	seq Sequencer
	loc *time.Location
	now func() time.Time
}

type AllocatorOption func(*Allocator)

// WithLocation sets the calendar used for the YYMM part.
func WithLocation(loc *time.Location) AllocatorOption {
	return func(a *Allocator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

func WithClock(now func() time.Time) AllocatorOption {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAllocator(seq Sequencer, opts ...AllocatorOption) *Allocator {
	a := &Allocator{seq: seq, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns a fresh number for storeCode in the current month. An
// empty store code allocates under the placeholder.
func (a *Allocator) Allocate(ctx context.Context, storeCode string) (string, error) {
	prefix := Prefix(storeCode, a.now().In(a.loc))
	seq, err := a.seq.NextSequence(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("allocate report number: %w", err)
	}
	return Format(prefix, seq), nil
}
