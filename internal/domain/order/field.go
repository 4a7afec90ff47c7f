// Package order implements the order-lifecycle engine: visibility of historical
// orders, action eligibility and revision-chain reconstruction for order entry
// sections of a clinical form.
package order

import (
	"errors"
	"time"
)

// ErrInvalidDate reports a date value that is not ISO yyyy-mm-dd.
var ErrInvalidDate = errors.New("invalid date")

// Field is a value/display pair as delivered by the form payload.
type Field[T any] struct {
	Value   T      `json:"value"`
	Display string `json:"display"`
}

// NewField builds a field whose display mirrors the given text.
func NewField[T any](value T, display string) Field[T] {
	return Field[T]{Value: value, Display: display}
}

// Date is an ISO yyyy-mm-dd date. Ordering is lexicographic, which matches
// chronological order for well-formed values.
type Date string

const dateLayout = "2006-01-02"

// DateOf formats t as a Date.
func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d == "" }

// Before reports whether d sorts strictly before o.
func (d Date) Before(o Date) bool { return d < o }

// After reports whether d sorts strictly after o.
func (d Date) After(o Date) bool { return d > o }

// OnOrBefore reports whether d <= o.
func (d Date) OnOrBefore(o Date) bool { return d <= o }

// Valid reports whether the date parses. Datetime values with a date prefix
// are accepted.
func (d Date) Valid() bool {
	_, err := d.Time()
	return err == nil
}

// Time parses the date portion of d.
func (d Date) Time() (time.Time, error) {
	s := string(d)
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

func (d Date) String() string { return string(d) }
