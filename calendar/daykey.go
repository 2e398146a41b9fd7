/*
Package calendar provides civil-day arithmetic and occurrence walking for
weekly class schedules.

PURPOSE:
  Everything downstream (coverage, credits, settlement) reasons about
  calendar days, never timestamps. This package owns the canonical day
  representation and the walker that enumerates scheduled class occurrences
  while skipping holidays and cancellations.

KEY CONCEPTS IN THIS FILE (daykey.go):
  - DayKey: a civil calendar day (year/month/day), the single comparison key
    used across the engine
  - Explicit timezone conversion: wall-clock time becomes a DayKey only
    through DayKeyOf(t, loc) with an explicit *time.Location

DESIGN PRINCIPLES:
  1. Determinism: two timestamps on the same civil day produce the same key
  2. No ambient timezone: callers inject the location; tests fix it
  3. Value semantics: DayKey is a small comparable struct, safe as a map key

SEE ALSO:
  - walker.go: occurrence enumeration over DayKeys
  - closure.go: grouping closed days into full-week runs
*/
package calendar

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY KEY - Canonical civil calendar day
// =============================================================================

// DayKey identifies one civil calendar day. It carries no time-of-day and no
// timezone: conversion from wall-clock time happens exactly once, in
// DayKeyOf, with an explicit location.
type DayKey struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDayKey builds a DayKey from its components.
func NewDayKey(year int, month time.Month, day int) DayKey {
	// Normalize through time.Date so Feb 30 etc. roll over consistently.
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return DayKey{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DayKeyOf converts a wall-clock instant to the civil day it falls on in
// the given location. The location is mandatory: the engine never consults
// the server's ambient timezone.
func DayKeyOf(t time.Time, loc *time.Location) DayKey {
	local := t.In(loc)
	return DayKey{Year: local.Year(), Month: local.Month(), Day: local.Day()}
}

// ParseDayKey parses the ISO form "2006-01-02".
func ParseDayKey(s string) (DayKey, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return DayKey{}, fmt.Errorf("invalid day key %q: %w", s, err)
	}
	return DayKey{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// MustDayKey parses the ISO form and panics on failure. Test helper.
func MustDayKey(s string) DayKey {
	d, err := ParseDayKey(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DefaultLocation returns the civil timezone the business operates in.
// Stored day keys are derived in this zone unless a caller injects another.
func DefaultLocation() *time.Location {
	loc, err := time.LoadLocation("Australia/Brisbane")
	if err != nil {
		// Brisbane has no DST; a fixed offset is an exact fallback.
		return time.FixedZone("AEST", 10*60*60)
	}
	return loc
}

// Time returns the key as midnight UTC. Used for arithmetic and storage.
func (d DayKey) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Comparison
func (d DayKey) Before(other DayKey) bool        { return d.Time().Before(other.Time()) }
func (d DayKey) After(other DayKey) bool         { return d.Time().After(other.Time()) }
func (d DayKey) Equal(other DayKey) bool         { return d == other }
func (d DayKey) BeforeOrEqual(other DayKey) bool { return !d.After(other) }
func (d DayKey) AfterOrEqual(other DayKey) bool  { return !d.Before(other) }

// Arithmetic
func (d DayKey) AddDays(n int) DayKey {
	t := d.Time().AddDate(0, 0, n)
	return DayKey{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func (d DayKey) AddWeeks(n int) DayKey { return d.AddDays(7 * n) }

// Properties
func (d DayKey) Weekday() time.Weekday { return d.Time().Weekday() }
func (d DayKey) IsZero() bool          { return d == DayKey{} }

func (d DayKey) String() string { return d.Time().Format("2006-01-02") }

// DaysBetween returns the signed number of days from a to b.
func DaysBetween(a, b DayKey) int {
	return int(b.Time().Sub(a.Time()).Hours() / 24)
}

// MinDay returns the earlier of two keys.
func MinDay(a, b DayKey) DayKey {
	if a.Before(b) {
		return a
	}
	return b
}

// MaxDay returns the later of two keys.
func MaxDay(a, b DayKey) DayKey {
	if a.After(b) {
		return a
	}
	return b
}
