/*
daydate.go - Calendar-day value type

PURPOSE:
  DayDate is the key type for daily limits: a calendar date with no
  time-of-day component. It is used everywhere a date identifies a
  DailyLimit row or a fast-store key.

SEE ALSO:
  - types.go: DailyLimit, ConsumeResult and friends
  - ../store/fast: key naming derived from DayDate
*/
package engine

import (
	"fmt"
	"time"
)

// DayDate is a calendar date truncated to midnight UTC.
type DayDate struct {
	t time.Time
}

// NewDayDate builds a DayDate from year/month/day.
func NewDayDate(year int, month time.Month, day int) DayDate {
	return DayDate{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// Today returns the current day in UTC.
func Today() DayDate {
	now := time.Now().UTC()
	return NewDayDate(now.Year(), now.Month(), now.Day())
}

// ParseDayDate parses a "2006-01-02" string.
func ParseDayDate(s string) (DayDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return DayDate{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DayDate{t: t}, nil
}

func (d DayDate) Year() int         { return d.t.Year() }
func (d DayDate) Month() time.Month { return d.t.Month() }
func (d DayDate) Day() int          { return d.t.Day() }
func (d DayDate) Time() time.Time   { return d.t }
func (d DayDate) IsZero() bool      { return d.t.IsZero() }

func (d DayDate) Before(other DayDate) bool { return d.t.Before(other.t) }
func (d DayDate) After(other DayDate) bool  { return d.t.After(other.t) }
func (d DayDate) Equal(other DayDate) bool  { return d.t.Equal(other.t) }

func (d DayDate) AddDays(n int) DayDate { return DayDate{t: d.t.AddDate(0, 0, n)} }

// InMonth reports whether d falls in the given year/month.
func (d DayDate) InMonth(year int, month time.Month) bool {
	return d.Year() == year && d.Month() == month
}

func (d DayDate) String() string { return d.t.Format("2006-01-02") }

// LastDayOfMonth returns the final calendar day of the given year/month.
func LastDayOfMonth(year int, month time.Month) DayDate {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	return DayDate{t: firstOfNext.AddDate(0, 0, -1)}
}
