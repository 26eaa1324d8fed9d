// Package calendar models civil dates used for rentals and license expiry.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LayoutISO is the wire format of a Date.
const LayoutISO = "2006-01-02"

const secondsPerDay = 24 * 60 * 60

// ErrInvalidDate is returned when a date string cannot be parsed.
var ErrInvalidDate = errors.New("invalid date")

// Date is a calendar day without a time zone.
type Date struct {
	year  int
	month time.Month
	day   int
}

// New builds a normalized Date (overflowing days roll into the next month).
func New(year int, month time.Month, day int) Date {
	return Of(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// Of returns the calendar day of the given instant in its own location.
func Of(instant time.Time) Date {
	year, month, day := instant.Date()
	return Date{year: year, month: month, day: day}
}

// Parse reads a YYYY-MM-DD string.
func Parse(raw string) (Date, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Date{}, fmt.Errorf("%w: empty value", ErrInvalidDate)
	}
	parsed, err := time.Parse(LayoutISO, trimmed)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, trimmed)
	}
	return Of(parsed), nil
}

// MustParse parses or panics; intended for tests and constants.
func MustParse(raw string) Date {
	date, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return date
}

// IsZero reports whether the date was never set.
func (date Date) IsZero() bool {
	return date.year == 0 && date.month == 0 && date.day == 0
}

// Time returns midnight UTC of the date.
func (date Date) Time() time.Time {
	return time.Date(date.year, date.month, date.day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date shifted by the given number of days.
func (date Date) AddDays(days int) Date {
	return Of(date.Time().AddDate(0, 0, days))
}

// DaysUntil returns the whole days from date to other (negative when other is earlier).
// It works on unix seconds; time.Duration saturates after about 292 years.
func (date Date) DaysUntil(other Date) int {
	return int((other.Time().Unix() - date.Time().Unix()) / secondsPerDay)
}

// Before reports whether date is strictly earlier than other.
func (date Date) Before(other Date) bool {
	return date.DaysUntil(other) > 0
}

// After reports whether date is strictly later than other.
func (date Date) After(other Date) bool {
	return date.DaysUntil(other) < 0
}

// Equal reports whether both values name the same day.
func (date Date) Equal(other Date) bool {
	return date.DaysUntil(other) == 0
}

// String renders YYYY-MM-DD.
func (date Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", date.year, int(date.month), date.day)
}

// MarshalText implements encoding.TextMarshaler.
func (date Date) MarshalText() ([]byte, error) {
	if date.IsZero() {
		return []byte{}, nil
	}
	return []byte(date.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (date *Date) UnmarshalText(raw []byte) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		*date = Date{}
		return nil
	}
	parsed, err := Parse(string(raw))
	if err != nil {
		return err
	}
	*date = parsed
	return nil
}

// Today returns the current UTC calendar day of the clock.
func Today(clock func() time.Time) Date {
	return Of(clock().UTC())
}
