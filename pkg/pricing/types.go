// Package pricing computes itemized rental prices for a vehicle, date range, plan and insurance selection.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
)

// Yen is an integer amount of Japanese yen.
type Yen int64

// Int64 returns the raw value.
func (amount Yen) Int64() int64 {
	return int64(amount)
}

// Domain-level error values returned by the pricing package.
var (
	ErrDateRange       = errors.New("invalid date range")
	ErrInvalidPlan     = errors.New("invalid rental plan")
	ErrInvalidVehicle  = errors.New("invalid vehicle")
	ErrInvalidCoverage = errors.New("invalid coverage")
	ErrUnknownCoverage = errors.New("unknown coverage")
	ErrInvalidCategory = errors.New("invalid vehicle category")
)

// DateRangeError reports an end date that precedes the start date.
type DateRangeError struct {
	Start calendar.Date
	End   calendar.Date
}

// Error returns the formatted error message.
func (rangeError DateRangeError) Error() string {
	return fmt.Sprintf("%v: end %s is before start %s", ErrDateRange, rangeError.End, rangeError.Start)
}

// Unwrap returns ErrDateRange.
func (rangeError DateRangeError) Unwrap() error {
	return ErrDateRange
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start calendar.Date
	End   calendar.Date
}

// NewDateRange builds a validated range.
func NewDateRange(start calendar.Date, end calendar.Date) (DateRange, error) {
	dateRange := DateRange{Start: start, End: end}
	if err := dateRange.Validate(); err != nil {
		return DateRange{}, err
	}
	return dateRange, nil
}

// Validate rejects missing endpoints and an end before the start.
func (dateRange DateRange) Validate() error {
	if dateRange.Start.IsZero() || dateRange.End.IsZero() {
		return fmt.Errorf("%w: missing endpoint", ErrDateRange)
	}
	if dateRange.End.Before(dateRange.Start) {
		return DateRangeError{Start: dateRange.Start, End: dateRange.End}
	}
	return nil
}

// Days returns the inclusive day count, at least one for a valid range.
func (dateRange DateRange) Days() int {
	return dateRange.Start.DaysUntil(dateRange.End) + 1
}

// Plan is a rental pricing tier.
type Plan string

const (
	PlanDaily   Plan = "daily"
	PlanWeekly  Plan = "weekly"
	PlanMonthly Plan = "monthly"
)

// ParsePlan validates a plan identifier.
func ParsePlan(raw string) (Plan, error) {
	plan := Plan(strings.ToLower(strings.TrimSpace(raw)))
	switch plan {
	case PlanDaily, PlanWeekly, PlanMonthly:
		return plan, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
	}
}

// VehicleCategory groups vehicles for display and catalog filtering.
type VehicleCategory string

const (
	CategoryCar        VehicleCategory = "car"
	CategoryMotorcycle VehicleCategory = "motorcycle"
)

// ParseVehicleCategory validates a category identifier.
func ParseVehicleCategory(raw string) (VehicleCategory, error) {
	category := VehicleCategory(strings.ToLower(strings.TrimSpace(raw)))
	switch category {
	case CategoryCar, CategoryMotorcycle:
		return category, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
	}
}

// Vehicle is the pricing view of a rentable asset.
type Vehicle struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Category           VehicleCategory `json:"category"`
	DailyRate          Yen             `json:"daily_rate"`
	InsuranceDailyRate Yen             `json:"insurance_daily_rate"`
}

// Validate checks identifiers and rates.
func (vehicle Vehicle) Validate() error {
	if strings.TrimSpace(vehicle.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidVehicle)
	}
	if _, err := ParseVehicleCategory(string(vehicle.Category)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVehicle, err)
	}
	if vehicle.DailyRate < 0 || vehicle.InsuranceDailyRate < 0 {
		return fmt.Errorf("%w: negative rate", ErrInvalidVehicle)
	}
	return nil
}
