// Package eligibility decides whether a member's driver license permits a reservation.
package eligibility

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
)

// SoonExpiringWindowDays is the advisory window before license expiry.
const SoonExpiringWindowDays = 30

// ErrNotEligible marks a reservation blocked by the license check.
var ErrNotEligible = errors.New("member not eligible to reserve")

// Status is the single outcome of a license check.
type Status string

const (
	StatusNoLicense     Status = "no_license"
	StatusPendingReview Status = "pending_review"
	StatusExpired       Status = "expired"
	StatusSoonExpiring  Status = "soon_expiring"
	StatusApproved      Status = "approved"
)

// Decision is the outcome of Check.
type Decision struct {
	CanReserve      bool   `json:"can_reserve"`
	Status          Status `json:"status"`
	DaysUntilExpiry *int   `json:"days_until_expiry,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Error carries a blocking decision.
type Error struct {
	Decision Decision
}

// Error returns the formatted error message.
func (eligibilityError Error) Error() string {
	return fmt.Sprintf("%v: %s", ErrNotEligible, eligibilityError.Decision.Status)
}

// Unwrap returns ErrNotEligible.
func (eligibilityError Error) Unwrap() error {
	return ErrNotEligible
}

// ReasonCode returns the status that blocked the reservation.
func (eligibilityError Error) ReasonCode() Status {
	return eligibilityError.Decision.Status
}

// Check evaluates the license, most restrictive status first. A nil member has no license.
func Check(account *member.Member, today calendar.Date) Decision {
	if account == nil || account.License == nil {
		return Decision{
			Status:  StatusNoLicense,
			Message: "A driver license must be registered before reserving.",
		}
	}
	license := account.License
	if license.VerificationStatus != member.VerificationApproved {
		return Decision{
			Status:  StatusPendingReview,
			Message: "The driver license is awaiting verification.",
		}
	}
	daysUntilExpiry := today.DaysUntil(license.ExpiryDate)
	if daysUntilExpiry <= 0 {
		return Decision{
			Status:          StatusExpired,
			DaysUntilExpiry: &daysUntilExpiry,
			Message:         fmt.Sprintf("The driver license expired on %s.", license.ExpiryDate),
		}
	}
	if daysUntilExpiry <= SoonExpiringWindowDays {
		return Decision{
			CanReserve:      true,
			Status:          StatusSoonExpiring,
			DaysUntilExpiry: &daysUntilExpiry,
			Message:         fmt.Sprintf("The driver license expires in %d days.", daysUntilExpiry),
		}
	}
	return Decision{
		CanReserve:      true,
		Status:          StatusApproved,
		DaysUntilExpiry: &daysUntilExpiry,
	}
}

// Gate binds Check to a clock.
type Gate struct {
	clock func() time.Time
}

// NewGate returns a Gate; a nil clock uses time.Now.
func NewGate(clock func() time.Time) Gate {
	if clock == nil {
		clock = time.Now
	}
	return Gate{clock: clock}
}

// Check evaluates the member against today's UTC date.
func (gate Gate) Check(account *member.Member) Decision {
	clock := gate.clock
	if clock == nil {
		clock = time.Now
	}
	return Check(account, calendar.Today(clock))
}

// Require returns an Error when the decision blocks reserving.
func (gate Gate) Require(account *member.Member) (Decision, error) {
	decision := gate.Check(account)
	if !decision.CanReserve {
		return decision, Error{Decision: decision}
	}
	return decision, nil
}
