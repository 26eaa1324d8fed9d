// Package reservation drives a reservation from draft to confirmation and executes the
// resulting ledger and persistence commands.
package reservation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/validation"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/eligibility"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/go-playground/validator/v10"
)

// State is a step of the reservation lifecycle.
type State string

const (
	StateDraft     State = "draft"
	StateValidated State = "validated"
	StatePriced    State = "priced"
	StateConfirmed State = "confirmed"
	StateRejected  State = "rejected"
)

// Reservation is the lifecycle record. Once confirmed its breakdown is a frozen snapshot.
type Reservation struct {
	ID                string
	State             State
	Request           Request
	MemberID          string
	VehicleID         string
	DateRange         pricing.DateRange
	Plan              pricing.Plan
	Insurance         []pricing.Coverage
	Eligibility       *eligibility.Decision
	Breakdown         *pricing.PriceBreakdown
	FieldErrors       []validation.FieldError
	RejectionReason   string
	SupersedesID      string
	SupersededByID    string
	ConfirmedUnixUTC  int64
	PointsRecorded    bool
	EarnedPoints      int64
	EarnTransactionID string
}

// NewDraft starts a reservation from a request.
func NewDraft(id string, request Request) *Reservation {
	return &Reservation{
		ID:        id,
		State:     StateDraft,
		Request:   request,
		MemberID:  strings.TrimSpace(request.MemberID),
		VehicleID: strings.TrimSpace(request.VehicleID),
	}
}

// Validate checks the request fields and moves draft to validated. On failure the
// reservation stays in draft with field errors attached.
func (reservation *Reservation) Validate(validate *validator.Validate) error {
	if reservation.State != StateDraft {
		return reservation.transitionError(StateValidated)
	}
	if err := validation.Struct(validate, reservation.Request); err != nil {
		var validationError validation.Error
		if errors.As(err, &validationError) {
			reservation.FieldErrors = validationError.Fields
		}
		return err
	}
	start, err := calendar.Parse(reservation.Request.StartDate)
	if err != nil {
		return reservation.fieldFailure("start_date", "isodate", err)
	}
	end, err := calendar.Parse(reservation.Request.EndDate)
	if err != nil {
		return reservation.fieldFailure("end_date", "isodate", err)
	}
	dateRange, err := pricing.NewDateRange(start, end)
	if err != nil {
		reservation.FieldErrors = []validation.FieldError{{Field: "end_date", Rule: "gtefield", Message: "must not be before start_date"}}
		return err
	}
	plan, err := pricing.ParsePlan(reservation.Request.Plan)
	if err != nil {
		return reservation.fieldFailure("plan", "oneof", err)
	}
	reservation.DateRange = dateRange
	reservation.Plan = plan
	reservation.FieldErrors = nil
	reservation.State = StateValidated
	return nil
}

// Price applies the license decision and, when it allows reserving, attaches the breakdown.
// A blocking decision rejects the reservation.
func (reservation *Reservation) Price(decision eligibility.Decision, vehicle pricing.Vehicle, insurance pricing.InsuranceSelection) error {
	if reservation.State != StateValidated {
		return reservation.transitionError(StatePriced)
	}
	decisionCopy := decision
	reservation.Eligibility = &decisionCopy
	if !decision.CanReserve {
		reservation.State = StateRejected
		reservation.RejectionReason = string(decision.Status)
		return eligibility.Error{Decision: decision}
	}
	breakdown, err := pricing.ComputePrice(vehicle, reservation.DateRange, reservation.Plan, insurance)
	if err != nil {
		return err
	}
	reservation.Insurance = insurance.Coverages()
	reservation.Breakdown = &breakdown
	reservation.State = StatePriced
	return nil
}

// Confirm freezes the breakdown and returns the commands an adapter must execute.
func (reservation *Reservation) Confirm(nowUnixUTC int64, account member.Member) ([]Command, error) {
	if reservation.State != StatePriced || reservation.Breakdown == nil {
		return nil, reservation.transitionError(StateConfirmed)
	}
	if account.ID.String() != reservation.MemberID {
		return nil, fmt.Errorf("%w: member %s does not own reservation", ErrInvalidTransition, account.ID.String())
	}
	frozen := cloneBreakdown(*reservation.Breakdown)
	reservation.Breakdown = &frozen
	reservation.State = StateConfirmed
	reservation.ConfirmedUnixUTC = nowUnixUTC
	return []Command{
		PersistReservation{Reservation: reservation.Snapshot()},
		RecordEarn{Member: account, ReservationID: reservation.ID, Breakdown: cloneBreakdown(frozen)},
	}, nil
}

// Cancel rejects a reservation that has not been confirmed.
func (reservation *Reservation) Cancel(reason string) error {
	switch reservation.State {
	case StateDraft, StateValidated, StatePriced:
		reservation.State = StateRejected
		reservation.RejectionReason = strings.TrimSpace(reason)
		return nil
	default:
		return reservation.transitionError(StateRejected)
	}
}

// Snapshot returns a deep copy safe to hand to storage.
func (reservation *Reservation) Snapshot() Reservation {
	snapshot := *reservation
	snapshot.Request.Coverages = append([]string(nil), reservation.Request.Coverages...)
	snapshot.Insurance = append([]pricing.Coverage(nil), reservation.Insurance...)
	snapshot.FieldErrors = append([]validation.FieldError(nil), reservation.FieldErrors...)
	if reservation.Eligibility != nil {
		decision := *reservation.Eligibility
		if decision.DaysUntilExpiry != nil {
			days := *decision.DaysUntilExpiry
			decision.DaysUntilExpiry = &days
		}
		snapshot.Eligibility = &decision
	}
	if reservation.Breakdown != nil {
		breakdown := cloneBreakdown(*reservation.Breakdown)
		snapshot.Breakdown = &breakdown
	}
	return snapshot
}

func (reservation *Reservation) fieldFailure(field string, rule string, err error) error {
	fieldError := validation.FieldError{Field: field, Rule: rule, Message: err.Error()}
	reservation.FieldErrors = []validation.FieldError{fieldError}
	return validation.Error{Fields: reservation.FieldErrors}
}

func (reservation *Reservation) transitionError(target State) error {
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, reservation.State, target)
}

func cloneBreakdown(breakdown pricing.PriceBreakdown) pricing.PriceBreakdown {
	breakdown.LineItems = append([]pricing.LineItem(nil), breakdown.LineItems...)
	return breakdown
}

// Command is a side effect requested by a state transition.
type Command interface {
	commandName() string
}

// PersistReservation stores a confirmed reservation.
type PersistReservation struct {
	Reservation Reservation
}

// RecordEarn credits the points earned by a confirmed reservation.
type RecordEarn struct {
	Member        member.Member
	ReservationID string
	Breakdown     pricing.PriceBreakdown
}

// MarkSuperseded links a corrected reservation to its replacement.
type MarkSuperseded struct {
	ReservationID  string
	SupersededByID string
}

// ReverseEarn offsets the points of a superseded reservation.
type ReverseEarn struct {
	MemberID      member.ID
	ReservationID string
	Reason        string
}

func (PersistReservation) commandName() string { return "persist_reservation" }
func (RecordEarn) commandName() string         { return "record_earn" }
func (MarkSuperseded) commandName() string     { return "mark_superseded" }
func (ReverseEarn) commandName() string        { return "reverse_earn" }

// Supersede returns the commands that retire a confirmed reservation in favor of its replacement.
func Supersede(original Reservation, replacementID string, reason string) ([]Command, error) {
	if original.State != StateConfirmed {
		return nil, fmt.Errorf("%w: only confirmed reservations can be corrected", ErrInvalidTransition)
	}
	if original.SupersededByID != "" {
		return nil, fmt.Errorf("%w: by %s", ErrAlreadySuperseded, original.SupersededByID)
	}
	memberID, err := member.NewID(original.MemberID)
	if err != nil {
		return nil, err
	}
	return []Command{
		MarkSuperseded{ReservationID: original.ID, SupersededByID: replacementID},
		ReverseEarn{MemberID: memberID, ReservationID: original.ID, Reason: reason},
	}, nil
}
