package reservation

import (
	"errors"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/validation"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/eligibility"
)

// Domain-level error values returned by the reservation package.
var (
	ErrValidation                = validation.ErrInvalid
	ErrInvalidTransition         = errors.New("invalid reservation state transition")
	ErrUnknownReservation        = errors.New("unknown reservation")
	ErrReservationExists         = errors.New("reservation already exists")
	ErrUnknownVehicle            = errors.New("unknown vehicle")
	ErrAlreadySuperseded         = errors.New("reservation already superseded")
	ErrPersistence               = errors.New("reservation persistence failed")
	ErrInvalidOrchestratorConfig = errors.New("invalid orchestrator config")
)

// ValidationError lists the failing request fields; the reservation stays in draft.
type ValidationError = validation.Error

// EligibilityError carries the license decision that rejected a reservation.
type EligibilityError = eligibility.Error
