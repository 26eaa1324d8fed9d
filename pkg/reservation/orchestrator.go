package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/validation"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/eligibility"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPersistenceAttempts = 4
	defaultPersistenceInterval = 20 * time.Millisecond
	defaultPersistenceMaximum  = 500 * time.Millisecond
	defaultPendingBatchSize    = 100
)

// Store is the system of record for confirmed reservations.
type Store interface {
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	MarkPointsRecorded(ctx context.Context, reservationID string, transactionID string, points int64) error
	MarkSuperseded(ctx context.Context, reservationID string, supersededByID string) error
	ListPendingPoints(ctx context.Context, limit int) ([]Reservation, error)
}

// MemberDirectory resolves members for the license check and earn multiplier.
type MemberDirectory interface {
	GetMember(ctx context.Context, memberID member.ID) (member.Member, error)
}

// VehicleCatalog resolves vehicles; unknown ids fail with ErrUnknownVehicle.
type VehicleCatalog interface {
	GetVehicle(ctx context.Context, vehicleID string) (pricing.Vehicle, error)
}

// Ledger records and reverses earned points.
type Ledger interface {
	RecordEarn(ctx context.Context, account member.Member, reservationID loyalty.ReservationID, breakdown pricing.PriceBreakdown) (loyalty.Transaction, error)
	ReverseEarn(ctx context.Context, memberID member.ID, reservationID loyalty.ReservationID, reason string) (loyalty.Transaction, error)
}

// Dependencies groups the collaborators of an Orchestrator.
type Dependencies struct {
	Store     Store
	Members   MemberDirectory
	Vehicles  VehicleCatalog
	Coverages pricing.CoverageCatalog
	Ledger    Ledger
	Validate  *validator.Validate
	Clock     func() time.Time
	Logger    *zap.Logger
}

// PersistenceRetry bounds retries of storage writes after confirmation.
type PersistenceRetry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIDGenerator replaces the reservation id source.
func WithIDGenerator(newID func() string) Option {
	return func(orchestrator *Orchestrator) {
		if newID != nil {
			orchestrator.newID = newID
		}
	}
}

// WithPersistenceRetry overrides the storage retry policy.
func WithPersistenceRetry(retry PersistenceRetry) Option {
	return func(orchestrator *Orchestrator) {
		if retry.MaxAttempts < 1 {
			retry.MaxAttempts = 1
		}
		orchestrator.retry = retry
	}
}

// Orchestrator is the thin adapter that feeds the state machine and executes its commands.
type Orchestrator struct {
	store     Store
	members   MemberDirectory
	vehicles  VehicleCatalog
	coverages pricing.CoverageCatalog
	ledger    Ledger
	validate  *validator.Validate
	gate      eligibility.Gate
	clock     func() time.Time
	newID     func() string
	logger    *zap.Logger
	retry     PersistenceRetry
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(dependencies Dependencies, options ...Option) (*Orchestrator, error) {
	if dependencies.Store == nil || dependencies.Members == nil || dependencies.Vehicles == nil || dependencies.Ledger == nil || dependencies.Validate == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidOrchestratorConfig)
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	orchestrator := &Orchestrator{
		store:     dependencies.Store,
		members:   dependencies.Members,
		vehicles:  dependencies.Vehicles,
		coverages: dependencies.Coverages,
		ledger:    dependencies.Ledger,
		validate:  dependencies.Validate,
		gate:      eligibility.NewGate(clock),
		clock:     clock,
		newID:     uuid.NewString,
		logger:    logger,
		retry: PersistenceRetry{
			MaxAttempts:     defaultPersistenceAttempts,
			InitialInterval: defaultPersistenceInterval,
			MaxInterval:     defaultPersistenceMaximum,
		},
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Quote prices a request without the license check or any persistence.
func (orchestrator *Orchestrator) Quote(ctx context.Context, request QuoteRequest) (pricing.PriceBreakdown, error) {
	if err := validation.Struct(orchestrator.validate, request); err != nil {
		return pricing.PriceBreakdown{}, err
	}
	start, err := calendar.Parse(request.StartDate)
	if err != nil {
		return pricing.PriceBreakdown{}, err
	}
	end, err := calendar.Parse(request.EndDate)
	if err != nil {
		return pricing.PriceBreakdown{}, err
	}
	plan, err := pricing.ParsePlan(request.Plan)
	if err != nil {
		return pricing.PriceBreakdown{}, err
	}
	vehicle, insurance, err := orchestrator.resolveVehicle(ctx, request.VehicleID, request.Coverages)
	if err != nil {
		return pricing.PriceBreakdown{}, err
	}
	return pricing.ComputePrice(vehicle, pricing.DateRange{Start: start, End: end}, plan, insurance)
}

// CheckEligibility evaluates a member's license as of today.
func (orchestrator *Orchestrator) CheckEligibility(ctx context.Context, memberID member.ID) (eligibility.Decision, error) {
	account, err := orchestrator.members.GetMember(ctx, memberID)
	if errors.Is(err, member.ErrUnknownMember) {
		return orchestrator.gate.Check(nil), nil
	}
	if err != nil {
		return eligibility.Decision{}, err
	}
	return orchestrator.gate.Check(&account), nil
}

// ConfirmReservation runs draft → validated → priced → confirmed, persists the
// reservation and records the earned points. A ledger failure after persistence leaves
// PointsRecorded false for RecordPendingPoints instead of failing the confirmation.
func (orchestrator *Orchestrator) ConfirmReservation(ctx context.Context, request Request) (Reservation, error) {
	return orchestrator.confirm(ctx, request, "")
}

// CorrectReservation confirms a replacement for a confirmed reservation and offsets the
// original's earned points. The original is never re-priced. It is claimed with a
// conditional MarkSuperseded before the replacement is persisted or earns, so of two
// concurrent corrections only one confirms; the other fails with ErrAlreadySuperseded.
func (orchestrator *Orchestrator) CorrectReservation(ctx context.Context, originalID string, request Request, reason string) (Reservation, error) {
	original, err := orchestrator.store.GetReservation(ctx, originalID)
	if err != nil {
		return Reservation{}, err
	}
	replacementID := orchestrator.newID()
	retire, err := Supersede(original, replacementID, reason)
	if err != nil {
		return Reservation{}, err
	}
	request.MemberID = original.MemberID
	draft, commands, err := orchestrator.prepare(ctx, request, replacementID, original.ID)
	if err != nil {
		return draft.Snapshot(), err
	}
	claim, offset := splitRetirement(retire)
	if err := orchestrator.execute(ctx, draft, claim); err != nil {
		return draft.Snapshot(), err
	}
	if err := orchestrator.execute(ctx, draft, commands); err != nil {
		return draft.Snapshot(), err
	}
	if err := orchestrator.execute(ctx, draft, offset); err != nil {
		return draft.Snapshot(), err
	}
	orchestrator.logConfirmed(draft)
	return draft.Snapshot(), nil
}

func splitRetirement(commands []Command) (claim []Command, offset []Command) {
	for _, command := range commands {
		if _, ok := command.(MarkSuperseded); ok {
			claim = append(claim, command)
			continue
		}
		offset = append(offset, command)
	}
	return claim, offset
}

// GetReservation loads a persisted reservation.
func (orchestrator *Orchestrator) GetReservation(ctx context.Context, reservationID string) (Reservation, error) {
	return orchestrator.store.GetReservation(ctx, reservationID)
}

// RecordPendingPoints records the earn of one confirmed reservation if it is still missing.
func (orchestrator *Orchestrator) RecordPendingPoints(ctx context.Context, reservationID string) error {
	reservation, err := orchestrator.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if reservation.State != StateConfirmed || reservation.PointsRecorded || reservation.SupersededByID != "" || reservation.Breakdown == nil {
		return nil
	}
	memberID, err := member.NewID(reservation.MemberID)
	if err != nil {
		return err
	}
	account, err := orchestrator.members.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	command := RecordEarn{Member: account, ReservationID: reservation.ID, Breakdown: *reservation.Breakdown}
	return orchestrator.execute(ctx, &reservation, []Command{command})
}

// ReconcilePending sweeps confirmed reservations whose points were not recorded.
func (orchestrator *Orchestrator) ReconcilePending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPendingBatchSize
	}
	pending, err := orchestrator.store.ListPendingPoints(ctx, limit)
	if err != nil {
		return 0, err
	}
	recorded := 0
	var failures []error
	for _, reservation := range pending {
		if err := orchestrator.RecordPendingPoints(ctx, reservation.ID); err != nil {
			orchestrator.logger.Warn("pending points not recorded", zap.String("reservation_id", reservation.ID), zap.Error(err))
			failures = append(failures, err)
			continue
		}
		recorded++
	}
	return recorded, errors.Join(failures...)
}

func (orchestrator *Orchestrator) confirm(ctx context.Context, request Request, supersedesID string) (Reservation, error) {
	draft, commands, err := orchestrator.prepare(ctx, request, orchestrator.newID(), supersedesID)
	if err != nil {
		return draft.Snapshot(), err
	}
	if err := orchestrator.execute(ctx, draft, commands); err != nil {
		return draft.Snapshot(), err
	}
	orchestrator.logConfirmed(draft)
	return draft.Snapshot(), nil
}

// prepare runs draft → validated → priced → confirmed in memory and returns the commands
// that persist the reservation and record its earn. The draft is never nil.
func (orchestrator *Orchestrator) prepare(ctx context.Context, request Request, reservationID string, supersedesID string) (*Reservation, []Command, error) {
	draft := NewDraft(reservationID, request)
	draft.SupersedesID = supersedesID
	if err := draft.Validate(orchestrator.validate); err != nil {
		return draft, nil, err
	}
	vehicle, insurance, err := orchestrator.resolveVehicle(ctx, draft.VehicleID, request.Coverages)
	if err != nil {
		return draft, nil, err
	}
	account, err := orchestrator.lookupMember(ctx, draft.MemberID)
	if err != nil {
		return draft, nil, err
	}
	decision := orchestrator.gate.Check(account)
	if err := draft.Price(decision, vehicle, insurance); err != nil {
		orchestrator.logger.Info("reservation not priced",
			zap.String("reservation_id", draft.ID),
			zap.String("state", string(draft.State)),
			zap.Error(err),
		)
		return draft, nil, err
	}
	commands, err := draft.Confirm(orchestrator.clock().UTC().Unix(), *account)
	if err != nil {
		return draft, nil, err
	}
	return draft, commands, nil
}

func (orchestrator *Orchestrator) logConfirmed(draft *Reservation) {
	orchestrator.logger.Info("reservation confirmed",
		zap.String("reservation_id", draft.ID),
		zap.String("member_id", draft.MemberID),
		zap.String("supersedes_id", draft.SupersedesID),
		zap.Int64("total", draft.Breakdown.Total.Int64()),
		zap.Bool("points_recorded", draft.PointsRecorded),
	)
}

// execute runs commands in order. Persisting the reservation must succeed; a failed earn is
// logged and left for reconciliation.
func (orchestrator *Orchestrator) execute(ctx context.Context, reservation *Reservation, commands []Command) error {
	for _, command := range commands {
		switch typed := command.(type) {
		case PersistReservation:
			err := orchestrator.withRetry(ctx, func() error {
				err := orchestrator.store.CreateReservation(ctx, typed.Reservation)
				if errors.Is(err, ErrReservationExists) {
					return nil
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPersistence, err)
			}
		case RecordEarn:
			if err := orchestrator.recordEarn(ctx, reservation, typed); err != nil {
				orchestrator.logger.Error("earned points deferred",
					zap.String("reservation_id", typed.ReservationID),
					zap.Error(err),
				)
			}
		case MarkSuperseded:
			err := orchestrator.withRetry(ctx, func() error {
				return orchestrator.store.MarkSuperseded(ctx, typed.ReservationID, typed.SupersededByID)
			})
			if errors.Is(err, ErrAlreadySuperseded) {
				return err
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPersistence, err)
			}
		case ReverseEarn:
			reservationID, err := loyalty.NewReservationID(typed.ReservationID)
			if err != nil {
				return err
			}
			err = orchestrator.withRetry(ctx, func() error {
				_, err := orchestrator.ledger.ReverseEarn(ctx, typed.MemberID, reservationID, typed.Reason)
				if errors.Is(err, loyalty.ErrNothingToReverse) || errors.Is(err, loyalty.ErrUnknownTransaction) {
					return nil
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPersistence, err)
			}
		default:
			return fmt.Errorf("unsupported command %T", command)
		}
	}
	return nil
}

func (orchestrator *Orchestrator) recordEarn(ctx context.Context, reservation *Reservation, command RecordEarn) error {
	reservationID, err := loyalty.NewReservationID(command.ReservationID)
	if err != nil {
		return err
	}
	var transaction loyalty.Transaction
	err = orchestrator.withRetry(ctx, func() error {
		recorded, err := orchestrator.ledger.RecordEarn(ctx, command.Member, reservationID, command.Breakdown)
		if err != nil {
			return err
		}
		transaction = recorded
		return nil
	})
	if err != nil {
		return err
	}
	err = orchestrator.withRetry(ctx, func() error {
		return orchestrator.store.MarkPointsRecorded(ctx, command.ReservationID, transaction.TransactionID, transaction.Amount.Int64())
	})
	if err != nil {
		return err
	}
	reservation.PointsRecorded = true
	reservation.EarnedPoints = transaction.Amount.Int64()
	reservation.EarnTransactionID = transaction.TransactionID
	return nil
}

func (orchestrator *Orchestrator) withRetry(ctx context.Context, operation func() error) error {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = orchestrator.retry.InitialInterval
	exponential.MaxInterval = orchestrator.retry.MaxInterval
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(orchestrator.retry.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := operation()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func isPermanent(err error) bool {
	return errors.Is(err, member.ErrUnknownMember) ||
		errors.Is(err, member.ErrInvalidMemberID) ||
		errors.Is(err, ErrUnknownReservation) ||
		errors.Is(err, ErrAlreadySuperseded) ||
		errors.Is(err, loyalty.ErrInvalidAmount) ||
		errors.Is(err, loyalty.ErrInvalidTransaction) ||
		errors.Is(err, loyalty.ErrInsufficientPoints) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (orchestrator *Orchestrator) resolveVehicle(ctx context.Context, vehicleID string, coverageNames []string) (pricing.Vehicle, pricing.InsuranceSelection, error) {
	vehicle, err := orchestrator.vehicles.GetVehicle(ctx, vehicleID)
	if errors.Is(err, ErrUnknownVehicle) {
		return pricing.Vehicle{}, pricing.InsuranceSelection{}, validation.Error{Fields: []validation.FieldError{{Field: "vehicle_id", Rule: "exists", Message: "unknown vehicle"}}}
	}
	if err != nil {
		return pricing.Vehicle{}, pricing.InsuranceSelection{}, err
	}
	insurance, err := orchestrator.coverages.Resolve(vehicle, coverageNames)
	if errors.Is(err, pricing.ErrUnknownCoverage) || errors.Is(err, pricing.ErrInvalidCoverage) {
		return pricing.Vehicle{}, pricing.InsuranceSelection{}, validation.Error{Fields: []validation.FieldError{{Field: "coverages", Rule: "exists", Message: err.Error()}}}
	}
	if err != nil {
		return pricing.Vehicle{}, pricing.InsuranceSelection{}, err
	}
	return vehicle, insurance, nil
}

func (orchestrator *Orchestrator) lookupMember(ctx context.Context, rawMemberID string) (*member.Member, error) {
	if rawMemberID == "" {
		return nil, nil
	}
	memberID, err := member.NewID(rawMemberID)
	if err != nil {
		return nil, nil
	}
	account, err := orchestrator.members.GetMember(ctx, memberID)
	if errors.Is(err, member.ErrUnknownMember) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}
