package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Service appends ledger transactions over a Store with per-member optimistic concurrency.
type Service struct {
	store       Store
	nowFn       func() int64
	newID       func() string
	logger      OperationLogger
	retryPolicy RetryPolicy
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		nowFn:       now,
		newID:       uuid.NewString,
		retryPolicy: DefaultRetryPolicy(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the cached balance and ledger version of a member.
func (service *Service) Balance(ctx context.Context, memberID member.ID) (Balance, error) {
	state, err := service.store.LoadLedger(ctx, memberID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{MemberID: memberID, Points: state.Balance, Version: state.Version}, nil
}

// ListTransactions returns entries newest first, continuing after cursor.
func (service *Service) ListTransactions(ctx context.Context, memberID member.ID, cursor Cursor, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, memberID, cursor, NormalizeListLimit(limit))
}

// Audit compares the cached balance with the summed ledger.
func (service *Service) Audit(ctx context.Context, memberID member.ID) (Audit, error) {
	state, err := service.store.LoadLedger(ctx, memberID)
	if err != nil {
		return Audit{}, err
	}
	sum, err := service.store.SumTransactions(ctx, memberID)
	if err != nil {
		return Audit{}, err
	}
	return Audit{MemberID: memberID, CachedBalance: state.Balance, LedgerSum: sum}, nil
}

// RecordWelcomeBonus grants the one-time registration bonus.
func (service *Service) RecordWelcomeBonus(ctx context.Context, memberID member.ID) (Transaction, error) {
	key := WelcomeKey(memberID)
	transaction, attempts, err := service.appendTransaction(ctx, operationWelcome, memberID, key, func(ctx context.Context, txStore Store, state LedgerState) (Transaction, error) {
		return NewTransaction(service.newID(), memberID, TransactionWelcome, WelcomeBonusPoints, "Welcome bonus", nil, key, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationWelcome,
		MemberID:       memberID,
		Amount:         WelcomeBonusPoints,
		IdempotencyKey: key,
		Attempts:       attempts,
		Error:          err,
	})
	return transaction, err
}

// RecordEarn credits the points earned by a confirmed reservation. Repeated calls return the first transaction.
func (service *Service) RecordEarn(ctx context.Context, account member.Member, reservationID ReservationID, breakdown pricing.PriceBreakdown) (Transaction, error) {
	key := EarnKey(reservationID)
	amount := EarnPoints(breakdown.Total, account.MembershipType)
	transaction, attempts, err := service.appendTransaction(ctx, operationEarn, account.ID, key, func(ctx context.Context, txStore Store, state LedgerState) (Transaction, error) {
		reason := fmt.Sprintf("Earned %d%% of reservation total %d", EarnRatePercent, breakdown.Total)
		return NewTransaction(service.newID(), account.ID, TransactionEarn, amount, reason, &reservationID, key, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationEarn,
		MemberID:       account.ID,
		ReservationID:  reservationID.String(),
		Amount:         amount,
		IdempotencyKey: key,
		Attempts:       attempts,
		Error:          err,
	})
	return transaction, err
}

// RecordReferralBonus grants one side of an invite bonus, at most once per invitee and role.
func (service *Service) RecordReferralBonus(ctx context.Context, memberID member.ID, inviteeID member.ID, role ReferralRole) (Transaction, error) {
	if role != ReferralRoleInviter && role != ReferralRoleInvitee {
		return Transaction{}, fmt.Errorf("%w: %q", ErrInvalidReferralRole, role)
	}
	key := ReferralKey(inviteeID, role)
	transaction, attempts, err := service.appendTransaction(ctx, operationReferral, memberID, key, func(ctx context.Context, txStore Store, state LedgerState) (Transaction, error) {
		reason := fmt.Sprintf("Referral bonus (%s of %s)", role, inviteeID.String())
		return NewTransaction(service.newID(), memberID, TransactionReferralBonus, ReferralBonusPoints, reason, nil, key, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationReferral,
		MemberID:       memberID,
		Amount:         ReferralBonusPoints,
		IdempotencyKey: key,
		Attempts:       attempts,
		Error:          err,
	})
	return transaction, err
}

// Redeem spends points when the balance covers them.
func (service *Service) Redeem(ctx context.Context, memberID member.ID, points Points, key IdempotencyKey, reservationID *ReservationID) (Transaction, error) {
	var reservationRef string
	if reservationID != nil {
		reservationRef = reservationID.String()
	}
	var (
		transaction Transaction
		attempts    int
		err         error
	)
	if points <= 0 {
		err = fmt.Errorf("%w: redeem amount must be positive", ErrInvalidAmount)
	} else {
		transaction, attempts, err = service.appendTransaction(ctx, operationRedeem, memberID, key, func(ctx context.Context, txStore Store, state LedgerState) (Transaction, error) {
			available, err := txStore.SumTransactions(ctx, memberID)
			if err != nil {
				return Transaction{}, err
			}
			if available < points {
				return Transaction{}, ErrInsufficientPoints
			}
			return NewTransaction(service.newID(), memberID, TransactionRedeem, -points, "Points redeemed", reservationID, key, service.nowFn())
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRedeem,
		MemberID:       memberID,
		ReservationID:  reservationRef,
		Amount:         points,
		IdempotencyKey: key,
		Attempts:       attempts,
		Error:          err,
	})
	return transaction, err
}

// ReverseEarn appends an offsetting transaction for the earn of a reservation.
func (service *Service) ReverseEarn(ctx context.Context, memberID member.ID, reservationID ReservationID, reason string) (Transaction, error) {
	earnKey := EarnKey(reservationID)
	reverseKey, err := deriveIdempotencyKey(earnKey, idempotencySuffixReverse)
	if err != nil {
		return Transaction{}, err
	}
	var reversedAmount Points
	transaction, attempts, err := service.appendTransaction(ctx, operationReverse, memberID, reverseKey, func(ctx context.Context, txStore Store, state LedgerState) (Transaction, error) {
		earned, err := txStore.FindTransaction(ctx, memberID, earnKey)
		if err != nil {
			return Transaction{}, err
		}
		if earned.Amount == 0 {
			return Transaction{}, ErrNothingToReverse
		}
		reversedAmount = -earned.Amount
		return NewTransaction(service.newID(), memberID, TransactionReversal, reversedAmount, reason, &reservationID, reverseKey, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationReverse,
		MemberID:       memberID,
		ReservationID:  reservationID.String(),
		Amount:         reversedAmount,
		IdempotencyKey: reverseKey,
		Attempts:       attempts,
		Error:          err,
	})
	return transaction, err
}

type transactionBuilder func(ctx context.Context, txStore Store, state LedgerState) (Transaction, error)

// appendTransaction runs one compare-and-swap write per attempt. A key that was already
// written returns the stored transaction; conflicts are retried with backoff.
func (service *Service) appendTransaction(ctx context.Context, operation string, memberID member.ID, key IdempotencyKey, build transactionBuilder) (Transaction, int, error) {
	attempts := 0
	attempt := func() (Transaction, error) {
		attempts++
		var recorded Transaction
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			existing, err := txStore.FindTransaction(ctx, memberID, key)
			if err == nil {
				recorded = existing
				return nil
			}
			if !errors.Is(err, ErrUnknownTransaction) {
				return err
			}
			state, err := txStore.LoadLedger(ctx, memberID)
			if err != nil {
				return err
			}
			transaction, err := build(ctx, txStore, state)
			if err != nil {
				return err
			}
			if _, err := txStore.AppendTransaction(ctx, transaction, state.Version); err != nil {
				return err
			}
			recorded = transaction
			return nil
		})
		if err == nil {
			return recorded, nil
		}
		if isRetryable(err) {
			return Transaction{}, err
		}
		return Transaction{}, backoff.Permanent(err)
	}
	transaction, err := backoff.RetryWithData(attempt, service.newBackOff(ctx))
	if err != nil {
		if isRetryable(err) {
			return Transaction{}, attempts, WrapError(operation, "ledger", "conflict_exhausted", ErrLedgerConflict)
		}
		return Transaction{}, attempts, err
	}
	return transaction, attempts, nil
}

func (service *Service) newBackOff(ctx context.Context) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = service.retryPolicy.InitialInterval
	exponential.MaxInterval = service.retryPolicy.MaxInterval
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	retries := service.retryPolicy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(retries)), ctx)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrLedgerConflict) || errors.Is(err, ErrDuplicateIdempotencyKey)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// NormalizeListLimit clamps a page size into [1, 200], defaulting to 50.
func NormalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
