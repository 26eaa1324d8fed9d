package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
)

const (
	memberIDValue      = "member-1"
	otherMemberIDValue = "member-2"
	reservationIDValue = "reservation-1"
)

func TestEarnPoints(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		total      pricing.Yen
		membership member.MembershipType
		expected   Points
	}{
		{name: "five percent of total", total: 1500, membership: member.MembershipRegular, expected: 75},
		{name: "floors fractions", total: 29750, membership: member.MembershipRegular, expected: 1487},
		{name: "premium doubles", total: 1500, membership: member.MembershipPremium, expected: 150},
		{name: "tiny totals earn nothing", total: 19, membership: member.MembershipRegular, expected: 0},
		{name: "zero total", total: 0, membership: member.MembershipRegular, expected: 0},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if points := EarnPoints(testCase.total, testCase.membership); points != testCase.expected {
				test.Fatalf(errorMismatchMessage, testCase.expected, points)
			}
		})
	}
}

func TestRecordEarnIsIdempotentPerReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	service := mustNewService(test, store)
	account := member.Member{ID: mustMemberID(test, memberIDValue), MembershipType: member.MembershipRegular}
	reservationID := mustReservationID(test, reservationIDValue)
	breakdown := pricing.PriceBreakdown{Total: 1500}

	first, err := service.RecordEarn(context.Background(), account, reservationID, breakdown)
	if err != nil {
		test.Fatalf("record earn: %v", err)
	}
	if first.Amount != 75 || first.Type != TransactionEarn || first.RelatedReservationID != reservationIDValue {
		test.Fatalf("unexpected transaction %+v", first)
	}
	second, err := service.RecordEarn(context.Background(), account, reservationID, breakdown)
	if err != nil {
		test.Fatalf("repeat earn: %v", err)
	}
	if second.TransactionID != first.TransactionID {
		test.Fatalf("expected the stored transaction to be returned, got %+v", second)
	}
	balance, err := service.Balance(context.Background(), account.ID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Points != 75 || balance.Version != 1 {
		test.Fatalf("unexpected balance %+v", balance)
	}
}

func TestRecordWelcomeBonusOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	service := mustNewService(test, store)
	memberID := mustMemberID(test, memberIDValue)
	for attempt := 0; attempt < 3; attempt++ {
		transaction, err := service.RecordWelcomeBonus(context.Background(), memberID)
		if err != nil {
			test.Fatalf("welcome bonus: %v", err)
		}
		if transaction.Amount != WelcomeBonusPoints {
			test.Fatalf(errorMismatchMessage, WelcomeBonusPoints, transaction.Amount)
		}
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected one welcome transaction, got %d", len(store.transactions))
	}
}

func TestRecordReferralBonusScopesByInviteeAndRole(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue, otherMemberIDValue)
	service := mustNewService(test, store)
	inviter := mustMemberID(test, memberIDValue)
	invitee := mustMemberID(test, otherMemberIDValue)

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := service.RecordReferralBonus(context.Background(), inviter, invitee, ReferralRoleInviter); err != nil {
			test.Fatalf("inviter bonus: %v", err)
		}
		if _, err := service.RecordReferralBonus(context.Background(), invitee, invitee, ReferralRoleInvitee); err != nil {
			test.Fatalf("invitee bonus: %v", err)
		}
	}
	if len(store.transactions) != 2 {
		test.Fatalf("expected exactly one bonus pair, got %d transactions", len(store.transactions))
	}
	if _, err := service.RecordReferralBonus(context.Background(), inviter, invitee, ReferralRole("friend")); !errors.Is(err, ErrInvalidReferralRole) {
		test.Fatalf(errorMismatchMessage, ErrInvalidReferralRole, err)
	}
}

func TestLedgerConflictIsRetried(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	store.conflictsRemaining = 2
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.RecordWelcomeBonus(context.Background(), mustMemberID(test, memberIDValue)); err != nil {
		test.Fatalf("expected retry to succeed, got %v", err)
	}
	if store.appendCalls != 3 {
		test.Fatalf("expected 3 append attempts, got %d", store.appendCalls)
	}
	if logger.entries[0].Attempts != 3 {
		test.Fatalf("expected attempts to be logged, got %+v", logger.entries[0])
	}
}

func TestLedgerConflictEscalatesAfterRetries(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	store.conflictsRemaining = 10
	service := mustNewService(test, store)

	_, err := service.RecordWelcomeBonus(context.Background(), mustMemberID(test, memberIDValue))
	if !errors.Is(err, ErrLedgerConflict) {
		test.Fatalf(errorMismatchMessage, ErrLedgerConflict, err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != "conflict_exhausted" {
		test.Fatalf("expected conflict_exhausted operation error, got %v", err)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transaction to be written")
	}
}

func TestRedeem(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	service := mustNewService(test, store)
	memberID := mustMemberID(test, memberIDValue)
	if _, err := service.RecordWelcomeBonus(context.Background(), memberID); err != nil {
		test.Fatalf("welcome bonus: %v", err)
	}

	_, err := service.Redeem(context.Background(), memberID, 1001, mustIdempotencyKey(test, "redeem-1"), nil)
	if !errors.Is(err, ErrInsufficientPoints) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientPoints, err)
	}
	if store.appendCalls != 1 {
		test.Fatalf("insufficient points must not be retried, append calls %d", store.appendCalls)
	}
	transaction, err := service.Redeem(context.Background(), memberID, 400, mustIdempotencyKey(test, "redeem-2"), nil)
	if err != nil {
		test.Fatalf("redeem: %v", err)
	}
	if transaction.Amount != -400 || transaction.Type != TransactionRedeem {
		test.Fatalf("unexpected transaction %+v", transaction)
	}
	if _, err := service.Redeem(context.Background(), memberID, 0, mustIdempotencyKey(test, "redeem-3"), nil); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatchMessage, ErrInvalidAmount, err)
	}
	balance, _ := service.Balance(context.Background(), memberID)
	if balance.Points != 600 {
		test.Fatalf(errorMismatchMessage, 600, balance.Points)
	}
}

func TestRedeemChecksLedgerSumNotCache(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	service := mustNewService(test, store)
	memberID := mustMemberID(test, memberIDValue)
	if _, err := service.RecordWelcomeBonus(context.Background(), memberID); err != nil {
		test.Fatalf("welcome bonus: %v", err)
	}
	store.mutex.Lock()
	store.ledgers[memberIDValue].balance = 5000
	store.mutex.Unlock()

	if _, err := service.Redeem(context.Background(), memberID, 2000, mustIdempotencyKey(test, "redeem-inflated"), nil); !errors.Is(err, ErrInsufficientPoints) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientPoints, err)
	}
	if _, err := service.Redeem(context.Background(), memberID, 300, mustIdempotencyKey(test, "redeem-ok"), nil); err != nil {
		test.Fatalf("redeem: %v", err)
	}
	audit, err := service.Audit(context.Background(), memberID)
	if err != nil {
		test.Fatalf("audit: %v", err)
	}
	if !audit.Consistent() || audit.CachedBalance != 700 {
		test.Fatalf("cache must heal to the ledger sum on write, got %+v", audit)
	}
}

func TestListTransactionsPagesWithinOneSecond(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	service := mustNewService(test, store)
	memberID := mustMemberID(test, memberIDValue)
	if _, err := service.RecordWelcomeBonus(context.Background(), memberID); err != nil {
		test.Fatalf("welcome bonus: %v", err)
	}
	for index := 0; index < 3; index++ {
		inviteeID := mustMemberID(test, fmt.Sprintf("invitee-%d", index))
		if _, err := service.RecordReferralBonus(context.Background(), memberID, inviteeID, ReferralRoleInviter); err != nil {
			test.Fatalf("referral bonus: %v", err)
		}
	}

	seen := map[string]bool{}
	cursor := Cursor{}
	for page := 0; page < 10; page++ {
		transactions, err := service.ListTransactions(context.Background(), memberID, cursor, 1)
		if err != nil {
			test.Fatalf("list: %v", err)
		}
		if len(transactions) == 0 {
			break
		}
		if seen[transactions[0].TransactionID] {
			test.Fatalf("transaction %s returned twice", transactions[0].TransactionID)
		}
		seen[transactions[0].TransactionID] = true
		cursor = CursorAfter(transactions[0])
	}
	if len(seen) != 4 {
		test.Fatalf(errorMismatchMessage, 4, len(seen))
	}
}

func TestCursorIncludes(test *testing.T) {
	test.Parallel()
	entry := Transaction{TransactionID: "b", CreatedUnixUTC: 100}
	testCases := []struct {
		name     string
		cursor   Cursor
		expected bool
	}{
		{name: "zero cursor", cursor: Cursor{}, expected: true},
		{name: "older second", cursor: Cursor{BeforeUnixUTC: 101}, expected: true},
		{name: "same second without id", cursor: Cursor{BeforeUnixUTC: 100}, expected: false},
		{name: "same second lower id", cursor: Cursor{BeforeUnixUTC: 100, BeforeTransactionID: "c"}, expected: true},
		{name: "same second same id", cursor: Cursor{BeforeUnixUTC: 100, BeforeTransactionID: "b"}, expected: false},
		{name: "newer second", cursor: Cursor{BeforeUnixUTC: 99, BeforeTransactionID: "z"}, expected: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if included := testCase.cursor.Includes(entry); included != testCase.expected {
				test.Fatalf(errorMismatchMessage, testCase.expected, included)
			}
		})
	}
}

func TestReverseEarn(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	service := mustNewService(test, store)
	account := member.Member{ID: mustMemberID(test, memberIDValue)}
	reservationID := mustReservationID(test, reservationIDValue)

	if _, err := service.ReverseEarn(context.Background(), account.ID, reservationID, "correction"); !errors.Is(err, ErrUnknownTransaction) {
		test.Fatalf(errorMismatchMessage, ErrUnknownTransaction, err)
	}
	if _, err := service.RecordEarn(context.Background(), account, reservationID, pricing.PriceBreakdown{Total: 29750}); err != nil {
		test.Fatalf("record earn: %v", err)
	}
	reversal, err := service.ReverseEarn(context.Background(), account.ID, reservationID, "correction")
	if err != nil {
		test.Fatalf("reverse earn: %v", err)
	}
	if reversal.Amount != -1487 || reversal.Type != TransactionReversal || reversal.IdempotencyKey.String() != "earn:reservation-1:reverse" {
		test.Fatalf("unexpected reversal %+v", reversal)
	}
	if _, err := service.ReverseEarn(context.Background(), account.ID, reservationID, "correction"); err != nil {
		test.Fatalf("repeat reversal: %v", err)
	}
	balance, _ := service.Balance(context.Background(), account.ID)
	if balance.Points != 0 {
		test.Fatalf("expected reversal to offset the earn, got %d", balance.Points)
	}
}

func TestLedgerIntegrityUnderConcurrentWrites(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, memberIDValue)
	service := mustNewService(test, store, WithRetryPolicy(RetryPolicy{MaxAttempts: 200}))
	account := member.Member{ID: mustMemberID(test, memberIDValue)}

	var waitGroup sync.WaitGroup
	errorsSeen := make(chan error, 40)
	for index := 0; index < 20; index++ {
		reservationID := mustReservationID(test, fmt.Sprintf("reservation-%d", index))
		waitGroup.Add(2)
		go func() {
			defer waitGroup.Done()
			if _, err := service.RecordEarn(context.Background(), account, reservationID, pricing.PriceBreakdown{Total: 2000}); err != nil {
				errorsSeen <- err
			}
		}()
		go func() {
			defer waitGroup.Done()
			if _, err := service.RecordWelcomeBonus(context.Background(), account.ID); err != nil {
				errorsSeen <- err
			}
		}()
	}
	waitGroup.Wait()
	close(errorsSeen)
	for err := range errorsSeen {
		test.Fatalf("concurrent write failed: %v", err)
	}

	audit, err := service.Audit(context.Background(), account.ID)
	if err != nil {
		test.Fatalf("audit: %v", err)
	}
	if !audit.Consistent() {
		test.Fatalf("cached balance %d differs from ledger sum %d", audit.CachedBalance, audit.LedgerSum)
	}
	expected := WelcomeBonusPoints + 20*100
	if audit.LedgerSum != expected {
		test.Fatalf(errorMismatchMessage, expected, audit.LedgerSum)
	}
}

func TestListTransactionsNormalizesLimit(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		input    int
		expected int
	}{
		{input: 0, expected: defaultListLimit},
		{input: -5, expected: defaultListLimit},
		{input: 10, expected: 10},
		{input: 10000, expected: maxListLimit},
	}
	for _, testCase := range testCases {
		if normalized := NormalizeListLimit(testCase.input); normalized != testCase.expected {
			test.Fatalf(errorMismatchMessage, testCase.expected, normalized)
		}
	}

	store := newStubStore(test, memberIDValue)
	service := mustNewService(test, store)
	memberID := mustMemberID(test, memberIDValue)
	if _, err := service.RecordWelcomeBonus(context.Background(), memberID); err != nil {
		test.Fatalf("welcome bonus: %v", err)
	}
	transactions, err := service.ListTransactions(context.Background(), memberID, Cursor{}, 0)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Type != TransactionWelcome {
		test.Fatalf("unexpected transactions %+v", transactions)
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}
