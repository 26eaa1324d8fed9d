package loyalty

import (
	"errors"
	"testing"
)

func TestNewTransactionValidatesSign(test *testing.T) {
	test.Parallel()
	memberID := mustMemberID(test, memberIDValue)
	key := mustIdempotencyKey(test, "key-1")
	testCases := []struct {
		name            string
		transactionType TransactionType
		amount          Points
		wantErr         error
	}{
		{name: "welcome positive", transactionType: TransactionWelcome, amount: 1000},
		{name: "welcome zero", transactionType: TransactionWelcome, amount: 0, wantErr: ErrInvalidAmount},
		{name: "earn zero allowed", transactionType: TransactionEarn, amount: 0},
		{name: "earn negative", transactionType: TransactionEarn, amount: -1, wantErr: ErrInvalidAmount},
		{name: "referral negative", transactionType: TransactionReferralBonus, amount: -500, wantErr: ErrInvalidAmount},
		{name: "redeem negative", transactionType: TransactionRedeem, amount: -10},
		{name: "redeem positive", transactionType: TransactionRedeem, amount: 10, wantErr: ErrInvalidAmount},
		{name: "reversal either sign", transactionType: TransactionReversal, amount: 25},
		{name: "reversal zero", transactionType: TransactionReversal, amount: 0, wantErr: ErrInvalidAmount},
		{name: "unknown type", transactionType: TransactionType("expire"), amount: -5, wantErr: ErrInvalidTransactionType},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewTransaction("tx-1", memberID, testCase.transactionType, testCase.amount, "reason", nil, key, 1)
			if testCase.wantErr == nil && err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
		})
	}
}

func TestScopedKeys(test *testing.T) {
	test.Parallel()
	memberID := mustMemberID(test, memberIDValue)
	if key := WelcomeKey(memberID); key.String() != "welcome:member-1" {
		test.Fatalf("unexpected welcome key %q", key.String())
	}
	if key := EarnKey(mustReservationID(test, " r-9 ")); key.String() != "earn:r-9" {
		test.Fatalf("unexpected earn key %q", key.String())
	}
	if key := ReferralKey(memberID, ReferralRoleInviter); key.String() != "referral:member-1:inviter" {
		test.Fatalf("unexpected referral key %q", key.String())
	}
	if _, err := NewIdempotencyKey("  "); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf(errorMismatchMessage, ErrInvalidIdempotencyKey, err)
	}
}
