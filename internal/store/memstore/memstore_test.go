package memstore

import (
	"context"
	"testing"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
)

const errorMismatchMessage = "expected %v, got %v"

func mustMember(test *testing.T, store *Store, rawID string, code string) member.Member {
	test.Helper()
	memberID, err := member.NewID(rawID)
	if err != nil {
		test.Fatalf("member id: %v", err)
	}
	inviteCode, err := member.NewInviteCode(code)
	if err != nil {
		test.Fatalf("invite code: %v", err)
	}
	account := member.Member{
		ID:             memberID,
		Name:           "Member " + rawID,
		Email:          rawID + "@example.com",
		Phone:          "090-0000-0000",
		InviteCode:     inviteCode,
		MembershipType: member.MembershipRegular,
	}
	if err := store.CreateMember(context.Background(), account); err != nil {
		test.Fatalf("create member: %v", err)
	}
	return account
}

func mustTransaction(test *testing.T, account member.Member, transactionID string, key string, amount loyalty.Points, createdUnixUTC int64) loyalty.Transaction {
	test.Helper()
	idempotencyKey, err := loyalty.NewIdempotencyKey(key)
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	transaction, err := loyalty.NewTransaction(transactionID, account.ID, loyalty.TransactionWelcome, amount, "bonus", nil, idempotencyKey, createdUnixUTC)
	if err != nil {
		test.Fatalf("transaction: %v", err)
	}
	return transaction
}

func TestAppendTransactionHealsCachedBalance(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := New()
	account := mustMember(test, store, "member-1", "ABCD2345")
	if _, err := store.AppendTransaction(ctx, mustTransaction(test, account, "tx-1", "bonus:1", 1000, 100), 0); err != nil {
		test.Fatalf("append: %v", err)
	}

	store.mutex.Lock()
	store.members[account.ID.String()].account.PointsBalance = 99999
	store.mutex.Unlock()

	state, err := store.AppendTransaction(ctx, mustTransaction(test, account, "tx-2", "bonus:2", 500, 101), 1)
	if err != nil {
		test.Fatalf("append: %v", err)
	}
	if state.Balance != 1500 {
		test.Fatalf(errorMismatchMessage, 1500, state.Balance)
	}
	loaded, err := store.GetMember(ctx, account.ID)
	if err != nil {
		test.Fatalf("get member: %v", err)
	}
	if loaded.PointsBalance != 1500 {
		test.Fatalf(errorMismatchMessage, 1500, loaded.PointsBalance)
	}
}

func TestListTransactionsCursorWithinOneSecond(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	store := New()
	account := mustMember(test, store, "member-1", "ABCD2345")
	for index, transactionID := range []string{"tx-a", "tx-c", "tx-b"} {
		if _, err := store.AppendTransaction(ctx, mustTransaction(test, account, transactionID, "bonus:"+transactionID, 100, 500), int64(index)); err != nil {
			test.Fatalf("append %s: %v", transactionID, err)
		}
	}

	var order []string
	cursor := loyalty.Cursor{}
	for page := 0; page < 5; page++ {
		transactions, err := store.ListTransactions(ctx, account.ID, cursor, 1)
		if err != nil {
			test.Fatalf("list: %v", err)
		}
		if len(transactions) == 0 {
			break
		}
		order = append(order, transactions[0].TransactionID)
		cursor = loyalty.CursorAfter(transactions[0])
	}
	expected := []string{"tx-c", "tx-b", "tx-a"}
	if len(order) != len(expected) {
		test.Fatalf(errorMismatchMessage, expected, order)
	}
	for index := range expected {
		if order[index] != expected[index] {
			test.Fatalf(errorMismatchMessage, expected, order)
		}
	}
}
