package loyalty

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
)

type stubLedger struct {
	version int64
	balance Points
}

type stubStore struct {
	mutex              sync.Mutex
	ledgers            map[string]*stubLedger
	transactions       []Transaction
	conflictsRemaining int
	appendCalls        int
	loadLedgerError    error
	findError          error
	appendError        error
	listError          error
	sumError           error
}

func newStubStore(test *testing.T, memberIDs ...string) *stubStore {
	test.Helper()
	store := &stubStore{ledgers: map[string]*stubLedger{}}
	for _, memberID := range memberIDs {
		store.ledgers[memberID] = &stubLedger{}
	}
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) LoadLedger(_ context.Context, memberID member.ID) (LedgerState, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.loadLedgerError != nil {
		return LedgerState{}, store.loadLedgerError
	}
	ledger, ok := store.ledgers[memberID.String()]
	if !ok {
		return LedgerState{}, member.ErrUnknownMember
	}
	return LedgerState{Version: ledger.version, Balance: ledger.balance}, nil
}

func (store *stubStore) FindTransaction(_ context.Context, memberID member.ID, key IdempotencyKey) (Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.findError != nil {
		return Transaction{}, store.findError
	}
	for _, transaction := range store.transactions {
		if transaction.MemberID == memberID && transaction.IdempotencyKey == key {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (store *stubStore) AppendTransaction(_ context.Context, transaction Transaction, expectedVersion int64) (LedgerState, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.appendCalls++
	if store.appendError != nil {
		return LedgerState{}, store.appendError
	}
	if store.conflictsRemaining > 0 {
		store.conflictsRemaining--
		return LedgerState{}, ErrLedgerConflict
	}
	ledger, ok := store.ledgers[transaction.MemberID.String()]
	if !ok {
		return LedgerState{}, member.ErrUnknownMember
	}
	if ledger.version != expectedVersion {
		return LedgerState{}, ErrLedgerConflict
	}
	for _, existing := range store.transactions {
		if existing.MemberID == transaction.MemberID && existing.IdempotencyKey == transaction.IdempotencyKey {
			return LedgerState{}, ErrDuplicateIdempotencyKey
		}
	}
	store.transactions = append(store.transactions, transaction)
	ledger.version++
	ledger.balance = store.sumLocked(transaction.MemberID)
	return LedgerState{Version: ledger.version, Balance: ledger.balance}, nil
}

func (store *stubStore) ListTransactions(_ context.Context, memberID member.ID, cursor Cursor, limit int) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.listError != nil {
		return nil, store.listError
	}
	var matching []Transaction
	for _, transaction := range store.transactions {
		if transaction.MemberID == memberID && cursor.Includes(transaction) {
			matching = append(matching, transaction)
		}
	}
	sort.Slice(matching, func(left, right int) bool {
		if matching[left].CreatedUnixUTC != matching[right].CreatedUnixUTC {
			return matching[left].CreatedUnixUTC > matching[right].CreatedUnixUTC
		}
		return matching[left].TransactionID > matching[right].TransactionID
	})
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

func (store *stubStore) SumTransactions(_ context.Context, memberID member.ID) (Points, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.sumError != nil {
		return 0, store.sumError
	}
	return store.sumLocked(memberID), nil
}

func (store *stubStore) sumLocked(memberID member.ID) Points {
	var sum Points
	for _, transaction := range store.transactions {
		if transaction.MemberID == memberID {
			sum += transaction.Amount
		}
	}
	return sum
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := func() int64 { return 1700000000 }
	options = append([]ServiceOption{WithRetryPolicy(RetryPolicy{MaxAttempts: 3})}, options...)
	service, err := NewService(store, clock, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustMemberID(test *testing.T, raw string) member.ID {
	test.Helper()
	memberID, err := member.NewID(raw)
	if err != nil {
		test.Fatalf("member id: %v", err)
	}
	return memberID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}
