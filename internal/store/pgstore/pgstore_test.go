package pgstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/database"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/google/uuid"
)

const postgresDSNEnv = "RENTALREWARDS_TEST_POSTGRES_DSN"

type fixture struct {
	store   *Store
	members *gormstore.Store
}

func newFixture(test *testing.T) fixture {
	test.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		test.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	connection, err := database.Open(ctx, dsn)
	if err != nil {
		test.Fatalf("open gorm: %v", err)
	}
	test.Cleanup(func() { _ = connection.Close() })
	if err := gormstore.Migrate(connection.DB); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	pool, err := Open(ctx, dsn)
	if err != nil {
		test.Fatalf("open pool: %v", err)
	}
	test.Cleanup(pool.Close)
	return fixture{store: New(pool), members: gormstore.New(connection.DB)}
}

func mustCreateMember(test *testing.T, testFixture fixture) member.Member {
	test.Helper()
	memberID, err := member.NewID(uuid.NewString())
	if err != nil {
		test.Fatalf("member id: %v", err)
	}
	code, err := member.GenerateInviteCode()
	if err != nil {
		test.Fatalf("invite code: %v", err)
	}
	account := member.Member{
		ID:             memberID,
		Name:           "Postgres Member",
		Email:          memberID.String() + "@example.com",
		Phone:          "090-0000-0000",
		InviteCode:     code,
		MembershipType: member.MembershipPremium,
		License: &member.DriverLicense{
			Number:             "L-1",
			ExpiryDate:         calendar.MustParse("2030-01-01"),
			VerificationStatus: member.VerificationApproved,
		},
	}
	if err := testFixture.members.CreateMember(context.Background(), account); err != nil {
		test.Fatalf("create member: %v", err)
	}
	return account
}

func TestAppendTransactionConflicts(test *testing.T) {
	testFixture := newFixture(test)
	ctx := context.Background()
	account := mustCreateMember(test, testFixture)
	key, err := loyalty.NewIdempotencyKey("pg:" + uuid.NewString())
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	transaction, err := loyalty.NewTransaction(uuid.NewString(), account.ID, loyalty.TransactionWelcome, 1000, "welcome", nil, key, time.Now().Unix())
	if err != nil {
		test.Fatalf("transaction: %v", err)
	}
	state, err := testFixture.store.AppendTransaction(ctx, transaction, 0)
	if err != nil {
		test.Fatalf("append: %v", err)
	}
	if state.Version != 1 || state.Balance != 1000 {
		test.Fatalf("unexpected state %+v", state)
	}
	stale := transaction
	stale.TransactionID = uuid.NewString()
	if _, err := testFixture.store.AppendTransaction(ctx, stale, 0); !errors.Is(err, loyalty.ErrLedgerConflict) {
		test.Fatalf("expected ErrLedgerConflict, got %v", err)
	}
	if _, err := testFixture.store.AppendTransaction(ctx, stale, 1); !errors.Is(err, loyalty.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	found, err := testFixture.store.FindTransaction(ctx, account.ID, key)
	if err != nil || found.TransactionID != transaction.TransactionID {
		test.Fatalf("find: %+v %v", found, err)
	}
}

func TestConcurrentEarnsStayConsistent(test *testing.T) {
	testFixture := newFixture(test)
	ctx := context.Background()
	account := mustCreateMember(test, testFixture)
	service, err := loyalty.NewService(testFixture.store, func() int64 { return time.Now().Unix() },
		loyalty.WithRetryPolicy(loyalty.RetryPolicy{MaxAttempts: 20, InitialInterval: time.Millisecond, MaxInterval: 20 * time.Millisecond}))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	const reservations = 10
	var waitGroup sync.WaitGroup
	for index := 0; index < reservations; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			reservationID, err := loyalty.NewReservationID(uuid.NewString())
			if err != nil {
				test.Errorf("reservation id: %v", err)
				return
			}
			if _, err := service.RecordEarn(ctx, account, reservationID, pricing.PriceBreakdown{Total: 1500}); err != nil {
				test.Errorf("earn: %v", err)
			}
		}()
	}
	waitGroup.Wait()
	audit, err := service.Audit(ctx, account.ID)
	if err != nil {
		test.Fatalf("audit: %v", err)
	}
	// Premium members earn 150 on 1500.
	if !audit.Consistent() || audit.LedgerSum != reservations*150 {
		test.Fatalf("unexpected audit %+v", audit)
	}
	transactions, err := service.ListTransactions(ctx, account.ID, loyalty.Cursor{}, 5)
	if err != nil || len(transactions) != 5 {
		test.Fatalf("list: %d %v", len(transactions), err)
	}
}

func TestAppendTransactionResetsBalanceToLedgerSum(test *testing.T) {
	testFixture := newFixture(test)
	ctx := context.Background()
	account := mustCreateMember(test, testFixture)
	for index, amount := range []loyalty.Points{1000, 500} {
		key, err := loyalty.NewIdempotencyKey("pg:" + uuid.NewString())
		if err != nil {
			test.Fatalf("key: %v", err)
		}
		transaction, err := loyalty.NewTransaction(uuid.NewString(), account.ID, loyalty.TransactionWelcome, amount, "bonus", nil, key, time.Now().Unix())
		if err != nil {
			test.Fatalf("transaction: %v", err)
		}
		if index == 1 {
			if _, err := testFixture.store.db.Exec(ctx, "update members set points_balance = 99999 where member_id = $1", account.ID.String()); err != nil {
				test.Fatalf("corrupt balance: %v", err)
			}
		}
		state, err := testFixture.store.AppendTransaction(ctx, transaction, int64(index))
		if err != nil {
			test.Fatalf("append: %v", err)
		}
		if index == 1 && state.Balance != 1500 {
			test.Fatalf("expected 1500, got %d", state.Balance)
		}
	}
	loaded, err := testFixture.store.LoadLedger(ctx, account.ID)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if loaded.Balance != 1500 || loaded.Version != 2 {
		test.Fatalf("unexpected ledger %+v", loaded)
	}
}
