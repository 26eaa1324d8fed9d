// Package pgstore implements loyalty.Store with raw SQL on a pgx pool. It shares the schema
// created by gormstore.Migrate.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionKey = "idx_point_transactions_member_key"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectLedger       = "ledger"
	errorSubjectEntry        = "transaction"
	errorSubjectTransaction  = "db_transaction"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeConflict        = "conflict"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeSum             = "sum"
	errorCodeUpdate          = "update"

	sqlSelectLedger = `
		select points_balance, ledger_version from members where member_id = $1
	`

	sqlAdvanceLedger = `
		update members
		set ledger_version = ledger_version + 1
		where member_id = $1 and ledger_version = $2
		returning ledger_version
	`

	sqlResetBalance = `
		update members
		set points_balance = (select coalesce(sum(amount),0) from point_transactions where member_id = $1)
		where member_id = $1
		returning points_balance
	`

	sqlMemberExists = `
		select exists(select 1 from members where member_id = $1)
	`

	sqlInsertTransaction = `
		insert into point_transactions(
			transaction_id, member_id, idempotency_key, type, amount, reason, reservation_id, created_at
		)
		values($1, $2, $3, $4, $5, $6, nullif($7,''), to_timestamp($8))
	`

	sqlSelectTransactionColumns = `
		select
			transaction_id,
			member_id,
			idempotency_key,
			type,
			amount,
			reason,
			coalesce(reservation_id,''),
			extract(epoch from created_at)::bigint
		from point_transactions
	`

	sqlFindTransaction = sqlSelectTransactionColumns + `
		where member_id = $1 and idempotency_key = $2
	`

	sqlListTransactions = sqlSelectTransactionColumns + `
		where member_id = $1 and (
			$2::bigint <= 0
			or created_at < to_timestamp($2::bigint)
			or (created_at = to_timestamp($2::bigint) and transaction_id < $3::text)
		)
		order by created_at desc, transaction_id desc
		limit $4
	`

	sqlSumTransactions = `
		select coalesce(sum(amount),0) from point_transactions where member_id = $1
	`
)

type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements loyalty.Store on a pgx pool (autocommit) or on an open transaction.
type Store struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Open creates a pool for a postgres:// DSN.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, config)
}

// WithTx runs fn in a transaction; inside one it opens a savepoint.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	tx, err := store.db.Begin(ctx)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// LoadLedger returns the cached balance and version.
func (store *Store) LoadLedger(ctx context.Context, memberID member.ID) (loyalty.LedgerState, error) {
	var balance, version int64
	err := store.db.QueryRow(ctx, sqlSelectLedger, memberID.String()).Scan(&balance, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeGet, member.ErrUnknownMember)
	}
	if err != nil {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	return loyalty.LedgerState{Version: version, Balance: loyalty.Points(balance)}, nil
}

// FindTransaction looks up an entry by its member-scoped key.
func (store *Store) FindTransaction(ctx context.Context, memberID member.ID, key loyalty.IdempotencyKey) (loyalty.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlFindTransaction, memberID.String(), key.String())
	if err != nil {
		return loyalty.Transaction{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	transactions, err := scanTransactions(rows)
	if err != nil {
		return loyalty.Transaction{}, err
	}
	if len(transactions) == 0 {
		return loyalty.Transaction{}, loyalty.ErrUnknownTransaction
	}
	return transactions[0], nil
}

// AppendTransaction advances the ledger version, inserts the entry and resets the cached
// balance to the ledger sum in one database transaction.
func (store *Store) AppendTransaction(ctx context.Context, transaction loyalty.Transaction, expectedVersion int64) (loyalty.LedgerState, error) {
	tx, err := store.db.Begin(ctx)
	if err != nil {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance, version int64
	err = tx.QueryRow(ctx, sqlAdvanceLedger, transaction.MemberID.String(), expectedVersion).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if lookupErr := tx.QueryRow(ctx, sqlMemberExists, transaction.MemberID.String()).Scan(&exists); lookupErr != nil {
			return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeLookup, lookupErr)
		}
		if !exists {
			return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeGet, member.ErrUnknownMember)
		}
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeConflict, loyalty.ErrLedgerConflict)
	}
	if err != nil {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeUpdate, err)
	}

	_, err = tx.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.MemberID.String(),
		transaction.IdempotencyKey.String(),
		string(transaction.Type),
		transaction.Amount.Int64(),
		transaction.Reason,
		transaction.RelatedReservationID,
		transaction.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, loyalty.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	if err := tx.QueryRow(ctx, sqlResetBalance, transaction.MemberID.String()).Scan(&balance); err != nil {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return loyalty.LedgerState{Version: version, Balance: loyalty.Points(balance)}, nil
}

// ListTransactions returns entries newest first, continuing after cursor.
func (store *Store) ListTransactions(ctx context.Context, memberID member.ID, cursor loyalty.Cursor, limit int) ([]loyalty.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, memberID.String(), cursor.BeforeUnixUTC, cursor.BeforeTransactionID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return scanTransactions(rows)
}

// SumTransactions adds up a member's ledger.
func (store *Store) SumTransactions(ctx context.Context, memberID member.ID) (loyalty.Points, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlSumTransactions, memberID.String()).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	return loyalty.Points(total), nil
}

func scanTransactions(rows pgx.Rows) ([]loyalty.Transaction, error) {
	defer rows.Close()
	var transactions []loyalty.Transaction
	for rows.Next() {
		var (
			transactionID  string
			memberIDValue  string
			keyValue       string
			typeValue      string
			amount         int64
			reason         string
			reservationRaw string
			createdUnixUTC int64
		)
		if err := rows.Scan(&transactionID, &memberIDValue, &keyValue, &typeValue, &amount, &reason, &reservationRaw, &createdUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		transaction, err := mapTransaction(transactionID, memberIDValue, keyValue, typeValue, amount, reason, reservationRaw, createdUnixUTC)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return transactions, nil
}

func mapTransaction(transactionID, memberIDValue, keyValue, typeValue string, amount int64, reason, reservationRaw string, createdUnixUTC int64) (loyalty.Transaction, error) {
	memberID, err := member.NewID(memberIDValue)
	if err != nil {
		return loyalty.Transaction{}, err
	}
	key, err := loyalty.NewIdempotencyKey(keyValue)
	if err != nil {
		return loyalty.Transaction{}, err
	}
	transactionType, err := loyalty.ParseTransactionType(typeValue)
	if err != nil {
		return loyalty.Transaction{}, err
	}
	var reservationID *loyalty.ReservationID
	if reservationRaw != "" {
		parsed, err := loyalty.NewReservationID(reservationRaw)
		if err != nil {
			return loyalty.Transaction{}, err
		}
		reservationID = &parsed
	}
	return loyalty.NewTransaction(transactionID, memberID, transactionType, loyalty.Points(amount), reason, reservationID, key, createdUnixUTC)
}

func wrapStoreError(subject string, code string, err error) error {
	return loyalty.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionKey
	}
	return false
}
