// Package loyalty keeps the append-only points ledger of each member.
package loyalty

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
)

// Points is a signed loyalty amount.
type Points int64

// Int64 returns the raw value.
func (points Points) Int64() int64 {
	return int64(points)
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TransactionWelcome       TransactionType = "welcome"
	TransactionEarn          TransactionType = "earn"
	TransactionReferralBonus TransactionType = "referral_bonus"
	TransactionRedeem        TransactionType = "redeem"
	TransactionReversal      TransactionType = "reversal"
)

// ParseTransactionType validates a stored type.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.TrimSpace(raw))
	switch transactionType {
	case TransactionWelcome, TransactionEarn, TransactionReferralBonus, TransactionRedeem, TransactionReversal:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// ReferralRole distinguishes the two bonuses of an invite.
type ReferralRole string

const (
	ReferralRoleInviter ReferralRole = "inviter"
	ReferralRoleInvitee ReferralRole = "invitee"
)

// ReservationID identifies the reservation a transaction relates to.
type ReservationID struct {
	value string
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection per member.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// EarnKey returns the dedup key of the earn transaction of a reservation.
func EarnKey(reservationID ReservationID) IdempotencyKey {
	return scopedKey(idempotencyPrefixEarn, reservationID.String())
}

// WelcomeKey returns the dedup key of a member's welcome bonus.
func WelcomeKey(memberID member.ID) IdempotencyKey {
	return scopedKey(idempotencyPrefixWelcome, memberID.String())
}

// ReferralKey returns the dedup key of one side of an invite bonus, scoped by invitee.
func ReferralKey(inviteeID member.ID, role ReferralRole) IdempotencyKey {
	return scopedKey(idempotencyPrefixReferral, inviteeID.String(), string(role))
}

func scopedKey(parts ...string) IdempotencyKey {
	return IdempotencyKey{value: strings.Join(parts, idempotencyKeyDelimiter)}
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	TransactionID        string          `json:"transaction_id"`
	MemberID             member.ID       `json:"-"`
	Type                 TransactionType `json:"type"`
	Amount               Points          `json:"amount"`
	Reason               string          `json:"reason"`
	RelatedReservationID string          `json:"related_reservation_id,omitempty"`
	IdempotencyKey       IdempotencyKey  `json:"-"`
	CreatedUnixUTC       int64           `json:"created_unix_utc"`
}

// NewTransaction validates the amount sign against the type.
func NewTransaction(transactionID string, memberID member.ID, transactionType TransactionType, amount Points, reason string, reservationID *ReservationID, key IdempotencyKey, createdUnixUTC int64) (Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return Transaction{}, fmt.Errorf("%w: empty transaction id", ErrInvalidTransaction)
	}
	if memberID.IsZero() {
		return Transaction{}, member.ErrInvalidMemberID
	}
	if _, err := ParseTransactionType(string(transactionType)); err != nil {
		return Transaction{}, err
	}
	if key.String() == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if err := validateSign(transactionType, amount); err != nil {
		return Transaction{}, err
	}
	transaction := Transaction{
		TransactionID:  transactionID,
		MemberID:       memberID,
		Type:           transactionType,
		Amount:         amount,
		Reason:         strings.TrimSpace(reason),
		IdempotencyKey: key,
		CreatedUnixUTC: createdUnixUTC,
	}
	if reservationID != nil {
		transaction.RelatedReservationID = reservationID.String()
	}
	return transaction, nil
}

func validateSign(transactionType TransactionType, amount Points) error {
	switch transactionType {
	case TransactionWelcome, TransactionReferralBonus:
		if amount <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, transactionType)
		}
	case TransactionEarn:
		if amount < 0 {
			return fmt.Errorf("%w: earn must not be negative", ErrInvalidAmount)
		}
	case TransactionRedeem:
		if amount >= 0 {
			return fmt.Errorf("%w: redeem must be negative", ErrInvalidAmount)
		}
	case TransactionReversal:
		if amount == 0 {
			return fmt.Errorf("%w: reversal must be non-zero", ErrInvalidAmount)
		}
	}
	return nil
}

// EarnPoints applies the canonical earn rate and the membership multiplier to a reservation total.
func EarnPoints(total pricing.Yen, membership member.MembershipType) Points {
	if total <= 0 {
		return 0
	}
	return Points(int64(total)*EarnRatePercent/100) * Points(membership.EarnMultiplier())
}

// LedgerState is the cached view of a member ledger guarded by Version.
type LedgerState struct {
	Version int64
	Balance Points
}

// Balance describes a member's current points.
type Balance struct {
	MemberID member.ID
	Points   Points
	Version  int64
}

// Audit compares the cached balance with the ledger sum.
type Audit struct {
	MemberID      member.ID
	CachedBalance Points
	LedgerSum     Points
}

// Consistent reports whether the cache matches the ledger.
func (audit Audit) Consistent() bool {
	return audit.CachedBalance == audit.LedgerSum
}

// Cursor positions a newest-first page of a ledger. Entries are ordered by creation second
// and then by transaction id, both descending. The zero Cursor starts at the newest entry.
type Cursor struct {
	BeforeUnixUTC       int64
	BeforeTransactionID string
}

// CursorAfter returns the cursor that continues strictly after transaction.
func CursorAfter(transaction Transaction) Cursor {
	return Cursor{BeforeUnixUTC: transaction.CreatedUnixUTC, BeforeTransactionID: transaction.TransactionID}
}

// IsZero reports whether the cursor starts at the newest entry.
func (cursor Cursor) IsZero() bool {
	return cursor.BeforeUnixUTC <= 0
}

// Includes reports whether transaction comes after the cursor position. Without a
// transaction id every entry of the cursor second is excluded.
func (cursor Cursor) Includes(transaction Transaction) bool {
	if cursor.IsZero() {
		return true
	}
	if transaction.CreatedUnixUTC != cursor.BeforeUnixUTC {
		return transaction.CreatedUnixUTC < cursor.BeforeUnixUTC
	}
	return cursor.BeforeTransactionID != "" && transaction.TransactionID < cursor.BeforeTransactionID
}

// Store persists ledger entries. AppendTransaction must fail with ErrLedgerConflict when
// expectedVersion no longer matches and ErrDuplicateIdempotencyKey when the key was used,
// and must set the cached balance to the ledger sum in the same database transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LoadLedger(ctx context.Context, memberID member.ID) (LedgerState, error)
	FindTransaction(ctx context.Context, memberID member.ID, key IdempotencyKey) (Transaction, error)
	AppendTransaction(ctx context.Context, transaction Transaction, expectedVersion int64) (LedgerState, error)
	ListTransactions(ctx context.Context, memberID member.ID, cursor Cursor, limit int) ([]Transaction, error)
	SumTransactions(ctx context.Context, memberID member.ID) (Points, error)
}
