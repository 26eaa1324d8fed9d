// Package memstore keeps members, ledgers, referrals, vehicles and reservations in memory.
// It is the shared test double behind the orchestrator, HTTP and gRPC tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/referral"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/reservation"
)

type memberRecord struct {
	account       member.Member
	ledgerVersion int64
}

// Store implements every persistence port of the engine behind a single mutex.
type Store struct {
	mutex         sync.Mutex
	members       map[string]*memberRecord
	emails        map[string]string
	inviteCodes   map[string]string
	transactions  []loyalty.Transaction
	relationships map[string]referral.Relationship
	vehicles      map[string]pricing.Vehicle
	reservations  map[string]reservation.Reservation
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		members:       map[string]*memberRecord{},
		emails:        map[string]string{},
		inviteCodes:   map[string]string{},
		relationships: map[string]referral.Relationship{},
		vehicles:      map[string]pricing.Vehicle{},
		reservations:  map[string]reservation.Reservation{},
	}
}

// CreateMember inserts a new member with an empty ledger.
func (store *Store) CreateMember(_ context.Context, account member.Member) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.members[account.ID.String()]; exists {
		return fmt.Errorf("%w: %s", member.ErrMemberExists, account.ID.String())
	}
	if _, exists := store.emails[account.Email]; exists {
		return fmt.Errorf("%w: email %s", member.ErrMemberExists, account.Email)
	}
	if _, exists := store.inviteCodes[account.InviteCode.String()]; exists {
		return fmt.Errorf("%w: %s", member.ErrInviteCodeTaken, account.InviteCode.String())
	}
	stored := cloneMember(account)
	stored.PointsBalance = 0
	store.members[account.ID.String()] = &memberRecord{account: stored}
	store.emails[account.Email] = account.ID.String()
	store.inviteCodes[account.InviteCode.String()] = account.ID.String()
	return nil
}

// GetMember returns a copy of the stored member.
func (store *Store) GetMember(_ context.Context, memberID member.ID) (member.Member, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.members[memberID.String()]
	if !ok {
		return member.Member{}, fmt.Errorf("%w: %s", member.ErrUnknownMember, memberID.String())
	}
	return cloneMember(record.account), nil
}

// UpdateLicense replaces a member's license.
func (store *Store) UpdateLicense(_ context.Context, memberID member.ID, license *member.DriverLicense) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.members[memberID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", member.ErrUnknownMember, memberID.String())
	}
	if license == nil {
		record.account.License = nil
		return nil
	}
	licenseCopy := *license
	record.account.License = &licenseCopy
	return nil
}

// UpdateMembership sets a member's tier.
func (store *Store) UpdateMembership(_ context.Context, memberID member.ID, membership member.MembershipType) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.members[memberID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", member.ErrUnknownMember, memberID.String())
	}
	record.account.MembershipType = membership
	return nil
}

// ListMemberIDs returns every member id in a stable order.
func (store *Store) ListMemberIDs(_ context.Context) ([]member.ID, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	ids := make([]member.ID, 0, len(store.members))
	for _, record := range store.members {
		ids = append(ids, record.account.ID)
	}
	sort.Slice(ids, func(left, right int) bool { return ids[left].String() < ids[right].String() })
	return ids, nil
}

// WithTx runs fn directly; every method already holds the store mutex.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	return fn(ctx, store)
}

// LoadLedger returns the cached balance and version.
func (store *Store) LoadLedger(_ context.Context, memberID member.ID) (loyalty.LedgerState, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.members[memberID.String()]
	if !ok {
		return loyalty.LedgerState{}, fmt.Errorf("%w: %s", member.ErrUnknownMember, memberID.String())
	}
	return loyalty.LedgerState{Version: record.ledgerVersion, Balance: loyalty.Points(record.account.PointsBalance)}, nil
}

// FindTransaction looks up a transaction by its member-scoped key.
func (store *Store) FindTransaction(_ context.Context, memberID member.ID, key loyalty.IdempotencyKey) (loyalty.Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, transaction := range store.transactions {
		if transaction.MemberID == memberID && transaction.IdempotencyKey == key {
			return transaction, nil
		}
	}
	return loyalty.Transaction{}, loyalty.ErrUnknownTransaction
}

// AppendTransaction writes the entry and moves the cached balance when expectedVersion matches.
func (store *Store) AppendTransaction(_ context.Context, transaction loyalty.Transaction, expectedVersion int64) (loyalty.LedgerState, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.members[transaction.MemberID.String()]
	if !ok {
		return loyalty.LedgerState{}, fmt.Errorf("%w: %s", member.ErrUnknownMember, transaction.MemberID.String())
	}
	for _, existing := range store.transactions {
		if existing.MemberID == transaction.MemberID && existing.IdempotencyKey == transaction.IdempotencyKey {
			return loyalty.LedgerState{}, loyalty.ErrDuplicateIdempotencyKey
		}
	}
	if record.ledgerVersion != expectedVersion {
		return loyalty.LedgerState{}, loyalty.ErrLedgerConflict
	}
	store.transactions = append(store.transactions, transaction)
	record.ledgerVersion++
	record.account.PointsBalance = store.sumLocked(transaction.MemberID).Int64()
	return loyalty.LedgerState{Version: record.ledgerVersion, Balance: loyalty.Points(record.account.PointsBalance)}, nil
}

// ListTransactions returns a member's entries newest first, continuing after cursor.
func (store *Store) ListTransactions(_ context.Context, memberID member.ID, cursor loyalty.Cursor, limit int) ([]loyalty.Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var matches []loyalty.Transaction
	for _, transaction := range store.transactions {
		if transaction.MemberID == memberID && cursor.Includes(transaction) {
			matches = append(matches, transaction)
		}
	}
	sort.Slice(matches, func(left, right int) bool {
		if matches[left].CreatedUnixUTC != matches[right].CreatedUnixUTC {
			return matches[left].CreatedUnixUTC > matches[right].CreatedUnixUTC
		}
		return matches[left].TransactionID > matches[right].TransactionID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// SumTransactions adds up a member's ledger.
func (store *Store) SumTransactions(_ context.Context, memberID member.ID) (loyalty.Points, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.sumLocked(memberID), nil
}

func (store *Store) sumLocked(memberID member.ID) loyalty.Points {
	var total loyalty.Points
	for _, transaction := range store.transactions {
		if transaction.MemberID == memberID {
			total += transaction.Amount
		}
	}
	return total
}

// FindMemberByInviteCode resolves an invite code to its owner.
func (store *Store) FindMemberByInviteCode(_ context.Context, code member.InviteCode) (member.Member, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	memberID, ok := store.inviteCodes[code.String()]
	if !ok {
		return member.Member{}, fmt.Errorf("%w: %s", referral.ErrUnknownInviteCode, code.String())
	}
	return cloneMember(store.members[memberID].account), nil
}

// FindRelationship returns the relationship recorded for an invitee.
func (store *Store) FindRelationship(_ context.Context, inviteeID member.ID) (referral.Relationship, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	relationship, ok := store.relationships[inviteeID.String()]
	if !ok {
		return referral.Relationship{}, referral.ErrUnknownRelationship
	}
	return relationship, nil
}

// CreateRelationship stores the single relationship an invitee may have and sets InvitedBy.
func (store *Store) CreateRelationship(_ context.Context, relationship referral.Relationship) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.relationships[relationship.InviteeID.String()]; exists {
		return referral.ErrRelationshipExists
	}
	store.relationships[relationship.InviteeID.String()] = relationship
	if record, ok := store.members[relationship.InviteeID.String()]; ok {
		inviterID := relationship.InviterID
		record.account.InvitedBy = &inviterID
	}
	return nil
}

// MarkBonusAwarded flags the relationship once both bonuses exist.
func (store *Store) MarkBonusAwarded(_ context.Context, inviteeID member.ID) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	relationship, ok := store.relationships[inviteeID.String()]
	if !ok {
		return referral.ErrUnknownRelationship
	}
	relationship.BonusAwarded = true
	store.relationships[inviteeID.String()] = relationship
	return nil
}

// UpsertVehicle adds or replaces a catalog entry.
func (store *Store) UpsertVehicle(_ context.Context, vehicle pricing.Vehicle) error {
	if err := vehicle.Validate(); err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.vehicles[vehicle.ID] = vehicle
	return nil
}

// GetVehicle resolves a catalog entry.
func (store *Store) GetVehicle(_ context.Context, vehicleID string) (pricing.Vehicle, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	vehicle, ok := store.vehicles[vehicleID]
	if !ok {
		return pricing.Vehicle{}, fmt.Errorf("%w: %s", reservation.ErrUnknownVehicle, vehicleID)
	}
	return vehicle, nil
}

// ListVehicles returns the catalog ordered by id.
func (store *Store) ListVehicles(_ context.Context) ([]pricing.Vehicle, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	vehicles := make([]pricing.Vehicle, 0, len(store.vehicles))
	for _, vehicle := range store.vehicles {
		vehicles = append(vehicles, vehicle)
	}
	sort.Slice(vehicles, func(left, right int) bool { return vehicles[left].ID < vehicles[right].ID })
	return vehicles, nil
}

// CreateReservation stores a confirmed reservation and appends it to the member's history.
func (store *Store) CreateReservation(_ context.Context, confirmed reservation.Reservation) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.reservations[confirmed.ID]; exists {
		return fmt.Errorf("%w: %s", reservation.ErrReservationExists, confirmed.ID)
	}
	store.reservations[confirmed.ID] = confirmed.Snapshot()
	if record, ok := store.members[confirmed.MemberID]; ok {
		record.account.ReservationHistory = append(record.account.ReservationHistory, confirmed.ID)
	}
	return nil
}

// GetReservation returns a copy of a stored reservation.
func (store *Store) GetReservation(_ context.Context, reservationID string) (reservation.Reservation, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stored, ok := store.reservations[reservationID]
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("%w: %s", reservation.ErrUnknownReservation, reservationID)
	}
	return stored.Snapshot(), nil
}

// MarkPointsRecorded links the earn transaction to its reservation.
func (store *Store) MarkPointsRecorded(_ context.Context, reservationID string, transactionID string, points int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stored, ok := store.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", reservation.ErrUnknownReservation, reservationID)
	}
	stored.PointsRecorded = true
	stored.EarnTransactionID = transactionID
	stored.EarnedPoints = points
	store.reservations[reservationID] = stored
	return nil
}

// MarkSuperseded links a corrected reservation to its replacement.
func (store *Store) MarkSuperseded(_ context.Context, reservationID string, supersededByID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stored, ok := store.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", reservation.ErrUnknownReservation, reservationID)
	}
	if stored.SupersededByID != "" && stored.SupersededByID != supersededByID {
		return fmt.Errorf("%w: by %s", reservation.ErrAlreadySuperseded, stored.SupersededByID)
	}
	stored.SupersededByID = supersededByID
	store.reservations[reservationID] = stored
	return nil
}

// ListPendingPoints returns confirmed, unsuperseded reservations without recorded points.
func (store *Store) ListPendingPoints(_ context.Context, limit int) ([]reservation.Reservation, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var pending []reservation.Reservation
	for _, stored := range store.reservations {
		if stored.State == reservation.StateConfirmed && !stored.PointsRecorded && stored.SupersededByID == "" {
			pending = append(pending, stored.Snapshot())
		}
	}
	sort.Slice(pending, func(left, right int) bool {
		if pending[left].ConfirmedUnixUTC == pending[right].ConfirmedUnixUTC {
			return pending[left].ID < pending[right].ID
		}
		return pending[left].ConfirmedUnixUTC < pending[right].ConfirmedUnixUTC
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func cloneMember(account member.Member) member.Member {
	clone := account
	if account.InvitedBy != nil {
		inviterID := *account.InvitedBy
		clone.InvitedBy = &inviterID
	}
	if account.License != nil {
		license := *account.License
		clone.License = &license
	}
	clone.ReservationHistory = append([]string(nil), account.ReservationHistory...)
	return clone
}
