// Package gormstore implements every persistence port of the engine on GORM, for SQLite and PostgreSQL.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/eligibility"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/referral"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/reservation"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	indexMemberInviteCode    = "idx_members_invite_code"
	indexTransactionKey      = "idx_point_transactions_member_key"
	columnInviteCode         = "invite_code"
	columnIdempotencyKey     = "idempotency_key"
	emptyJSONObject          = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectMember       = "member"
	errorSubjectLedger       = "ledger"
	errorSubjectTransaction  = "transaction"
	errorSubjectRelationship = "relationship"
	errorSubjectVehicle      = "vehicle"
	errorSubjectReservation  = "reservation"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeSum             = "sum"
	errorCodeUpdate          = "update"
	errorCodeConflict        = "conflict"
	errorCodeEncode          = "encode"
)

// Store implements the loyalty, referral, registration and reservation ports using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// CreateMember inserts a member with an empty ledger.
func (store *Store) CreateMember(ctx context.Context, account member.Member) error {
	model := memberModel(account)
	model.PointsBalance = 0
	model.LedgerVersion = 0
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		if violates(err, indexMemberInviteCode, columnInviteCode) {
			return wrapStoreError(errorSubjectMember, errorCodeDuplicate, member.ErrInviteCodeTaken)
		}
		return wrapStoreError(errorSubjectMember, errorCodeDuplicate, member.ErrMemberExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectMember, errorCodeCreate, err)
	}
	return nil
}

// GetMember loads a member with the ids of its reservations in confirmation order.
func (store *Store) GetMember(ctx context.Context, memberID member.ID) (member.Member, error) {
	var model Member
	err := store.db.WithContext(ctx).Where("member_id = ?", memberID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return member.Member{}, wrapStoreError(errorSubjectMember, errorCodeGet, member.ErrUnknownMember)
	}
	if err != nil {
		return member.Member{}, wrapStoreError(errorSubjectMember, errorCodeGet, err)
	}
	var history []string
	err = store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("member_id = ?", memberID.String()).
		Order("confirmed_at ASC, reservation_id ASC").
		Pluck("reservation_id", &history).Error
	if err != nil {
		return member.Member{}, wrapStoreError(errorSubjectMember, errorCodeList, err)
	}
	account, err := mapMember(model)
	if err != nil {
		return member.Member{}, wrapStoreError(errorSubjectMember, errorCodeInvalid, err)
	}
	account.ReservationHistory = history
	return account, nil
}

// UpdateLicense replaces the license record of a member.
func (store *Store) UpdateLicense(ctx context.Context, memberID member.ID, license *member.DriverLicense) error {
	updates := map[string]any{
		"license_number":             nil,
		"license_expiry_date":        nil,
		"license_verification_state": nil,
	}
	if license != nil {
		if err := license.Validate(); err != nil {
			return wrapStoreError(errorSubjectMember, errorCodeInvalid, err)
		}
		updates["license_number"] = license.Number
		updates["license_expiry_date"] = license.ExpiryDate.String()
		updates["license_verification_state"] = string(license.VerificationStatus)
	}
	result := store.db.WithContext(ctx).Model(&Member{}).Where("member_id = ?", memberID.String()).Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectMember, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectMember, errorCodeUpdate, member.ErrUnknownMember)
	}
	return nil
}

// UpdateMembership sets the membership tier of a member.
func (store *Store) UpdateMembership(ctx context.Context, memberID member.ID, membership member.MembershipType) error {
	result := store.db.WithContext(ctx).Model(&Member{}).Where("member_id = ?", memberID.String()).Update("membership_type", string(membership))
	if result.Error != nil {
		return wrapStoreError(errorSubjectMember, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectMember, errorCodeUpdate, member.ErrUnknownMember)
	}
	return nil
}

// ListMemberIDs returns every member id ordered by id.
func (store *Store) ListMemberIDs(ctx context.Context) ([]member.ID, error) {
	var rawIDs []string
	if err := store.db.WithContext(ctx).Model(&Member{}).Order("member_id ASC").Pluck("member_id", &rawIDs).Error; err != nil {
		return nil, wrapStoreError(errorSubjectMember, errorCodeList, err)
	}
	ids := make([]member.ID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		memberID, err := member.NewID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMember, errorCodeInvalid, err)
		}
		ids = append(ids, memberID)
	}
	return ids, nil
}

// LoadLedger returns the cached balance and its version.
func (store *Store) LoadLedger(ctx context.Context, memberID member.ID) (loyalty.LedgerState, error) {
	var model Member
	err := store.db.WithContext(ctx).
		Select("points_balance", "ledger_version").
		Where("member_id = ?", memberID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeGet, member.ErrUnknownMember)
	}
	if err != nil {
		return loyalty.LedgerState{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	return loyalty.LedgerState{Version: model.LedgerVersion, Balance: loyalty.Points(model.PointsBalance)}, nil
}

// FindTransaction looks up an entry by its member-scoped idempotency key.
func (store *Store) FindTransaction(ctx context.Context, memberID member.ID, key loyalty.IdempotencyKey) (loyalty.Transaction, error) {
	var row PointTransaction
	err := store.db.WithContext(ctx).
		Where("member_id = ? AND idempotency_key = ?", memberID.String(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.Transaction{}, loyalty.ErrUnknownTransaction
	}
	if err != nil {
		return loyalty.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return loyalty.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// AppendTransaction inserts the entry and advances the member's ledger version only when it
// still equals expectedVersion. The cached balance is then reset to the ledger sum inside
// the same transaction.
func (store *Store) AppendTransaction(ctx context.Context, transaction loyalty.Transaction, expectedVersion int64) (loyalty.LedgerState, error) {
	var state loyalty.LedgerState
	memberID := transaction.MemberID.String()
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Member{}).
			Where("member_id = ? AND ledger_version = ?", memberID, expectedVersion).
			Update("ledger_version", gorm.Expr("ledger_version + 1"))
		if result.Error != nil {
			return wrapStoreError(errorSubjectLedger, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&Member{}).Where("member_id = ?", memberID).Count(&count).Error; err != nil {
				return wrapStoreError(errorSubjectLedger, errorCodeLookup, err)
			}
			if count == 0 {
				return wrapStoreError(errorSubjectLedger, errorCodeGet, member.ErrUnknownMember)
			}
			return wrapStoreError(errorSubjectLedger, errorCodeConflict, loyalty.ErrLedgerConflict)
		}
		row := transactionModel(transaction)
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) && violates(err, indexTransactionKey, columnIdempotencyKey) {
				return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, loyalty.ErrDuplicateIdempotencyKey)
			}
			return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
		}
		ledgerSum := tx.Model(&PointTransaction{}).Select("coalesce(sum(amount),0)").Where("member_id = ?", memberID)
		err := tx.Model(&Member{}).Where("member_id = ?", memberID).Update("points_balance", ledgerSum).Error
		if err != nil {
			return wrapStoreError(errorSubjectLedger, errorCodeSum, err)
		}
		var model Member
		if err := tx.Select("points_balance", "ledger_version").Where("member_id = ?", memberID).Take(&model).Error; err != nil {
			return wrapStoreError(errorSubjectLedger, errorCodeGet, err)
		}
		state = loyalty.LedgerState{Version: model.LedgerVersion, Balance: loyalty.Points(model.PointsBalance)}
		return nil
	})
	if err != nil {
		return loyalty.LedgerState{}, err
	}
	return state, nil
}

// ListTransactions returns entries newest first, continuing after cursor.
func (store *Store) ListTransactions(ctx context.Context, memberID member.ID, cursor loyalty.Cursor, limit int) ([]loyalty.Transaction, error) {
	query := store.db.WithContext(ctx).Where("member_id = ?", memberID.String())
	if !cursor.IsZero() {
		before := time.Unix(cursor.BeforeUnixUTC, 0).UTC()
		query = query.Where("created_at < ? OR (created_at = ? AND transaction_id < ?)", before, before, cursor.BeforeTransactionID)
	}
	var rows []PointTransaction
	err := query.Order("created_at DESC, transaction_id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]loyalty.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// SumTransactions adds up every entry of a member.
func (store *Store) SumTransactions(ctx context.Context, memberID member.ID) (loyalty.Points, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("member_id = ?", memberID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectLedger, errorCodeSum, err)
	}
	return loyalty.Points(sum.Total), nil
}

// FindMemberByInviteCode resolves the owner of an invite code.
func (store *Store) FindMemberByInviteCode(ctx context.Context, code member.InviteCode) (member.Member, error) {
	var model Member
	err := store.db.WithContext(ctx).Where("invite_code = ?", code.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return member.Member{}, wrapStoreError(errorSubjectMember, errorCodeLookup, referral.ErrUnknownInviteCode)
	}
	if err != nil {
		return member.Member{}, wrapStoreError(errorSubjectMember, errorCodeLookup, err)
	}
	account, err := mapMember(model)
	if err != nil {
		return member.Member{}, wrapStoreError(errorSubjectMember, errorCodeInvalid, err)
	}
	return account, nil
}

// FindRelationship returns the relationship of an invitee.
func (store *Store) FindRelationship(ctx context.Context, inviteeID member.ID) (referral.Relationship, error) {
	var row InviteRelationship
	err := store.db.WithContext(ctx).Where("invitee_id = ?", inviteeID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return referral.Relationship{}, referral.ErrUnknownRelationship
	}
	if err != nil {
		return referral.Relationship{}, wrapStoreError(errorSubjectRelationship, errorCodeGet, err)
	}
	inviterID, err := member.NewID(row.InviterID)
	if err != nil {
		return referral.Relationship{}, wrapStoreError(errorSubjectRelationship, errorCodeInvalid, err)
	}
	parsedInviteeID, err := member.NewID(row.InviteeID)
	if err != nil {
		return referral.Relationship{}, wrapStoreError(errorSubjectRelationship, errorCodeInvalid, err)
	}
	return referral.Relationship{
		InviterID:      inviterID,
		InviteeID:      parsedInviteeID,
		BonusAwarded:   row.BonusAwarded,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

// CreateRelationship stores the invitee's only relationship and records InvitedBy.
func (store *Store) CreateRelationship(ctx context.Context, relationship referral.Relationship) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := InviteRelationship{
			InviteeID: relationship.InviteeID.String(),
			InviterID: relationship.InviterID.String(),
			CreatedAt: unixOrNow(relationship.CreatedUnixUTC),
		}
		err := tx.Create(&row).Error
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectRelationship, errorCodeDuplicate, referral.ErrRelationshipExists)
		}
		if err != nil {
			return wrapStoreError(errorSubjectRelationship, errorCodeCreate, err)
		}
		inviterID := relationship.InviterID.String()
		err = tx.Model(&Member{}).Where("member_id = ?", relationship.InviteeID.String()).Update("invited_by", &inviterID).Error
		if err != nil {
			return wrapStoreError(errorSubjectMember, errorCodeUpdate, err)
		}
		return nil
	})
}

// MarkBonusAwarded flags the relationship once both bonuses exist.
func (store *Store) MarkBonusAwarded(ctx context.Context, inviteeID member.ID) error {
	result := store.db.WithContext(ctx).
		Model(&InviteRelationship{}).
		Where("invitee_id = ?", inviteeID.String()).
		Update("bonus_awarded", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectRelationship, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRelationship, errorCodeUpdate, referral.ErrUnknownRelationship)
	}
	return nil
}

// UpsertVehicle adds or replaces a catalog entry.
func (store *Store) UpsertVehicle(ctx context.Context, vehicle pricing.Vehicle) error {
	if err := vehicle.Validate(); err != nil {
		return wrapStoreError(errorSubjectVehicle, errorCodeInvalid, err)
	}
	model := Vehicle{
		VehicleID:          vehicle.ID,
		Name:               vehicle.Name,
		Category:           string(vehicle.Category),
		DailyRate:          vehicle.DailyRate.Int64(),
		InsuranceDailyRate: vehicle.InsuranceDailyRate.Int64(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vehicle_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "category", "daily_rate", "insurance_daily_rate"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectVehicle, errorCodeCreate, err)
	}
	return nil
}

// GetVehicle resolves a catalog entry.
func (store *Store) GetVehicle(ctx context.Context, vehicleID string) (pricing.Vehicle, error) {
	var model Vehicle
	err := store.db.WithContext(ctx).Where("vehicle_id = ?", vehicleID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pricing.Vehicle{}, wrapStoreError(errorSubjectVehicle, errorCodeGet, reservation.ErrUnknownVehicle)
	}
	if err != nil {
		return pricing.Vehicle{}, wrapStoreError(errorSubjectVehicle, errorCodeGet, err)
	}
	return mapVehicle(model), nil
}

// ListVehicles returns the catalog ordered by id.
func (store *Store) ListVehicles(ctx context.Context) ([]pricing.Vehicle, error) {
	var rows []Vehicle
	if err := store.db.WithContext(ctx).Order("vehicle_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectVehicle, errorCodeList, err)
	}
	vehicles := make([]pricing.Vehicle, 0, len(rows))
	for _, row := range rows {
		vehicles = append(vehicles, mapVehicle(row))
	}
	return vehicles, nil
}

// CreateReservation stores a confirmed reservation with its frozen breakdown.
func (store *Store) CreateReservation(ctx context.Context, confirmed reservation.Reservation) error {
	model, err := reservationModel(confirmed)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeEncode, err)
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, reservation.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

// GetReservation loads a stored reservation.
func (store *Store) GetReservation(ctx context.Context, reservationID string) (reservation.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).Where("reservation_id = ?", reservationID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reservation.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, reservation.ErrUnknownReservation)
	}
	if err != nil {
		return reservation.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	stored, err := mapReservation(model)
	if err != nil {
		return reservation.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return stored, nil
}

// MarkPointsRecorded links the earn transaction to its reservation.
func (store *Store) MarkPointsRecorded(ctx context.Context, reservationID string, transactionID string, points int64) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ?", reservationID).
		Updates(map[string]any{
			"points_recorded":     true,
			"earned_points":       points,
			"earn_transaction_id": transactionID,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, reservation.ErrUnknownReservation)
	}
	return nil
}

// MarkSuperseded links a corrected reservation to its replacement once.
func (store *Store) MarkSuperseded(ctx context.Context, reservationID string, supersededByID string) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND (superseded_by_id IS NULL OR superseded_by_id = ?)", reservationID, supersededByID).
		Update("superseded_by_id", supersededByID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&Reservation{}).Where("reservation_id = ?", reservationID).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeLookup, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, reservation.ErrUnknownReservation)
	}
	return wrapStoreError(errorSubjectReservation, errorCodeUpdate, reservation.ErrAlreadySuperseded)
}

// ListPendingPoints returns confirmed, unsuperseded reservations whose earn is missing.
func (store *Store) ListPendingPoints(ctx context.Context, limit int) ([]reservation.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("state = ? AND points_recorded = ? AND superseded_by_id IS NULL", string(reservation.StateConfirmed), false).
		Order("confirmed_at ASC, reservation_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	pending := make([]reservation.Reservation, 0, len(rows))
	for _, row := range rows {
		stored, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		pending = append(pending, stored)
	}
	return pending, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return loyalty.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func memberModel(account member.Member) Member {
	model := Member{
		MemberID:       account.ID.String(),
		Name:           account.Name,
		Email:          account.Email,
		Phone:          account.Phone,
		InviteCode:     account.InviteCode.String(),
		MembershipType: string(account.MembershipType),
		PointsBalance:  account.PointsBalance,
		JoinedAt:       unixOrNow(account.JoinedUnixUTC),
	}
	if account.InvitedBy != nil {
		inviterID := account.InvitedBy.String()
		model.InvitedBy = &inviterID
	}
	if account.License != nil {
		number := account.License.Number
		expiry := account.License.ExpiryDate.String()
		status := string(account.License.VerificationStatus)
		model.LicenseNumber = &number
		model.LicenseExpiryDate = &expiry
		model.LicenseVerificationState = &status
	}
	return model
}

func mapMember(model Member) (member.Member, error) {
	memberID, err := member.NewID(model.MemberID)
	if err != nil {
		return member.Member{}, err
	}
	inviteCode, err := member.NewInviteCode(model.InviteCode)
	if err != nil {
		return member.Member{}, err
	}
	membership, err := member.ParseMembershipType(model.MembershipType)
	if err != nil {
		return member.Member{}, err
	}
	account := member.Member{
		ID:             memberID,
		Name:           model.Name,
		Email:          model.Email,
		Phone:          model.Phone,
		InviteCode:     inviteCode,
		MembershipType: membership,
		PointsBalance:  model.PointsBalance,
		JoinedUnixUTC:  model.JoinedAt.Unix(),
	}
	if model.InvitedBy != nil {
		inviterID, err := member.NewID(*model.InvitedBy)
		if err != nil {
			return member.Member{}, err
		}
		account.InvitedBy = &inviterID
	}
	if model.LicenseNumber != nil && model.LicenseExpiryDate != nil && model.LicenseVerificationState != nil {
		expiry, err := calendar.Parse(*model.LicenseExpiryDate)
		if err != nil {
			return member.Member{}, err
		}
		status, err := member.ParseVerificationStatus(*model.LicenseVerificationState)
		if err != nil {
			return member.Member{}, err
		}
		account.License = &member.DriverLicense{Number: *model.LicenseNumber, ExpiryDate: expiry, VerificationStatus: status}
	}
	return account, nil
}

func transactionModel(transaction loyalty.Transaction) PointTransaction {
	row := PointTransaction{
		TransactionID:  transaction.TransactionID,
		MemberID:       transaction.MemberID.String(),
		IdempotencyKey: transaction.IdempotencyKey.String(),
		Type:           string(transaction.Type),
		Amount:         transaction.Amount.Int64(),
		Reason:         transaction.Reason,
		CreatedAt:      unixOrNow(transaction.CreatedUnixUTC),
	}
	if transaction.RelatedReservationID != "" {
		reservationID := transaction.RelatedReservationID
		row.ReservationID = &reservationID
	}
	return row
}

func mapTransaction(row PointTransaction) (loyalty.Transaction, error) {
	memberID, err := member.NewID(row.MemberID)
	if err != nil {
		return loyalty.Transaction{}, err
	}
	transactionType, err := loyalty.ParseTransactionType(row.Type)
	if err != nil {
		return loyalty.Transaction{}, err
	}
	key, err := loyalty.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return loyalty.Transaction{}, err
	}
	var reservationID *loyalty.ReservationID
	if row.ReservationID != nil {
		parsed, err := loyalty.NewReservationID(*row.ReservationID)
		if err != nil {
			return loyalty.Transaction{}, err
		}
		reservationID = &parsed
	}
	return loyalty.NewTransaction(row.TransactionID, memberID, transactionType, loyalty.Points(row.Amount), row.Reason, reservationID, key, row.CreatedAt.Unix())
}

func mapVehicle(model Vehicle) pricing.Vehicle {
	return pricing.Vehicle{
		ID:                 model.VehicleID,
		Name:               model.Name,
		Category:           pricing.VehicleCategory(model.Category),
		DailyRate:          pricing.Yen(model.DailyRate),
		InsuranceDailyRate: pricing.Yen(model.InsuranceDailyRate),
	}
}

func reservationModel(confirmed reservation.Reservation) (Reservation, error) {
	if confirmed.Breakdown == nil {
		return Reservation{}, errors.New("confirmed reservation without breakdown")
	}
	request, err := json.Marshal(confirmed.Request)
	if err != nil {
		return Reservation{}, err
	}
	insurance, err := json.Marshal(confirmed.Insurance)
	if err != nil {
		return Reservation{}, err
	}
	decision := datatypes.JSON([]byte(emptyJSONObject))
	if confirmed.Eligibility != nil {
		decision, err = json.Marshal(confirmed.Eligibility)
		if err != nil {
			return Reservation{}, err
		}
	}
	breakdown, err := json.Marshal(confirmed.Breakdown)
	if err != nil {
		return Reservation{}, err
	}
	model := Reservation{
		ReservationID:     confirmed.ID,
		MemberID:          confirmed.MemberID,
		VehicleID:         confirmed.VehicleID,
		StartDate:         confirmed.DateRange.Start.String(),
		EndDate:           confirmed.DateRange.End.String(),
		Plan:              string(confirmed.Plan),
		State:             string(confirmed.State),
		Request:           datatypes.JSON(request),
		Insurance:         datatypes.JSON(insurance),
		Eligibility:       decision,
		Breakdown:         datatypes.JSON(breakdown),
		SupersedesID:      optionalString(confirmed.SupersedesID),
		SupersededByID:    optionalString(confirmed.SupersededByID),
		PointsRecorded:    confirmed.PointsRecorded,
		EarnedPoints:      confirmed.EarnedPoints,
		EarnTransactionID: confirmed.EarnTransactionID,
		ConfirmedAt:       unixOrNow(confirmed.ConfirmedUnixUTC),
	}
	return model, nil
}

func mapReservation(model Reservation) (reservation.Reservation, error) {
	start, err := calendar.Parse(model.StartDate)
	if err != nil {
		return reservation.Reservation{}, err
	}
	end, err := calendar.Parse(model.EndDate)
	if err != nil {
		return reservation.Reservation{}, err
	}
	plan, err := pricing.ParsePlan(model.Plan)
	if err != nil {
		return reservation.Reservation{}, err
	}
	stored := reservation.Reservation{
		ID:                model.ReservationID,
		State:             reservation.State(model.State),
		MemberID:          model.MemberID,
		VehicleID:         model.VehicleID,
		DateRange:         pricing.DateRange{Start: start, End: end},
		Plan:              plan,
		SupersedesID:      valueOrEmpty(model.SupersedesID),
		SupersededByID:    valueOrEmpty(model.SupersededByID),
		ConfirmedUnixUTC:  model.ConfirmedAt.Unix(),
		PointsRecorded:    model.PointsRecorded,
		EarnedPoints:      model.EarnedPoints,
		EarnTransactionID: model.EarnTransactionID,
	}
	if err := json.Unmarshal(model.Request, &stored.Request); err != nil {
		return reservation.Reservation{}, err
	}
	if err := json.Unmarshal(model.Insurance, &stored.Insurance); err != nil {
		return reservation.Reservation{}, err
	}
	if strings.TrimSpace(string(model.Eligibility)) != emptyJSONObject {
		var decision eligibility.Decision
		if err := json.Unmarshal(model.Eligibility, &decision); err != nil {
			return reservation.Reservation{}, err
		}
		stored.Eligibility = &decision
	}
	var breakdown pricing.PriceBreakdown
	if err := json.Unmarshal(model.Breakdown, &breakdown); err != nil {
		return reservation.Reservation{}, err
	}
	stored.Breakdown = &breakdown
	return stored, nil
}

func unixOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// violates reports whether a unique violation names the index (postgres) or column (sqlite).
func violates(err error, indexName string, columnName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == indexName
	}
	return strings.Contains(err.Error(), "."+columnName)
}
