package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Member represents the members table. PointsBalance and LedgerVersion cache the ledger.
type Member struct {
	MemberID                 string    `gorm:"primaryKey"`
	Name                     string    `gorm:"not null"`
	Email                    string    `gorm:"not null;uniqueIndex:idx_members_email"`
	Phone                    string    `gorm:"not null"`
	InviteCode               string    `gorm:"not null;uniqueIndex:idx_members_invite_code"`
	InvitedBy                *string   `gorm:"index"`
	MembershipType           string    `gorm:"not null"`
	LicenseNumber            *string   `gorm:"size:32"`
	LicenseExpiryDate        *string   `gorm:"size:10"`
	LicenseVerificationState *string   `gorm:"size:16"`
	PointsBalance            int64     `gorm:"not null;default:0"`
	LedgerVersion            int64     `gorm:"not null;default:0"`
	JoinedAt                 time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "members" }

// PointTransaction mirrors the point_transactions table.
type PointTransaction struct {
	TransactionID  string    `gorm:"primaryKey"`
	MemberID       string    `gorm:"not null;uniqueIndex:idx_point_transactions_member_key,priority:1;index:idx_point_transactions_member_created,priority:1"`
	IdempotencyKey string    `gorm:"not null;uniqueIndex:idx_point_transactions_member_key,priority:2"`
	Type           string    `gorm:"not null"`
	Amount         int64     `gorm:"not null"`
	Reason         string    `gorm:"not null"`
	ReservationID  *string   `gorm:"index"`
	CreatedAt      time.Time `gorm:"not null;index:idx_point_transactions_member_created,priority:2"`
}

func (PointTransaction) TableName() string { return "point_transactions" }

func (transaction *PointTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// InviteRelationship mirrors the invite_relationships table; one row per invitee.
type InviteRelationship struct {
	InviteeID    string    `gorm:"primaryKey"`
	InviterID    string    `gorm:"not null;index"`
	BonusAwarded bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (InviteRelationship) TableName() string { return "invite_relationships" }

// Vehicle mirrors the vehicles table.
type Vehicle struct {
	VehicleID          string `gorm:"primaryKey"`
	Name               string `gorm:"not null"`
	Category           string `gorm:"not null"`
	DailyRate          int64  `gorm:"not null"`
	InsuranceDailyRate int64  `gorm:"not null"`
}

func (Vehicle) TableName() string { return "vehicles" }

// Reservation mirrors the reservations table. Breakdown is the frozen price snapshot.
type Reservation struct {
	ReservationID     string         `gorm:"primaryKey"`
	MemberID          string         `gorm:"not null;index"`
	VehicleID         string         `gorm:"not null"`
	StartDate         string         `gorm:"not null"`
	EndDate           string         `gorm:"not null"`
	Plan              string         `gorm:"not null"`
	State             string         `gorm:"not null"`
	Request           datatypes.JSON `gorm:"not null"`
	Insurance         datatypes.JSON `gorm:"not null"`
	Eligibility       datatypes.JSON `gorm:"not null"`
	Breakdown         datatypes.JSON `gorm:"not null"`
	SupersedesID      *string        `gorm:"index"`
	SupersededByID    *string        `gorm:"index"`
	PointsRecorded    bool           `gorm:"not null;default:false;index:idx_reservations_pending,priority:1"`
	EarnedPoints      int64          `gorm:"not null;default:0"`
	EarnTransactionID string         `gorm:"not null;default:''"`
	ConfirmedAt       time.Time      `gorm:"not null;index:idx_reservations_pending,priority:2"`
}

func (Reservation) TableName() string { return "reservations" }

// Models lists every table for migrations.
func Models() []any {
	return []any{&Member{}, &PointTransaction{}, &InviteRelationship{}, &Vehicle{}, &Reservation{}}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
