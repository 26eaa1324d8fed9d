// Package member defines loyalty account holders and their driver-license records.
package member

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
	"github.com/google/uuid"
)

// Domain-level error values for members.
var (
	ErrInvalidMemberID           = errors.New("invalid member id")
	ErrInvalidInviteCode         = errors.New("invalid invite code")
	ErrInvalidMembershipType     = errors.New("invalid membership type")
	ErrInvalidVerificationStatus = errors.New("invalid verification status")
	ErrInvalidLicense            = errors.New("invalid driver license")
	ErrUnknownMember             = errors.New("unknown member")
	ErrMemberExists              = errors.New("member already exists")
	ErrInviteCodeTaken           = errors.New("invite code already taken")
)

const (
	inviteCodeLength   = 8
	inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ID identifies a member.
type ID struct {
	value string
}

// NewID validates and normalizes a member id.
func NewID(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ID{}, fmt.Errorf("%w: empty value", ErrInvalidMemberID)
	}
	return ID{value: trimmed}, nil
}

// GenerateID returns a fresh random member id.
func GenerateID() ID {
	return ID{value: uuid.NewString()}
}

// String returns the normalized identifier.
func (id ID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id.value == ""
}

// InviteCode is the shareable referral code of a member.
type InviteCode struct {
	value string
}

// NewInviteCode validates and upper-cases a code.
func NewInviteCode(raw string) (InviteCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return InviteCode{}, fmt.Errorf("%w: empty value", ErrInvalidInviteCode)
	}
	if len(normalized) != inviteCodeLength {
		return InviteCode{}, fmt.Errorf("%w: expected %d characters", ErrInvalidInviteCode, inviteCodeLength)
	}
	for _, character := range normalized {
		if !strings.ContainsRune(inviteCodeAlphabet, character) {
			return InviteCode{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidInviteCode, character)
		}
	}
	return InviteCode{value: normalized}, nil
}

// GenerateInviteCode draws a random code from an alphabet without look-alike characters.
func GenerateInviteCode() (InviteCode, error) {
	raw := make([]byte, inviteCodeLength)
	if _, err := rand.Read(raw); err != nil {
		return InviteCode{}, fmt.Errorf("invite code entropy: %w", err)
	}
	code := make([]byte, inviteCodeLength)
	for index, value := range raw {
		code[index] = inviteCodeAlphabet[int(value)%len(inviteCodeAlphabet)]
	}
	return InviteCode{value: string(code)}, nil
}

// String returns the normalized code.
func (code InviteCode) String() string {
	return code.value
}

// MembershipType selects the loyalty earn multiplier.
type MembershipType string

const (
	MembershipRegular MembershipType = "regular"
	MembershipPremium MembershipType = "premium"
)

// ParseMembershipType validates a membership identifier; empty means regular.
func ParseMembershipType(raw string) (MembershipType, error) {
	membership := MembershipType(strings.ToLower(strings.TrimSpace(raw)))
	switch membership {
	case "":
		return MembershipRegular, nil
	case MembershipRegular, MembershipPremium:
		return membership, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMembershipType, raw)
	}
}

// EarnMultiplier scales earned points.
func (membership MembershipType) EarnMultiplier() int64 {
	if membership == MembershipPremium {
		return 2
	}
	return 1
}

// VerificationStatus is the review state of a driver license.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// ParseVerificationStatus validates a status identifier.
func ParseVerificationStatus(raw string) (VerificationStatus, error) {
	status := VerificationStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case VerificationPending, VerificationApproved, VerificationRejected:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVerificationStatus, raw)
	}
}

// DriverLicense is the license record reviewed by staff.
type DriverLicense struct {
	Number             string             `json:"number"`
	ExpiryDate         calendar.Date      `json:"expiry_date"`
	VerificationStatus VerificationStatus `json:"verification_status"`
}

// Validate checks the license record.
func (license DriverLicense) Validate() error {
	if strings.TrimSpace(license.Number) == "" {
		return fmt.Errorf("%w: empty number", ErrInvalidLicense)
	}
	if license.ExpiryDate.IsZero() {
		return fmt.Errorf("%w: missing expiry date", ErrInvalidLicense)
	}
	if _, err := ParseVerificationStatus(string(license.VerificationStatus)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLicense, err)
	}
	return nil
}

// Member is a loyalty account holder. PointsBalance mirrors the ledger sum and is never written directly.
type Member struct {
	ID                 ID
	Name               string
	Email              string
	Phone              string
	InviteCode         InviteCode
	InvitedBy          *ID
	MembershipType     MembershipType
	License            *DriverLicense
	PointsBalance      int64
	ReservationHistory []string
	JoinedUnixUTC      int64
}
