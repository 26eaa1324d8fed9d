// Package registration creates members and grants their sign-up bonuses.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/validation"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/referral"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const inviteCodeAttempts = 5

// ErrInvalidRegistrarConfig is returned when a dependency is missing.
var ErrInvalidRegistrarConfig = errors.New("invalid registrar config")

// ValidationError lists the failing registration fields.
type ValidationError = validation.Error

// LicenseData is the optional license submitted with a registration.
type LicenseData struct {
	Number     string `json:"number" validate:"required,notblank,max=32"`
	ExpiryDate string `json:"expiry_date" validate:"required,isodate"`
}

// Data is the registration form. MemberID is set when the identity provider already assigned one.
// Every self-registered member starts on the regular tier; premium is granted by an operator.
type Data struct {
	MemberID string       `json:"member_id" validate:"omitempty,max=128"`
	Name     string       `json:"name" validate:"required,notblank,max=100"`
	Email    string       `json:"email" validate:"required,email,max=254"`
	Phone    string       `json:"phone" validate:"required,phone,max=20"`
	License  *LicenseData `json:"license" validate:"omitempty"`
}

// Outcome is the result of RegisterMember.
type Outcome struct {
	Member       member.Member
	WelcomeBonus loyalty.Transaction
	Referral     referral.Result
	Resumed      bool
}

// Store persists members. CreateMember fails with member.ErrMemberExists on a taken id or
// email and member.ErrInviteCodeTaken on an invite code collision.
type Store interface {
	CreateMember(ctx context.Context, account member.Member) error
	GetMember(ctx context.Context, memberID member.ID) (member.Member, error)
	UpdateLicense(ctx context.Context, memberID member.ID, license *member.DriverLicense) error
	UpdateMembership(ctx context.Context, memberID member.ID, membership member.MembershipType) error
}

// WelcomeRecorder grants the welcome bonus.
type WelcomeRecorder interface {
	RecordWelcomeBonus(ctx context.Context, memberID member.ID) (loyalty.Transaction, error)
}

// InviteApplier applies an invite code for a new member.
type InviteApplier interface {
	ApplyInviteCode(ctx context.Context, code string, newMember member.Member) (referral.Result, error)
}

// Registrar runs the registration flow.
type Registrar struct {
	store     Store
	ledger    WelcomeRecorder
	referrals InviteApplier
	validate  *validator.Validate
	nowFn     func() int64
	logger    *zap.Logger
}

// NewRegistrar wires a Registrar.
func NewRegistrar(store Store, ledger WelcomeRecorder, referrals InviteApplier, validate *validator.Validate, now func() int64, logger *zap.Logger) (*Registrar, error) {
	if store == nil || ledger == nil || referrals == nil || validate == nil || now == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidRegistrarConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{store: store, ledger: ledger, referrals: referrals, validate: validate, nowFn: now, logger: logger}, nil
}

// RegisterMember validates the form, persists the member, grants the welcome bonus and
// applies the invite code. Submitting again with the same MemberID resumes the flow; each
// step is idempotent so no bonus is granted twice.
func (registrar *Registrar) RegisterMember(ctx context.Context, data Data, inviteCode string) (Outcome, error) {
	if err := validation.Struct(registrar.validate, data); err != nil {
		return Outcome{}, err
	}
	account, resumed, err := registrar.createOrResume(ctx, data)
	if err != nil {
		return Outcome{}, err
	}
	welcome, err := registrar.ledger.RecordWelcomeBonus(ctx, account.ID)
	if err != nil {
		return Outcome{}, err
	}
	referralResult, err := registrar.referrals.ApplyInviteCode(ctx, strings.TrimSpace(inviteCode), account)
	if err != nil {
		return Outcome{}, err
	}
	refreshed, err := registrar.store.GetMember(ctx, account.ID)
	if err != nil {
		return Outcome{}, err
	}
	registrar.logger.Info("member registered",
		zap.String("member_id", refreshed.ID.String()),
		zap.Bool("resumed", resumed),
		zap.String("referral_outcome", string(referralResult.Outcome)),
	)
	return Outcome{Member: refreshed, WelcomeBonus: welcome, Referral: referralResult, Resumed: resumed}, nil
}

func (registrar *Registrar) createOrResume(ctx context.Context, data Data) (member.Member, bool, error) {
	memberID := member.GenerateID()
	if strings.TrimSpace(data.MemberID) != "" {
		requestedID, err := member.NewID(data.MemberID)
		if err != nil {
			return member.Member{}, false, err
		}
		existing, err := registrar.store.GetMember(ctx, requestedID)
		if err == nil {
			if !strings.EqualFold(existing.Email, strings.TrimSpace(data.Email)) {
				return member.Member{}, false, fmt.Errorf("%w: id registered with another email", member.ErrMemberExists)
			}
			return existing, true, nil
		}
		if !errors.Is(err, member.ErrUnknownMember) {
			return member.Member{}, false, err
		}
		memberID = requestedID
	}

	account, err := registrar.buildMember(memberID, data)
	if err != nil {
		return member.Member{}, false, err
	}
	for attempt := 0; attempt < inviteCodeAttempts; attempt++ {
		code, err := member.GenerateInviteCode()
		if err != nil {
			return member.Member{}, false, err
		}
		account.InviteCode = code
		err = registrar.store.CreateMember(ctx, account)
		if err == nil {
			return account, false, nil
		}
		if !errors.Is(err, member.ErrInviteCodeTaken) {
			return member.Member{}, false, err
		}
	}
	return member.Member{}, false, fmt.Errorf("%w: no free code after %d attempts", member.ErrInviteCodeTaken, inviteCodeAttempts)
}

func (registrar *Registrar) buildMember(memberID member.ID, data Data) (member.Member, error) {
	account := member.Member{
		ID:             memberID,
		Name:           strings.TrimSpace(data.Name),
		Email:          strings.ToLower(strings.TrimSpace(data.Email)),
		Phone:          strings.TrimSpace(data.Phone),
		MembershipType: member.MembershipRegular,
		JoinedUnixUTC:  registrar.nowFn(),
	}
	if data.License != nil {
		expiry, err := calendar.Parse(data.License.ExpiryDate)
		if err != nil {
			return member.Member{}, err
		}
		account.License = &member.DriverLicense{
			Number:             strings.TrimSpace(data.License.Number),
			ExpiryDate:         expiry,
			VerificationStatus: member.VerificationPending,
		}
	}
	return account, nil
}
