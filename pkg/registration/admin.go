package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"go.uber.org/zap"
)

// ErrNoLicense is returned when a review targets a member without a license on file.
var ErrNoLicense = errors.New("member has no license on file")

// ReviewLicense records an operator's verdict on the license a member submitted.
func (registrar *Registrar) ReviewLicense(ctx context.Context, memberID member.ID, status member.VerificationStatus) (member.Member, error) {
	verdict, err := member.ParseVerificationStatus(string(status))
	if err != nil {
		return member.Member{}, err
	}
	account, err := registrar.store.GetMember(ctx, memberID)
	if err != nil {
		return member.Member{}, err
	}
	if account.License == nil {
		return member.Member{}, fmt.Errorf("%w: %s", ErrNoLicense, memberID.String())
	}
	reviewed := *account.License
	reviewed.VerificationStatus = verdict
	if err := registrar.store.UpdateLicense(ctx, memberID, &reviewed); err != nil {
		return member.Member{}, err
	}
	registrar.logger.Info("license reviewed",
		zap.String("member_id", memberID.String()),
		zap.String("previous_status", string(account.License.VerificationStatus)),
		zap.String("status", string(verdict)),
	)
	return registrar.store.GetMember(ctx, memberID)
}

// SetMembership moves a member to another tier. Earn rates apply from the next reservation.
func (registrar *Registrar) SetMembership(ctx context.Context, memberID member.ID, membership member.MembershipType) (member.Member, error) {
	if membership == "" {
		return member.Member{}, fmt.Errorf("%w: empty value", member.ErrInvalidMembershipType)
	}
	tier, err := member.ParseMembershipType(string(membership))
	if err != nil {
		return member.Member{}, err
	}
	if err := registrar.store.UpdateMembership(ctx, memberID, tier); err != nil {
		return member.Member{}, err
	}
	registrar.logger.Info("membership changed",
		zap.String("member_id", memberID.String()),
		zap.String("membership_type", string(tier)),
	)
	return registrar.store.GetMember(ctx, memberID)
}
