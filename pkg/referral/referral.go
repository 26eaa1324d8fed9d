// Package referral credits both sides of an invite exactly once per invitee.
package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"go.uber.org/zap"
)

// Domain-level error values for referrals.
var (
	ErrUnknownInviteCode       = errors.New("unknown invite code")
	ErrUnknownRelationship     = errors.New("unknown invite relationship")
	ErrRelationshipExists      = errors.New("invite relationship already exists")
	ErrInvalidPropagatorConfig = errors.New("invalid referral propagator config")
)

// Outcome names the result of ApplyInviteCode.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeNoCode         Outcome = "no_code"
	OutcomeUnknownCode    Outcome = "unknown_code"
	OutcomeSelfInvite     Outcome = "self_invite"
	OutcomeAlreadyAwarded Outcome = "already_awarded"
)

// Relationship links an inviter to the member who registered with their code.
type Relationship struct {
	InviterID      member.ID
	InviteeID      member.ID
	BonusAwarded   bool
	CreatedUnixUTC int64
}

// Result reports what ApplyInviteCode did. Only an applied outcome carries bonuses.
type Result struct {
	Success      bool
	Outcome      Outcome
	InviterID    *member.ID
	InviterBonus *loyalty.Transaction
	InviteeBonus *loyalty.Transaction
}

// Store persists relationships and resolves invite codes.
type Store interface {
	FindMemberByInviteCode(ctx context.Context, code member.InviteCode) (member.Member, error)
	FindRelationship(ctx context.Context, inviteeID member.ID) (Relationship, error)
	CreateRelationship(ctx context.Context, relationship Relationship) error
	MarkBonusAwarded(ctx context.Context, inviteeID member.ID) error
}

// BonusRecorder appends referral bonus transactions.
type BonusRecorder interface {
	RecordReferralBonus(ctx context.Context, memberID member.ID, inviteeID member.ID, role loyalty.ReferralRole) (loyalty.Transaction, error)
}

// Propagator applies invite codes at registration time.
type Propagator struct {
	store  Store
	ledger BonusRecorder
	nowFn  func() int64
	logger *zap.Logger
}

// NewPropagator wires a Propagator.
func NewPropagator(store Store, ledger BonusRecorder, now func() int64, logger *zap.Logger) (*Propagator, error) {
	if store == nil || ledger == nil || now == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidPropagatorConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{store: store, ledger: ledger, nowFn: now, logger: logger}, nil
}

// ApplyInviteCode resolves the inviter and awards both bonuses. An unknown code is a
// logged no-op. The relationship row is written before the bonuses and flagged once both
// are recorded, so an interrupted call resumes on the next attempt without double credit.
func (propagator *Propagator) ApplyInviteCode(ctx context.Context, rawCode string, newMember member.Member) (Result, error) {
	if rawCode == "" {
		return Result{Outcome: OutcomeNoCode}, nil
	}
	code, err := member.NewInviteCode(rawCode)
	if err != nil {
		propagator.logger.Info("invite code ignored", zap.String("member_id", newMember.ID.String()), zap.String("code", rawCode), zap.Error(err))
		return Result{Outcome: OutcomeUnknownCode}, nil
	}

	relationship, err := propagator.store.FindRelationship(ctx, newMember.ID)
	switch {
	case err == nil:
		if relationship.BonusAwarded {
			propagator.logger.Info("referral bonus already awarded", zap.String("invitee_id", newMember.ID.String()))
			inviterID := relationship.InviterID
			return Result{Outcome: OutcomeAlreadyAwarded, InviterID: &inviterID}, nil
		}
	case errors.Is(err, ErrUnknownRelationship):
		inviter, lookupErr := propagator.store.FindMemberByInviteCode(ctx, code)
		if errors.Is(lookupErr, ErrUnknownInviteCode) || errors.Is(lookupErr, member.ErrUnknownMember) {
			propagator.logger.Info("invite code not found", zap.String("member_id", newMember.ID.String()), zap.String("code", code.String()))
			return Result{Outcome: OutcomeUnknownCode}, nil
		}
		if lookupErr != nil {
			return Result{}, lookupErr
		}
		if inviter.ID == newMember.ID {
			propagator.logger.Info("self invite ignored", zap.String("member_id", newMember.ID.String()))
			return Result{Outcome: OutcomeSelfInvite}, nil
		}
		relationship = Relationship{InviterID: inviter.ID, InviteeID: newMember.ID, CreatedUnixUTC: propagator.nowFn()}
		if createErr := propagator.store.CreateRelationship(ctx, relationship); createErr != nil {
			if !errors.Is(createErr, ErrRelationshipExists) {
				return Result{}, createErr
			}
			// A concurrent registration won the insert; continue with the stored row.
			relationship, err = propagator.store.FindRelationship(ctx, newMember.ID)
			if err != nil {
				return Result{}, err
			}
			if relationship.BonusAwarded {
				inviterID := relationship.InviterID
				return Result{Outcome: OutcomeAlreadyAwarded, InviterID: &inviterID}, nil
			}
		}
	default:
		return Result{}, err
	}

	inviteeBonus, err := propagator.ledger.RecordReferralBonus(ctx, newMember.ID, newMember.ID, loyalty.ReferralRoleInvitee)
	if err != nil {
		return Result{}, err
	}
	inviterBonus, err := propagator.ledger.RecordReferralBonus(ctx, relationship.InviterID, newMember.ID, loyalty.ReferralRoleInviter)
	if err != nil {
		return Result{}, err
	}
	if err := propagator.store.MarkBonusAwarded(ctx, newMember.ID); err != nil {
		return Result{}, err
	}
	propagator.logger.Info("referral bonus awarded",
		zap.String("inviter_id", relationship.InviterID.String()),
		zap.String("invitee_id", newMember.ID.String()),
		zap.Int64("points", int64(inviteeBonus.Amount)),
	)
	inviterID := relationship.InviterID
	return Result{
		Success:      true,
		Outcome:      OutcomeApplied,
		InviterID:    &inviterID,
		InviterBonus: &inviterBonus,
		InviteeBonus: &inviteeBonus,
	}, nil
}
