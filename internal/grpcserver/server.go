// Package grpcserver exposes the read-only admin console over gRPC with a JSON codec.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/validation"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/eligibility"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/reservation"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	errorInvalidMemberID      = "invalid_member_id"
	errorInvalidListLimit     = "invalid_list_limit"
	errorInvalidCursor        = "invalid_cursor"
	errorInvalidRequest       = "invalid_request"
	errorInvalidDateRange     = "invalid_date_range"
	errorUnknownMember        = "unknown_member"
	errorUnknownReservation   = "unknown_reservation"
	errorNotEligible          = "not_eligible"
	errorInsufficientPoints   = "insufficient_points"
	errorLedgerConflict       = "ledger_conflict"
	errorInvalidReservationID = "invalid_reservation_id"

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200
)

// ErrInvalidServerConfig is returned when a dependency is missing.
var ErrInvalidServerConfig = errors.New("invalid grpc server config")

// Ledger is the read side of the points ledger.
type Ledger interface {
	Balance(ctx context.Context, memberID member.ID) (loyalty.Balance, error)
	ListTransactions(ctx context.Context, memberID member.ID, cursor loyalty.Cursor, limit int) ([]loyalty.Transaction, error)
	Audit(ctx context.Context, memberID member.ID) (loyalty.Audit, error)
}

// Reservations is the read-only part of the reservation workflow.
type Reservations interface {
	Quote(ctx context.Context, request reservation.QuoteRequest) (pricing.PriceBreakdown, error)
	CheckEligibility(ctx context.Context, memberID member.ID) (eligibility.Decision, error)
	GetReservation(ctx context.Context, reservationID string) (reservation.Reservation, error)
}

// AdminServer implements AdminServiceServer.
type AdminServer struct {
	ledger       Ledger
	reservations Reservations
}

// NewAdminServer constructs the admin service.
func NewAdminServer(ledger Ledger, reservations Reservations) (*AdminServer, error) {
	if ledger == nil || reservations == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidServerConfig)
	}
	return &AdminServer{ledger: ledger, reservations: reservations}, nil
}

func (server *AdminServer) GetBalance(ctx context.Context, request *MemberRequest) (*BalanceResponse, error) {
	memberID, err := member.NewID(request.MemberID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := server.ledger.Balance(ctx, memberID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &BalanceResponse{
		MemberID: balance.MemberID.String(),
		Points:   balance.Points.Int64(),
		Version:  balance.Version,
	}, nil
}

func (server *AdminServer) ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	memberID, err := member.NewID(request.MemberID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, err := normalizeListLimit(request.Limit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	cursor := loyalty.Cursor{BeforeTransactionID: request.BeforeTransactionID}
	if request.Before != nil {
		if err := request.Before.CheckValid(); err != nil {
			return nil, status.Error(codes.InvalidArgument, errorInvalidCursor)
		}
		cursor.BeforeUnixUTC = request.Before.GetSeconds()
	}
	transactions, err := server.ledger.ListTransactions(ctx, memberID, cursor, int(limit))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	response := &ListTransactionsResponse{Transactions: make([]Transaction, 0, len(transactions))}
	for _, transaction := range transactions {
		response.Transactions = append(response.Transactions, Transaction{
			TransactionID:        transaction.TransactionID,
			Type:                 string(transaction.Type),
			Amount:               transaction.Amount.Int64(),
			Reason:               transaction.Reason,
			RelatedReservationID: transaction.RelatedReservationID,
			IdempotencyKey:       transaction.IdempotencyKey.String(),
			CreatedAt:            timestamppb.New(time.Unix(transaction.CreatedUnixUTC, 0)),
		})
	}
	if len(transactions) == int(limit) {
		next := loyalty.CursorAfter(transactions[len(transactions)-1])
		response.NextBefore = timestamppb.New(time.Unix(next.BeforeUnixUTC, 0))
		response.NextBeforeTransactionID = next.BeforeTransactionID
	}
	return response, nil
}

func (server *AdminServer) AuditLedger(ctx context.Context, request *MemberRequest) (*AuditResponse, error) {
	memberID, err := member.NewID(request.MemberID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	audit, err := server.ledger.Audit(ctx, memberID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &AuditResponse{
		MemberID:      audit.MemberID.String(),
		CachedBalance: audit.CachedBalance.Int64(),
		LedgerSum:     audit.LedgerSum.Int64(),
		Consistent:    audit.Consistent(),
	}, nil
}

func (server *AdminServer) Quote(ctx context.Context, request *QuoteRequest) (*QuoteResponse, error) {
	breakdown, err := server.reservations.Quote(ctx, reservation.QuoteRequest{
		VehicleID: request.VehicleID,
		StartDate: request.StartDate,
		EndDate:   request.EndDate,
		Plan:      request.Plan,
		Coverages: request.Coverages,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &QuoteResponse{Breakdown: breakdown}, nil
}

func (server *AdminServer) CheckEligibility(ctx context.Context, request *MemberRequest) (*EligibilityResponse, error) {
	memberID, err := member.NewID(request.MemberID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	decision, err := server.reservations.CheckEligibility(ctx, memberID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &EligibilityResponse{Decision: decision}, nil
}

func (server *AdminServer) GetReservation(ctx context.Context, request *ReservationRequest) (*ReservationResponse, error) {
	if request.ReservationID == "" {
		return nil, status.Error(codes.InvalidArgument, errorInvalidReservationID)
	}
	stored, err := server.reservations.GetReservation(ctx, request.ReservationID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &ReservationResponse{
		ReservationID:    stored.ID,
		State:            string(stored.State),
		MemberID:         stored.MemberID,
		Breakdown:        stored.Breakdown,
		SupersedesID:     stored.SupersedesID,
		SupersededByID:   stored.SupersededByID,
		ConfirmedUnixUTC: stored.ConfirmedUnixUTC,
		PointsRecorded:   stored.PointsRecorded,
		EarnedPoints:     stored.EarnedPoints,
	}, nil
}

func normalizeListLimit(limit int32) (int32, error) {
	if limit <= 0 {
		return defaultListTransactionsLimit, nil
	}
	if limit > maxListTransactionsLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListTransactionsLimit)
	}
	return limit, nil
}

func mapToGRPCError(source error) error {
	var validationError validation.Error
	if errors.As(source, &validationError) {
		return status.Error(codes.InvalidArgument, validationError.Error())
	}
	if errors.Is(source, member.ErrInvalidMemberID) {
		return status.Error(codes.InvalidArgument, errorInvalidMemberID)
	}
	if errors.Is(source, pricing.ErrDateRange) {
		return status.Error(codes.InvalidArgument, errorInvalidDateRange)
	}
	if errors.Is(source, pricing.ErrInvalidPlan) || errors.Is(source, pricing.ErrUnknownCoverage) {
		return status.Error(codes.InvalidArgument, errorInvalidRequest)
	}
	if errors.Is(source, member.ErrUnknownMember) {
		return status.Error(codes.NotFound, errorUnknownMember)
	}
	if errors.Is(source, reservation.ErrUnknownReservation) {
		return status.Error(codes.NotFound, errorUnknownReservation)
	}
	if errors.Is(source, eligibility.ErrNotEligible) {
		return status.Error(codes.FailedPrecondition, errorNotEligible)
	}
	if errors.Is(source, loyalty.ErrInsufficientPoints) {
		return status.Error(codes.FailedPrecondition, errorInsufficientPoints)
	}
	if errors.Is(source, loyalty.ErrLedgerConflict) {
		return status.Error(codes.Aborted, errorLedgerConflict)
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
