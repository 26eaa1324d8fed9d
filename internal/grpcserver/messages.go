package grpcserver

import (
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/eligibility"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type MemberRequest struct {
	MemberID string `json:"member_id"`
}

type BalanceResponse struct {
	MemberID string `json:"member_id"`
	Points   int64  `json:"points"`
	Version  int64  `json:"version"`
}

// ListTransactionsRequest pages newest first. Before and BeforeTransactionID come from the
// previous response's next cursor; a nil Before starts at the newest entry.
type ListTransactionsRequest struct {
	MemberID            string                 `json:"member_id"`
	Before              *timestamppb.Timestamp `json:"before,omitempty"`
	BeforeTransactionID string                 `json:"before_transaction_id,omitempty"`
	Limit               int32                  `json:"limit"`
}

type Transaction struct {
	TransactionID        string                 `json:"transaction_id"`
	Type                 string                 `json:"type"`
	Amount               int64                  `json:"amount"`
	Reason               string                 `json:"reason"`
	RelatedReservationID string                 `json:"related_reservation_id,omitempty"`
	IdempotencyKey       string                 `json:"idempotency_key"`
	CreatedAt            *timestamppb.Timestamp `json:"created_at"`
}

type ListTransactionsResponse struct {
	Transactions            []Transaction          `json:"transactions"`
	NextBefore              *timestamppb.Timestamp `json:"next_before,omitempty"`
	NextBeforeTransactionID string                 `json:"next_before_transaction_id,omitempty"`
}

type AuditResponse struct {
	MemberID      string `json:"member_id"`
	CachedBalance int64  `json:"cached_balance"`
	LedgerSum     int64  `json:"ledger_sum"`
	Consistent    bool   `json:"consistent"`
}

type QuoteRequest struct {
	VehicleID string   `json:"vehicle_id"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Plan      string   `json:"plan"`
	Coverages []string `json:"coverages"`
}

type QuoteResponse struct {
	Breakdown pricing.PriceBreakdown `json:"breakdown"`
}

type EligibilityResponse struct {
	Decision eligibility.Decision `json:"decision"`
}

type ReservationRequest struct {
	ReservationID string `json:"reservation_id"`
}

type ReservationResponse struct {
	ReservationID    string                  `json:"reservation_id"`
	State            string                  `json:"state"`
	MemberID         string                  `json:"member_id"`
	Breakdown        *pricing.PriceBreakdown `json:"breakdown,omitempty"`
	SupersedesID     string                  `json:"supersedes_id,omitempty"`
	SupersededByID   string                  `json:"superseded_by_id,omitempty"`
	ConfirmedUnixUTC int64                   `json:"confirmed_unix_utc"`
	PointsRecorded   bool                    `json:"points_recorded"`
	EarnedPoints     int64                   `json:"earned_points"`
}
