package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/validation"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/eligibility"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/registration"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/reservation"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

type httpHandler struct {
	logger       *zap.Logger
	reservations Reservations
	registrar    Registrar
	ledger       Ledger
	cfg          Config
}

func (handler *httpHandler) handleQuote(ctx *gin.Context) {
	var request reservation.QuoteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	breakdown, err := handler.reservations.Quote(requestCtx, request)
	if err != nil {
		handler.respondError(ctx, "quote", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"quote": breakdown})
}

func (handler *httpHandler) handleRegister(ctx *gin.Context) {
	memberID, ok := sessionMemberID(ctx)
	if !ok {
		return
	}
	var request registerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	request.Data.MemberID = memberID.String()
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.registrar.RegisterMember(requestCtx, request.Data, request.InviteCode)
	if err != nil {
		handler.respondError(ctx, "register", err)
		return
	}
	statusCode := http.StatusCreated
	if outcome.Resumed {
		statusCode = http.StatusOK
	}
	ctx.JSON(statusCode, gin.H{
		"member":           newMemberPayload(outcome.Member),
		"welcome_bonus":    outcome.WelcomeBonus,
		"referral_outcome": outcome.Referral.Outcome,
	})
}

func (handler *httpHandler) handleEligibility(ctx *gin.Context) {
	memberID, ok := sessionMemberID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	decision, err := handler.reservations.CheckEligibility(requestCtx, memberID)
	if err != nil {
		handler.respondError(ctx, "eligibility", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"eligibility": decision})
}

func (handler *httpHandler) handlePoints(ctx *gin.Context) {
	memberID, ok := sessionMemberID(ctx)
	if !ok {
		return
	}
	handler.respondWithPoints(ctx, memberID)
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	memberID, ok := sessionMemberID(ctx)
	if !ok {
		return
	}
	var request reservation.Request
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	request.MemberID = memberID.String()
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	confirmed, err := handler.reservations.ConfirmReservation(requestCtx, request)
	if err != nil {
		handler.respondError(ctx, "confirm", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reservation": newReservationPayload(confirmed)})
}

func (handler *httpHandler) handleGetReservation(ctx *gin.Context) {
	memberID, ok := sessionMemberID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	stored, err := handler.ownedReservation(requestCtx, memberID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "get_reservation", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(stored)})
}

func (handler *httpHandler) handleCorrect(ctx *gin.Context) {
	memberID, ok := sessionMemberID(ctx)
	if !ok {
		return
	}
	var request correctionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	original, err := handler.ownedReservation(requestCtx, memberID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "correct", err)
		return
	}
	replacement, err := handler.reservations.CorrectReservation(requestCtx, original.ID, request.Reservation, request.Reason)
	if err != nil {
		handler.respondError(ctx, "correct", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reservation": newReservationPayload(replacement)})
}

func (handler *httpHandler) handleAdminBalance(ctx *gin.Context) {
	memberID, ok := pathMemberID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.ledger.Balance(requestCtx, memberID)
	if err != nil {
		handler.respondError(ctx, "admin_balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(balance)})
}

func (handler *httpHandler) handleAdminTransactions(ctx *gin.Context) {
	memberID, ok := pathMemberID(ctx)
	if !ok {
		return
	}
	handler.respondWithPoints(ctx, memberID)
}

func (handler *httpHandler) handleAdminAudit(ctx *gin.Context) {
	memberID, ok := pathMemberID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	audit, err := handler.ledger.Audit(requestCtx, memberID)
	if err != nil {
		handler.respondError(ctx, "admin_audit", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"audit": gin.H{
		"member_id":      audit.MemberID.String(),
		"cached_balance": audit.CachedBalance,
		"ledger_sum":     audit.LedgerSum,
		"consistent":     audit.Consistent(),
	}})
}

func (handler *httpHandler) handleAdminLicenseReview(ctx *gin.Context) {
	memberID, ok := pathMemberID(ctx)
	if !ok {
		return
	}
	var request licenseReviewRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reviewed, err := handler.registrar.ReviewLicense(requestCtx, memberID, member.VerificationStatus(request.Status))
	if err != nil {
		handler.respondError(ctx, "admin_license", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"member": newMemberPayload(reviewed)})
}

func (handler *httpHandler) handleAdminMembership(ctx *gin.Context) {
	memberID, ok := pathMemberID(ctx)
	if !ok {
		return
	}
	var request membershipRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	updated, err := handler.registrar.SetMembership(requestCtx, memberID, member.MembershipType(request.MembershipType))
	if err != nil {
		handler.respondError(ctx, "admin_membership", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"member": newMemberPayload(updated)})
}

func (handler *httpHandler) respondWithPoints(ctx *gin.Context, memberID member.ID) {
	before, err := parseInt64Query(ctx, "before", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "before must be a unix timestamp"))
		return
	}
	limit, err := parseInt64Query(ctx, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "limit must be a positive integer"))
		return
	}
	cursor := loyalty.Cursor{BeforeUnixUTC: before, BeforeTransactionID: ctx.Query("before_id")}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.ledger.Balance(requestCtx, memberID)
	if err != nil {
		handler.respondError(ctx, "points", err)
		return
	}
	transactions, err := handler.ledger.ListTransactions(requestCtx, memberID, cursor, int(limit))
	if err != nil {
		handler.respondError(ctx, "points", err)
		return
	}
	if transactions == nil {
		transactions = []loyalty.Transaction{}
	}
	response := gin.H{
		"balance":      newBalancePayload(balance),
		"transactions": transactions,
	}
	if len(transactions) > 0 && len(transactions) == loyalty.NormalizeListLimit(int(limit)) {
		next := loyalty.CursorAfter(transactions[len(transactions)-1])
		response["next_cursor"] = cursorPayload{Before: next.BeforeUnixUTC, BeforeID: next.BeforeTransactionID}
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) ownedReservation(ctx context.Context, memberID member.ID, reservationID string) (reservation.Reservation, error) {
	stored, err := handler.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return reservation.Reservation{}, err
	}
	if stored.MemberID != memberID.String() {
		return reservation.Reservation{}, reservation.ErrUnknownReservation
	}
	return stored, nil
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// respondError maps domain errors onto statuses; anything unrecognized is a 500.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	var validationError validation.Error
	var eligibilityError eligibility.Error
	switch {
	case errors.As(err, &validationError):
		response := errorResponse("invalid_request", validationError.Error())
		response["error"].(gin.H)["fields"] = validationError.Fields
		ctx.JSON(http.StatusBadRequest, response)
	case errors.As(err, &eligibilityError):
		response := errorResponse("not_eligible", eligibilityError.Decision.Message)
		response["error"].(gin.H)["eligibility"] = eligibilityError.Decision
		ctx.JSON(http.StatusForbidden, response)
	case errors.Is(err, pricing.ErrDateRange):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_date_range", err.Error()))
	case errors.Is(err, pricing.ErrInvalidPlan), errors.Is(err, pricing.ErrUnknownCoverage), errors.Is(err, member.ErrInvalidMemberID),
		errors.Is(err, member.ErrInvalidVerificationStatus), errors.Is(err, member.ErrInvalidMembershipType):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, reservation.ErrUnknownReservation):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "reservation not found"))
	case errors.Is(err, member.ErrUnknownMember):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "member not found"))
	case errors.Is(err, member.ErrMemberExists):
		ctx.JSON(http.StatusConflict, errorResponse("member_exists", "member already registered"))
	case errors.Is(err, registration.ErrNoLicense):
		ctx.JSON(http.StatusConflict, errorResponse("no_license", "member has no license on file"))
	case errors.Is(err, reservation.ErrAlreadySuperseded), errors.Is(err, reservation.ErrInvalidTransition):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", err.Error()))
	case errors.Is(err, reservation.ErrPersistence):
		handler.logger.Error("persistence failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "reservation could not be saved"))
	case errors.Is(err, context.DeadlineExceeded):
		ctx.JSON(http.StatusGatewayTimeout, errorResponse("timeout", "request timed out"))
	default:
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

func sessionMemberID(ctx *gin.Context) (member.ID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return member.ID{}, false
	}
	memberID, err := member.NewID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return member.ID{}, false
	}
	return memberID, true
}

func pathMemberID(ctx *gin.Context) (member.ID, bool) {
	memberID, err := member.NewID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "invalid member id"))
		return member.ID{}, false
	}
	return memberID, true
}

func parseInt64Query(ctx *gin.Context, name string, fallback int64) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

type registerRequest struct {
	registration.Data
	InviteCode string `json:"invite_code"`
}

type licenseReviewRequest struct {
	Status string `json:"status"`
}

type membershipRequest struct {
	MembershipType string `json:"membership_type"`
}

// cursorPayload is echoed back as the before and before_id query parameters.
type cursorPayload struct {
	Before   int64  `json:"before"`
	BeforeID string `json:"before_id"`
}

type correctionRequest struct {
	Reservation reservation.Request `json:"reservation"`
	Reason      string              `json:"reason"`
}

type balancePayload struct {
	MemberID string         `json:"member_id"`
	Points   loyalty.Points `json:"points"`
}

func newBalancePayload(balance loyalty.Balance) balancePayload {
	return balancePayload{MemberID: balance.MemberID.String(), Points: balance.Points}
}

type memberPayload struct {
	MemberID       string                `json:"member_id"`
	Name           string                `json:"name"`
	Email          string                `json:"email"`
	InviteCode     string                `json:"invite_code"`
	MembershipType member.MembershipType `json:"membership_type"`
	License        *member.DriverLicense `json:"license,omitempty"`
	PointsBalance  int64                 `json:"points_balance"`
}

func newMemberPayload(account member.Member) memberPayload {
	return memberPayload{
		MemberID:       account.ID.String(),
		Name:           account.Name,
		Email:          account.Email,
		InviteCode:     account.InviteCode.String(),
		MembershipType: account.MembershipType,
		License:        account.License,
		PointsBalance:  account.PointsBalance,
	}
}

type reservationPayload struct {
	ReservationID     string                  `json:"reservation_id"`
	State             reservation.State       `json:"state"`
	MemberID          string                  `json:"member_id"`
	VehicleID         string                  `json:"vehicle_id"`
	Plan              pricing.Plan            `json:"plan"`
	Insurance         []pricing.Coverage      `json:"insurance"`
	Eligibility       *eligibility.Decision   `json:"eligibility,omitempty"`
	Breakdown         *pricing.PriceBreakdown `json:"breakdown,omitempty"`
	SupersedesID      string                  `json:"supersedes_id,omitempty"`
	SupersededByID    string                  `json:"superseded_by_id,omitempty"`
	ConfirmedUnixUTC  int64                   `json:"confirmed_unix_utc"`
	PointsRecorded    bool                    `json:"points_recorded"`
	EarnedPoints      int64                   `json:"earned_points"`
	EarnTransactionID string                  `json:"earn_transaction_id,omitempty"`
}

func newReservationPayload(stored reservation.Reservation) reservationPayload {
	return reservationPayload{
		ReservationID:     stored.ID,
		State:             stored.State,
		MemberID:          stored.MemberID,
		VehicleID:         stored.VehicleID,
		Plan:              stored.Plan,
		Insurance:         stored.Insurance,
		Eligibility:       stored.Eligibility,
		Breakdown:         stored.Breakdown,
		SupersedesID:      stored.SupersedesID,
		SupersededByID:    stored.SupersededByID,
		ConfirmedUnixUTC:  stored.ConfirmedUnixUTC,
		PointsRecorded:    stored.PointsRecorded,
		EarnedPoints:      stored.EarnedPoints,
		EarnTransactionID: stored.EarnTransactionID,
	}
}
