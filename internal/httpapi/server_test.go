package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/validation"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/referral"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/registration"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/reservation"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	errorMismatchMessage = "expected %v, got %v"
	testMemberID         = "member-1"
	adminRole            = "admin"
)

var fixedNow = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

type apiFixture struct {
	server *httptest.Server
	store  *memstore.Store
	cfg    Config
}

func newAPIFixture(test *testing.T) apiFixture {
	test.Helper()
	ctx := context.Background()
	store := memstore.New()
	if err := store.UpsertVehicle(ctx, pricing.Vehicle{ID: "car-1", Name: "Compact", Category: pricing.CategoryCar, DailyRate: 5000, InsuranceDailyRate: 1000}); err != nil {
		test.Fatalf("vehicle: %v", err)
	}
	now := func() int64 { return fixedNow.Unix() }
	ledger, err := loyalty.NewService(store, now, loyalty.WithRetryPolicy(loyalty.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	propagator, err := referral.NewPropagator(store, ledger, now, nil)
	if err != nil {
		test.Fatalf("propagator: %v", err)
	}
	validate := validation.New()
	registrar, err := registration.NewRegistrar(store, ledger, propagator, validate, now, nil)
	if err != nil {
		test.Fatalf("registrar: %v", err)
	}
	orchestrator, err := reservation.NewOrchestrator(reservation.Dependencies{
		Store:    store,
		Members:  store,
		Vehicles: store,
		Ledger:   ledger,
		Validate: validate,
		Clock:    func() time.Time { return fixedNow },
	})
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	cfg := Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: "secret-key",
		SessionIssuer:     "tauth",
		SessionCookieName: "app_session",
		AdminRole:         adminRole,
		RequestTimeout:    2 * time.Second,
	}
	apiServer, err := NewServer(cfg, Dependencies{Reservations: orchestrator, Registrar: registrar, Ledger: ledger, Logger: zap.NewNop()})
	if err != nil {
		test.Fatalf("server: %v", err)
	}
	server := httptest.NewServer(apiServer.Handler())
	test.Cleanup(server.Close)
	return apiFixture{server: server, store: store, cfg: cfg}
}

func buildSessionCookie(test *testing.T, cfg Config, userID string, roles ...string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       "aiko@example.com",
		UserDisplayName: "Aiko",
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func execRequest(test *testing.T, server *httptest.Server, method string, path string, cookie *http.Cookie, payload any, target any) int {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			test.Fatalf("marshal failed: %v", err)
		}
	}
	request, err := http.NewRequest(method, server.URL+path, &body)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			test.Fatalf("failed to decode response: %v", err)
		}
	}
	return response.StatusCode
}

func approveLicense(test *testing.T, fixture apiFixture, rawMemberID string) {
	test.Helper()
	adminCookie := buildSessionCookie(test, fixture.cfg, "operator-1", adminRole)
	var reviewed memberEnvelope
	status := execRequest(test, fixture.server, http.MethodPost, "/api/admin/members/"+rawMemberID+"/license", adminCookie, map[string]any{"status": "approved"}, &reviewed)
	if status != http.StatusOK {
		test.Fatalf("approve license: "+errorMismatchMessage, http.StatusOK, status)
	}
	if reviewed.Member.License == nil || reviewed.Member.License.VerificationStatus != member.VerificationApproved {
		test.Fatalf("unexpected license %+v", reviewed.Member.License)
	}
}

type errorEnvelope struct {
	Error struct {
		Code        string                  `json:"code"`
		Message     string                  `json:"message"`
		Fields      []validation.FieldError `json:"fields"`
		Eligibility map[string]any          `json:"eligibility"`
	} `json:"error"`
}

type pointsEnvelope struct {
	Balance      balancePayload `json:"balance"`
	Transactions []struct {
		TransactionID string `json:"transaction_id"`
		Type          string `json:"type"`
		Amount        int64  `json:"amount"`
	} `json:"transactions"`
	NextCursor *cursorPayload `json:"next_cursor"`
}

type memberEnvelope struct {
	Member memberPayload `json:"member"`
}

type reservationEnvelope struct {
	Reservation reservationPayload `json:"reservation"`
}

var weeklyReservation = map[string]any{
	"vehicle_id":     "car-1",
	"start_date":     "2026-03-10",
	"end_date":       "2026-03-16",
	"plan":           "weekly",
	"customer_name":  "Aiko Tanaka",
	"customer_email": "aiko@example.com",
	"customer_phone": "090-1234-5678",
}

func TestHealthzIsPublic(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	if status := execRequest(test, fixture.server, http.MethodGet, "/healthz", nil, nil, nil); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if status := execRequest(test, fixture.server, http.MethodGet, "/api/me/points", nil, nil, nil); status != http.StatusUnauthorized {
		test.Fatalf(errorMismatchMessage, http.StatusUnauthorized, status)
	}
}

func TestRegisterReserveAndReadPoints(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	cookie := buildSessionCookie(test, fixture.cfg, testMemberID)

	registerPayload := map[string]any{
		"name":    "Aiko Tanaka",
		"email":   "aiko@example.com",
		"phone":   "090-1234-5678",
		"license": map[string]any{"number": "L-100", "expiry_date": "2028-01-31"},
	}
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/members", cookie, registerPayload, nil); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}

	var rejected errorEnvelope
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/reservations", cookie, weeklyReservation, &rejected); status != http.StatusForbidden {
		test.Fatalf(errorMismatchMessage, http.StatusForbidden, status)
	}
	if rejected.Error.Code != "not_eligible" || rejected.Error.Eligibility["status"] != "pending_review" {
		test.Fatalf("unexpected rejection %+v", rejected.Error)
	}

	approveLicense(test, fixture, testMemberID)
	var confirmed reservationEnvelope
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/reservations", cookie, weeklyReservation, &confirmed); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}
	if confirmed.Reservation.State != reservation.StateConfirmed || confirmed.Reservation.EarnedPoints != 1487 {
		test.Fatalf("unexpected reservation %+v", confirmed.Reservation)
	}
	if confirmed.Reservation.Breakdown == nil || confirmed.Reservation.Breakdown.Total != 29750 {
		test.Fatalf("unexpected breakdown %+v", confirmed.Reservation.Breakdown)
	}

	var fetched reservationEnvelope
	if status := execRequest(test, fixture.server, http.MethodGet, "/api/reservations/"+confirmed.Reservation.ReservationID, cookie, nil, &fetched); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	otherCookie := buildSessionCookie(test, fixture.cfg, "member-2")
	if status := execRequest(test, fixture.server, http.MethodGet, "/api/reservations/"+confirmed.Reservation.ReservationID, otherCookie, nil, nil); status != http.StatusNotFound {
		test.Fatalf(errorMismatchMessage, http.StatusNotFound, status)
	}

	var points pointsEnvelope
	if status := execRequest(test, fixture.server, http.MethodGet, "/api/me/points", cookie, nil, &points); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if points.Balance.Points != 2487 || len(points.Transactions) != 2 {
		test.Fatalf("unexpected points %+v", points)
	}
	types := map[string]int64{}
	for _, transaction := range points.Transactions {
		types[transaction.Type] = transaction.Amount
	}
	if types["earn"] != 1487 || types["welcome"] != 1000 {
		test.Fatalf("unexpected transactions %+v", points.Transactions)
	}
}

func TestQuoteReportsFieldErrors(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	cookie := buildSessionCookie(test, fixture.cfg, testMemberID)

	var quote struct {
		Quote pricing.PriceBreakdown `json:"quote"`
	}
	monthly := map[string]any{"vehicle_id": "car-1", "start_date": "2026-04-01", "end_date": "2026-04-30", "plan": "monthly", "coverages": []string{"vehicle"}}
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/quotes", cookie, monthly, &quote); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if quote.Quote.Total != 142500 {
		test.Fatalf(errorMismatchMessage, 142500, quote.Quote.Total)
	}

	testCases := []struct {
		name          string
		payload       map[string]any
		expectedField string
	}{
		{
			name:          "missing vehicle",
			payload:       map[string]any{"start_date": "2026-04-01", "end_date": "2026-04-02", "plan": "daily"},
			expectedField: "vehicle_id",
		},
		{
			name:          "unknown vehicle",
			payload:       map[string]any{"vehicle_id": "van-9", "start_date": "2026-04-01", "end_date": "2026-04-02", "plan": "daily"},
			expectedField: "vehicle_id",
		},
		{
			name:          "bad plan",
			payload:       map[string]any{"vehicle_id": "car-1", "start_date": "2026-04-01", "end_date": "2026-04-02", "plan": "hourly"},
			expectedField: "plan",
		},
	}
	for _, testCase := range testCases {
		var envelope errorEnvelope
		if status := execRequest(test, fixture.server, http.MethodPost, "/api/quotes", cookie, testCase.payload, &envelope); status != http.StatusBadRequest {
			test.Fatalf("%s: "+errorMismatchMessage, testCase.name, http.StatusBadRequest, status)
		}
		if envelope.Error.Code != "invalid_request" || len(envelope.Error.Fields) == 0 || envelope.Error.Fields[0].Field != testCase.expectedField {
			test.Fatalf("%s: unexpected error %+v", testCase.name, envelope.Error)
		}
	}

	var rangeError errorEnvelope
	inverted := map[string]any{"vehicle_id": "car-1", "start_date": "2026-04-05", "end_date": "2026-04-01", "plan": "daily"}
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/quotes", cookie, inverted, &rangeError); status != http.StatusBadRequest {
		test.Fatalf(errorMismatchMessage, http.StatusBadRequest, status)
	}
	if rangeError.Error.Code != "invalid_date_range" {
		test.Fatalf(errorMismatchMessage, "invalid_date_range", rangeError.Error.Code)
	}
}

func TestAdminRoutesRequireRole(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	memberCookie := buildSessionCookie(test, fixture.cfg, testMemberID)
	registerPayload := map[string]any{"name": "Aiko Tanaka", "email": "aiko@example.com", "phone": "090-1234-5678"}
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/members", memberCookie, registerPayload, nil); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/members", memberCookie, registerPayload, nil); status != http.StatusOK {
		test.Fatalf("expected a resumed registration, got %d", status)
	}

	if status := execRequest(test, fixture.server, http.MethodGet, "/api/admin/members/"+testMemberID+"/balance", memberCookie, nil, nil); status != http.StatusForbidden {
		test.Fatalf(errorMismatchMessage, http.StatusForbidden, status)
	}

	adminCookie := buildSessionCookie(test, fixture.cfg, "operator-1", adminRole)
	var balance struct {
		Balance balancePayload `json:"balance"`
	}
	if status := execRequest(test, fixture.server, http.MethodGet, "/api/admin/members/"+testMemberID+"/balance", adminCookie, nil, &balance); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if balance.Balance.Points != 1000 {
		test.Fatalf(errorMismatchMessage, 1000, balance.Balance.Points)
	}
	var audit struct {
		Audit struct {
			Consistent bool `json:"consistent"`
		} `json:"audit"`
	}
	if status := execRequest(test, fixture.server, http.MethodGet, "/api/admin/members/"+testMemberID+"/audit", adminCookie, nil, &audit); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if !audit.Audit.Consistent {
		test.Fatalf("expected a consistent ledger")
	}
	if status := execRequest(test, fixture.server, http.MethodGet, "/api/admin/members/"+testMemberID+"/transactions?limit=abc", adminCookie, nil, nil); status != http.StatusBadRequest {
		test.Fatalf(errorMismatchMessage, http.StatusBadRequest, status)
	}
}

func TestNewServerValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewServer(Config{AdminRole: adminRole}, Dependencies{}); !errors.Is(err, ErrInvalidServerConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServerConfig, err)
	}
}

func TestSelfRegistrationCannotChooseMembership(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	cookie := buildSessionCookie(test, fixture.cfg, testMemberID)
	registerPayload := map[string]any{
		"name":            "Aiko Tanaka",
		"email":           "aiko@example.com",
		"phone":           "090-1234-5678",
		"membership_type": "premium",
		"license":         map[string]any{"number": "L-100", "expiry_date": "2028-01-31"},
	}
	var registered memberEnvelope
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/members", cookie, registerPayload, &registered); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}
	if registered.Member.MembershipType != member.MembershipRegular {
		test.Fatalf(errorMismatchMessage, member.MembershipRegular, registered.Member.MembershipType)
	}
	approveLicense(test, fixture, testMemberID)

	var confirmed reservationEnvelope
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/reservations", cookie, weeklyReservation, &confirmed); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}
	if confirmed.Reservation.EarnedPoints != 1487 {
		test.Fatalf(errorMismatchMessage, 1487, confirmed.Reservation.EarnedPoints)
	}
}

func TestAdminReviewsLicenseAndMembership(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	memberCookie := buildSessionCookie(test, fixture.cfg, testMemberID)
	adminCookie := buildSessionCookie(test, fixture.cfg, "operator-1", adminRole)
	registerPayload := map[string]any{
		"name":    "Aiko Tanaka",
		"email":   "aiko@example.com",
		"phone":   "090-1234-5678",
		"license": map[string]any{"number": "L-100", "expiry_date": "2028-01-31"},
	}
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/members", memberCookie, registerPayload, nil); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}
	noLicenseCookie := buildSessionCookie(test, fixture.cfg, "member-2")
	noLicensePayload := map[string]any{"name": "Ken Sato", "email": "ken@example.com", "phone": "090-2222-3333"}
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/members", noLicenseCookie, noLicensePayload, nil); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}

	testCases := []struct {
		name           string
		method         string
		path           string
		cookie         *http.Cookie
		payload        map[string]any
		expectedStatus int
		expectedCode   string
	}{
		{name: "member cannot review", method: http.MethodPost, path: "/api/admin/members/" + testMemberID + "/license", cookie: memberCookie, payload: map[string]any{"status": "approved"}, expectedStatus: http.StatusForbidden, expectedCode: "forbidden"},
		{name: "member cannot upgrade", method: http.MethodPut, path: "/api/admin/members/" + testMemberID + "/membership", cookie: memberCookie, payload: map[string]any{"membership_type": "premium"}, expectedStatus: http.StatusForbidden, expectedCode: "forbidden"},
		{name: "unknown status", method: http.MethodPost, path: "/api/admin/members/" + testMemberID + "/license", cookie: adminCookie, payload: map[string]any{"status": "maybe"}, expectedStatus: http.StatusBadRequest, expectedCode: "invalid_request"},
		{name: "no license", method: http.MethodPost, path: "/api/admin/members/member-2/license", cookie: adminCookie, payload: map[string]any{"status": "approved"}, expectedStatus: http.StatusConflict, expectedCode: "no_license"},
		{name: "unknown member", method: http.MethodPost, path: "/api/admin/members/member-9/license", cookie: adminCookie, payload: map[string]any{"status": "approved"}, expectedStatus: http.StatusNotFound, expectedCode: "not_found"},
		{name: "unknown tier", method: http.MethodPut, path: "/api/admin/members/" + testMemberID + "/membership", cookie: adminCookie, payload: map[string]any{"membership_type": "gold"}, expectedStatus: http.StatusBadRequest, expectedCode: "invalid_request"},
	}
	for _, testCase := range testCases {
		var envelope errorEnvelope
		if status := execRequest(test, fixture.server, testCase.method, testCase.path, testCase.cookie, testCase.payload, &envelope); status != testCase.expectedStatus {
			test.Fatalf("%s: "+errorMismatchMessage, testCase.name, testCase.expectedStatus, status)
		}
		if envelope.Error.Code != testCase.expectedCode {
			test.Fatalf("%s: "+errorMismatchMessage, testCase.name, testCase.expectedCode, envelope.Error.Code)
		}
	}

	approveLicense(test, fixture, testMemberID)
	var upgraded memberEnvelope
	membershipPath := "/api/admin/members/" + testMemberID + "/membership"
	if status := execRequest(test, fixture.server, http.MethodPut, membershipPath, adminCookie, map[string]any{"membership_type": "premium"}, &upgraded); status != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, status)
	}
	if upgraded.Member.MembershipType != member.MembershipPremium {
		test.Fatalf(errorMismatchMessage, member.MembershipPremium, upgraded.Member.MembershipType)
	}
	var confirmed reservationEnvelope
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/reservations", memberCookie, weeklyReservation, &confirmed); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}
	if confirmed.Reservation.EarnedPoints != 2975 {
		test.Fatalf(errorMismatchMessage, 2975, confirmed.Reservation.EarnedPoints)
	}
}

func TestPointsHistoryPagesWithCursor(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test)
	inviterCookie := buildSessionCookie(test, fixture.cfg, testMemberID)
	var inviter memberEnvelope
	inviterPayload := map[string]any{"name": "Aiko Tanaka", "email": "aiko@example.com", "phone": "090-1234-5678"}
	if status := execRequest(test, fixture.server, http.MethodPost, "/api/members", inviterCookie, inviterPayload, &inviter); status != http.StatusCreated {
		test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
	}
	for index, inviteeID := range []string{"member-2", "member-3"} {
		cookie := buildSessionCookie(test, fixture.cfg, inviteeID)
		payload := map[string]any{
			"name":        "Invitee",
			"email":       inviteeID + "@example.com",
			"phone":       "090-0000-000" + string(rune('1'+index)),
			"invite_code": inviter.Member.InviteCode,
		}
		if status := execRequest(test, fixture.server, http.MethodPost, "/api/members", cookie, payload, nil); status != http.StatusCreated {
			test.Fatalf(errorMismatchMessage, http.StatusCreated, status)
		}
	}

	seen := map[string]bool{}
	path := "/api/me/points?limit=2"
	for page := 0; page < 3; page++ {
		var points pointsEnvelope
		if status := execRequest(test, fixture.server, http.MethodGet, path, inviterCookie, nil, &points); status != http.StatusOK {
			test.Fatalf(errorMismatchMessage, http.StatusOK, status)
		}
		for _, transaction := range points.Transactions {
			if seen[transaction.TransactionID] {
				test.Fatalf("transaction %s returned twice", transaction.TransactionID)
			}
			seen[transaction.TransactionID] = true
		}
		if points.NextCursor == nil {
			break
		}
		path = fmt.Sprintf("/api/me/points?limit=2&before=%d&before_id=%s", points.NextCursor.Before, url.QueryEscape(points.NextCursor.BeforeID))
	}
	if len(seen) != 3 {
		test.Fatalf(errorMismatchMessage, 3, len(seen))
	}
	if status := execRequest(test, fixture.server, http.MethodGet, "/api/me/points?limit=0", inviterCookie, nil, nil); status != http.StatusBadRequest {
		test.Fatalf(errorMismatchMessage, http.StatusBadRequest, status)
	}
}
