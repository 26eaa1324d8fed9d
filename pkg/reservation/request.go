package reservation

import "strings"

// QuoteRequest is the pricing part of a reservation request.
type QuoteRequest struct {
	VehicleID string   `json:"vehicle_id" validate:"required,notblank,max=64"`
	StartDate string   `json:"start_date" validate:"required,isodate"`
	EndDate   string   `json:"end_date" validate:"required,isodate"`
	Plan      string   `json:"plan" validate:"required,oneof=daily weekly monthly"`
	Coverages []string `json:"coverages" validate:"omitempty,max=8,dive,notblank"`
}

// Request is the transient input to a reservation. MemberID is optional; without it the
// license check reports no license.
type Request struct {
	VehicleID     string   `json:"vehicle_id" validate:"required,notblank,max=64"`
	MemberID      string   `json:"member_id" validate:"omitempty,max=128"`
	StartDate     string   `json:"start_date" validate:"required,isodate"`
	EndDate       string   `json:"end_date" validate:"required,isodate"`
	Plan          string   `json:"plan" validate:"required,oneof=daily weekly monthly"`
	Coverages     []string `json:"coverages" validate:"omitempty,max=8,dive,notblank"`
	CustomerName  string   `json:"customer_name" validate:"required,notblank,max=100"`
	CustomerEmail string   `json:"customer_email" validate:"required,email,max=254"`
	CustomerPhone string   `json:"customer_phone" validate:"required,phone,max=20"`
	Notes         string   `json:"notes" validate:"max=1000"`
}

// Quote returns the pricing part of the request.
func (request Request) Quote() QuoteRequest {
	coverages := make([]string, len(request.Coverages))
	copy(coverages, request.Coverages)
	return QuoteRequest{
		VehicleID: strings.TrimSpace(request.VehicleID),
		StartDate: strings.TrimSpace(request.StartDate),
		EndDate:   strings.TrimSpace(request.EndDate),
		Plan:      strings.TrimSpace(request.Plan),
		Coverages: coverages,
	}
}
