package pricing

import (
	"fmt"
)

// LineItemKind classifies a breakdown line.
type LineItemKind string

const (
	LineItemBase      LineItemKind = "base"
	LineItemDiscount  LineItemKind = "discount"
	LineItemInsurance LineItemKind = "insurance"
	LineItemTotal     LineItemKind = "total"
)

// LineItem is one displayable row of a breakdown.
type LineItem struct {
	Kind   LineItemKind `json:"kind"`
	Label  string       `json:"label"`
	Amount Yen          `json:"amount"`
}

// PriceBreakdown is the itemized result of ComputePrice.
type PriceBreakdown struct {
	VehicleID           string     `json:"vehicle_id"`
	StartDate           string     `json:"start_date"`
	EndDate             string     `json:"end_date"`
	Plan                Plan       `json:"plan"`
	Days                int        `json:"days"`
	DailyRate           Yen        `json:"daily_rate"`
	BaseSubtotal        Yen        `json:"base_subtotal"`
	DiscountBasisPoints int64      `json:"discount_basis_points"`
	DiscountAmount      Yen        `json:"discount_amount"`
	InsuranceSubtotal   Yen        `json:"insurance_subtotal"`
	Total               Yen        `json:"total"`
	LineItems           []LineItem `json:"line_items"`
}

// ComputePrice prices a rental. Insurance is never discounted and the total never drops below zero.
func ComputePrice(vehicle Vehicle, dateRange DateRange, plan Plan, insurance InsuranceSelection) (PriceBreakdown, error) {
	if err := vehicle.Validate(); err != nil {
		return PriceBreakdown{}, err
	}
	if _, err := ParsePlan(string(plan)); err != nil {
		return PriceBreakdown{}, err
	}
	if err := dateRange.Validate(); err != nil {
		return PriceBreakdown{}, err
	}

	days := dateRange.Days()
	baseSubtotal := vehicle.DailyRate * Yen(days)
	fraction := DiscountFraction(plan, days)
	discountAmount := fraction.Apply(baseSubtotal)
	if discountAmount > baseSubtotal {
		discountAmount = baseSubtotal
	}

	lineItems := []LineItem{{
		Kind:   LineItemBase,
		Label:  fmt.Sprintf("Base rental (%d days x %d)", days, vehicle.DailyRate),
		Amount: baseSubtotal,
	}}
	if discountAmount > 0 {
		lineItems = append(lineItems, LineItem{
			Kind:   LineItemDiscount,
			Label:  fmt.Sprintf("%s plan discount (%s)", plan, formatBasisPoints(fraction.BasisPoints())),
			Amount: -discountAmount,
		})
	}

	var insuranceSubtotal Yen
	for _, coverage := range insurance.Coverages() {
		coverageAmount := coverage.DailyRate * Yen(days)
		insuranceSubtotal += coverageAmount
		lineItems = append(lineItems, LineItem{
			Kind:   LineItemInsurance,
			Label:  fmt.Sprintf("Insurance: %s (%d days x %d)", coverage.Name, days, coverage.DailyRate),
			Amount: coverageAmount,
		})
	}

	total := baseSubtotal - discountAmount + insuranceSubtotal
	if total < 0 {
		total = 0
	}
	lineItems = append(lineItems, LineItem{Kind: LineItemTotal, Label: "Total", Amount: total})

	return PriceBreakdown{
		VehicleID:           vehicle.ID,
		StartDate:           dateRange.Start.String(),
		EndDate:             dateRange.End.String(),
		Plan:                plan,
		Days:                days,
		DailyRate:           vehicle.DailyRate,
		BaseSubtotal:        baseSubtotal,
		DiscountBasisPoints: fraction.BasisPoints(),
		DiscountAmount:      discountAmount,
		InsuranceSubtotal:   insuranceSubtotal,
		Total:               total,
		LineItems:           lineItems,
	}, nil
}

func formatBasisPoints(basisPoints int64) string {
	if basisPoints%100 == 0 {
		return fmt.Sprintf("%d%%", basisPoints/100)
	}
	return fmt.Sprintf("%d.%02d%%", basisPoints/100, basisPoints%100)
}
