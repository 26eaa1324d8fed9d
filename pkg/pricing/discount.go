package pricing

const basisPointsPerUnit = 10000

// Fraction is a discount ratio expressed in basis points.
type Fraction struct {
	basisPoints int64
}

// BasisPoints returns the ratio in hundredths of a percent.
func (fraction Fraction) BasisPoints() int64 {
	return fraction.basisPoints
}

// Float64 returns the ratio for display.
func (fraction Fraction) Float64() float64 {
	return float64(fraction.basisPoints) / basisPointsPerUnit
}

// IsZero reports whether the fraction grants no discount.
func (fraction Fraction) IsZero() bool {
	return fraction.basisPoints == 0
}

// Apply returns the floored discount for the given amount.
func (fraction Fraction) Apply(amount Yen) Yen {
	if amount <= 0 || fraction.basisPoints <= 0 {
		return 0
	}
	return Yen(int64(amount) * fraction.basisPoints / basisPointsPerUnit)
}

type discountTier struct {
	minimumDays int
	basisPoints int64
}

var discountTiers = map[Plan]discountTier{
	PlanWeekly:  {minimumDays: 7, basisPoints: 1500},
	PlanMonthly: {minimumDays: 30, basisPoints: 2500},
}

// DiscountFraction returns the plan discount once its minimum duration is met, zero otherwise.
func DiscountFraction(plan Plan, days int) Fraction {
	tier, ok := discountTiers[plan]
	if !ok || days < tier.minimumDays {
		return Fraction{}
	}
	return Fraction{basisPoints: tier.basisPoints}
}

// MinimumDays returns the qualifying duration of a plan (zero for daily).
func MinimumDays(plan Plan) int {
	return discountTiers[plan].minimumDays
}
