package loyalty

import "time"

const (
	operationWelcome  = "welcome"
	operationEarn     = "earn"
	operationReferral = "referral"
	operationRedeem   = "redeem"
	operationReverse  = "reverse"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter   = ":"
	idempotencyPrefixWelcome  = "welcome"
	idempotencyPrefixEarn     = "earn"
	idempotencyPrefixReferral = "referral"
	idempotencySuffixReverse  = "reverse"

	defaultListLimit = 50
	maxListLimit     = 200

	defaultRetryAttempts        = 5
	defaultRetryInitialInterval = 5 * time.Millisecond
	defaultRetryMaxInterval     = 200 * time.Millisecond
)

const (
	// WelcomeBonusPoints is granted once per member at registration.
	WelcomeBonusPoints Points = 1000
	// ReferralBonusPoints is granted to each side of a successful invite.
	ReferralBonusPoints Points = 500
)

// EarnRatePercent is the share of a reservation total returned as points.
const EarnRatePercent = 5
