package loyalty

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	MemberID       member.ID
	ReservationID  string
	Amount         Points
	IdempotencyKey IdempotencyKey
	Attempts       int
	Status         string
	Error          error
}

// RetryPolicy bounds the compare-and-swap retries of a ledger write.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultRetryAttempts,
		InitialInterval: defaultRetryInitialInterval,
		MaxInterval:     defaultRetryMaxInterval,
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRetryPolicy overrides the ledger conflict retry policy.
func WithRetryPolicy(policy RetryPolicy) ServiceOption {
	return func(service *Service) {
		if policy.MaxAttempts < 1 {
			policy.MaxAttempts = 1
		}
		service.retryPolicy = policy
	}
}

// WithIDGenerator replaces the transaction id source.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(service *Service) {
		if newID != nil {
			service.newID = newID
		}
	}
}
