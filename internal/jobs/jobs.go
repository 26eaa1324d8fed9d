// Package jobs holds the background maintenance work run by the scheduler and the CLI.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"go.uber.org/zap"
)

const (
	JobRecordPendingPoints = "record_pending_points"
	JobAuditLedgers        = "audit_ledgers"

	defaultJobTimeout = 5 * time.Minute
)

// ErrInvalidRunnerConfig is returned when a dependency is missing.
var ErrInvalidRunnerConfig = errors.New("invalid job runner config")

// PendingReconciler records earned points that confirmation could not write.
type PendingReconciler interface {
	ReconcilePending(ctx context.Context, limit int) (int, error)
}

// MemberLister enumerates members for ledger audits.
type MemberLister interface {
	ListMemberIDs(ctx context.Context) ([]member.ID, error)
}

// LedgerAuditor compares cached balances with ledger sums.
type LedgerAuditor interface {
	Audit(ctx context.Context, memberID member.ID) (loyalty.Audit, error)
}

// AuditReport summarizes an AuditLedgers run.
type AuditReport struct {
	Checked    int
	Mismatches []loyalty.Audit
}

// Runner coordinates the scheduled jobs. Stop cancels every job started through Func.
type Runner struct {
	reconciler PendingReconciler
	members    MemberLister
	auditor    LedgerAuditor
	batchSize  int
	timeout    time.Duration
	logger     *zap.Logger
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewRunner wires a Runner.
func NewRunner(reconciler PendingReconciler, members MemberLister, auditor LedgerAuditor, batchSize int, logger *zap.Logger) (*Runner, error) {
	if reconciler == nil || members == nil || auditor == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidRunnerConfig)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", ErrInvalidRunnerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Runner{
		reconciler: reconciler,
		members:    members,
		auditor:    auditor,
		batchSize:  batchSize,
		timeout:    defaultJobTimeout,
		logger:     logger,
		baseCtx:    baseCtx,
		cancel:     cancel,
	}, nil
}

// Stop cancels running jobs. Jobs fired after Stop start with a cancelled context.
func (runner *Runner) Stop() {
	runner.cancel()
}

// RecordPendingPoints records one batch of missing earns.
func (runner *Runner) RecordPendingPoints(ctx context.Context) (int, error) {
	recorded, err := runner.reconciler.ReconcilePending(ctx, runner.batchSize)
	runner.logger.Info("pending points swept", zap.Int("recorded", recorded), zap.Error(err))
	return recorded, err
}

// AuditLedgers checks every member and logs each mismatch at error level.
func (runner *Runner) AuditLedgers(ctx context.Context) (AuditReport, error) {
	memberIDs, err := runner.members.ListMemberIDs(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{}
	var failures []error
	for _, memberID := range memberIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		audit, err := runner.auditor.Audit(ctx, memberID)
		if err != nil {
			failures = append(failures, fmt.Errorf("audit %s: %w", memberID.String(), err))
			continue
		}
		report.Checked++
		if !audit.Consistent() {
			report.Mismatches = append(report.Mismatches, audit)
			runner.logger.Error("ledger mismatch",
				zap.String("member_id", memberID.String()),
				zap.Int64("cached_balance", audit.CachedBalance.Int64()),
				zap.Int64("ledger_sum", audit.LedgerSum.Int64()),
			)
		}
	}
	runner.logger.Info("ledgers audited", zap.Int("checked", report.Checked), zap.Int("mismatches", len(report.Mismatches)))
	return report, errors.Join(failures...)
}

// Func adapts a job to the no-argument form cron expects, with a timeout and panic recovery.
func (runner *Runner) Func(name string, job func(ctx context.Context) error) func() {
	return func() {
		runner.runWithRecovery(name, job)
	}
}

// RecordPendingPointsJob is the cron entry for RecordPendingPoints.
func (runner *Runner) RecordPendingPointsJob() func() {
	return runner.Func(JobRecordPendingPoints, func(ctx context.Context) error {
		_, err := runner.RecordPendingPoints(ctx)
		return err
	})
}

// AuditLedgersJob is the cron entry for AuditLedgers.
func (runner *Runner) AuditLedgersJob() func() {
	return runner.Func(JobAuditLedgers, func(ctx context.Context) error {
		_, err := runner.AuditLedgers(ctx)
		return err
	})
}

func (runner *Runner) runWithRecovery(name string, job func(ctx context.Context) error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runner.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", recovered))
		}
	}()
	ctx, cancel := context.WithTimeout(runner.baseCtx, runner.timeout)
	defer cancel()
	started := time.Now()
	if err := job(ctx); err != nil {
		runner.logger.Error("job failed", zap.String("job", name), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return
	}
	runner.logger.Info("job completed", zap.String("job", name), zap.Duration("elapsed", time.Since(started)))
}
