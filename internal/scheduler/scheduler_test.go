package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewRegistersEntries(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		entries     []Entry
		expectedLen int
		expectedErr error
	}{
		{
			name: "two jobs",
			entries: []Entry{
				{Name: "reconcile", Schedule: "0 */5 * * * *", Job: func() {}},
				{Name: "audit", Schedule: "0 30 3 * * *", Job: func() {}},
			},
			expectedLen: 2,
		},
		{
			name:        "empty schedule disables",
			entries:     []Entry{{Name: "audit", Schedule: "", Job: func() {}}},
			expectedLen: 0,
		},
		{
			name:        "five field expression rejected",
			entries:     []Entry{{Name: "audit", Schedule: "*/5 * * * *", Job: func() {}}},
			expectedErr: ErrInvalidSchedule,
		},
		{
			name:        "missing job",
			entries:     []Entry{{Name: "audit", Schedule: "@every 1s"}},
			expectedErr: ErrInvalidSchedule,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			scheduler, err := New(testCase.entries, zap.NewNop())
			if testCase.expectedErr != nil {
				if !errors.Is(err, testCase.expectedErr) {
					test.Fatalf("expected %v, got %v", testCase.expectedErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("new: %v", err)
			}
			if scheduler.Len() != testCase.expectedLen {
				test.Fatalf("expected %d entries, got %d", testCase.expectedLen, scheduler.Len())
			}
		})
	}
}

func TestSchedulerRunsJobs(test *testing.T) {
	test.Parallel()
	var runs atomic.Int32
	scheduler, err := New([]Entry{{Name: "tick", Schedule: "@every 1s", Job: func() { runs.Add(1) }}}, nil)
	if err != nil {
		test.Fatalf("new: %v", err)
	}
	scheduler.Start()
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := scheduler.Stop(ctx); err != nil {
		test.Fatalf("stop: %v", err)
	}
	if runs.Load() == 0 {
		test.Fatalf("expected the job to run")
	}
}
