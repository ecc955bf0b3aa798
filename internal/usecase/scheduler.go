package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"MoltbookWatch/internal/ports"
)

// WatchOptions configures each scheduled cycle.
type WatchOptions struct {
	Acquire AcquireOptions
	Detect  DetectOptions
}

// CycleResult is the outcome of one watch cycle.
type CycleResult struct {
	Trigger     time.Time
	Acquisition AcquisitionReport
	Detection   DetectionReport
	Err         error
}

// Scheduler wires the interval driver with an acquire-then-detect cycle.
type Scheduler struct {
	driver      ports.Scheduler
	acquisition *Acquisition
	detection   *Detection
	opts        WatchOptions
	logger      *slog.Logger

	// running guards against overlapping cycles when a cycle outlasts the interval.
	running sync.Mutex
	results chan<- CycleResult
}

// NewScheduler returns a helper to start/stop recurring cycles.
func NewScheduler(driver ports.Scheduler, acquisition *Acquisition, detection *Detection, opts WatchOptions, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, acquisition: acquisition, detection: detection, opts: opts, logger: logger}
}

// Results delivers each cycle's outcome to ch. Sends never block; a full
// channel drops the result.
func (s *Scheduler) Results(ch chan<- CycleResult) {
	s.results = ch
}

// Start registers the cycle with the driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || (s.acquisition == nil && s.detection == nil) {
		return nil
	}
	return s.driver.Start(ctx, func(trigger time.Time) {
		res := s.Cycle(ctx, trigger)
		if s.results != nil {
			select {
			case s.results <- res:
			default:
			}
		}
	})
}

// Cycle acquires new content and runs detection over the corpus. Detection
// still runs after a partial acquisition; it is skipped when acquisition
// aborts.
func (s *Scheduler) Cycle(ctx context.Context, trigger time.Time) CycleResult {
	res := CycleResult{Trigger: trigger}
	if !s.running.TryLock() {
		s.warn("previous cycle still running, skipping", "trigger", trigger)
		return res
	}
	defer s.running.Unlock()

	if s.acquisition != nil {
		res.Acquisition, res.Err = s.acquisition.Run(ctx, s.opts.Acquire)
		if res.Err != nil {
			s.warn("watch acquisition failed", "trigger", trigger, "error", res.Err)
			return res
		}
	}
	if s.detection != nil {
		res.Detection, res.Err = s.detection.Run(ctx, s.opts.Detect)
		if res.Err != nil {
			s.warn("watch detection failed", "trigger", trigger, "error", res.Err)
			return res
		}
	}
	s.info("watch cycle finished", "trigger", trigger,
		"complete", res.Acquisition.Complete(), "findings", res.Detection.Findings,
		"new_pending", res.Detection.NewPending)
	return res
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}

func (s *Scheduler) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Scheduler) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
