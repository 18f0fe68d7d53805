// Package scheduler periodically scans running Stacks and enqueues an
// Orchestrator cycle for each one that is due, over a bounded worker
// pool. Grounded on the teacher's pkg/dispatch.Dispatcher: a ticker
// goroutine (metricsMonitor's 5s ticker pattern) feeding a set of worker
// goroutines (messageProcessor's select-on-channel-or-shutdown loop),
// with Stop draining in-flight work before closing (Dispatcher.Stop's
// wg.Wait()-then-close sequencing).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"stackforge/pkg/logx"
	"stackforge/pkg/orchestrator"
	"stackforge/pkg/store"
)

const (
	tickInterval  = 5 * time.Second
	stuckAfter    = 60 * time.Second
	queueCapacity = 256
)

// Scheduler ticks every tickInterval, looking for Stacks that need a new
// Orchestrator cycle. A prior execution is considered done and the stack
// eligible for a new one when: none exists yet; the prior one reached a
// terminal status (completed/paused/failed); or the prior one is still
// marked running but has been for more than stuckAfter (a worker that
// crashed mid-cycle, recovered here rather than wedging the stack).
type Scheduler struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	logger       *logx.Logger

	maxConcurrentCycles int
	tickInterval        time.Duration
	workCh              chan string
	shutdown            chan struct{}
	wg                  sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New builds a Scheduler with maxConcurrentCycles worker goroutines. If
// maxConcurrentCycles <= 0, it defaults to 4 — enough to keep a handful
// of stacks' cycles overlapping without letting one slow LLM call stall
// every other stack's scheduling.
func New(s *store.Store, orch *orchestrator.Orchestrator, maxConcurrentCycles int) *Scheduler {
	if maxConcurrentCycles <= 0 {
		maxConcurrentCycles = 4
	}
	return &Scheduler{
		store:               s,
		orchestrator:        orch,
		logger:              logx.NewLogger("scheduler"),
		maxConcurrentCycles: maxConcurrentCycles,
		tickInterval:        tickInterval,
		workCh:              make(chan string, queueCapacity),
		shutdown:            make(chan struct{}),
	}
}

// SetTickInterval overrides the default tick cadence. Must be called
// before Start; zero or negative durations are ignored.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickInterval = d
}

// Start launches the tick loop and the worker pool. It returns
// immediately; call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	for i := 0; i < s.maxConcurrentCycles; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	s.mu.Lock()
	interval := s.tickInterval
	s.mu.Unlock()
	s.logger.Info("scheduler started: tick=%s workers=%d", interval, s.maxConcurrentCycles)
	return nil
}

// Stop signals every goroutine to exit and waits for in-flight cycles to
// finish, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out waiting for in-flight cycles")
		return ctx.Err()
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.mu.Lock()
	interval := s.tickInterval
	s.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	stacks, err := s.store.ListStacks(store.StackRunning)
	if err != nil {
		s.logger.Error("tick: list running stacks: %v", err)
		return
	}

	for _, stack := range stacks {
		if !s.dueForCycle(stack.ID) {
			continue
		}
		select {
		case s.workCh <- stack.ID:
		default:
			s.logger.Warn("tick: work queue full, skipping stack %s this tick", stack.ID)
		}
	}
}

// dueForCycle implements spec.md §4.8's eligibility rule.
func (s *Scheduler) dueForCycle(stackID string) bool {
	exec, err := s.store.LatestExecution(stackID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		s.logger.Error("dueForCycle: latest execution for %s: %v", stackID, err)
		return false
	}
	switch exec.Status {
	case store.ExecCompleted, store.ExecPaused, store.ExecFailed:
		return true
	case store.ExecRunning:
		if time.Since(exec.StartedAt) <= stuckAfter {
			return false
		}
		// Close out the stuck row so the next cycle's lease can be acquired.
		msg := "stuck: still running after " + stuckAfter.String()
		if err := s.store.FinalizeExecution(exec.ID, store.ExecFailed, "failed", "", nil, 0, &msg); err != nil {
			s.logger.Error("dueForCycle: finalize stuck execution %s: %v", exec.ID, err)
			return false
		}
		return true
	default:
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case stackID, ok := <-s.workCh:
			if !ok {
				return
			}
			s.runUntilPause(ctx, stackID)
		}
	}
}

// runUntilPause calls Cycle repeatedly while the Orchestrator keeps
// returning ActionContinue ("self-schedule immediately" per spec.md
// §4.7 step 6), stopping as soon as it pauses, stops, or errors, or the
// scheduler is asked to shut down. This keeps the "continue" case off
// the tick loop entirely: a stack that wants to run again right away
// does so on this same worker, not by waiting for the next 5s tick.
func (s *Scheduler) runUntilPause(ctx context.Context, stackID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		decision, err := s.orchestrator.Cycle(ctx, stackID)
		if err != nil {
			if errors.Is(err, store.ErrConflictRetry) {
				return
			}
			s.logger.Error("cycle failed for stack %s: %v", stackID, err)
			return
		}
		if decision.Action != orchestrator.ActionContinue {
			return
		}
	}
}
