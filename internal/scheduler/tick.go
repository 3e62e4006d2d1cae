package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"tabsync/internal/syncqueue"
	logx "tabsync/pkg/logx"
)

// Tick runs one scheduled cycle: polled resources are queued, the queue is
// drained and each pending resource is synced. Disabled and hidden tabs do
// nothing. A tick that finds another cycle running is skipped.
func (s *Service) Tick(ctx context.Context) []Result {
	s.mu.Lock()
	s.counters.Ticks++
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	if !enabled {
		s.bump(func(c *Counters) { c.SkippedDisabled++ })
		return nil
	}
	if !s.presenceState().Visible {
		s.bump(func(c *Counters) { c.SkippedHidden++ })
		return nil
	}
	if !s.cycleMu.TryLock() {
		s.bump(func(c *Counters) { c.SkippedBusy++ })
		return nil
	}
	defer s.cycleMu.Unlock()

	for _, r := range s.pollTargets() {
		s.queue.Enqueue(r, ReasonPoll)
	}
	return s.runCycle(ctx, TriggerTick)
}

// ForceSyncAll queues every registered resource and drains now, waiting for
// any running cycle first. Minimum spacing still applies. The returned error
// joins every handler failure.
func (s *Service) ForceSyncAll(ctx context.Context) ([]Result, error) {
	for _, r := range s.registered() {
		s.queue.Enqueue(r, ReasonForce)
	}
	s.cycleMu.Lock()
	results := s.runCycle(ctx, TriggerForce)
	s.cycleMu.Unlock()

	var errs []error
	for _, r := range results {
		if r.Outcome == OutcomeFailed {
			errs = append(errs, fmt.Errorf("%s: %s", r.Resource, r.Error))
		}
	}
	return results, errors.Join(errs...)
}

// runCycle must be called with cycleMu held.
func (s *Service) runCycle(ctx context.Context, trigger Trigger) []Result {
	entries := s.queue.Drain()
	if len(entries) == 0 {
		return nil
	}
	s.bump(func(c *Counters) { c.Cycles++ })

	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		results = append(results, s.syncOne(ctx, trigger, e))
	}
	return results
}

func (s *Service) syncOne(ctx context.Context, trigger Trigger, e syncqueue.Entry) Result {
	res := Result{Resource: e.Resource, Reasons: e.Reasons, Trigger: trigger}
	log := s.log.With(logx.String("resource", e.Resource.String()), logx.String("trigger", string(trigger)))

	s.mu.Lock()
	reg := s.regs[e.Resource]
	if reg == nil {
		s.counters.Unhandled++
		s.mu.Unlock()
		res.Outcome = OutcomeNoHandler
		log.Debug("dropping queued resource without handler", logx.Strings("reasons", e.Reasons))
		return res
	}
	st := s.stateLocked(e.Resource)
	now := s.now()
	res.Started = now
	if spacing := s.cfg.MinSpacing; !st.lastAttempt.IsZero() && now.Sub(st.lastAttempt) < spacing {
		since := now.Sub(st.lastAttempt)
		s.counters.Deferred++
		s.recordLocked(withOutcome(res, OutcomeDeferred))
		s.mu.Unlock()

		log.Debug("sync refused by minimum spacing", logx.Duration("since_last", since), logx.Strings("reasons", e.Reasons))
		return withOutcome(res, OutcomeDeferred)
	}
	st.lastAttempt = now
	fn := reg.fn
	s.mu.Unlock()

	err := s.call(ctx, fn)
	done := s.now()
	res.Took = done.Sub(now)

	s.mu.Lock()
	if err != nil {
		st.failures++
		st.lastError = err.Error()
		s.counters.Failures++
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
	} else {
		st.successes++
		st.lastSync = done
		st.lastError = ""
		s.counters.Syncs++
		res.Outcome = OutcomeOK
	}
	s.recordLocked(res)
	s.mu.Unlock()

	if err != nil {
		log.Warn("sync failed; will retry on next tick", logx.Strings("reasons", e.Reasons), logx.Err(err))
		s.requeue(e, ReasonRetry)
		if trigger == TriggerForce {
			s.toast(ctx, ToastError, fmt.Sprintf("%s refresh failed", e.Resource))
		}
		return res
	}

	log.Debug("sync completed", logx.Strings("reasons", e.Reasons), logx.Duration("took", res.Took))
	if !announces(e.Reasons) {
		s.bump(func(c *Counters) { c.Unannounced++ })
		return res
	}
	s.announce(ctx, e, done)
	s.toast(ctx, ToastSuccess, fmt.Sprintf("%s updated", e.Resource))
	return res
}

func (s *Service) announce(ctx context.Context, e syncqueue.Entry, at time.Time) {
	s.bump(func(c *Counters) { c.Completions++ })
	if s.emitter == nil {
		return
	}
	payload := Completion{Resource: e.Resource, Reasons: e.Reasons, At: at.UnixMilli()}
	if err := s.emitter.Emit(ctx, EventCompleted, payload, s.source()); err != nil {
		s.bump(func(c *Counters) { c.EmitErrors++ })
		s.log.Warn("completion emit failed", logx.String("resource", e.Resource.String()), logx.Err(err))
	}
}

func (s *Service) toast(ctx context.Context, level, text string) {
	if s.toaster == nil {
		return
	}
	s.toaster.Toast(ctx, level, text)
}

// requeue puts e back with the reasons it already had plus marker.
func (s *Service) requeue(e syncqueue.Entry, marker string) {
	for _, r := range e.Reasons {
		s.queue.Enqueue(e.Resource, r)
	}
	s.queue.Enqueue(e.Resource, marker)
}

// call runs fn and converts a panic into an error.
func (s *Service) call(ctx context.Context, fn SyncFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.bump(func(c *Counters) { c.Panics++ })
			stack := strings.TrimSpace(string(debug.Stack()))
			s.log.Error("sync handler panicked", logx.Any("panic", r), logx.String("stack", stack))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
