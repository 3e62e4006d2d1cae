package scheduler

import (
	"tabsync/internal/resource"
)

// stateLocked must be called with mu held.
func (s *Service) stateLocked(r resource.Type) *resourceState {
	st := s.state[r]
	if st == nil {
		st = &resourceState{}
		s.state[r] = st
	}
	return st
}

// recordLocked appends to the bounded history. mu must be held.
func (s *Service) recordLocked(r Result) {
	s.history = append(s.history, r)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

func withOutcome(r Result, o Outcome) Result {
	r.Outcome = o
	return r
}

// Snapshot is a consistent diagnostic view of the scheduler.
func (s *Service) Snapshot() Snapshot {
	pres := s.presenceState()
	mode := s.Mode()
	every := s.CurrentInterval()
	next := s.NextTick()

	s.mu.Lock()
	cfg := s.cfg
	counters := s.counters
	hist := make([]Result, len(s.history))
	copy(hist, s.history)

	infos := make([]ResourceInfo, 0, len(s.regs))
	for _, r := range resource.All() {
		reg, ok := s.regs[r]
		if !ok {
			continue
		}
		it := ResourceInfo{Resource: r, Name: reg.name, Poll: reg.poll}
		if st := s.state[r]; st != nil {
			it.LastAttempt = st.lastAttempt
			it.LastSync = st.lastSync
			it.LastError = st.lastError
			it.Successes = st.successes
			it.Failures = st.failures
		}
		infos = append(infos, it)
	}
	s.mu.Unlock()

	counters.CronErrors = s.cronErrors.Load()

	return Snapshot{
		Enabled:         cfg.Enabled,
		Mode:            mode,
		Visible:         pres.Visible,
		Active:          pres.Active,
		LastActivity:    pres.LastActivity,
		CurrentInterval: every,
		FastInterval:    cfg.FastInterval,
		IdleInterval:    cfg.IdleInterval,
		MinSpacing:      cfg.MinSpacing,
		NextTick:        next,
		Queue:           s.queue.Pending(),
		QueueStats:      s.queue.Stats(),
		Resources:       infos,
		Counters:        counters,
		History:         hist,
	}
}
