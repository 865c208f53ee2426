package workqueue

import "sync"

// ConcurrencyStrategy controls how many tasks may run at once.
type ConcurrencyStrategy interface {
	// CanStart returns true if another task can start given current state.
	CanStart() bool
	// OnStart is called when a task starts.
	OnStart()
	// OnComplete is called when a task finishes, whatever the outcome.
	OnComplete()
}

// LimitedStrategy allows up to maxConcurrent tasks to run in parallel.
type LimitedStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	running       int
}

// NewLimitedStrategy creates a strategy that runs at most maxConcurrent tasks.
func NewLimitedStrategy(maxConcurrent int) *LimitedStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &LimitedStrategy{maxConcurrent: maxConcurrent}
}

func (s *LimitedStrategy) CanStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running < s.maxConcurrent
}

func (s *LimitedStrategy) OnStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
}

func (s *LimitedStrategy) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
}

// Running returns the number of tasks currently counted as running.
func (s *LimitedStrategy) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
