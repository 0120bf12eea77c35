package volume

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval samples at roughly 10 Hz.
const DefaultInterval = 100 * time.Millisecond

// Sampler reads an attached Analyser on a fixed interval and reports the level.
// Sampling without an analyser reports 0.
type Sampler struct {
	interval time.Duration
	emit     func(float64)

	mu       sync.Mutex
	analyser *Analyser
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSampler creates a sampler that passes every reading to emit.
func NewSampler(interval time.Duration, emit func(float64)) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if emit == nil {
		emit = func(float64) {}
	}
	return &Sampler{interval: interval, emit: emit}
}

// Attach sets the analyser to read from.
func (s *Sampler) Attach(a *Analyser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyser = a
}

// Sample reads the current level once.
func (s *Sampler) Sample() float64 {
	s.mu.Lock()
	a := s.analyser
	s.mu.Unlock()
	if a == nil {
		return 0
	}
	return a.Level()
}

// Start begins periodic sampling until Stop is called or ctx is done.
// Calling Start on a running sampler is a no-op.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.emit(s.Sample())
			}
		}
	}()
}

// Stop halts sampling, detaches the analyser and waits for the ticker goroutine.
// It is safe to call repeatedly.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.analyser = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the ticker goroutine is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
