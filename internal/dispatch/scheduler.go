package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/shutterdesk/autoresponder/internal/inbound"
)

// Scheduler runs dispatch passes on a ticker, plus an extra pass whenever
// a notified item becomes due. Waiting items hold a timer, never a worker.
type Scheduler struct {
	d        *Dispatcher
	interval time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	passes func(PassSummary) // observer, used by tests and the CLI
}

func NewScheduler(d *Dispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		d:        d,
		interval: interval,
		timers:   make(map[string]*time.Timer),
		wake:     make(chan struct{}, 1),
	}
}

// OnPass registers a callback invoked after every pass
func (s *Scheduler) OnPass(fn func(PassSummary)) {
	s.mu.Lock()
	s.passes = fn
	s.mu.Unlock()
}

// Start launches the scheduling loop. It runs one pass immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(ctx, done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.d.logger.Info().Dur("interval", s.interval).Msg("Dispatch scheduler started")
	s.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			s.d.logger.Info().Msg("Dispatch scheduler stopped")
			return
		case <-ticker.C:
			s.runPass(ctx)
		case <-s.wake:
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	summary, err := s.d.RunPass(ctx)
	if err != nil && ctx.Err() == nil {
		s.d.logger.Error().Err(err).Msg("Dispatch pass failed")
	}
	s.mu.Lock()
	fn := s.passes
	s.mu.Unlock()
	if fn != nil {
		fn(summary)
	}
}

// Notify schedules a pass for when item becomes due under its channel's
// response delay. Items already due trigger a pass right away.
func (s *Scheduler) Notify(item *inbound.Item) {
	p, ok := s.d.Policy(item.Channel)
	if !ok {
		return
	}
	wait := item.DueAt(p.ResponseDelay).Sub(s.d.now())
	if wait <= 0 {
		s.poke()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[item.ID]; ok {
		old.Stop()
	}
	id := item.ID
	s.timers[id] = time.AfterFunc(wait, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.poke()
	})
}

// Pending returns the number of armed timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the loop, waits for an in-progress pass and drops pending
// timers. The scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
