package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamview/streamview/internal/table"
)

// Source lists the tables to snapshot on every tick.
type Source func() []*table.Table

// Scheduler snapshots every table from a Source on a fixed interval. Tables
// whose op has not advanced since their last snapshot are skipped.
type Scheduler struct {
	store    *Store
	source   Source
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	saved   map[string]uint64 // table → op of the last snapshot
	onRun   func(ctx context.Context, written int)
}

// NewScheduler creates a scheduler. It does nothing until Start.
func NewScheduler(store *Store, source Source, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		source:   source,
		interval: interval,
		saved:    make(map[string]uint64),
	}
}

// Start begins the snapshot loop. It runs until the context is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("snapshot: scheduler is already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("snapshot: interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

// OnRun registers fn to be called after every completed RunOnce cycle.
func (s *Scheduler) OnRun(fn func(ctx context.Context, written int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRun = fn
}

// Stop stops the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce snapshots every changed table. Failures are logged and do not
// stop the cycle. It returns the number of snapshots written.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	written := 0
	for _, t := range s.source() {
		if ctx.Err() != nil {
			return written
		}
		if t.IsDeleted() {
			continue
		}
		op := t.Op()
		if last, ok := s.lastOp(t.Name()); ok && last == op {
			continue
		}
		if _, err := s.store.Save(ctx, t); err != nil {
			s.store.log.Warn("periodic snapshot failed", "table", t.Name(), "err", err)
			continue
		}
		s.setLastOp(t.Name(), op)
		written++
	}
	s.mu.Lock()
	fn := s.onRun
	s.mu.Unlock()
	if fn != nil {
		fn(ctx, written)
	}
	return written
}

func (s *Scheduler) lastOp(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.saved[name]
	return op, ok
}

func (s *Scheduler) setLastOp(name string, op uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[name] = op
}
