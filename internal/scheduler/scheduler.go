package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/connmonhq/connmon/internal/worker"
)

// Entry is one scheduled target.
type Entry struct {
	TargetID string
	Interval time.Duration
}

// Scheduler fires probe jobs on a fixed per-target cadence. It never blocks
// on a full job channel; a missed slot is skipped and the target is
// rescheduled onto its grid, so a slow worker pool cannot pile up a backlog
// of stale jobs.
type Scheduler struct {
	jobCh          chan<- worker.Job
	tickResolution time.Duration

	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	targetID string
	interval time.Duration
	next     time.Time
}

type Option func(*Scheduler)

func WithTickResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickResolution = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(jobCh chan<- worker.Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobCh:          jobCh,
		tickResolution: 100 * time.Millisecond,
		now:            time.Now,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update replaces the schedule. Every target fires on the first tick after
// the update so a fresh configuration produces samples immediately, then
// settles onto its interval.
func (s *Scheduler) Update(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := make(map[string]*entry, len(entries))
	for _, e := range entries {
		interval := e.Interval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		next[e.TargetID] = &entry{
			targetID: e.TargetID,
			interval: interval,
			next:     now,
		}
	}
	s.entries = next
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		job := worker.Job{
			TargetID:     e.targetID,
			ScheduledFor: e.next,
		}
		select {
		case s.jobCh <- job:
		default:
		}
		// Catch up past any slots that elapsed while we were not ticking.
		for !now.Before(e.next) {
			e.next = e.next.Add(e.interval)
		}
	}
}
