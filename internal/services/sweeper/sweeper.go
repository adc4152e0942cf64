package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type TagSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Sweeper runs the expiry sweep on a ticker and on demand.
type Sweeper struct {
	tags     TagSweeper
	interval time.Duration
	now      func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRuns           atomic.Int64
	totalDeactivated    atomic.Int64
	lastDeactivated     atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(tags TagSweeper) *Sweeper {
	return &Sweeper{
		tags:              tags,
		interval:          time.Minute,
		now:               time.Now,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalRuns        int64      `json:"totalRuns"`
	TotalDeactivated int64      `json:"totalDeactivated"`
	LastDeactivated  int64      `json:"lastDeactivated"`
	TotalErrors      int64      `json:"totalErrors"`
	LastError        string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalRuns:        s.totalRuns.Load(),
		TotalDeactivated: s.totalDeactivated.Load(),
		LastDeactivated:  s.lastDeactivated.Load(),
		TotalErrors:      s.totalErrors.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.RunOnce(ctx)
		case <-s.triggerCh:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps once and records the outcome in the stats.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := s.now().UTC()
	s.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())
	s.totalRuns.Add(1)

	n, err := s.tags.SweepExpired(ctx, now)
	s.lastDeactivated.Store(int64(n))
	s.totalDeactivated.Add(int64(n))
	if err != nil {
		s.totalErrors.Add(1)
		s.lastErrorMu.Lock()
		s.lastError = err.Error()
		s.lastErrorMu.Unlock()
		slog.Error("sweep expired tags", "error", err.Error())
	}
}
