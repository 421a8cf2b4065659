package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest/v4"

	"github.com/Abyteon/canp/core"
)

// SchedulerStats is a point-in-time snapshot of scheduler counters.
type SchedulerStats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	Rejected  uint64 // Busy admission refusals
	PerKind   map[core.TaskKind]uint64
	MeanExec  time.Duration
	P99Exec   time.Duration
}

type statsCounters struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64
	perKind   [3]atomic.Uint64

	mu        sync.Mutex
	execTotal time.Duration
	execCount uint64
	digest    *tdigest.TDigest
}

func newStatsCounters() (*statsCounters, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, err
	}
	return &statsCounters{digest: td}, nil
}

func (s *statsCounters) record(kind core.TaskKind, elapsed time.Duration, err error) {
	s.perKind[kind].Add(1)
	switch {
	case err == nil:
		s.completed.Add(1)
	case errors.Is(err, core.ErrCancelled):
		s.cancelled.Add(1)
	default:
		s.failed.Add(1)
	}
	s.mu.Lock()
	s.execTotal += elapsed
	s.execCount++
	_ = s.digest.Add(float64(elapsed.Nanoseconds()))
	s.mu.Unlock()
}

func (s *statsCounters) snapshot() SchedulerStats {
	st := SchedulerStats{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
		Rejected:  s.rejected.Load(),
		PerKind: map[core.TaskKind]uint64{
			core.TaskIO:           s.perKind[core.TaskIO].Load(),
			core.TaskCPU:          s.perKind[core.TaskCPU].Load(),
			core.TaskPriorityLane: s.perKind[core.TaskPriorityLane].Load(),
		},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execCount > 0 {
		st.MeanExec = s.execTotal / time.Duration(s.execCount)
		st.P99Exec = time.Duration(s.digest.Quantile(0.99))
	}
	return st
}
