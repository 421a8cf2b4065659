// Package scheduler routes pipeline work to an IO-oriented pool, a
// CPU-oriented pool with work stealing, or a dedicated priority lane,
// under a global admission semaphore.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Abyteon/canp/core"
	"github.com/Abyteon/canp/fabric"
)

// Task is one unit of submitted work. The context carries the task
// deadline and the scheduler's shutdown signal; CPU-bound bodies must
// check it between batches.
type Task func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	// IOWorkers serve the general IO queue. Default: cores/2, min 1.
	IOWorkers int
	// CPUWorkers serve the compute pool. Default: cores.
	CPUWorkers int
	// PriorityWorkers serve the priority lane. Default: 1.
	PriorityWorkers int
	// QueueDepth bounds each internal queue. Default: 256.
	QueueDepth int
	// MaxInFlight bounds admitted-but-unfinished tasks; Submit*
	// returns core.ErrBusy beyond it. Default: 4 * CPUWorkers.
	MaxInFlight int64
	// TaskDeadline bounds each task's execution. Zero disables.
	TaskDeadline time.Duration
	// MaxWorkerRestarts bounds panic-driven worker restarts.
	MaxWorkerRestarts int
	Logger            *slog.Logger
}

type task struct {
	handle *TaskHandle
	fn     Task
}

// TaskHandle surfaces a submitted task's identity and result.
type TaskHandle struct {
	id        uint64
	kind      core.TaskKind
	priority  core.Priority
	submitted time.Time

	buffers []*fabric.Buffer
	once    sync.Once
	done    chan struct{}
	err     error

	sched *Scheduler
}

// ID returns the task's unique id.
func (h *TaskHandle) ID() uint64 { return h.id }

// Kind returns which pool the task was routed to.
func (h *TaskHandle) Kind() core.TaskKind { return h.kind }

// Done is closed when the task reaches a terminal state.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Err returns the task's terminal error. Only valid after Done.
func (h *TaskHandle) Err() error { return h.err }

// Wait blocks until the task terminates or ctx is done.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish transitions the task to its terminal state exactly once:
// attached buffers are released, the admission permit returned, and
// waiters signalled. Every terminal path (success, error, panic,
// cancellation, drain) funnels through here.
func (h *TaskHandle) finish(err error) {
	h.once.Do(func() {
		for _, b := range h.buffers {
			b.Release()
		}
		h.err = err
		h.sched.sem.Release(1)
		close(h.done)
	})
}

// Scheduler owns the worker pools. Process-scoped; create once at
// startup and Shutdown explicitly.
type Scheduler struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sem      *semaphore.Weighted
	closed   atomic.Bool
	nextID   atomic.Uint64
	wg       sync.WaitGroup
	restarts atomic.Int32

	// ioQueues is indexed by core.Priority; workers drain the highest
	// non-empty queue first.
	ioQueues  [3]chan *task
	prioQueue chan *task
	cpuIntake [3]chan *task
	cpuDeques []*deque

	stats *statsCounters
}

// New creates and starts a Scheduler.
func New(opts Options) (*Scheduler, error) {
	cores := runtime.NumCPU()
	if opts.IOWorkers <= 0 {
		opts.IOWorkers = cores / 2
		if opts.IOWorkers < 1 {
			opts.IOWorkers = 1
		}
	}
	if opts.CPUWorkers <= 0 {
		opts.CPUWorkers = cores
	}
	if opts.PriorityWorkers <= 0 {
		opts.PriorityWorkers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = int64(4 * opts.CPUWorkers)
	}
	if opts.MaxWorkerRestarts <= 0 {
		opts.MaxWorkerRestarts = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	stats, err := newStatsCounters()
	if err != nil {
		return nil, fmt.Errorf("scheduler stats: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:      opts,
		logger:    opts.Logger.With("component", "Scheduler"),
		ctx:       ctx,
		cancel:    cancel,
		sem:       semaphore.NewWeighted(opts.MaxInFlight),
		prioQueue: make(chan *task, opts.QueueDepth),
		cpuDeques: make([]*deque, opts.CPUWorkers),
		stats:     stats,
	}
	for i := range s.ioQueues {
		s.ioQueues[i] = make(chan *task, opts.QueueDepth)
	}
	for i := range s.cpuIntake {
		s.cpuIntake[i] = make(chan *task, opts.QueueDepth)
	}
	for i := range s.cpuDeques {
		s.cpuDeques[i] = &deque{}
	}

	for i := 0; i < opts.IOWorkers; i++ {
		s.spawnWorker(fmt.Sprintf("io-%d", i), s.ioWorker)
	}
	for i := 0; i < opts.PriorityWorkers; i++ {
		s.spawnWorker(fmt.Sprintf("prio-%d", i), s.priorityWorker)
	}
	for i := 0; i < opts.CPUWorkers; i++ {
		idx := i
		s.spawnWorker(fmt.Sprintf("cpu-%d", i), func() { s.cpuWorker(idx) })
	}
	s.logger.Info("scheduler started",
		"io_workers", opts.IOWorkers,
		"cpu_workers", opts.CPUWorkers,
		"priority_workers", opts.PriorityWorkers,
		"max_in_flight", opts.MaxInFlight)
	return s, nil
}

// SubmitIO enqueues a task whose body suspends on external IO.
func (s *Scheduler) SubmitIO(priority core.Priority, work Task) (*TaskHandle, error) {
	return s.submit(core.TaskIO, priority, nil, work)
}

// SubmitCPU enqueues a compute task. The body must not block on
// external IO for long.
func (s *Scheduler) SubmitCPU(priority core.Priority, work Task) (*TaskHandle, error) {
	return s.submit(core.TaskCPU, priority, nil, work)
}

// SubmitPriority bypasses the general queues; reserved for recovery
// and reporting work.
func (s *Scheduler) SubmitPriority(work Task) (*TaskHandle, error) {
	return s.submit(core.TaskPriorityLane, core.PriorityHigh, nil, work)
}

// SubmitWithBuffers attaches pooled buffers to the task; they are
// released exactly once when the task terminates on any path.
func (s *Scheduler) SubmitWithBuffers(kind core.TaskKind, priority core.Priority, buffers []*fabric.Buffer, work Task) (*TaskHandle, error) {
	return s.submit(kind, priority, buffers, work)
}

func (s *Scheduler) submit(kind core.TaskKind, priority core.Priority, buffers []*fabric.Buffer, work Task) (*TaskHandle, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("scheduler shut down: %w", core.ErrCancelled)
	}
	if !s.sem.TryAcquire(1) {
		s.stats.rejected.Add(1)
		return nil, core.ErrBusy
	}
	h := &TaskHandle{
		id:        s.nextID.Add(1),
		kind:      kind,
		priority:  priority,
		submitted: time.Now(),
		buffers:   buffers,
		done:      make(chan struct{}),
		sched:     s,
	}
	t := &task{handle: h, fn: work}

	var q chan *task
	switch kind {
	case core.TaskIO:
		q = s.ioQueues[priority]
	case core.TaskCPU:
		q = s.cpuIntake[priority]
	case core.TaskPriorityLane:
		q = s.prioQueue
	default:
		h.finish(fmt.Errorf("unknown task kind %v", kind))
		return nil, fmt.Errorf("unknown task kind %v", kind)
	}
	select {
	case q <- t:
	default:
		// Queue full counts as admission pressure, same as the
		// semaphore: surface Busy rather than blocking the submitter.
		h.finish(core.ErrBusy)
		s.stats.rejected.Add(1)
		return nil, core.ErrBusy
	}
	s.stats.submitted.Add(1)
	return h, nil
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() SchedulerStats {
	return s.stats.snapshot()
}

// Shutdown stops accepting tasks, waits up to the context's deadline
// for in-flight and queued work to drain, then cancels the rest.
// Remaining queued tasks terminate with core.ErrCancelled and release
// their buffers. Idempotent.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	drained := true
	if err := s.sem.Acquire(ctx, s.opts.MaxInFlight); err != nil {
		drained = false
		s.logger.Warn("shutdown grace expired with work in flight", "error", err)
	} else {
		s.sem.Release(s.opts.MaxInFlight)
	}
	s.cancel()
	s.wg.Wait()
	s.drainQueues()
	s.logger.Info("scheduler stopped", "drained", drained)
	if !drained {
		return core.ErrCancelled
	}
	return nil
}

// drainQueues finishes every task still sitting in a queue after the
// workers exited. Buffer release on cancellation is mandatory.
func (s *Scheduler) drainQueues() {
	drain := func(q chan *task) {
		for {
			select {
			case t := <-q:
				t.handle.finish(core.ErrCancelled)
				s.stats.record(t.handle.kind, 0, core.ErrCancelled)
			default:
				return
			}
		}
	}
	for i := range s.ioQueues {
		drain(s.ioQueues[i])
	}
	for i := range s.cpuIntake {
		drain(s.cpuIntake[i])
	}
	drain(s.prioQueue)
	for _, d := range s.cpuDeques {
		for t := d.stealTop(); t != nil; t = d.stealTop() {
			t.handle.finish(core.ErrCancelled)
			s.stats.record(t.handle.kind, 0, core.ErrCancelled)
		}
	}
}

// spawnWorker runs loop on a goroutine, restarting it after a panic up
// to the configured bound.
func (s *Scheduler) spawnWorker(name string, loop func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			crashed := s.runWorker(name, loop)
			if !crashed {
				return
			}
			if n := s.restarts.Add(1); int(n) > s.opts.MaxWorkerRestarts {
				s.logger.Error("worker restart budget exhausted", "worker", name)
				return
			}
			s.logger.Warn("restarting crashed worker", "worker", name)
		}
	}()
}

func (s *Scheduler) runWorker(name string, loop func()) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker crashed", "worker", name, "panic", r)
			crashed = true
		}
	}()
	loop()
	return false
}

// ioWorker drains the IO queues highest priority first. In-flight
// tasks are never preempted; priority only orders starts.
func (s *Scheduler) ioWorker() {
	for {
		t := s.nextIO()
		if t == nil {
			return
		}
		s.execute(t)
	}
}

// tryNextIO dequeues from the highest non-empty IO queue without
// blocking.
func (s *Scheduler) tryNextIO() *task {
	for p := int(core.PriorityHigh); p >= int(core.PriorityLow); p-- {
		select {
		case t := <-s.ioQueues[p]:
			return t
		default:
		}
	}
	return nil
}

func (s *Scheduler) nextIO() *task {
	for {
		if t := s.tryNextIO(); t != nil {
			return t
		}
		select {
		case t := <-s.ioQueues[core.PriorityHigh]:
			return t
		case t := <-s.ioQueues[core.PriorityNormal]:
			return t
		case t := <-s.ioQueues[core.PriorityLow]:
			return t
		case <-s.ctx.Done():
			return nil
		}
	}
}

// priorityWorker strictly prefers the priority lane; it only helps the
// general IO queues when the lane is empty, and re-checks the lane
// before every start.
func (s *Scheduler) priorityWorker() {
	for {
		select {
		case t := <-s.prioQueue:
			s.execute(t)
			continue
		default:
		}
		if t := s.tryNextIO(); t != nil {
			s.execute(t)
			continue
		}
		select {
		case t := <-s.prioQueue:
			s.execute(t)
		case t := <-s.ioQueues[core.PriorityHigh]:
			s.execute(t)
		case t := <-s.ioQueues[core.PriorityNormal]:
			s.execute(t)
		case t := <-s.ioQueues[core.PriorityLow]:
			s.execute(t)
		case <-s.ctx.Done():
			return
		}
	}
}

// cpuWorker runs its own deque dry, refills from the shared intake,
// then steals from siblings before blocking.
func (s *Scheduler) cpuWorker(idx int) {
	own := s.cpuDeques[idx]
	for {
		if t := own.popBottom(); t != nil {
			s.execute(t)
			continue
		}
		if s.refill(own) {
			continue
		}
		if t := s.steal(idx); t != nil {
			s.execute(t)
			continue
		}
		select {
		case t := <-s.cpuIntake[core.PriorityHigh]:
			s.execute(t)
		case t := <-s.cpuIntake[core.PriorityNormal]:
			s.execute(t)
		case t := <-s.cpuIntake[core.PriorityLow]:
			s.execute(t)
		case <-s.ctx.Done():
			return
		}
	}
}

// refill moves up to a small batch from the intake queues (highest
// priority first) onto the worker's deque.
func (s *Scheduler) refill(own *deque) bool {
	const batch = 8
	var moved []*task
	for p := int(core.PriorityHigh); p >= int(core.PriorityLow); p-- {
	tier:
		for len(moved) < batch {
			select {
			case t := <-s.cpuIntake[p]:
				moved = append(moved, t)
			default:
				break tier
			}
		}
	}
	// Push in reverse so the owner's LIFO pop starts the highest
	// priority task first.
	for i := len(moved) - 1; i >= 0; i-- {
		own.pushBottom(moved[i])
	}
	return len(moved) > 0
}

func (s *Scheduler) steal(self int) *task {
	for i := range s.cpuDeques {
		if i == self {
			continue
		}
		if t := s.cpuDeques[i].stealTop(); t != nil {
			return t
		}
	}
	return nil
}

// execute runs one task with its deadline, captures panics as task
// errors, and records timing. After shutdown cancellation no new task
// body starts; the task terminates cancelled with buffers released.
func (s *Scheduler) execute(t *task) {
	if s.ctx.Err() != nil {
		t.handle.finish(core.ErrCancelled)
		s.stats.record(t.handle.kind, 0, core.ErrCancelled)
		return
	}
	start := time.Now()
	ctx := s.ctx
	var cancel context.CancelFunc
	if s.opts.TaskDeadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opts.TaskDeadline)
		defer cancel()
	}

	err := s.runTask(ctx, t)
	if err == nil && ctx.Err() != nil {
		err = core.ErrCancelled
	}
	t.handle.finish(err)
	s.stats.record(t.handle.kind, time.Since(start), err)
}

func (s *Scheduler) runTask(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked: %v", t.handle.id, r)
		}
	}()
	return t.fn(ctx)
}
