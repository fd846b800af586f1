// Package scheduler manages the scheduling of generic runnable tasks.
// It supports both blocking and non-blocking task cancellation, as well as
// recurring (aka periodic) tasks that are automatically rescheduled after
// every run.
//
// Under the hood a fixed (configurable) number of worker goroutines wait on
// the task queue and run each task as soon as it's due.
//
// All exported methods are safe for concurrent use.
package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tsdb2/platform-sub002/clock"
)

type (
	// Handle is a unique task ID. The zero value is InvalidHandle.
	Handle uint64

	// Callback is the type of the functions that can be scheduled. The
	// worker running the task passes the task's own handle as the argument,
	// so that the callback can e.g. probe a handle set it was registered in.
	Callback func(h Handle)

	// State describes the lifecycle state of a Scheduler.
	State int32

	// Options configures a Scheduler.
	Options struct {
		// Workers is the number of worker goroutines.
		// **Defaults to 2, if 0.**
		Workers uint16

		// Clock used to schedule actions. Nil means the system clock.
		Clock clock.Clock

		// StartNow makes New call Start right away. Leave false e.g. for
		// schedulers constructed in global scope, so that workers don't spin
		// up before the process is ready.
		StartNow bool

		// Logger, if set, receives lifecycle events.
		Logger *logiface.Logger[logiface.Event]
	}

	// Scheduler runs delayed and periodic tasks on a pool of workers.
	// Instances must be created with New.
	Scheduler struct {
		clk    clock.Clock
		logger *logiface.Logger[logiface.Event]

		mu   sync.Mutex
		cond *sync.Cond

		tasks   map[Handle]*task
		queue   taskQueue
		state   State
		workers []*worker
		wg      sync.WaitGroup
	}

	task struct {
		handle    Handle
		callback  Callback
		due       time.Time
		period    time.Duration
		periodic  bool
		cancelled bool

		// index is the task's current slot in the priority queue array, kept
		// up to date by the heap swaps. A negative index means the task is
		// not queued, i.e. it's being run by exactly one worker.
		index int
	}

	worker struct {
		sleeping bool
	}
)

const (
	// Idle: constructed but not yet started.
	Idle State = iota
	// Started: the workers are processing tasks.
	Started
	// Stopping: waiting for current tasks to finish; no more tasks will run.
	Stopping
	// Stopped: all workers joined; no more tasks will run.
	Stopped
)

// InvalidHandle is never assigned to a task.
const InvalidHandle Handle = 0

// Handle values start at 1 because 0 is reserved as the invalid handle.
var handleGenerator atomic.Uint64

func nextHandle() Handle { return Handle(handleGenerator.Add(1)) }

// New creates a Scheduler with the provided options.
func New(options Options) *Scheduler {
	if options.Workers == 0 {
		options.Workers = 2
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.System()
	}
	s := &Scheduler{
		clk:    clk,
		logger: options.Logger,
		tasks:  make(map[Handle]*task),
	}
	s.cond = sync.NewCond(&s.mu)
	s.workers = make([]*worker, options.Workers)
	for i := range s.workers {
		s.workers[i] = &worker{}
	}
	if options.StartNow {
		s.Start()
	}
	return s
}

// Clock returns the clock used by this scheduler.
func (s *Scheduler) Clock() clock.Clock { return s.clk }

// State returns the current state of the scheduler.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spins up the workers. It has no effect unless the scheduler is Idle.
// The scheduler is guaranteed to be Started when Start returns; concurrent
// calls initialize the workers only once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.workerLoop(w)
	}
	s.state = Started
	s.cond.Broadcast()
	if s.logger != nil {
		s.logger.Debug().Int(`workers`, len(s.workers)).Log(`scheduler started`)
	}
}

// Stop stops and joins all workers.
//
// The scheduler is Stopping throughout the execution of this method, and
// guaranteed Stopped when it returns. Stopping an Idle scheduler transitions
// it straight to Stopped, preventing it from ever running tasks. Concurrent
// Stop calls all block until the workers are joined.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	switch {
	case s.state < Started:
		s.state = Stopped
		s.cond.Broadcast()
		s.mu.Unlock()
		return
	case s.state > Started:
		for s.state != Stopped {
			s.cond.Wait()
		}
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range s.queue {
		ref.index = -1
	}
	s.queue = nil
	s.tasks = make(map[Handle]*task)
	s.state = Stopped
	s.cond.Broadcast()
	if s.logger != nil {
		s.logger.Debug().Log(`scheduler stopped`)
	}
}

// ScheduleNow schedules a task to be executed ASAP. The returned handle can
// be used to cancel the task.
func (s *Scheduler) ScheduleNow(callback Callback) Handle {
	return s.schedule(callback, s.clk.Now(), 0)
}

// ScheduleAt schedules a task to be executed at the specified time.
func (s *Scheduler) ScheduleAt(callback Callback, due time.Time) Handle {
	return s.schedule(callback, due, 0)
}

// ScheduleIn schedules a task to be executed at now+delay.
func (s *Scheduler) ScheduleIn(callback Callback, delay time.Duration) Handle {
	return s.schedule(callback, s.clk.Now().Add(delay), 0)
}

// ScheduleRecurring schedules a recurring task executed once every period,
// starting ASAP.
func (s *Scheduler) ScheduleRecurring(callback Callback, period time.Duration) Handle {
	return s.schedule(callback, s.clk.Now(), period)
}

// ScheduleRecurringAt schedules a recurring task executed once every period,
// starting at due.
func (s *Scheduler) ScheduleRecurringAt(callback Callback, due time.Time, period time.Duration) Handle {
	return s.schedule(callback, due, period)
}

// ScheduleRecurringIn schedules a recurring task executed once every period,
// starting at now+delay.
func (s *Scheduler) ScheduleRecurringIn(callback Callback, delay, period time.Duration) Handle {
	return s.schedule(callback, s.clk.Now().Add(delay), period)
}

func (s *Scheduler) schedule(callback Callback, due time.Time, period time.Duration) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state > Started {
		// Schedules after Stop are silently dropped.
		return InvalidHandle
	}
	t := &task{
		handle:   nextHandle(),
		callback: callback,
		due:      due,
		period:   period,
		periodic: period > 0,
		index:    -1,
	}
	s.tasks[t.handle] = t
	heap.Push(&s.queue, t)
	s.cond.Broadcast()
	return t.handle
}

// Cancel cancels the task with the specified handle, returning immediately.
// It does nothing if the handle is invalid for any reason, e.g. if a past
// task with this handle has already finished running.
//
// If the task has already started running it will finish normally (periodic
// tasks won't be rescheduled). The returned boolean is true iff the task was
// still in the queue and hadn't started.
func (s *Scheduler) Cancel(handle Handle) bool {
	return s.cancel(handle, false)
}

// BlockingCancel is like Cancel, but if the task has already started running
// it blocks until the run finishes and the task is erased.
//
// WARNING: calling BlockingCancel from within the task itself deadlocks.
func (s *Scheduler) BlockingCancel(handle Handle) bool {
	return s.cancel(handle, true)
}

func (s *Scheduler) cancel(handle Handle, blocking bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[handle]
	if !ok {
		return false
	}
	t.cancelled = true
	if t.index >= 0 {
		// Sink the task to the root and pop it, keeping the back-indexes of
		// everything else intact.
		t.due = distantPast
		heap.Fix(&s.queue, t.index)
		popped := heap.Pop(&s.queue).(*task)
		if popped != t {
			panic(`scheduler: priority queue backlink corruption`)
		}
		delete(s.tasks, handle)
		s.cond.Broadcast()
		return true
	}
	if blocking {
		for {
			if _, live := s.tasks[handle]; !live {
				break
			}
			s.cond.Wait()
		}
	}
	return false
}

// WaitUntilAllWorkersAsleep blocks until all due tasks have been processed
// and every worker is asleep waiting for work.
//
// TEST ONLY: this method only makes sense with a mock clock; with the system
// clock there's no guarantee the workers won't wake again by the time it
// returns. It returns a Cancelled error if the scheduler was stopped.
func (s *Scheduler) WaitUntilAllWorkersAsleep() error {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.allWorkersAsleepLocked(now) {
		s.cond.Wait()
	}
	if s.state > Started {
		return status.Error(codes.Canceled, `scheduler stopped`)
	}
	return nil
}

func (s *Scheduler) allWorkersAsleepLocked(now time.Time) bool {
	if s.state != Started {
		return true
	}
	for _, w := range s.workers {
		if !w.sleeping {
			return false
		}
	}
	return len(s.queue) == 0 || s.queue[0].due.After(now)
}

func (s *Scheduler) workerLoop(w *worker) {
	defer s.wg.Done()
	var previous *task
	for {
		t := s.fetchTask(w, previous)
		if t == nil {
			return
		}
		t.callback(t.handle)
		previous = t
	}
}

// fetchTask reschedules or erases the previously run task, then blocks until
// a task is due and returns it. A nil return means the scheduler is
// stopping. The worker's sleeping flag is set for the whole duration of the
// call.
func (s *Scheduler) fetchTask(w *worker, previous *task) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.sleeping = true
	s.cond.Broadcast()
	defer func() { w.sleeping = false }()
	if previous != nil {
		if !previous.cancelled && previous.periodic {
			due := previous.due
			elapsed := s.clk.Now().Sub(due)
			previous.due = due.Add(maxDuration(previous.period, ceilDuration(elapsed, previous.period)))
			heap.Push(&s.queue, previous)
		} else {
			delete(s.tasks, previous.handle)
		}
		s.cond.Broadcast()
	}
	for {
		for s.state <= Started && len(s.queue) == 0 {
			s.cond.Wait()
		}
		if s.state > Started {
			return nil
		}
		deadline := s.queue[0].due
		s.clk.AwaitWithDeadline(s.cond, deadline, func() bool {
			return s.state > Started || (len(s.queue) > 0 && s.queue[0].due.Before(deadline))
		})
		if s.state > Started {
			return nil
		}
		if len(s.queue) > 0 && !s.queue[0].due.After(s.clk.Now()) {
			t := heap.Pop(&s.queue).(*task)
			if t.cancelled {
				delete(s.tasks, t.handle)
				s.cond.Broadcast()
			} else {
				return t
			}
		}
	}
}

var distantPast = time.Unix(0, 0).Add(-1 << 62)

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// ceilDuration rounds d up to the nearest multiple of unit; non-positive
// inputs round to zero.
func ceilDuration(d, unit time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	q := d / unit
	if d%unit != 0 {
		q++
	}
	return q * unit
}
