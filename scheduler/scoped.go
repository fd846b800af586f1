package scheduler

import "time"

// ScopedHandle manages a scheduled task, performing blocking cancellation
// when closed. Close is a no-op if the task has already run or has already
// been cancelled. A zero ScopedHandle is empty, and all its methods are
// no-ops.
//
// Non-empty ScopedHandles cannot be constructed directly; they are returned
// by the ScheduleScoped* methods of the parent Scheduler.
type ScopedHandle struct {
	scheduler *Scheduler
	handle    Handle
}

// ScheduleScopedNow is like ScheduleNow but returns a ScopedHandle.
func (s *Scheduler) ScheduleScopedNow(callback Callback) *ScopedHandle {
	return &ScopedHandle{scheduler: s, handle: s.ScheduleNow(callback)}
}

// ScheduleScopedAt is like ScheduleAt but returns a ScopedHandle.
func (s *Scheduler) ScheduleScopedAt(callback Callback, due time.Time) *ScopedHandle {
	return &ScopedHandle{scheduler: s, handle: s.ScheduleAt(callback, due)}
}

// ScheduleScopedIn is like ScheduleIn but returns a ScopedHandle.
func (s *Scheduler) ScheduleScopedIn(callback Callback, delay time.Duration) *ScopedHandle {
	return &ScopedHandle{scheduler: s, handle: s.ScheduleIn(callback, delay)}
}

// ScheduleScopedRecurring is like ScheduleRecurring but returns a
// ScopedHandle.
func (s *Scheduler) ScheduleScopedRecurring(callback Callback, period time.Duration) *ScopedHandle {
	return &ScopedHandle{scheduler: s, handle: s.ScheduleRecurring(callback, period)}
}

// ScheduleScopedRecurringAt is like ScheduleRecurringAt but returns a
// ScopedHandle.
func (s *Scheduler) ScheduleScopedRecurringAt(callback Callback, due time.Time, period time.Duration) *ScopedHandle {
	return &ScopedHandle{scheduler: s, handle: s.ScheduleRecurringAt(callback, due, period)}
}

// ScheduleScopedRecurringIn is like ScheduleRecurringIn but returns a
// ScopedHandle.
func (s *Scheduler) ScheduleScopedRecurringIn(callback Callback, delay, period time.Duration) *ScopedHandle {
	return &ScopedHandle{scheduler: s, handle: s.ScheduleRecurringIn(callback, delay, period)}
}

// Empty reports whether the handle manages no task.
func (h *ScopedHandle) Empty() bool { return h.scheduler == nil }

// Parent returns the owning Scheduler, or nil if the handle is empty.
func (h *ScopedHandle) Parent() *Scheduler { return h.scheduler }

// Value returns the wrapped task handle, or InvalidHandle if empty.
func (h *ScopedHandle) Value() Handle { return h.handle }

// Release relinquishes ownership of the wrapped task handle and returns it,
// leaving the ScopedHandle empty. An empty handle stays empty and
// InvalidHandle is returned.
func (h *ScopedHandle) Release() Handle {
	handle := h.handle
	h.scheduler = nil
	h.handle = InvalidHandle
	return handle
}

// Cancel triggers non-blocking cancellation of the managed task and empties
// this ScopedHandle.
func (h *ScopedHandle) Cancel() bool {
	if h.scheduler == nil {
		return false
	}
	scheduler := h.scheduler
	return scheduler.Cancel(h.Release())
}

// Close triggers blocking cancellation of the managed task and empties this
// ScopedHandle. Call it on scope exit, typically via defer.
//
// WARNING: calling Close inside the callback of a task scheduled in the
// parent Scheduler causes a deadlock.
func (h *ScopedHandle) Close() bool {
	if h.scheduler == nil {
		return false
	}
	scheduler := h.scheduler
	return scheduler.BlockingCancel(h.Release())
}
