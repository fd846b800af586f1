package reactor

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sys/unix"

	"github.com/tsdb2/platform-sub002/scheduler"
)

const (
	readTimeoutMessage  = `read timeout`
	writeTimeoutMessage = `write timeout`

	skipChunkSize = 4096
)

type (
	// ReadCallback is invoked at the end of a read operation, with the full
	// requested buffer on success or a nil buffer and an error otherwise.
	ReadCallback func(data []byte, err error)

	// SkipCallback is invoked at the end of a skip operation.
	SkipCallback func(err error)

	// WriteCallback is invoked at the end of a write operation.
	WriteCallback func(err error)

	// ConnectCallback is notified when an asynchronous connect completes.
	ConnectCallback func(socket *Socket, err error)

	// StreamSocket is the capability set shared by all streaming sockets,
	// plaintext and TLS alike.
	//
	// The I/O model is asynchronous: every method returns without waiting
	// for I/O. When a plaintext Socket can complete an operation at once, its
	// callback runs synchronously in the calling goroutine before the method
	// returns; otherwise the callback runs later on a reactor worker, a
	// scheduler worker (timeouts) or, for TLS sockets, the socket's own I/O
	// goroutine. Only one read-class operation (Read or Skip) and
	// one write operation may be in flight at a time; a read and a write may
	// overlap. Starting a second concurrent operation of the same class
	// fails with a FailedPrecondition error without invoking the callback.
	//
	// If an operation fails the socket is no longer usable and is closed
	// automatically: any further read or write attempt fails immediately,
	// and a callback receiving an error may safely assume the socket is
	// closed, unregistered, and ready to be released.
	StreamSocket interface {
		Ref()
		Unref() bool

		// Read delivers exactly length bytes to the callback.
		Read(length int, callback ReadCallback) error

		// ReadWithTimeout is like Read, but fails (closing the socket) if no
		// data is received for more than the timeout duration. The timeout
		// is re-armed every time some data is received, so it does not bound
		// the total transfer time, only how long the peer may stay silent.
		ReadWithTimeout(length int, callback ReadCallback, timeout time.Duration) error

		// Skip discards exactly length bytes without retaining them.
		// Skip operations share the read slot.
		Skip(length int, callback SkipCallback) error

		// SkipWithTimeout is like Skip with ReadWithTimeout's timeout rules.
		SkipWithTimeout(length int, callback SkipCallback, timeout time.Duration) error

		// Write transmits all of buf.
		Write(buf []byte, callback WriteCallback) error

		// WriteWithTimeout is like Write, but fails (closing the socket) if
		// no data is transmitted for more than the timeout duration.
		WriteWithTimeout(buf []byte, callback WriteCallback, timeout time.Duration) error

		// Close shuts down the socket and aborts both pending operations
		// with an error. It is idempotent and thread-safe; the returned
		// boolean is true only for the call that performed the closure.
		Close() bool

		// IsOpen reports whether the socket is open and performing I/O.
		IsOpen() bool
	}

	connectState struct {
		callback ConnectCallback
	}

	readState struct {
		// buf is the destination for reads; nil for skips.
		buf    []byte
		filled int
		// remaining counts down the bytes still to discard for skips.
		remaining     int
		callback      ReadCallback
		skipCallback  SkipCallback
		timeout       time.Duration
		timeoutHandle scheduler.Handle
	}

	writeState struct {
		buf           []byte
		written       int
		callback      WriteCallback
		timeout       time.Duration
		timeoutHandle scheduler.Handle
	}

	pendingState struct {
		connect *connectState
		read    *readState
		write   *writeState
	}

	// Socket is a generic unencrypted streaming socket, used for both
	// client-side and server-side connections over TCP/IP or Unix domain
	// transports. Server-side sockets are implicitly constructed by
	// Listener when accepting a connection.
	Socket struct {
		targetBase

		// All fields below are guarded by targetBase.mu. User callbacks are
		// always invoked with the mutex released.
		connect        *connectState
		read           *readState
		write          *writeState
		activeTimeouts mapset.Set[scheduler.Handle]
	}
)

var (
	// compile time assertions

	_ Target       = (*Socket)(nil)
	_ StreamSocket = (*Socket)(nil)
)

func newSocket(r *Reactor, fd int) *Socket {
	s := &Socket{activeTimeouts: mapset.NewThreadUnsafeSet[scheduler.Handle]()}
	s.targetBase.init(r, fd)
	s.SetOnLastUnref(s.destroy)
	s.Ref()
	return s
}

// destroy runs when the last reference is dropped: the socket is removed
// from the reactor and any outstanding timeout tasks are cancelled, waiting
// for the running ones to finish.
func (s *Socket) destroy() {
	s.mu.Lock()
	s.killSocketLocked()
	timeouts := s.activeTimeouts.ToSlice()
	s.activeTimeouts.Clear()
	s.mu.Unlock()
	s.reactor.forgetTarget(s)
	for _, handle := range timeouts {
		s.reactor.sched.Cancel(handle)
	}
	for _, handle := range timeouts {
		s.reactor.sched.BlockingCancel(handle)
	}
}

// Read implements StreamSocket.
func (s *Socket) Read(length int, callback ReadCallback) error {
	return s.readInternal(length, callback, 0)
}

// ReadWithTimeout implements StreamSocket.
func (s *Socket) ReadWithTimeout(length int, callback ReadCallback, timeout time.Duration) error {
	if timeout <= 0 {
		return invalidArgument(`the I/O timeout must be greater than zero`)
	}
	return s.readInternal(length, callback, timeout)
}

// Skip implements StreamSocket.
func (s *Socket) Skip(length int, callback SkipCallback) error {
	return s.skipInternal(length, callback, 0)
}

// SkipWithTimeout implements StreamSocket.
func (s *Socket) SkipWithTimeout(length int, callback SkipCallback, timeout time.Duration) error {
	if timeout <= 0 {
		return invalidArgument(`the I/O timeout must be greater than zero`)
	}
	return s.skipInternal(length, callback, timeout)
}

// Write implements StreamSocket.
func (s *Socket) Write(buf []byte, callback WriteCallback) error {
	return s.writeInternal(buf, callback, 0)
}

// WriteWithTimeout implements StreamSocket.
func (s *Socket) WriteWithTimeout(buf []byte, callback WriteCallback, timeout time.Duration) error {
	if timeout <= 0 {
		return invalidArgument(`the I/O timeout must be greater than zero`)
	}
	return s.writeInternal(buf, callback, timeout)
}

// Close implements StreamSocket.
func (s *Socket) Close() bool {
	return s.closeInternal(abortedError(`socket shutdown`))
}

// IsKeepAlive reports whether TCP keep-alives are enabled for this socket.
func (s *Socket) IsKeepAlive() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return false, failedPrecondition(`this socket has been shut down`)
	}
	value, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	if err != nil {
		return false, errnoStatus(err, `getsockopt(SOL_SOCKET, SO_KEEPALIVE)`)
	}
	return value != 0, nil
}

// KeepAliveParams returns the keep-alive parameters configured for this
// socket. An error is returned if keep-alives are not enabled.
func (s *Socket) KeepAliveParams() (KeepAliveParams, error) {
	if enabled, err := s.IsKeepAlive(); err != nil {
		return KeepAliveParams{}, err
	} else if !enabled {
		return KeepAliveParams{}, failedPrecondition(`keep-alives are not enabled for this socket`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return KeepAliveParams{}, failedPrecondition(`this socket has been shut down`)
	}
	idle, err := unix.GetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE)
	if err != nil {
		return KeepAliveParams{}, errnoStatus(err, `getsockopt(IPPROTO_TCP, TCP_KEEPIDLE)`)
	}
	interval, err := unix.GetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL)
	if err != nil {
		return KeepAliveParams{}, errnoStatus(err, `getsockopt(IPPROTO_TCP, TCP_KEEPINTVL)`)
	}
	count, err := unix.GetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT)
	if err != nil {
		return KeepAliveParams{}, errnoStatus(err, `getsockopt(IPPROTO_TCP, TCP_KEEPCNT)`)
	}
	return KeepAliveParams{
		Idle:     time.Duration(idle) * time.Second,
		Interval: time.Duration(interval) * time.Second,
		Count:    count,
	}, nil
}

// IPTOS returns the IP type of service configured for this socket.
func (s *Socket) IPTOS() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return 0, failedPrecondition(`this socket has been shut down`)
	}
	value, err := unix.GetsockoptInt(s.fd, unix.IPPROTO_IP, unix.IP_TOS)
	if err != nil {
		return 0, errnoStatus(err, `getsockopt(IPPROTO_IP, IP_TOS)`)
	}
	return uint8(value), nil
}

// expungeAllPendingStateLocked detaches every pending operation, cancelling
// their timeout tasks. Callers must hold s.mu.
func (s *Socket) expungeAllPendingStateLocked() pendingState {
	if s.read != nil {
		s.maybeCancelTimeoutLocked(&s.read.timeoutHandle)
	}
	if s.write != nil {
		s.maybeCancelTimeoutLocked(&s.write.timeoutHandle)
	}
	states := pendingState{connect: s.connect, read: s.read, write: s.write}
	s.connect = nil
	s.read = nil
	s.write = nil
	return states
}

// abortCallbacks notifies every detached operation of err. Must be called
// without holding s.mu.
func (s *Socket) abortCallbacks(states pendingState, err error) error {
	if states.connect != nil {
		states.connect.callback(s, err)
	}
	if states.read != nil {
		if states.read.callback != nil {
			states.read.callback(nil, err)
		} else if states.read.skipCallback != nil {
			states.read.skipCallback(err)
		}
	}
	if states.write != nil {
		states.write.callback(err)
	}
	return err
}

func (s *Socket) closeInternal(err error) bool {
	s.mu.Lock()
	states := s.expungeAllPendingStateLocked()
	result := false
	if s.fd >= 0 {
		result = true
		s.shutdownLocked()
		s.killSocketLocked()
	}
	s.mu.Unlock()
	_ = s.abortCallbacks(states, err)
	return result
}

func (s *Socket) scheduleTimeoutLocked(timeout time.Duration, message string) scheduler.Handle {
	handle := s.reactor.sched.ScheduleIn(func(h scheduler.Handle) {
		s.onTimeout(h, message)
	}, timeout)
	s.activeTimeouts.Add(handle)
	return handle
}

func (s *Socket) maybeCancelTimeoutLocked(handle *scheduler.Handle) bool {
	if *handle == scheduler.InvalidHandle {
		return false
	}
	s.activeTimeouts.Remove(*handle)
	s.reactor.sched.Cancel(*handle)
	*handle = scheduler.InvalidHandle
	return true
}

// onTimeout runs on a scheduler worker when an I/O timeout fires. Presence
// of the task's own handle in the active set disambiguates firing from
// concurrent completion: the completing side removes the handle under s.mu
// before the timeout can observe it.
func (s *Socket) onTimeout(handle scheduler.Handle, message string) {
	s.mu.Lock()
	if !s.activeTimeouts.Contains(handle) {
		s.mu.Unlock()
		return
	}
	s.activeTimeouts.Remove(handle)
	states := s.expungeAllPendingStateLocked()
	s.shutdownLocked()
	s.killSocketLocked()
	s.mu.Unlock()
	_ = s.abortCallbacks(states, deadlineExceededError(message))
}

// OnError implements Target.
func (s *Socket) OnError() {
	s.mu.Lock()
	states := s.expungeAllPendingStateLocked()
	s.killSocketLocked()
	s.mu.Unlock()
	_ = s.abortCallbacks(states, abortedError(`socket shutdown`))
}

// maybeFinalizeConnectLocked checks the outcome of a pending asynchronous
// connect and returns the notification to run once s.mu is released, or nil.
func (s *Socket) maybeFinalizeConnectLocked() func() {
	if s.connect == nil {
		return nil
	}
	state := s.connect
	s.connect = nil
	var err error
	sockErr, getErr := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	switch {
	case getErr != nil:
		err = errnoStatus(getErr, `connect()`)
	case sockErr != 0:
		err = errnoStatus(unix.Errno(sockErr), `connect()`)
	}
	return func() { state.callback(s, err) }
}

// OnInput implements Target. It drains the descriptor until EAGAIN,
// completing the pending read or skip when it is fully satisfied.
func (s *Socket) OnInput() {
	s.mu.Lock()
	if s.fd < 0 {
		states := s.expungeAllPendingStateLocked()
		s.mu.Unlock()
		_ = s.abortCallbacks(states, abortedError(`this socket has been shut down`))
		return
	}
	connectDone := s.maybeFinalizeConnectLocked()
	if connectDone != nil {
		defer connectDone()
	}
	if s.read == nil {
		s.mu.Unlock()
		return
	}
	s.maybeCancelTimeoutLocked(&s.read.timeoutHandle)
	var scratch []byte
	for {
		var dst []byte
		if s.read.buf != nil {
			dst = s.read.buf[s.read.filled:]
		} else {
			if scratch == nil {
				scratch = make([]byte, skipChunkSize)
			}
			dst = scratch
			if s.read.remaining < len(dst) {
				dst = dst[:s.read.remaining]
			}
		}
		n, err := unix.Read(s.fd, dst)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if s.read.timeout > 0 {
					s.read.timeoutHandle = s.scheduleTimeoutLocked(s.read.timeout, readTimeoutMessage)
				}
				s.mu.Unlock()
				return
			}
			st := errnoStatus(err, `recv`)
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			_ = s.abortCallbacks(states, st)
			return
		}
		if n == 0 {
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			_ = s.abortCallbacks(states, abortedError(`the peer hung up`))
			return
		}
		if s.read.buf != nil {
			s.read.filled += n
			if s.read.filled == len(s.read.buf) {
				state := s.read
				s.read = nil
				s.mu.Unlock()
				state.callback(state.buf, nil)
				return
			}
		} else {
			s.read.remaining -= n
			if s.read.remaining == 0 {
				state := s.read
				s.read = nil
				s.mu.Unlock()
				state.skipCallback(nil)
				return
			}
		}
	}
}

// OnOutput implements Target. It flushes as much of the pending write as the
// kernel accepts, completing it when the whole buffer is transmitted.
func (s *Socket) OnOutput() {
	s.mu.Lock()
	if s.fd < 0 {
		states := s.expungeAllPendingStateLocked()
		s.mu.Unlock()
		_ = s.abortCallbacks(states, abortedError(`this socket has been shut down`))
		return
	}
	connectDone := s.maybeFinalizeConnectLocked()
	if connectDone != nil {
		defer connectDone()
	}
	if s.write == nil {
		s.mu.Unlock()
		return
	}
	s.maybeCancelTimeoutLocked(&s.write.timeoutHandle)
	for {
		n, err := unix.Write(s.fd, s.write.buf[s.write.written:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if s.write.timeout > 0 {
					s.write.timeoutHandle = s.scheduleTimeoutLocked(s.write.timeout, writeTimeoutMessage)
				}
				s.mu.Unlock()
				return
			}
			st := errnoStatus(err, `send`)
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			_ = s.abortCallbacks(states, st)
			return
		}
		if n == 0 {
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			_ = s.abortCallbacks(states, abortedError(`the peer hung up`))
			return
		}
		s.write.written += n
		if s.write.written == len(s.write.buf) {
			state := s.write
			s.write = nil
			s.mu.Unlock()
			state.callback(nil)
			return
		}
	}
}

func (s *Socket) readInternal(length int, callback ReadCallback, timeout time.Duration) error {
	if length <= 0 {
		return invalidArgument(`the number of bytes to read must be at least 1`)
	}
	if callback == nil {
		return invalidArgument(`socket I/O callbacks must not be empty`)
	}
	buf := make([]byte, length)
	s.mu.Lock()
	if s.fd < 0 {
		s.mu.Unlock()
		return failedPrecondition(`this socket has been shut down`)
	}
	if s.read != nil {
		s.mu.Unlock()
		return failedPrecondition(`another read operation is already in progress`)
	}
	filled := 0
	for {
		n, err := unix.Read(s.fd, buf[filled:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				state := &readState{buf: buf, filled: filled, callback: callback, timeout: timeout}
				if timeout > 0 {
					state.timeoutHandle = s.scheduleTimeoutLocked(timeout, readTimeoutMessage)
				}
				s.read = state
				s.mu.Unlock()
				return nil
			}
			st := errnoStatus(err, `recv`)
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			return s.abortCallbacks(states, st)
		}
		if n == 0 {
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			return s.abortCallbacks(states, abortedError(`the peer hung up`))
		}
		filled += n
		if filled == length {
			s.mu.Unlock()
			callback(buf, nil)
			return nil
		}
	}
}

func (s *Socket) skipInternal(length int, callback SkipCallback, timeout time.Duration) error {
	if length <= 0 {
		return invalidArgument(`the number of bytes to skip must be at least 1`)
	}
	if callback == nil {
		return invalidArgument(`socket I/O callbacks must not be empty`)
	}
	s.mu.Lock()
	if s.fd < 0 {
		s.mu.Unlock()
		return failedPrecondition(`this socket has been shut down`)
	}
	if s.read != nil {
		s.mu.Unlock()
		return failedPrecondition(`another read operation is already in progress`)
	}
	scratch := make([]byte, skipChunkSize)
	remaining := length
	for {
		dst := scratch
		if remaining < len(dst) {
			dst = dst[:remaining]
		}
		n, err := unix.Read(s.fd, dst)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				state := &readState{remaining: remaining, skipCallback: callback, timeout: timeout}
				if timeout > 0 {
					state.timeoutHandle = s.scheduleTimeoutLocked(timeout, readTimeoutMessage)
				}
				s.read = state
				s.mu.Unlock()
				return nil
			}
			st := errnoStatus(err, `recv`)
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			return s.abortCallbacks(states, st)
		}
		if n == 0 {
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			return s.abortCallbacks(states, abortedError(`the peer hung up`))
		}
		remaining -= n
		if remaining == 0 {
			s.mu.Unlock()
			callback(nil)
			return nil
		}
	}
}

func (s *Socket) writeInternal(buf []byte, callback WriteCallback, timeout time.Duration) error {
	if len(buf) == 0 {
		return invalidArgument(`the number of bytes to write must be at least 1`)
	}
	if callback == nil {
		return invalidArgument(`socket I/O callbacks must not be empty`)
	}
	s.mu.Lock()
	if s.fd < 0 {
		s.mu.Unlock()
		return failedPrecondition(`this socket has been shut down`)
	}
	if s.write != nil {
		s.mu.Unlock()
		return failedPrecondition(`another write operation is already in progress`)
	}
	written := 0
	for {
		n, err := unix.Write(s.fd, buf[written:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				state := &writeState{buf: buf, written: written, callback: callback, timeout: timeout}
				if timeout > 0 {
					state.timeoutHandle = s.scheduleTimeoutLocked(timeout, writeTimeoutMessage)
				}
				s.write = state
				s.mu.Unlock()
				return nil
			}
			st := errnoStatus(err, `send`)
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			return s.abortCallbacks(states, st)
		}
		if n == 0 {
			states := s.expungeAllPendingStateLocked()
			s.killSocketLocked()
			s.mu.Unlock()
			return s.abortCallbacks(states, abortedError(`the peer hung up`))
		}
		written += n
		if written == len(buf) {
			s.mu.Unlock()
			callback(nil)
			return nil
		}
	}
}
