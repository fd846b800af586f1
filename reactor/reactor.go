// Package reactor provides a low-level API for IPC with asynchronous I/O.
// It supports TCP/IP sockets and Unix domain sockets; the former can be
// encrypted (strongly recommended) or unencrypted, the latter are always
// unencrypted.
//
// The socket types are driven by a process-wide Reactor that uses epoll in
// edge-triggered mode to achieve the highest performance and parallelism.
// The Reactor runs a number of worker goroutines configurable via Configure
// (surfaced as the --num_io_workers command line flag).
package reactor

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"

	"github.com/tsdb2/platform-sub002/scheduler"
)

const maxEvents = 1024

type (
	// Target is implemented by every socket type registered in the Reactor,
	// including listeners.
	Target interface {
		Ref()
		Unref() bool

		// InitialFD returns the file descriptor number the target was
		// registered with. It remains valid as a map key even after the
		// descriptor itself is closed.
		InitialFD() int

		// Event handlers invoked by the reactor workers.
		OnError()
		OnInput()
		OnOutput()
	}

	// Options configures the process-wide Reactor. See Configure.
	Options struct {
		// IOWorkers is the number of I/O worker goroutines.
		// **Defaults to 10, if 0.**
		IOWorkers uint16

		// Scheduler runs the I/O timeout tasks. Nil means a private,
		// already started scheduler with 10 workers is created together
		// with the Reactor.
		Scheduler *scheduler.Scheduler

		// SSLHandshakeTimeout bounds TLS handshakes.
		// **Defaults to DefaultHandshakeTimeout, if 0.**
		SSLHandshakeTimeout time.Duration

		// Logger, if set, receives socket lifecycle and error events.
		Logger *logiface.Logger[logiface.Event]
	}

	// Reactor multiplexes I/O events for all the sockets in the process.
	// All sockets must be created through its methods. It is a singleton:
	// unblocking the epoll workers to stop them would require a signal
	// protocol, and a server that can no longer perform I/O is not useful,
	// so the Reactor is simply never destroyed and the workers run forever.
	Reactor struct {
		epollFD             int
		sched               *scheduler.Scheduler
		sslHandshakeTimeout time.Duration
		logger              *logiface.Logger[logiface.Event]

		mu sync.Mutex
		// Live targets indexed by file descriptor number.
		targets map[int]Target
		// Sockets whose descriptors were unregistered but which are still
		// referenced externally. The final handle drop destroys them without
		// touching the live index.
		deadTargets mapset.Set[Target]
	}
)

var (
	instanceOnce sync.Once
	instance     *Reactor

	configMu sync.Mutex
	config   Options
	hasInst  bool
)

// Configure sets the options used to build the singleton Reactor. It must be
// called before the first Get; later calls have no effect.
func Configure(options Options) {
	configMu.Lock()
	defer configMu.Unlock()
	if hasInst {
		if options.Logger != nil {
			options.Logger.Warning().Log(`reactor already instantiated, configuration ignored`)
		}
		return
	}
	config = options
}

// Get returns the singleton Reactor, instantiating it on first use.
func Get() *Reactor {
	instanceOnce.Do(func() {
		configMu.Lock()
		options := config
		hasInst = true
		configMu.Unlock()
		instance = newReactor(options)
	})
	return instance
}

func newReactor(options Options) *Reactor {
	if options.IOWorkers == 0 {
		options.IOWorkers = 10
	}
	if options.Scheduler == nil {
		options.Scheduler = scheduler.New(scheduler.Options{
			Workers:  10,
			StartNow: true,
			Logger:   options.Logger,
		})
	}
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		panic(`reactor: epoll_create1 failed: ` + err.Error())
	}
	r := &Reactor{
		epollFD:             epollFD,
		sched:               options.Scheduler,
		sslHandshakeTimeout: options.SSLHandshakeTimeout,
		logger:              options.Logger,
		targets:             make(map[int]Target),
		deadTargets:         mapset.NewThreadUnsafeSet[Target](),
	}
	for i := uint16(0); i < options.IOWorkers; i++ {
		go r.workerLoop()
	}
	return r
}

// Scheduler returns the scheduler used for I/O timeouts.
func (r *Reactor) Scheduler() *scheduler.Scheduler { return r.sched }

// addTarget registers a target's file descriptor in the epoll. Listeners are
// registered for input readiness only.
func (r *Reactor) addTarget(t Target, fd int, listener bool) error {
	r.mu.Lock()
	if _, ok := r.targets[fd]; ok {
		r.mu.Unlock()
		panic(`reactor: duplicate file descriptor in target index`)
	}
	r.targets[fd] = t
	r.mu.Unlock()
	events := uint32(unix.EPOLLIN | unix.EPOLLET | unix.EPOLLEXCLUSIVE)
	if !listener {
		events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}); err != nil {
		r.mu.Lock()
		delete(r.targets, fd)
		r.mu.Unlock()
		return errnoStatus(err, `epoll_ctl(EPOLL_CTL_ADD)`)
	}
	return nil
}

// killTarget removes the descriptor from the epoll and moves the target to
// the dead set; no more OnError/OnInput/OnOutput calls will be issued for
// it. Called by targets when the user closes the socket.
func (r *Reactor) killTarget(fd int) {
	_ = unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	r.mu.Lock()
	t, ok := r.targets[fd]
	if ok {
		delete(r.targets, fd)
		r.deadTargets.Add(t)
	}
	r.mu.Unlock()
	if !ok && r.logger != nil {
		r.logger.Err().Int(`fd`, fd).Log(`file descriptor not found among live sockets`)
	}
}

// forgetTarget drops the target from all internal data structures, making it
// collectable. Called when the last external reference is released; the
// target must no longer be referenced. Extraction happens under the lock and
// any slow teardown is performed by the caller afterwards.
func (r *Reactor) forgetTarget(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deadTargets.Contains(t) {
		r.deadTargets.Remove(t)
		return
	}
	delete(r.targets, t.InitialFD())
}

func (r *Reactor) lookupTarget(fd int) Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets[fd]
}

func (r *Reactor) workerLoop() {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(r.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			panic(`reactor: epoll_wait failed: ` + err.Error())
		}
		for i := 0; i < n; i++ {
			target := r.lookupTarget(int(events[i].Fd))
			if target == nil {
				continue
			}
			if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				target.OnError()
			} else {
				if events[i].Events&unix.EPOLLIN != 0 {
					target.OnInput()
				}
				if events[i].Events&unix.EPOLLOUT != 0 {
					target.OnOutput()
				}
			}
		}
	}
}
