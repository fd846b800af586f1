package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tsdb2/platform-sub002/refcount"
)

// targetBase carries the state shared by all socket types: the owning
// reactor, the registered descriptor number, and the mutex guarding the
// descriptor itself.
type targetBase struct {
	refcount.RefCounted

	reactor   *Reactor
	initialFD int

	mu sync.Mutex
	// The open descriptor, or -1 once closed. Guarded by mu.
	fd int
}

func (t *targetBase) init(r *Reactor, fd int) {
	t.reactor = r
	t.initialFD = fd
	t.fd = fd
}

// InitialFD returns the descriptor number this target was registered with.
func (t *targetBase) InitialFD() int { return t.initialFD }

// IsOpen reports whether the underlying descriptor is open and registered in
// the reactor. A socket results closed either after an explicit Close call
// or after implicit closure following an unrecoverable I/O error.
func (t *targetBase) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fd >= 0
}

// killSocketLocked closes the descriptor and removes the target from the
// reactor. Callers must hold t.mu.
func (t *targetBase) killSocketLocked() {
	if t.fd >= 0 {
		t.reactor.killTarget(t.initialFD)
		_ = unix.Close(t.fd)
		t.fd = -1
	}
}

// shutdownLocked issues a full-duplex shutdown without closing the
// descriptor. Callers must hold t.mu.
func (t *targetBase) shutdownLocked() {
	if t.fd >= 0 {
		_ = unix.Shutdown(t.fd, unix.SHUT_RDWR)
	}
}
