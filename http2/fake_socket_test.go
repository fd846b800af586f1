package http2

import (
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tsdb2/platform-sub002/reactor"
)

// fakeSocket records writes and lets tests complete them manually, so the
// serialization behavior of the write queue can be observed precisely.
type fakeSocket struct {
	mu       sync.Mutex
	writes   [][]byte
	pending  []reactor.WriteCallback
	autoAck  bool
	closed   bool
	timeouts []time.Duration
}

var _ reactor.StreamSocket = (*fakeSocket)(nil)

func newFakeSocket(autoAck bool) *fakeSocket { return &fakeSocket{autoAck: autoAck} }

func (f *fakeSocket) Ref()        {}
func (f *fakeSocket) Unref() bool { return false }

func (f *fakeSocket) Read(int, reactor.ReadCallback) error { return nil }
func (f *fakeSocket) ReadWithTimeout(int, reactor.ReadCallback, time.Duration) error {
	return nil
}
func (f *fakeSocket) Skip(int, reactor.SkipCallback) error { return nil }
func (f *fakeSocket) SkipWithTimeout(int, reactor.SkipCallback, time.Duration) error {
	return nil
}

func (f *fakeSocket) Write(buf []byte, callback reactor.WriteCallback) error {
	return f.WriteWithTimeout(buf, callback, 0)
}

func (f *fakeSocket) WriteWithTimeout(buf []byte, callback reactor.WriteCallback, timeout time.Duration) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return status.Error(codes.FailedPrecondition, `this socket has been shut down`)
	}
	f.writes = append(f.writes, append([]byte(nil), buf...))
	f.timeouts = append(f.timeouts, timeout)
	auto := f.autoAck
	if !auto {
		f.pending = append(f.pending, callback)
	}
	f.mu.Unlock()
	if auto {
		callback(nil)
	}
	return nil
}

func (f *fakeSocket) Close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	return true
}

func (f *fakeSocket) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

// completeNext completes the oldest outstanding write with err.
func (f *fakeSocket) completeNext(err error) {
	f.mu.Lock()
	callback := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	callback(err)
}

func (f *fakeSocket) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeSocket) recordedWrites() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	writes := make([][]byte, len(f.writes))
	copy(writes, f.writes)
	return writes
}
