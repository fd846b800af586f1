package http2

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/tsdb2/platform-sub002/reactor"
)

type (
	// WriteQueueCallback is notified after its frame has been fully
	// transmitted.
	WriteQueueCallback func()

	queuedFrame struct {
		buf      []byte
		callback WriteQueueCallback
	}

	// WriteQueue serializes the outbound frames of one connection onto its
	// socket: at most one write is outstanding at any time, frames are
	// transmitted in enqueue order (head-skips excepted), and every write
	// carries the configured HTTP/2 I/O timeout. A write failure closes the
	// socket.
	WriteQueue struct {
		socket    reactor.StreamSocket
		ioTimeout time.Duration

		mu      sync.Mutex
		writing bool
		frames  deque.Deque[queuedFrame]
	}
)

// NewWriteQueue creates a WriteQueue for socket. A non-positive ioTimeout
// falls back to DefaultIOTimeout.
func NewWriteQueue(socket reactor.StreamSocket, ioTimeout time.Duration) *WriteQueue {
	if ioTimeout <= 0 {
		ioTimeout = DefaultIOTimeout
	}
	return &WriteQueue{socket: socket, ioTimeout: ioTimeout}
}

// AppendFrame enqueues a frame at the tail, starting the transmission chain
// if the queue is idle. The optional callback runs once the frame is on the
// wire.
func (q *WriteQueue) AppendFrame(buf []byte, callback WriteQueueCallback) {
	q.mu.Lock()
	if q.writing {
		q.frames.PushBack(queuedFrame{buf: buf, callback: callback})
		q.mu.Unlock()
		return
	}
	q.writing = true
	q.mu.Unlock()
	q.write(buf, callback)
}

// AppendFrames enqueues a batch of frames atomically, in order.
func (q *WriteQueue) AppendFrames(bufs [][]byte) {
	if len(bufs) == 0 {
		return
	}
	first := bufs[0]
	q.mu.Lock()
	if q.writing {
		q.frames.PushBack(queuedFrame{buf: first})
	}
	for _, buf := range bufs[1:] {
		q.frames.PushBack(queuedFrame{buf: buf})
	}
	if q.writing {
		q.mu.Unlock()
		return
	}
	q.writing = true
	q.mu.Unlock()
	q.write(first, nil)
}

// AppendFrameSkippingQueue enqueues a frame at the head, ahead of everything
// already queued. Used for GOAWAY so that the peer sees it promptly.
func (q *WriteQueue) AppendFrameSkippingQueue(buf []byte, callback WriteQueueCallback) {
	q.mu.Lock()
	if q.writing {
		q.frames.PushFront(queuedFrame{buf: buf, callback: callback})
		q.mu.Unlock()
		return
	}
	q.writing = true
	q.mu.Unlock()
	q.write(buf, callback)
}

func (q *WriteQueue) write(buf []byte, callback WriteQueueCallback) {
	err := q.socket.WriteWithTimeout(buf, func(err error) {
		if err != nil {
			q.socket.Close()
			return
		}
		if callback != nil {
			callback()
		}
		var next queuedFrame
		q.mu.Lock()
		if q.frames.Len() == 0 {
			q.writing = false
			q.mu.Unlock()
			return
		}
		next = q.frames.PopFront()
		q.mu.Unlock()
		q.write(next.buf, next.callback)
	}, q.ioTimeout)
	if err != nil {
		q.socket.Close()
	}
}
