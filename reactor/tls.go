package reactor

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tsdb2/platform-sub002/refcount"
)

// DefaultHandshakeTimeout bounds TLS handshakes when no explicit timeout is
// configured (the --ssl_handshake_timeout flag).
const DefaultHandshakeTimeout = 120 * time.Second

// Environment variables providing the TLS certificate material.
const (
	EnvCertificatePath = `SSL_CERTIFICATE_PATH`
	EnvPrivateKeyPath  = `SSL_PRIVATE_KEY_PATH`
	EnvPassphrase      = `SSL_PASSPHRASE`
)

type (
	// TLSConnectCallback is notified when the TLS handshake of a socket
	// completes (successfully or not).
	TLSConnectCallback func(socket *TLSSocket, err error)

	// TLSAcceptCallback is invoked by a TLSListener once per accepted
	// connection, after the handshake completes, or with an error.
	TLSAcceptCallback func(socket *TLSSocket, err error)

	tlsReadOp struct {
		buf      []byte
		skip     int
		callback ReadCallback
		skipCB   SkipCallback
		timeout  time.Duration
	}

	tlsWriteOp struct {
		buf      []byte
		callback WriteCallback
		timeout  time.Duration
	}

	// TLSSocket is an encrypted streaming socket exposing the same
	// asynchronous capability set as Socket.
	//
	// crypto/tls owns its transport, so a TLSSocket is not driven by epoll
	// readiness: a pair of pump goroutines performs the record-layer I/O
	// while the public contract (single in-flight read/write, per-operation
	// progress-rearmed timeouts, callbacks outside the socket mutex) is
	// preserved. Shutdown is a fast shutdown: the close_notify alert is sent
	// but the peer's reply is not awaited, trading strict truncation
	// detection for not hanging on misbehaving peers.
	TLSSocket struct {
		refcount.RefCounted

		reactor *Reactor
		conn    *tls.Conn

		mu           sync.Mutex
		closed       bool
		readPending  bool
		writePending bool

		readCh  chan tlsReadOp
		writeCh chan tlsWriteOp
		done    chan struct{}
	}
)

var (
	// Sockets whose handshake is still in flight are pinned here so they
	// survive until the handshake callback takes over ownership.
	handshakingSockets = mapset.NewSet[*TLSSocket]()

	// compile time assertions

	_ StreamSocket = (*TLSSocket)(nil)
)

// TLSConfigFromEnv loads the server certificate and private key from the
// paths in the SSL_CERTIFICATE_PATH and SSL_PRIVATE_KEY_PATH environment
// variables. SSL_PASSPHRASE is accepted for legacy encrypted PEM keys.
func TLSConfigFromEnv() (*tls.Config, error) {
	certPath := os.Getenv(EnvCertificatePath)
	keyPath := os.Getenv(EnvPrivateKeyPath)
	if certPath == `` || keyPath == `` {
		return nil, status.Error(codes.FailedPrecondition,
			`SSL_CERTIFICATE_PATH and SSL_PRIVATE_KEY_PATH must be set when TLS is enabled`)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, status.Error(codes.NotFound, `reading certificate: `+err.Error())
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, status.Error(codes.NotFound, `reading private key: `+err.Error())
	}
	if passphrase := os.Getenv(EnvPassphrase); passphrase != `` {
		keyPEM, err = decryptPEM(keyPEM, passphrase)
		if err != nil {
			return nil, err
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, `loading key pair: `+err.Error())
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func newTLSSocket(r *Reactor, conn *tls.Conn, callback TLSConnectCallback) *TLSSocket {
	s := &TLSSocket{
		reactor: r,
		conn:    conn,
		readCh:  make(chan tlsReadOp, 1),
		writeCh: make(chan tlsWriteOp, 1),
		done:    make(chan struct{}),
	}
	s.SetOnLastUnref(func() { s.Close() })
	s.Ref()
	handshakingSockets.Add(s)
	go s.handshake(callback)
	return s
}

func (s *TLSSocket) handshake(callback TLSConnectCallback) {
	timeout := s.reactor.handshakeTimeout()
	_ = s.conn.SetDeadline(time.Now().Add(timeout))
	err := s.conn.Handshake()
	_ = s.conn.SetDeadline(time.Time{})
	handshakingSockets.Remove(s)
	if err != nil {
		s.Close()
		callback(nil, mapTLSError(err, `SSL handshake timeout`))
		s.Unref()
		return
	}
	go s.readLoop()
	go s.writeLoop()
	callback(s, nil)
}

func (r *Reactor) handshakeTimeout() time.Duration {
	if r.sslHandshakeTimeout > 0 {
		return r.sslHandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// IsOpen implements StreamSocket.
func (s *TLSSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close implements StreamSocket. Fast shutdown: close_notify is sent but
// the peer's close_notify is not awaited.
func (s *TLSSocket) Close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	_ = s.conn.Close()
	return true
}

// Read implements StreamSocket.
func (s *TLSSocket) Read(length int, callback ReadCallback) error {
	return s.readInternal(length, callback, 0)
}

// ReadWithTimeout implements StreamSocket.
func (s *TLSSocket) ReadWithTimeout(length int, callback ReadCallback, timeout time.Duration) error {
	if timeout <= 0 {
		return invalidArgument(`the I/O timeout must be greater than zero`)
	}
	return s.readInternal(length, callback, timeout)
}

// Skip implements StreamSocket.
func (s *TLSSocket) Skip(length int, callback SkipCallback) error {
	return s.skipInternal(length, callback, 0)
}

// SkipWithTimeout implements StreamSocket.
func (s *TLSSocket) SkipWithTimeout(length int, callback SkipCallback, timeout time.Duration) error {
	if timeout <= 0 {
		return invalidArgument(`the I/O timeout must be greater than zero`)
	}
	return s.skipInternal(length, callback, timeout)
}

// Write implements StreamSocket.
func (s *TLSSocket) Write(buf []byte, callback WriteCallback) error {
	return s.writeInternal(buf, callback, 0)
}

// WriteWithTimeout implements StreamSocket.
func (s *TLSSocket) WriteWithTimeout(buf []byte, callback WriteCallback, timeout time.Duration) error {
	if timeout <= 0 {
		return invalidArgument(`the I/O timeout must be greater than zero`)
	}
	return s.writeInternal(buf, callback, timeout)
}

func (s *TLSSocket) readInternal(length int, callback ReadCallback, timeout time.Duration) error {
	if length <= 0 {
		return invalidArgument(`the number of bytes to read must be at least 1`)
	}
	if callback == nil {
		return invalidArgument(`socket I/O callbacks must not be empty`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return failedPrecondition(`this socket has been shut down`)
	}
	if s.readPending {
		return failedPrecondition(`another read operation is already in progress`)
	}
	s.readPending = true
	s.readCh <- tlsReadOp{buf: make([]byte, length), callback: callback, timeout: timeout}
	return nil
}

func (s *TLSSocket) skipInternal(length int, callback SkipCallback, timeout time.Duration) error {
	if length <= 0 {
		return invalidArgument(`the number of bytes to skip must be at least 1`)
	}
	if callback == nil {
		return invalidArgument(`socket I/O callbacks must not be empty`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return failedPrecondition(`this socket has been shut down`)
	}
	if s.readPending {
		return failedPrecondition(`another read operation is already in progress`)
	}
	s.readPending = true
	s.readCh <- tlsReadOp{skip: length, skipCB: callback, timeout: timeout}
	return nil
}

func (s *TLSSocket) writeInternal(buf []byte, callback WriteCallback, timeout time.Duration) error {
	if len(buf) == 0 {
		return invalidArgument(`the number of bytes to write must be at least 1`)
	}
	if callback == nil {
		return invalidArgument(`socket I/O callbacks must not be empty`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return failedPrecondition(`this socket has been shut down`)
	}
	if s.writePending {
		return failedPrecondition(`another write operation is already in progress`)
	}
	s.writePending = true
	s.writeCh <- tlsWriteOp{buf: buf, callback: callback, timeout: timeout}
	return nil
}

func (s *TLSSocket) readLoop() {
	for {
		select {
		case <-s.done:
			s.drainRead()
			return
		case op := <-s.readCh:
			err := s.performRead(&op)
			s.mu.Lock()
			s.readPending = false
			s.mu.Unlock()
			if op.skipCB != nil {
				op.skipCB(err)
			} else if err != nil {
				op.callback(nil, err)
			} else {
				op.callback(op.buf, nil)
			}
			if err != nil {
				s.Close()
				s.drainWrite()
				return
			}
		}
	}
}

func (s *TLSSocket) writeLoop() {
	for {
		select {
		case <-s.done:
			s.drainWrite()
			return
		case op := <-s.writeCh:
			err := s.performWrite(&op)
			s.mu.Lock()
			s.writePending = false
			s.mu.Unlock()
			op.callback(err)
			if err != nil {
				s.Close()
				s.drainRead()
				return
			}
		}
	}
}

// drainRead aborts a read operation that was queued but never started.
func (s *TLSSocket) drainRead() {
	select {
	case op := <-s.readCh:
		s.mu.Lock()
		s.readPending = false
		s.mu.Unlock()
		if op.skipCB != nil {
			op.skipCB(abortedError(`socket shutdown`))
		} else {
			op.callback(nil, abortedError(`socket shutdown`))
		}
	default:
	}
}

func (s *TLSSocket) drainWrite() {
	select {
	case op := <-s.writeCh:
		s.mu.Lock()
		s.writePending = false
		s.mu.Unlock()
		op.callback(abortedError(`socket shutdown`))
	default:
	}
}

func (s *TLSSocket) performRead(op *tlsReadOp) error {
	scratchSize := skipChunkSize
	if op.buf == nil && op.skip < scratchSize {
		scratchSize = op.skip
	}
	var scratch []byte
	filled, remaining := 0, op.skip
	for {
		var dst []byte
		if op.buf != nil {
			if filled == len(op.buf) {
				s.clearReadDeadline(op.timeout)
				return nil
			}
			dst = op.buf[filled:]
		} else {
			if remaining == 0 {
				s.clearReadDeadline(op.timeout)
				return nil
			}
			if scratch == nil {
				scratch = make([]byte, scratchSize)
			}
			dst = scratch
			if remaining < len(dst) {
				dst = dst[:remaining]
			}
		}
		if op.timeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(op.timeout))
		}
		n, err := s.conn.Read(dst)
		filled += n
		remaining -= n
		if err != nil {
			// A partial read is progress: the deadline only counts peer
			// silence, so partial completion with a timeout error re-arms.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if n > 0 {
					continue
				}
				s.Close()
				return deadlineExceededError(readTimeoutMessage)
			}
			s.Close()
			return mapTLSError(err, readTimeoutMessage)
		}
	}
}

func (s *TLSSocket) performWrite(op *tlsWriteOp) error {
	written := 0
	for written < len(op.buf) {
		if op.timeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(op.timeout))
		}
		n, err := s.conn.Write(op.buf[written:])
		written += n
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if n > 0 {
					continue
				}
				s.Close()
				return deadlineExceededError(writeTimeoutMessage)
			}
			s.Close()
			return mapTLSError(err, writeTimeoutMessage)
		}
	}
	if op.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	return nil
}

// clearReadDeadline disarms a per-operation read deadline so the next read
// doesn't inherit it.
func (s *TLSSocket) clearReadDeadline(timeout time.Duration) {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
}

// mapTLSError classifies record-layer errors: a clean close_notify from the
// peer is a graceful close (Cancelled), a torn transport is Aborted, and
// timeouts are DeadlineExceeded.
func mapTLSError(err error, timeoutMessage string) error {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return cancelledError(`SSL socket peer hung up`)
	case errors.Is(err, net.ErrClosed):
		return abortedError(`socket shutdown`)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return abortedError(`the peer hung up`)
	case errors.As(err, &netErr) && netErr.Timeout():
		return deadlineExceededError(timeoutMessage)
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
