package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// AcceptCallback is invoked by a Listener once per accepted connection, or
// with an error when accepting fails for a reason other than EAGAIN.
//
// NOTE: the accept callback may be called many times concurrently. Ensure
// proper thread-safety of anything in its closure.
type AcceptCallback func(socket *Socket, err error)

// Listener accepts unencrypted connections, constructing a Socket for each
// and handing it to the accept callback. TCP listeners apply their
// SocketOptions to every accepted connection first.
type Listener struct {
	targetBase

	address  string
	port     uint16
	options  *SocketOptions
	callback AcceptCallback
}

var _ Target = (*Listener)(nil)

// Address returns the local address this listener is bound to. An empty
// string indicates it is bound to in6addr_any. For Unix domain listeners it
// is the socket path.
func (l *Listener) Address() string { return l.address }

// Port returns the local TCP/IP port this listener accepts connections on,
// or zero for Unix domain listeners.
func (l *Listener) Port() uint16 { return l.port }

// Close shuts the listener down, removing it from the reactor. Idempotent;
// returns true only for the call that performed the closure.
func (l *Listener) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd < 0 {
		return false
	}
	l.killSocketLocked()
	return true
}

// OnError implements Target.
func (l *Listener) OnError() {
	l.mu.Lock()
	l.killSocketLocked()
	l.mu.Unlock()
	l.callback(nil, abortedError(`socket shutdown`))
}

// OnInput implements Target. It accepts connections in a loop until EAGAIN,
// as required by edge-triggered readiness.
func (l *Listener) OnInput() {
	fds, err := l.acceptAll()
	if err != nil {
		l.callback(nil, err)
		return
	}
	for _, fd := range fds {
		if l.options != nil {
			if err := configureInetSocket(fd, *l.options); err != nil {
				_ = unix.Close(fd)
				l.callback(nil, err)
				continue
			}
		}
		socket := newSocket(l.reactor, fd)
		if err := l.reactor.addTarget(socket, fd, false); err != nil {
			socket.Close()
			socket.Unref()
			l.callback(nil, err)
			continue
		}
		l.callback(socket, nil)
	}
}

// OnOutput implements Target. Nothing to do for listeners.
func (l *Listener) OnOutput() {}

func (l *Listener) acceptAll() ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd < 0 {
		return nil, failedPrecondition(`this socket has been shut down`)
	}
	var fds []int
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return fds, nil
			}
			l.killSocketLocked()
			return nil, errnoStatus(err, `accept4()`)
		}
		fds = append(fds, fd)
	}
}

func (l *Listener) destroy() {
	l.mu.Lock()
	l.killSocketLocked()
	l.mu.Unlock()
	l.reactor.forgetTarget(l)
}

// ListenTCP creates a listener accepting dual-stack TCP/IP connections at
// the specified local address and port. An empty address binds to
// in6addr_any; port zero picks an ephemeral port, readable via Port.
func (r *Reactor) ListenTCP(address string, port uint16, options SocketOptions, callback AcceptCallback) (*Listener, error) {
	if callback == nil {
		return nil, invalidArgument(`the accept callback must not be empty`)
	}
	fd, boundPort, err := createInetListener(address, port)
	if err != nil {
		return nil, err
	}
	l := &Listener{address: address, port: boundPort, options: &options, callback: callback}
	l.targetBase.init(r, fd)
	l.SetOnLastUnref(l.destroy)
	l.Ref()
	if err := r.addTarget(l, fd, true); err != nil {
		_ = unix.Close(fd)
		l.Unref()
		return nil, err
	}
	return l, nil
}

// ListenUnix creates a listener accepting Unix domain stream connections at
// the specified socket path.
func (r *Reactor) ListenUnix(path string, callback AcceptCallback) (*Listener, error) {
	if callback == nil {
		return nil, invalidArgument(`the accept callback must not be empty`)
	}
	if len(path) > MaxUnixDomainSocketPathLength {
		return nil, invalidArgument(fmt.Sprintf(
			`path %q exceeds the maximum length of %d`, path, MaxUnixDomainSocketPathLength))
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errnoStatus(err, `socket(AF_UNIX, SOCK_STREAM)`)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, errnoStatus(err, `bind()`)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, errnoStatus(err, `listen()`)
	}
	l := &Listener{address: path, callback: callback}
	l.targetBase.init(r, fd)
	l.SetOnLastUnref(l.destroy)
	l.Ref()
	if err := r.addTarget(l, fd, true); err != nil {
		_ = unix.Close(fd)
		l.Unref()
		return nil, err
	}
	return l, nil
}

// createInetListener creates a non-blocking dual-stack TCP listener socket
// bound to address:port, returning the descriptor and the bound port.
func createInetListener(address string, port uint16) (int, uint16, error) {
	sa := &unix.SockaddrInet6{Port: int(port)}
	if address != `` {
		ip := net.ParseIP(address)
		if ip == nil || ip.To16() == nil {
			return -1, 0, invalidArgument(fmt.Sprintf(`invalid address: %q`, address))
		}
		copy(sa.Addr[:], ip.To16())
	}
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, errnoStatus(err, `socket(AF_INET6, SOCK_STREAM)`)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		_ = unix.Close(fd)
		return -1, 0, errnoStatus(err, `setsockopt(IPPROTO_IPV6, IPV6_V6ONLY, 0)`)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, 0, errnoStatus(err, `bind()`)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, 0, errnoStatus(err, `listen()`)
	}
	boundPort := port
	if port == 0 {
		name, err := unix.Getsockname(fd)
		if err != nil {
			_ = unix.Close(fd)
			return -1, 0, errnoStatus(err, `getsockname()`)
		}
		if sa6, ok := name.(*unix.SockaddrInet6); ok {
			boundPort = uint16(sa6.Port)
		}
	}
	return fd, boundPort, nil
}

// configureInetSocket applies options to an accepted or dialed TCP socket
// through a series of setsockopt calls.
func configureInetSocket(fd int, options SocketOptions) error {
	if options.KeepAlive {
		params := options.KeepAliveParams.withDefaults()
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return errnoStatus(err, `setsockopt(SOL_SOCKET, SO_KEEPALIVE)`)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(params.Idle.Seconds())); err != nil {
			return errnoStatus(err, `setsockopt(IPPROTO_TCP, TCP_KEEPIDLE)`)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(params.Interval.Seconds())); err != nil {
			return errnoStatus(err, `setsockopt(IPPROTO_TCP, TCP_KEEPINTVL)`)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, params.Count); err != nil {
			return errnoStatus(err, `setsockopt(IPPROTO_TCP, TCP_KEEPCNT)`)
		}
	}
	if options.IPTOS != nil {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, int(*options.IPTOS)); err != nil {
			return errnoStatus(err, `setsockopt(IPPROTO_IP, IP_TOS)`)
		}
	}
	return nil
}
