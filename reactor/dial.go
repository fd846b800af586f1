package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// DialTCP creates a Socket connected to the specified host and port. Name
// resolution is performed with the system resolver, so the address can be a
// numeric IPv4 or IPv6 address or a DNS name. The callback is notified when
// the connection attempt completes.
func (r *Reactor) DialTCP(address string, port uint16, options SocketOptions, callback ConnectCallback) (*Socket, error) {
	if callback == nil {
		return nil, invalidArgument(`the connect callback must not be empty`)
	}
	ips, err := net.LookupIP(address)
	if err != nil || len(ips) == 0 {
		return nil, invalidArgument(fmt.Sprintf(`cannot resolve %q`, address))
	}
	var (
		family int
		sa     unix.Sockaddr
	)
	if ip4 := ips[0].To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: int(port)}
		copy(sa4.Addr[:], ip4)
		family, sa = unix.AF_INET, sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: int(port)}
		copy(sa6.Addr[:], ips[0].To16())
		family, sa = unix.AF_INET6, sa6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errnoStatus(err, `socket(SOCK_STREAM)`)
	}
	if err := configureInetSocket(fd, options); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return r.finishDial(fd, sa, callback)
}

// DialUnix creates a Socket connected to the specified Unix domain socket
// path. The callback is notified when the connection attempt completes.
func (r *Reactor) DialUnix(path string, callback ConnectCallback) (*Socket, error) {
	if callback == nil {
		return nil, invalidArgument(`the connect callback must not be empty`)
	}
	if len(path) > MaxUnixDomainSocketPathLength {
		return nil, invalidArgument(fmt.Sprintf(
			`path %q exceeds the maximum length of %d`, path, MaxUnixDomainSocketPathLength))
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errnoStatus(err, `socket(AF_UNIX, SOCK_STREAM)`)
	}
	return r.finishDial(fd, &unix.SockaddrUnix{Name: path}, callback)
}

func (r *Reactor) finishDial(fd int, sa unix.Sockaddr, callback ConnectCallback) (*Socket, error) {
	connected := false
	switch err := unix.Connect(fd, sa); err {
	case nil:
		connected = true
	case unix.EINPROGRESS, unix.EAGAIN:
		// Completion is reported through epoll writability.
	default:
		_ = unix.Close(fd)
		return nil, errnoStatus(err, `connect()`)
	}
	socket := newSocket(r, fd)
	if !connected {
		socket.connect = &connectState{callback: callback}
	}
	if err := r.addTarget(socket, fd, false); err != nil {
		_ = unix.Close(fd)
		socket.Unref()
		return nil, err
	}
	if connected {
		callback(socket, nil)
	}
	return socket, nil
}

// NewSocketPair creates a pair of connected Unix domain sockets using the
// socketpair syscall, registering both in the reactor. Intended for
// deterministic unit testing.
func (r *Reactor) NewSocketPair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errnoStatus(err, `socketpair(AF_UNIX, SOCK_STREAM)`)
	}
	first := newSocket(r, fds[0])
	if err := r.addTarget(first, fds[0], false); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		first.Unref()
		return nil, nil, err
	}
	second := newSocket(r, fds[1])
	if err := r.addTarget(second, fds[1], false); err != nil {
		first.Close()
		first.Unref()
		_ = unix.Close(fds[1])
		second.Unref()
		return nil, nil, err
	}
	return first, second, nil
}
