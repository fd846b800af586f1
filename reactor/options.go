package reactor

import "time"

// LocalHost is the loopback address used by tests and local tooling.
const LocalHost = `::1`

// Default TCP keep-alive parameters.
const (
	DefaultKeepAliveIdle     = 45 * time.Second
	DefaultKeepAliveInterval = 6 * time.Second
	DefaultKeepAliveCount    = 5
)

// MaxUnixDomainSocketPathLength is the longest path a Unix domain socket can
// be bound to (sizeof(sun_path)-1, keeping room for the NUL terminator).
const MaxUnixDomainSocketPathLength = 107

type (
	// KeepAliveParams configures TCP keep-alives. Set these inside
	// SocketOptions.
	KeepAliveParams struct {
		// Idle sets the TCP_KEEPIDLE time.
		Idle time.Duration

		// Interval sets the TCP_KEEPINTVL time.
		Interval time.Duration

		// Count sets the TCP_KEEPCNT value.
		Count int
	}

	// SocketOptions configures TCP/IP sockets. Listeners apply these to
	// every accepted connection before handing it to the user callback.
	SocketOptions struct {
		// KeepAlive enables SO_KEEPALIVE, using KeepAliveParams below.
		KeepAlive bool

		// KeepAliveParams defines the behavior of the keep-alive packets,
		// if enabled. Zero fields fall back to the package defaults.
		KeepAliveParams KeepAliveParams

		// IPTOS optionally sets the IP type of service. See RFC 791 for
		// possible values. Nil leaves the system default.
		IPTOS *uint8
	}
)

func (p KeepAliveParams) withDefaults() KeepAliveParams {
	if p.Idle <= 0 {
		p.Idle = DefaultKeepAliveIdle
	}
	if p.Interval <= 0 {
		p.Interval = DefaultKeepAliveInterval
	}
	if p.Count <= 0 {
		p.Count = DefaultKeepAliveCount
	}
	return p
}
