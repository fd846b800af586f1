package reactor

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tsdb2/platform-sub002/refcount"
)

// TLSListener accepts encrypted TCP/IP connections. Accepted sockets begin
// their TLS handshake immediately and are delivered to the accept callback
// only once it completes, so the callback always receives a socket that is
// ready for application I/O.
type TLSListener struct {
	refcount.RefCounted

	reactor  *Reactor
	ln       net.Listener
	options  SocketOptions
	config   *tls.Config
	callback TLSAcceptCallback
	address  string
	port     uint16
	closed   atomic.Bool
}

// ListenTLS creates a listener accepting dual-stack TLS connections at the
// specified local address and port. An empty address binds to in6addr_any;
// port zero picks an ephemeral port, readable via Port.
func (r *Reactor) ListenTLS(address string, port uint16, options SocketOptions, config *tls.Config, callback TLSAcceptCallback) (*TLSListener, error) {
	if callback == nil {
		return nil, invalidArgument(`the accept callback must not be empty`)
	}
	if config == nil || len(config.Certificates) == 0 && config.GetCertificate == nil {
		return nil, invalidArgument(`a TLS configuration with a server certificate is required`)
	}
	ln, err := net.Listen(`tcp`, net.JoinHostPort(address, fmt.Sprintf(`%d`, port)))
	if err != nil {
		return nil, status.Error(codes.Unknown, `listen(): `+err.Error())
	}
	l := &TLSListener{
		reactor:  r,
		ln:       ln,
		options:  options,
		config:   config,
		callback: callback,
		address:  address,
		port:     uint16(ln.Addr().(*net.TCPAddr).Port),
	}
	l.SetOnLastUnref(func() { l.Close() })
	l.Ref()
	go l.acceptLoop()
	return l, nil
}

// Address returns the local address this listener is bound to. An empty
// string indicates it is bound to in6addr_any.
func (l *TLSListener) Address() string { return l.address }

// Port returns the local TCP/IP port this listener accepts connections on.
func (l *TLSListener) Port() uint16 { return l.port }

// Close stops accepting connections. Idempotent; returns true only for the
// call that performed the closure.
func (l *TLSListener) Close() bool {
	if l.closed.Swap(true) {
		return false
	}
	_ = l.ln.Close()
	return true
}

func (l *TLSListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.callback(nil, abortedError(`accept(): `+err.Error()))
			return
		}
		if err := l.configureAccepted(conn); err != nil {
			_ = conn.Close()
			l.callback(nil, err)
			continue
		}
		newTLSSocket(l.reactor, tls.Server(conn, l.config), TLSConnectCallback(l.callback))
	}
}

// configureAccepted applies the listener's SocketOptions to the accepted
// connection's descriptor before the handshake begins.
func (l *TLSListener) configureAccepted(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return status.Error(codes.Unknown, `syscall conn: `+err.Error())
	}
	var optErr error
	if err := rawConn.Control(func(fd uintptr) {
		optErr = configureInetSocket(int(fd), l.options)
	}); err != nil {
		return status.Error(codes.Unknown, `setsockopt: `+err.Error())
	}
	return optErr
}

// NewTLSSocketPair creates a pair of TLS sockets connected back to back over
// an in-process transport, one acting as the server and one as the client.
// The callbacks fire when the respective handshakes complete. Intended for
// deterministic unit testing of both sides of a TLS exchange.
func (r *Reactor) NewTLSSocketPair(serverConfig, clientConfig *tls.Config, serverCallback, clientCallback TLSConnectCallback) {
	serverConn, clientConn := net.Pipe()
	newTLSSocket(r, tls.Server(serverConn, serverConfig), serverCallback)
	newTLSSocket(r, tls.Client(clientConn, clientConfig), clientCallback)
}

// decryptPEM decrypts a legacy RFC 1423 encrypted PEM private key.
func decryptPEM(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, status.Error(codes.InvalidArgument, `invalid PEM in private key file`)
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, `decrypting private key: `+err.Error())
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}
