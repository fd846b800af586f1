package http2

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tsdb2/platform-sub002/reactor"
)

type (
	// HandlerSet maps request paths to their handlers.
	HandlerSet map[string]Handler

	// ServerOptions configures a Server.
	ServerOptions struct {
		// Address is the local address to bind to; empty binds to
		// in6addr_any.
		Address string

		// Port is the local TCP port to listen on; zero picks an ephemeral
		// port.
		Port uint16

		// UseSSL enables TLS; TLSConfig must then be set.
		UseSSL bool

		// TLSConfig carries the server certificate when UseSSL is set.
		TLSConfig *tls.Config

		// SocketOptions are applied to every accepted connection.
		SocketOptions reactor.SocketOptions

		// IOTimeout is the per-read/write timeout of every connection.
		// **Defaults to DefaultIOTimeout, if 0.**
		IOTimeout time.Duration

		// Logger, if set, receives accept and protocol failures.
		Logger *logiface.Logger[logiface.Event]
	}

	// Server is an HTTP/2 server: it owns the listener, retains every
	// accepted channel until it goes away, and dispatches decoded requests
	// to the registered handlers.
	//
	// The listener sockets are dual-stack, so the server is reachable over
	// both IPv4 and IPv6.
	Server struct {
		reactor   *reactor.Reactor
		handlers  HandlerSet
		options   ServerOptions
		logger    *logiface.Logger[logiface.Event]
		ioTimeout time.Duration

		channels mapset.Set[BaseChannel]

		listener    *reactor.Listener
		tlsListener *reactor.TLSListener

		terminateOnce sync.Once
		terminated    chan struct{}
		terminateErr  error
	}
)

var _ ChannelManager = (*Server)(nil)

// Register adds a handler for path, failing with AlreadyExists if one is
// already registered.
func (h HandlerSet) Register(path string, handler Handler) error {
	if _, ok := h[path]; ok {
		return status.Error(codes.AlreadyExists,
			fmt.Sprintf(`an HTTP handler for %q is already registered`, path))
	}
	h[path] = handler
	return nil
}

// NewServer creates a Server bound per options and starts accepting
// connections.
func NewServer(r *reactor.Reactor, options ServerOptions, handlers HandlerSet) (*Server, error) {
	if options.IOTimeout <= 0 {
		options.IOTimeout = DefaultIOTimeout
	}
	s := &Server{
		reactor:    r,
		handlers:   handlers,
		options:    options,
		logger:     options.Logger,
		ioTimeout:  options.IOTimeout,
		channels:   mapset.NewSet[BaseChannel](),
		terminated: make(chan struct{}),
	}
	if err := s.listen(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) listen() error {
	if s.options.UseSSL {
		listener, err := s.reactor.ListenTLS(s.options.Address, s.options.Port, s.options.SocketOptions, s.options.TLSConfig, s.acceptTLS)
		if err != nil {
			return err
		}
		s.tlsListener = listener
		return nil
	}
	listener, err := s.reactor.ListenTCP(s.options.Address, s.options.Port, s.options.SocketOptions, s.accept)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// LocalBinding returns the local address and TCP port the server is bound
// to. An empty address indicates in6addr_any.
func (s *Server) LocalBinding() (string, uint16) {
	if s.tlsListener != nil {
		return s.tlsListener.Address(), s.tlsListener.Port()
	}
	return s.listener.Address(), s.listener.Port()
}

// WaitForTermination blocks while the server is running and returns the
// error that terminated the underlying listener.
func (s *Server) WaitForTermination() error {
	<-s.terminated
	return s.terminateErr
}

// RemoveChannel implements ChannelManager.
func (s *Server) RemoveChannel(channel BaseChannel) {
	if s.channels.Contains(channel) {
		s.channels.Remove(channel)
		channel.Unref()
	}
}

// GetHandler returns the handler registered for path, or NotFound.
func (s *Server) GetHandler(path string) (Handler, error) {
	if handler, ok := s.handlers[path]; ok {
		return handler, nil
	}
	return nil, status.Error(codes.NotFound, path)
}

func (s *Server) accept(socket *reactor.Socket, err error) {
	if err != nil {
		s.logAcceptError(err)
		s.terminate(err)
		return
	}
	s.startChannel(socket)
}

func (s *Server) acceptTLS(socket *reactor.TLSSocket, err error) {
	if err != nil {
		// A fatal handshake error affects only the one connection, so the
		// server keeps accepting.
		s.logAcceptError(err)
		return
	}
	s.startChannel(socket)
}

func (s *Server) startChannel(socket reactor.StreamSocket) {
	channel := NewChannel(socket, ChannelOptions{
		Manager:   s,
		IOTimeout: s.ioTimeout,
		Logger:    s.logger,
	})
	channel.SetFieldsHandler(func(streamID uint32, fields HeaderSet) {
		s.dispatch(channel, streamID, fields)
	})
	// The accept path retains the channel: dropping it here would leak the
	// connection with no owner.
	channel.Ref()
	s.channels.Add(channel)
	channel.StartServer()
	// Release the accept callback's reference; the channel set now owns the
	// connection.
	channel.Unref()
}

func (s *Server) dispatch(channel *Channel, streamID uint32, fields HeaderSet) {
	request := newRequest(fields)
	handler, err := s.GetHandler(request.Path)
	if err != nil {
		if s.logger != nil {
			s.logger.Notice().Str(`path`, request.Path).Log(`no handler registered`)
		}
		return
	}
	handler.Handle(&serverStream{processor: channel.processor, streamID: streamID}, request)
}

func (s *Server) logAcceptError(err error) {
	if s.logger != nil {
		s.logger.Err().Err(err).Log(`failed to accept HTTP/2 connection`)
	}
}

func (s *Server) terminate(err error) {
	s.terminateOnce.Do(func() {
		s.terminateErr = err
		close(s.terminated)
	})
}
