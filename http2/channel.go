package http2

import (
	"bytes"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/tsdb2/platform-sub002/reactor"
)

type (
	// BaseChannel is the abstract interface of all channels. Ref and Unref
	// make channels suitable for reference-counted hand-off.
	BaseChannel interface {
		Ref()
		Unref() bool

		// StartServer starts a server endpoint by reading the HTTP/2 client
		// preface and starting to exchange frames.
		StartServer()
	}

	// ChannelManager retains the channels of a server and is notified when
	// one goes away.
	ChannelManager interface {
		RemoveChannel(channel BaseChannel)
	}

	// ChannelOptions configures a Channel.
	ChannelOptions struct {
		// Manager, if set, is notified when the channel closes.
		Manager ChannelManager

		// IOTimeout is the per-read/write timeout.
		// **Defaults to DefaultIOTimeout, if 0.**
		IOTimeout time.Duration

		// Logger, if set, receives protocol events.
		Logger *logiface.Logger[logiface.Event]

		// OnFields, if set, receives each fully decoded header set.
		OnFields func(streamID uint32, fields HeaderSet)
	}

	// Channel manages a single HTTP/2 connection (with multiplexed streams)
	// over an asynchronous socket, plaintext or TLS.
	Channel struct {
		socket    reactor.StreamSocket
		manager   ChannelManager
		ioTimeout time.Duration
		logger    *logiface.Logger[logiface.Event]
		processor *Processor
	}
)

var _ BaseChannel = (*Channel)(nil)

// NewChannel wraps socket in a Channel. The channel takes over all reads and
// writes on the socket.
func NewChannel(socket reactor.StreamSocket, options ChannelOptions) *Channel {
	if options.IOTimeout <= 0 {
		options.IOTimeout = DefaultIOTimeout
	}
	c := &Channel{
		socket:    socket,
		manager:   options.Manager,
		ioTimeout: options.IOTimeout,
		logger:    options.Logger,
	}
	c.processor = newProcessor(c, NewWriteQueue(socket, options.IOTimeout), options.Logger)
	c.processor.onFields = options.OnFields
	return c
}

// Ref implements BaseChannel.
func (c *Channel) Ref() { c.socket.Ref() }

// Unref implements BaseChannel.
func (c *Channel) Unref() bool { return c.socket.Unref() }

// IsOpen reports whether the underlying socket is open.
func (c *Channel) IsOpen() bool { return c.socket.IsOpen() }

// Processor returns the channel's frame processor.
func (c *Channel) Processor() *Processor { return c.processor }

// SetFieldsHandler routes every fully decoded header set to fn. It must be
// called before StartServer.
func (c *Channel) SetFieldsHandler(fn func(streamID uint32, fields HeaderSet)) {
	c.processor.onFields = fn
}

// Close shuts the connection down and detaches it from its manager.
func (c *Channel) Close() bool {
	result := c.socket.Close()
	if result && c.manager != nil {
		c.manager.RemoveChannel(c)
	}
	return result
}

// StartServer implements BaseChannel: it reads the 24-byte client preface,
// sends the server's SETTINGS frame, and enters the frame-read loop. A
// preface mismatch closes the connection.
func (c *Channel) StartServer() {
	c.readWithTimeout(len(ClientPreface), func(data []byte) {
		if !bytes.Equal(data, []byte(ClientPreface)) {
			if c.logger != nil {
				c.logger.Err().Str(`preface`, string(data)).Log(`HTTP/2 client preface error`)
			}
			c.Close()
			return
		}
		c.processor.SendSettings()
		c.ReadNextFrame()
	})
}

// read delivers exactly length bytes to the callback, closing the
// connection on any error. No timeout: used between frames, where the peer
// is allowed to stay idle indefinitely.
func (c *Channel) read(length int, callback func(data []byte)) {
	err := c.socket.Read(length, func(data []byte, err error) {
		if err != nil {
			c.Close()
			return
		}
		callback(data)
	})
	if err != nil {
		c.Close()
	}
}

// readWithTimeout is like read but bounds peer silence with the configured
// HTTP/2 I/O timeout: used within a frame, where stalling mid-payload would
// otherwise park the connection forever.
func (c *Channel) readWithTimeout(length int, callback func(data []byte)) {
	err := c.socket.ReadWithTimeout(length, func(data []byte, err error) {
		if err != nil {
			c.Close()
			return
		}
		callback(data)
	}, c.ioTimeout)
	if err != nil {
		c.Close()
	}
}

// skip discards exactly length bytes, closing the connection on any error.
func (c *Channel) skip(length int, callback func()) {
	err := c.socket.SkipWithTimeout(length, func(err error) {
		if err != nil {
			c.Close()
			return
		}
		callback()
	}, c.ioTimeout)
	if err != nil {
		c.Close()
	}
}

// ReadContinuationFrame reads the next frame header while streamID is
// reassembling a field block; only CONTINUATION frames for that stream are
// accepted.
func (c *Channel) ReadContinuationFrame(streamID uint32) {
	c.read(FrameHeaderSize, func(buf []byte) {
		header := DecodeFrameHeader(buf)
		goingAway := false
		// TODO: even while expecting a CONTINUATION frame we should keep
		// accepting high-priority frames like PING and GOAWAY.
		if header.Type != FrameTypeContinuation {
			goingAway = true
			c.processor.GoAway(ErrorCodeProtocolError)
		} else {
			goingAway = c.processor.ValidateContinuationHeader(streamID, header) != ErrorCodeNoError
		}
		length := int(header.Length)
		if goingAway {
			if length > 0 {
				c.skip(length, c.ReadNextFrame)
			} else {
				c.ReadNextFrame()
			}
		} else {
			if length > 0 {
				c.readWithTimeout(length, func(payload []byte) {
					c.processor.ProcessContinuationFrame(streamID, header, payload)
				})
			} else {
				c.processor.ProcessContinuationFrame(streamID, header, nil)
			}
		}
	})
}

// ReadNextFrame reads and dispatches the next frame.
func (c *Channel) ReadNextFrame() {
	c.read(FrameHeaderSize, func(buf []byte) {
		header := DecodeFrameHeader(buf)
		validationError := c.processor.ValidateFrameHeader(header)
		length := int(header.Length)
		if validationError != ErrorCodeNoError && header.Type != FrameTypeGoAway {
			if length > 0 {
				c.skip(length, c.ReadNextFrame)
			} else {
				c.ReadNextFrame()
			}
		} else {
			if length > 0 {
				c.readWithTimeout(length, func(payload []byte) {
					c.processor.ProcessFrame(header, payload)
				})
			} else {
				c.processor.ProcessFrame(header, nil)
			}
		}
	})
}

// CloseConnection implements the processor's channel interface.
func (c *Channel) CloseConnection() { c.Close() }
