package http2

import (
	"fmt"

	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type (
	// Request is an inbound request as reconstructed from its header set.
	Request struct {
		// Method is the :method pseudo-header.
		Method string

		// Path is the :path pseudo-header.
		Path string

		// Fields is the full decoded header set, pseudo-headers included.
		Fields HeaderSet
	}

	// StreamInterface is the surface handlers use to respond on a stream.
	StreamInterface interface {
		// SendFields sends a header set, optionally half-closing the stream.
		SendFields(fields HeaderSet, endStream bool) error

		// SendData sends a DATA frame, optionally half-closing the stream.
		SendData(data []byte, endStream bool) error
	}

	// Handler processes requests for one registered path.
	Handler interface {
		Handle(stream StreamInterface, request *Request)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(stream StreamInterface, request *Request)

	// serverStream binds a StreamInterface to one stream of a connection.
	serverStream struct {
		processor *Processor
		streamID  uint32
	}
)

var (
	// compile time assertions

	_ Handler         = HandlerFunc(nil)
	_ StreamInterface = (*serverStream)(nil)
)

// Handle implements Handler.
func (f HandlerFunc) Handle(stream StreamInterface, request *Request) { f(stream, request) }

// Method and Path are extracted from the pseudo-header fields; missing
// pseudo-headers leave the corresponding Request field empty.
func newRequest(fields HeaderSet) *Request {
	request := &Request{Fields: fields}
	for _, field := range fields {
		switch field.Name {
		case `:method`:
			request.Method = field.Value
		case `:path`:
			request.Path = field.Value
		}
	}
	return request
}

func (s *serverStream) SendFields(fields HeaderSet, endStream bool) error {
	// TODO: HPACK encoding of response fields.
	return status.Error(codes.Unimplemented, `HPACK encoding is not implemented`)
}

func (s *serverStream) SendData(data []byte, endStream bool) error {
	if len(data) == 0 {
		return status.Error(codes.InvalidArgument, `DATA frames must carry at least 1 byte`)
	}
	var flags uint8
	if endStream {
		flags = FlagEndStream
	}
	buf := FrameHeader{
		Length:   uint32(len(data)),
		Type:     FrameTypeData,
		Flags:    flags,
		StreamID: s.streamID,
	}.Append(make([]byte, 0, FrameHeaderSize+len(data)))
	s.processor.writeQueue.AppendFrame(append(buf, data...), nil)
	return nil
}

// SendFieldsOrLog sends a header set, logging instead of returning the
// failure.
func SendFieldsOrLog(logger *logiface.Logger[logiface.Event], stream StreamInterface, fields HeaderSet, endStream bool) {
	if err := stream.SendFields(fields, endStream); err != nil && logger != nil {
		logger.Err().Err(err).Log(`failed to send response fields`)
	}
}

// SendDataOrLog sends a DATA frame, logging instead of returning the
// failure.
func SendDataOrLog(logger *logiface.Logger[logiface.Event], stream StreamInterface, data []byte, endStream bool) {
	if err := stream.SendData(data, endStream); err != nil && logger != nil {
		logger.Err().Err(err).Log(`failed to send response data`)
	}
}

// SendResponse sends the response fields followed by the final DATA frame.
func SendResponse(stream StreamInterface, fields HeaderSet, data []byte) error {
	if err := stream.SendFields(fields, false); err != nil {
		return err
	}
	return stream.SendData(data, true)
}

// SendResponseOrLog sends a full response, logging instead of returning the
// failure.
func SendResponseOrLog(logger *logiface.Logger[logiface.Event], stream StreamInterface, fields HeaderSet, data []byte) {
	if err := SendResponse(stream, fields, data); err != nil && logger != nil {
		logger.Err().Err(err).Log(`failed to send response`)
	}
}

// StatusFields builds the response pseudo-header set for an HTTP status
// code.
func StatusFields(code int) HeaderSet {
	return HeaderSet{{`:status`, fmt.Sprintf(`%d`, code)}}
}
