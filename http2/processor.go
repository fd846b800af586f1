package http2

import (
	"encoding/binary"
	"sync"

	"github.com/joeycumines/logiface"
)

type (
	// channelInterface is the internal surface used by the Processor to
	// drive I/O on its parent channel.
	channelInterface interface {
		ReadContinuationFrame(streamID uint32)
		ReadNextFrame()
		CloseConnection()
	}

	// stream holds per-stream state.
	stream struct {
		// state is the RFC 7540 stream state.
		state StreamState

		// windowSize is the stream's flow-control window.
		windowSize int

		// receivingFields indicates the stream is receiving fields (headers
		// or trailers), i.e. we're expecting another CONTINUATION frame.
		receivingFields bool

		// fieldBlock accumulates the concatenated field fragments during
		// field reception.
		fieldBlock []byte

		// lastFieldBlock is not set or read by the Processor: END_STREAM on
		// a HEADERS frame leaves the stream state unchanged, and no
		// transition to Closed follows the last CONTINUATION frame.
		lastFieldBlock bool
	}

	// Processor validates and applies the frames of one HTTP/2 connection:
	// it owns the stream table, the connection settings, the HPACK decoder,
	// and the outbound write queue.
	Processor struct {
		parent channelInterface
		logger *logiface.Logger[logiface.Event]

		mu sync.Mutex

		enablePush              bool
		maxConcurrentStreams    *uint32
		initialStreamWindowSize int
		maxFramePayloadSize     uint32
		maxHeaderListSize       uint32

		fieldDecoder HPACKDecoder

		streams               map[uint32]*stream
		lastProcessedStreamID uint32
		goingAway             bool

		writeQueue *WriteQueue

		// onFields, if set, receives each fully decoded header set.
		onFields func(streamID uint32, fields HeaderSet)
	}
)

func newProcessor(parent channelInterface, writeQueue *WriteQueue, logger *logiface.Logger[logiface.Event]) *Processor {
	return &Processor{
		parent:                  parent,
		logger:                  logger,
		enablePush:              true,
		initialStreamWindowSize: DefaultInitialWindowSize,
		maxFramePayloadSize:     DefaultMaxFramePayloadSize,
		maxHeaderListSize:       DefaultMaxHeaderListSize,
		streams:                 make(map[uint32]*stream),
		writeQueue:              writeQueue,
	}
}

// ValidateContinuationHeader checks a frame header received while streamID
// is reassembling a field block, emitting a GOAWAY on failure.
func (p *Processor) ValidateContinuationHeader(streamID uint32, header FrameHeader) ErrorCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := p.validateContinuationHeaderLocked(streamID, header)
	if code != ErrorCodeNoError {
		p.goAwayLocked(code)
	}
	return code
}

// ValidateFrameHeader performs the header-only validation of a frame before
// its payload is fetched, emitting a GOAWAY on failure. The result
// determines whether the payload is processed or skipped.
func (p *Processor) ValidateFrameHeader(header FrameHeader) ErrorCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := p.validateFrameHeaderLocked(header)
	if code != ErrorCodeNoError {
		p.goAwayLocked(code)
	}
	return code
}

// ProcessFrame applies a validated frame and schedules the next read.
func (p *Processor) ProcessFrame(header FrameHeader, payload []byte) {
	switch header.Type {
	case FrameTypeData:
		p.processDataFrame(header, payload)
	case FrameTypeHeaders:
		// processHeadersFrame continues by scheduling either the next frame
		// read or a CONTINUATION read itself, so return without falling
		// through to the final ReadNextFrame call.
		p.processHeadersFrame(header, payload)
		return
	case FrameTypePriority:
		// PRIORITY is deprecated, nothing to do here.
	case FrameTypeResetStream:
		p.processResetStreamFrame(header)
	case FrameTypeSettings:
		p.processSettingsFrame(header, payload)
	case FrameTypePushPromise:
		p.processPushPromiseFrame(header)
	case FrameTypePing:
		p.processPingFrame(header, payload)
	case FrameTypeGoAway:
		p.processGoAwayFrame(header, payload)
	case FrameTypeWindowUpdate:
		p.processWindowUpdateFrame(header, payload)
	case FrameTypeContinuation:
		// Proper CONTINUATION frames are handled inside the processing of
		// HEADERS frames, so reaching this point is a protocol error.
		p.GoAway(ErrorCodeProtocolError)
	default:
		p.GoAway(ErrorCodeInternalError)
	}
	p.parent.ReadNextFrame()
}

// ProcessContinuationFrame appends a CONTINUATION fragment to the stream's
// field block, completing the header set when END_HEADERS is set.
func (p *Processor) ProcessContinuationFrame(streamID uint32, header FrameHeader, payload []byte) {
	p.mu.Lock()
	s := p.getOrCreateStreamLocked(streamID)
	if (s.state != StreamStateIdle && s.state != StreamStateReservedRemote) || !s.receivingFields {
		switch s.state {
		case StreamStateHalfClosedRemote, StreamStateClosed:
			p.resetStreamLocked(streamID, ErrorCodeStreamClosed)
		default:
			p.resetStreamLocked(streamID, ErrorCodeProtocolError)
		}
		s.state = StreamStateClosed
		p.mu.Unlock()
		p.parent.ReadNextFrame()
		return
	}
	s.fieldBlock = append(s.fieldBlock, payload...)
	if header.Flags&FlagEndHeaders != 0 {
		switch s.state {
		case StreamStateIdle:
			s.state = StreamStateOpen
		case StreamStateReservedRemote:
			s.state = StreamStateHalfClosedLocal
		}
		s.receivingFields = false
		fields, err := p.fieldDecoder.Decode(s.fieldBlock)
		s.fieldBlock = nil
		var done func()
		if err == nil {
			done = p.fieldsCallbackLocked(streamID, fields)
		} else {
			s.state = StreamStateClosed
			p.resetStreamLocked(streamID, ErrorCodeCompressionError)
		}
		p.mu.Unlock()
		if done != nil {
			done()
		}
		p.parent.ReadNextFrame()
	} else {
		p.mu.Unlock()
		p.parent.ReadContinuationFrame(streamID)
	}
}

// SendSettings enqueues the server's initial SETTINGS frame.
func (p *Processor) SendSettings() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeQueue.AppendFrame(p.makeSettingsFrameLocked(), nil)
}

// GoAway emits a GOAWAY frame with the given error code, skipping the write
// queue, and marks the connection as going away.
func (p *Processor) GoAway(code ErrorCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.goAwayLocked(code)
}

// LastProcessedStreamID returns the highest stream id observed so far.
func (p *Processor) LastProcessedStreamID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProcessedStreamID
}

func (p *Processor) onData(streamID uint32, data []byte) {
	// TODO: deliver request bodies to the stream consumer.
}

// fieldsCallbackLocked returns the notification to run, outside the lock,
// for a fully decoded header set.
func (p *Processor) fieldsCallbackLocked(streamID uint32, fields HeaderSet) func() {
	callback := p.onFields
	if callback == nil {
		return func() {
			if p.logger != nil {
				for _, field := range fields {
					p.logger.Debug().Uint64(`stream`, uint64(streamID)).Str(field.Name, field.Value).Log(`decoded header field`)
				}
			}
		}
	}
	return func() { callback(streamID, fields) }
}

func makeResetStreamFrame(streamID uint32, code ErrorCode) []byte {
	buf := FrameHeader{
		Length:   resetStreamPayloadSize,
		Type:     FrameTypeResetStream,
		StreamID: streamID,
	}.Append(make([]byte, 0, FrameHeaderSize+resetStreamPayloadSize))
	return binary.BigEndian.AppendUint32(buf, uint32(code))
}

func (p *Processor) makeSettingsFrameLocked() []byte {
	entries := []settingsEntry{
		{SettingHeaderTableSize, p.fieldDecoder.MaxDynamicHeaderTableSize()},
		{SettingEnablePush, boolToUint32(p.enablePush)},
		{SettingInitialWindowSize, uint32(p.initialStreamWindowSize)},
		{SettingMaxFrameSize, p.maxFramePayloadSize},
		{SettingMaxHeaderListSize, p.maxHeaderListSize},
	}
	if p.maxConcurrentStreams != nil {
		entries = append(entries, settingsEntry{SettingMaxConcurrentStreams, *p.maxConcurrentStreams})
	}
	buf := FrameHeader{
		Length:   uint32(len(entries) * settingsEntrySize),
		Type:     FrameTypeSettings,
		StreamID: 0,
	}.Append(make([]byte, 0, FrameHeaderSize+len(entries)*settingsEntrySize))
	for _, entry := range entries {
		buf = entry.append(buf)
	}
	return buf
}

func makeSettingsAckFrame() []byte {
	return FrameHeader{
		Length:   0,
		Type:     FrameTypeSettings,
		Flags:    FlagAck,
		StreamID: 0,
	}.Encode()
}

func makePingFrame(ack bool, payload []byte) []byte {
	var flags uint8
	if ack {
		flags = FlagAck
	}
	buf := FrameHeader{
		Length:   pingPayloadSize,
		Type:     FrameTypePing,
		Flags:    flags,
		StreamID: 0,
	}.Append(make([]byte, 0, FrameHeaderSize+pingPayloadSize))
	return append(buf, payload[:pingPayloadSize]...)
}

func (p *Processor) makeGoAwayFrameLocked(code ErrorCode) []byte {
	buf := FrameHeader{
		Length:   goAwayPayloadSize,
		Type:     FrameTypeGoAway,
		StreamID: 0,
	}.Append(make([]byte, 0, FrameHeaderSize+goAwayPayloadSize))
	buf = binary.BigEndian.AppendUint32(buf, p.lastProcessedStreamID&0x7fffffff)
	return binary.BigEndian.AppendUint32(buf, uint32(code))
}

func (p *Processor) resetStreamLocked(streamID uint32, code ErrorCode) {
	p.writeQueue.AppendFrame(makeResetStreamFrame(streamID, code), nil)
}

func (p *Processor) ackSettings() {
	p.writeQueue.AppendFrame(makeSettingsAckFrame(), nil)
}

func (p *Processor) goAwayLocked(code ErrorCode) {
	p.goingAway = true
	p.writeQueue.AppendFrameSkippingQueue(p.makeGoAwayFrameLocked(code), nil)
}

func (p *Processor) getOrCreateStreamLocked(streamID uint32) *stream {
	if s, ok := p.streams[streamID]; ok {
		return s
	}
	s := &stream{windowSize: p.initialStreamWindowSize}
	p.streams[streamID] = s
	p.lastProcessedStreamID = streamID
	return s
}

func validateDataHeader(header FrameHeader) ErrorCode {
	if header.StreamID == 0 {
		return ErrorCodeProtocolError
	}
	if header.Flags&FlagPadded != 0 && header.Length < 1 {
		return ErrorCodeFrameSizeError
	}
	return ErrorCodeNoError
}

func validateHeadersHeader(header FrameHeader) ErrorCode {
	if header.StreamID == 0 {
		return ErrorCodeProtocolError
	}
	var minSize uint32
	if header.Flags&FlagPriority != 0 {
		minSize += 5
	}
	if header.Flags&FlagPadded != 0 {
		minSize += 1
	}
	if header.Length < minSize {
		return ErrorCodeFrameSizeError
	}
	return ErrorCodeNoError
}

func validatePriorityHeader(header FrameHeader) ErrorCode {
	if header.StreamID == 0 {
		return ErrorCodeProtocolError
	}
	if header.Length != priorityPayloadSize {
		return ErrorCodeFrameSizeError
	}
	return ErrorCodeNoError
}

func validateResetStreamHeader(header FrameHeader) ErrorCode {
	if header.StreamID == 0 {
		return ErrorCodeProtocolError
	}
	if header.Length != resetStreamPayloadSize {
		return ErrorCodeFrameSizeError
	}
	return ErrorCodeNoError
}

func validateSettingsHeader(header FrameHeader) ErrorCode {
	if header.StreamID != 0 {
		return ErrorCodeProtocolError
	}
	if header.Flags&FlagAck != 0 {
		if header.Length != 0 {
			return ErrorCodeFrameSizeError
		}
	} else if header.Length == 0 || header.Length%settingsEntrySize != 0 {
		return ErrorCodeFrameSizeError
	}
	return ErrorCodeNoError
}

func validatePushPromiseHeader(header FrameHeader) ErrorCode {
	// TODO
	return ErrorCodeNoError
}

func validatePingHeader(header FrameHeader) ErrorCode {
	if header.StreamID != 0 {
		return ErrorCodeProtocolError
	}
	if header.Length != pingPayloadSize {
		return ErrorCodeFrameSizeError
	}
	if header.Flags&FlagAck != 0 {
		// We never originate pings, so an inbound ACK is bogus.
		return ErrorCodeProtocolError
	}
	return ErrorCodeNoError
}

func validateGoAwayHeader(header FrameHeader) ErrorCode {
	if header.StreamID != 0 {
		return ErrorCodeProtocolError
	}
	if header.Length < goAwayPayloadSize {
		return ErrorCodeFrameSizeError
	}
	return ErrorCodeNoError
}

func validateWindowUpdateHeader(header FrameHeader) ErrorCode {
	if header.Length != windowUpdatePayloadSize {
		return ErrorCodeFrameSizeError
	}
	return ErrorCodeNoError
}

func (p *Processor) validateContinuationHeaderLocked(streamID uint32, header FrameHeader) ErrorCode {
	if header.StreamID != streamID {
		return ErrorCodeProtocolError
	}
	s, ok := p.streams[streamID]
	if !ok || !s.receivingFields {
		return ErrorCodeInternalError
	}
	return ErrorCodeNoError
}

func (p *Processor) validateFrameHeaderLocked(header FrameHeader) ErrorCode {
	if header.Length > p.maxFramePayloadSize {
		return ErrorCodeFrameSizeError
	}
	switch header.Type {
	case FrameTypeData:
		return validateDataHeader(header)
	case FrameTypeHeaders:
		return validateHeadersHeader(header)
	case FrameTypePriority:
		return validatePriorityHeader(header)
	case FrameTypeResetStream:
		return validateResetStreamHeader(header)
	case FrameTypeSettings:
		return validateSettingsHeader(header)
	case FrameTypePushPromise:
		return validatePushPromiseHeader(header)
	case FrameTypePing:
		return validatePingHeader(header)
	case FrameTypeGoAway:
		return validateGoAwayHeader(header)
	case FrameTypeWindowUpdate:
		return validateWindowUpdateHeader(header)
	case FrameTypeContinuation:
		// Proper CONTINUATION frames are handled inside the processing of
		// HEADERS frames, so reaching this point is a protocol error.
		return ErrorCodeProtocolError
	default:
		return ErrorCodeProtocolError
	}
}

func (p *Processor) processDataFrame(header FrameHeader, payload []byte) {
	offset := 0
	padLength := 0
	if header.Flags&FlagPadded != 0 {
		offset += 1
		padLength += int(payload[0])
	}
	length := int(header.Length)
	if offset+padLength > length {
		p.GoAway(ErrorCodeFrameSizeError)
		return
	}
	data := payload[offset : length-padLength]
	streamID := header.StreamID
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.getOrCreateStreamLocked(streamID)
	if s.state != StreamStateOpen && s.state != StreamStateHalfClosedLocal {
		s.state = StreamStateClosed
		p.resetStreamLocked(streamID, ErrorCodeStreamClosed)
		return
	}
	if header.Flags&FlagEndStream != 0 {
		switch s.state {
		case StreamStateOpen:
			s.state = StreamStateHalfClosedRemote
		case StreamStateHalfClosedLocal:
			s.state = StreamStateClosed
		}
	}
	p.onData(streamID, data)
}

func (p *Processor) processHeadersFrame(header FrameHeader, payload []byte) {
	offset := 0
	padLength := 0
	if header.Flags&FlagPadded != 0 {
		offset += 1
		padLength += int(payload[0])
	}
	if header.Flags&FlagPriority != 0 {
		offset += 5
	}
	length := int(header.Length)
	if offset+padLength > length {
		p.GoAway(ErrorCodeFrameSizeError)
		p.parent.ReadNextFrame()
		return
	}
	fragment := payload[offset : length-padLength]
	streamID := header.StreamID
	p.mu.Lock()
	s := p.getOrCreateStreamLocked(streamID)
	if (s.state != StreamStateIdle && s.state != StreamStateReservedRemote) || s.receivingFields {
		// Choose the reset reason from the state the stream was actually in,
		// then close it.
		switch s.state {
		case StreamStateHalfClosedRemote, StreamStateClosed:
			p.resetStreamLocked(streamID, ErrorCodeStreamClosed)
		default:
			p.resetStreamLocked(streamID, ErrorCodeProtocolError)
		}
		s.state = StreamStateClosed
		p.mu.Unlock()
		p.parent.ReadNextFrame()
		return
	}
	s.receivingFields = true
	if header.Flags&FlagEndHeaders != 0 {
		switch s.state {
		case StreamStateIdle:
			s.state = StreamStateOpen
		case StreamStateReservedRemote:
			s.state = StreamStateHalfClosedLocal
		}
		s.receivingFields = false
		fields, err := p.fieldDecoder.Decode(fragment)
		var done func()
		if err == nil {
			done = p.fieldsCallbackLocked(streamID, fields)
		} else {
			s.state = StreamStateClosed
			p.resetStreamLocked(streamID, ErrorCodeCompressionError)
		}
		p.mu.Unlock()
		if done != nil {
			done()
		}
		p.parent.ReadNextFrame()
	} else {
		s.fieldBlock = append(s.fieldBlock[:0], fragment...)
		p.mu.Unlock()
		p.parent.ReadContinuationFrame(streamID)
	}
}

func (p *Processor) processResetStreamFrame(header FrameHeader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.getOrCreateStreamLocked(header.StreamID)
	s.state = StreamStateClosed
}

func (p *Processor) processSettingsFrame(header FrameHeader, payload []byte) {
	if header.Flags&FlagAck == 0 {
		p.ackSettings()
	}
}

func (p *Processor) processPushPromiseFrame(header FrameHeader) {
	streamID := header.StreamID
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.getOrCreateStreamLocked(streamID)
	if s.state != StreamStateIdle {
		p.resetStreamLocked(streamID, ErrorCodeProtocolError)
		return
	}
	s.state = StreamStateReservedRemote
}

func (p *Processor) processPingFrame(header FrameHeader, payload []byte) {
	if header.Flags&FlagAck != 0 {
		p.GoAway(ErrorCodeProtocolError)
	} else {
		p.writeQueue.AppendFrameSkippingQueue(makePingFrame(true, payload), nil)
	}
}

func (p *Processor) processGoAwayFrame(header FrameHeader, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.goingAway {
		p.parent.CloseConnection()
	} else {
		code := ErrorCodeProtocolError
		if len(payload) >= goAwayPayloadSize {
			code = ErrorCode(binary.BigEndian.Uint32(payload[4:8]))
		}
		p.goAwayLocked(code)
	}
}

func (p *Processor) processWindowUpdateFrame(header FrameHeader, payload []byte) {
	increment := binary.BigEndian.Uint32(payload[:4]) & 0x7fffffff
	p.mu.Lock()
	defer p.mu.Unlock()
	if increment == 0 {
		p.goAwayLocked(ErrorCodeProtocolError)
		return
	}
	// TODO: apply the increment to the stream / connection window.
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
