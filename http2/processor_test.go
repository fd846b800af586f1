package http2

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	nextFrameReads    int
	continuationReads []uint32
	closed            bool
}

func (f *fakeChannel) ReadNextFrame() { f.nextFrameReads++ }
func (f *fakeChannel) ReadContinuationFrame(streamID uint32) {
	f.continuationReads = append(f.continuationReads, streamID)
}
func (f *fakeChannel) CloseConnection() { f.closed = true }

func newTestProcessor() (*Processor, *fakeChannel, *fakeSocket) {
	channel := &fakeChannel{}
	socket := newFakeSocket(true)
	processor := newProcessor(channel, NewWriteQueue(socket, 0), nil)
	return processor, channel, socket
}

func lastFrame(t *testing.T, socket *fakeSocket) (FrameHeader, []byte) {
	t.Helper()
	writes := socket.recordedWrites()
	require.NotEmpty(t, writes)
	buf := writes[len(writes)-1]
	require.GreaterOrEqual(t, len(buf), FrameHeaderSize)
	return DecodeFrameHeader(buf), buf[FrameHeaderSize:]
}

func TestValidateFrameHeaderTable(t *testing.T) {
	for _, tt := range []struct {
		name   string
		header FrameHeader
		want   ErrorCode
	}{
		{`data ok`, FrameHeader{Length: 1, Type: FrameTypeData, StreamID: 1}, ErrorCodeNoError},
		{`data on stream zero`, FrameHeader{Length: 1, Type: FrameTypeData, StreamID: 0}, ErrorCodeProtocolError},
		{`padded data too short`, FrameHeader{Length: 0, Type: FrameTypeData, Flags: FlagPadded, StreamID: 1}, ErrorCodeFrameSizeError},
		{`headers ok`, FrameHeader{Length: 0, Type: FrameTypeHeaders, StreamID: 1}, ErrorCodeNoError},
		{`headers on stream zero`, FrameHeader{Type: FrameTypeHeaders, StreamID: 0}, ErrorCodeProtocolError},
		{`priority headers too short`, FrameHeader{Length: 4, Type: FrameTypeHeaders, Flags: FlagPriority, StreamID: 1}, ErrorCodeFrameSizeError},
		{`padded priority headers too short`, FrameHeader{Length: 5, Type: FrameTypeHeaders, Flags: FlagPriority | FlagPadded, StreamID: 1}, ErrorCodeFrameSizeError},
		{`priority ok`, FrameHeader{Length: 5, Type: FrameTypePriority, StreamID: 1}, ErrorCodeNoError},
		{`priority bad length`, FrameHeader{Length: 4, Type: FrameTypePriority, StreamID: 1}, ErrorCodeFrameSizeError},
		{`priority on stream zero`, FrameHeader{Length: 5, Type: FrameTypePriority, StreamID: 0}, ErrorCodeProtocolError},
		{`rst ok`, FrameHeader{Length: 4, Type: FrameTypeResetStream, StreamID: 1}, ErrorCodeNoError},
		{`rst bad length`, FrameHeader{Length: 5, Type: FrameTypeResetStream, StreamID: 1}, ErrorCodeFrameSizeError},
		{`rst on stream zero`, FrameHeader{Length: 4, Type: FrameTypeResetStream, StreamID: 0}, ErrorCodeProtocolError},
		{`settings ok`, FrameHeader{Length: 16, Type: FrameTypeSettings, StreamID: 0}, ErrorCodeNoError},
		{`settings empty`, FrameHeader{Length: 0, Type: FrameTypeSettings, StreamID: 0}, ErrorCodeFrameSizeError},
		{`settings bad multiple`, FrameHeader{Length: 12, Type: FrameTypeSettings, StreamID: 0}, ErrorCodeFrameSizeError},
		{`settings on nonzero stream`, FrameHeader{Length: 8, Type: FrameTypeSettings, StreamID: 1}, ErrorCodeProtocolError},
		{`settings ack ok`, FrameHeader{Length: 0, Type: FrameTypeSettings, Flags: FlagAck, StreamID: 0}, ErrorCodeNoError},
		{`settings ack with payload`, FrameHeader{Length: 8, Type: FrameTypeSettings, Flags: FlagAck, StreamID: 0}, ErrorCodeFrameSizeError},
		{`ping ok`, FrameHeader{Length: 8, Type: FrameTypePing, StreamID: 0}, ErrorCodeNoError},
		{`ping bad length`, FrameHeader{Length: 7, Type: FrameTypePing, StreamID: 0}, ErrorCodeFrameSizeError},
		{`ping on nonzero stream`, FrameHeader{Length: 8, Type: FrameTypePing, StreamID: 1}, ErrorCodeProtocolError},
		{`inbound ping ack forbidden`, FrameHeader{Length: 8, Type: FrameTypePing, Flags: FlagAck, StreamID: 0}, ErrorCodeProtocolError},
		{`goaway ok`, FrameHeader{Length: 8, Type: FrameTypeGoAway, StreamID: 0}, ErrorCodeNoError},
		{`goaway with debug data`, FrameHeader{Length: 20, Type: FrameTypeGoAway, StreamID: 0}, ErrorCodeNoError},
		{`goaway too short`, FrameHeader{Length: 4, Type: FrameTypeGoAway, StreamID: 0}, ErrorCodeFrameSizeError},
		{`goaway on nonzero stream`, FrameHeader{Length: 8, Type: FrameTypeGoAway, StreamID: 1}, ErrorCodeProtocolError},
		{`window update ok`, FrameHeader{Length: 4, Type: FrameTypeWindowUpdate, StreamID: 7}, ErrorCodeNoError},
		{`window update on connection`, FrameHeader{Length: 4, Type: FrameTypeWindowUpdate, StreamID: 0}, ErrorCodeNoError},
		{`window update bad length`, FrameHeader{Length: 8, Type: FrameTypeWindowUpdate, StreamID: 0}, ErrorCodeFrameSizeError},
		{`stray continuation`, FrameHeader{Length: 4, Type: FrameTypeContinuation, StreamID: 1}, ErrorCodeProtocolError},
		{`unknown frame type`, FrameHeader{Length: 4, Type: FrameType(42), StreamID: 1}, ErrorCodeProtocolError},
		{`oversized frame`, FrameHeader{Length: DefaultMaxFramePayloadSize + 1, Type: FrameTypeData, StreamID: 1}, ErrorCodeFrameSizeError},
	} {
		t.Run(tt.name, func(t *testing.T) {
			processor, _, socket := newTestProcessor()
			require.Equal(t, tt.want, processor.ValidateFrameHeader(tt.header))
			if tt.want != ErrorCodeNoError {
				header, payload := lastFrame(t, socket)
				require.Equal(t, FrameTypeGoAway, header.Type)
				require.Equal(t, tt.want, ErrorCode(binary.BigEndian.Uint32(payload[4:8])))
			}
		})
	}
}

func TestSettingsFrameLayout(t *testing.T) {
	processor, _, socket := newTestProcessor()
	processor.SendSettings()
	header, payload := lastFrame(t, socket)
	require.Equal(t, FrameHeader{Length: 40, Type: FrameTypeSettings, Flags: 0, StreamID: 0}, header)
	require.Len(t, payload, 40)
	ids := []SettingID{}
	values := map[SettingID]uint32{}
	for off := 0; off < len(payload); off += settingsEntrySize {
		id := SettingID(binary.BigEndian.Uint16(payload[off:]))
		ids = append(ids, id)
		values[id] = binary.BigEndian.Uint32(payload[off+4:])
	}
	require.Equal(t, []SettingID{
		SettingHeaderTableSize,
		SettingEnablePush,
		SettingInitialWindowSize,
		SettingMaxFrameSize,
		SettingMaxHeaderListSize,
	}, ids)
	require.EqualValues(t, 1, values[SettingEnablePush])
	require.EqualValues(t, 65535, values[SettingInitialWindowSize])
	require.EqualValues(t, 16384, values[SettingMaxFrameSize])
}

func TestSettingsAcked(t *testing.T) {
	processor, channel, socket := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 8, Type: FrameTypeSettings, StreamID: 0}, make([]byte, 8))
	header, _ := lastFrame(t, socket)
	require.Equal(t, FrameHeader{Length: 0, Type: FrameTypeSettings, Flags: FlagAck, StreamID: 0}, header)
	require.Equal(t, 1, channel.nextFrameReads)
}

func TestSettingsAckNotAcked(t *testing.T) {
	processor, channel, socket := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 0, Type: FrameTypeSettings, Flags: FlagAck, StreamID: 0}, nil)
	require.Empty(t, socket.recordedWrites())
	require.Equal(t, 1, channel.nextFrameReads)
}

func TestPingEchoedWithAck(t *testing.T) {
	processor, _, socket := newTestProcessor()
	payload := []byte{0x71, 0x10, 0x40, 0x00, 0x71, 0x10, 0x40, 0x00}
	processor.ProcessFrame(FrameHeader{Length: 8, Type: FrameTypePing, StreamID: 0}, payload)
	header, echoed := lastFrame(t, socket)
	require.Equal(t, FrameHeader{Length: 8, Type: FrameTypePing, Flags: FlagAck, StreamID: 0}, header)
	require.Equal(t, payload, echoed)
}

func TestInboundPingAckIsProtocolError(t *testing.T) {
	processor, _, socket := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 8, Type: FrameTypePing, Flags: FlagAck, StreamID: 0}, make([]byte, 8))
	header, payload := lastFrame(t, socket)
	require.Equal(t, FrameTypeGoAway, header.Type)
	require.Equal(t, ErrorCodeProtocolError, ErrorCode(binary.BigEndian.Uint32(payload[4:8])))
}

func TestHeadersOpenStreamAndCompressionError(t *testing.T) {
	processor, channel, socket := newTestProcessor()
	// The HPACK decoder rejects any non-empty block, so the stream is reset
	// with COMPRESSION_ERROR.
	processor.ProcessFrame(FrameHeader{Length: 1, Type: FrameTypeHeaders, Flags: FlagEndHeaders, StreamID: 1}, []byte{0x82})
	header, payload := lastFrame(t, socket)
	require.Equal(t, FrameTypeResetStream, header.Type)
	require.EqualValues(t, 1, header.StreamID)
	require.Equal(t, ErrorCodeCompressionError, ErrorCode(binary.BigEndian.Uint32(payload)))
	require.Equal(t, 1, channel.nextFrameReads)
	require.Equal(t, StreamStateClosed, processor.streams[1].state)
}

func TestHeadersWithEmptyBlockOpensStream(t *testing.T) {
	processor, channel, _ := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 0, Type: FrameTypeHeaders, Flags: FlagEndHeaders, StreamID: 1}, nil)
	require.Equal(t, StreamStateOpen, processor.streams[1].state)
	require.Equal(t, 1, channel.nextFrameReads)
	require.EqualValues(t, 1, processor.LastProcessedStreamID())
}

func TestHeadersWithoutEndHeadersExpectContinuation(t *testing.T) {
	processor, channel, _ := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 1, Type: FrameTypeHeaders, StreamID: 1}, []byte{0x01})
	require.True(t, processor.streams[1].receivingFields)
	require.Equal(t, []uint32{1}, channel.continuationReads)
	require.Zero(t, channel.nextFrameReads)
	// The final CONTINUATION, with an empty fragment and END_HEADERS, ends
	// field reception and hands the accumulated block (0x01) to the decoder.
	processor.ProcessContinuationFrame(1, FrameHeader{Length: 0, Type: FrameTypeContinuation, Flags: FlagEndHeaders, StreamID: 1}, nil)
	require.False(t, processor.streams[1].receivingFields)
	require.Equal(t, 1, channel.nextFrameReads)
}

func TestContinuationFragmentsAccumulate(t *testing.T) {
	processor, channel, _ := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 1, Type: FrameTypeHeaders, StreamID: 1}, []byte{0x01})
	processor.ProcessContinuationFrame(1, FrameHeader{Length: 1, Type: FrameTypeContinuation, StreamID: 1}, []byte{0x02})
	require.Equal(t, []byte{0x01, 0x02}, processor.streams[1].fieldBlock)
	require.Equal(t, []uint32{1, 1}, channel.continuationReads)
}

func TestValidateContinuationHeader(t *testing.T) {
	processor, _, _ := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 1, Type: FrameTypeHeaders, StreamID: 1}, []byte{0x01})
	ok := FrameHeader{Length: 1, Type: FrameTypeContinuation, StreamID: 1}
	require.Equal(t, ErrorCodeNoError, processor.ValidateContinuationHeader(1, ok))
	wrongStream := FrameHeader{Length: 1, Type: FrameTypeContinuation, StreamID: 3}
	require.Equal(t, ErrorCodeProtocolError, processor.ValidateContinuationHeader(1, wrongStream))
}

func TestHeadersOnClosedStreamResetsWithStreamClosed(t *testing.T) {
	processor, _, socket := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 0, Type: FrameTypeHeaders, Flags: FlagEndHeaders, StreamID: 1}, nil)
	processor.processResetStreamFrame(FrameHeader{Length: 4, Type: FrameTypeResetStream, StreamID: 1})
	require.Equal(t, StreamStateClosed, processor.streams[1].state)
	processor.ProcessFrame(FrameHeader{Length: 0, Type: FrameTypeHeaders, Flags: FlagEndHeaders, StreamID: 1}, nil)
	header, payload := lastFrame(t, socket)
	require.Equal(t, FrameTypeResetStream, header.Type)
	// The reset reason reflects the state the stream was in, not the state
	// it transitions to.
	require.Equal(t, ErrorCodeStreamClosed, ErrorCode(binary.BigEndian.Uint32(payload)))
}

func TestDataTransitionsStreamStates(t *testing.T) {
	processor, _, _ := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 0, Type: FrameTypeHeaders, Flags: FlagEndHeaders, StreamID: 1}, nil)
	require.Equal(t, StreamStateOpen, processor.streams[1].state)
	processor.ProcessFrame(FrameHeader{Length: 3, Type: FrameTypeData, StreamID: 1}, []byte(`abc`))
	require.Equal(t, StreamStateOpen, processor.streams[1].state)
	processor.ProcessFrame(FrameHeader{Length: 3, Type: FrameTypeData, Flags: FlagEndStream, StreamID: 1}, []byte(`abc`))
	require.Equal(t, StreamStateHalfClosedRemote, processor.streams[1].state)
}

func TestDataOnIdleStreamResets(t *testing.T) {
	processor, _, socket := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 3, Type: FrameTypeData, StreamID: 5}, []byte(`abc`))
	header, payload := lastFrame(t, socket)
	require.Equal(t, FrameTypeResetStream, header.Type)
	require.EqualValues(t, 5, header.StreamID)
	require.Equal(t, ErrorCodeStreamClosed, ErrorCode(binary.BigEndian.Uint32(payload)))
	require.Equal(t, StreamStateClosed, processor.streams[5].state)
}

func TestPushPromiseReservesStream(t *testing.T) {
	processor, _, _ := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 0, Type: FrameTypePushPromise, StreamID: 2}, nil)
	require.Equal(t, StreamStateReservedRemote, processor.streams[2].state)
}

func TestGoAwayTwiceClosesConnection(t *testing.T) {
	processor, channel, socket := newTestProcessor()
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[4:], uint32(ErrorCodeNoError))
	processor.ProcessFrame(FrameHeader{Length: 8, Type: FrameTypeGoAway, StreamID: 0}, payload)
	require.False(t, channel.closed)
	header, _ := lastFrame(t, socket)
	require.Equal(t, FrameTypeGoAway, header.Type)
	processor.ProcessFrame(FrameHeader{Length: 8, Type: FrameTypeGoAway, StreamID: 0}, payload)
	require.True(t, channel.closed)
}

func TestWindowUpdateZeroIncrementIsProtocolError(t *testing.T) {
	processor, _, socket := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 4, Type: FrameTypeWindowUpdate, StreamID: 0}, make([]byte, 4))
	header, payload := lastFrame(t, socket)
	require.Equal(t, FrameTypeGoAway, header.Type)
	require.Equal(t, ErrorCodeProtocolError, ErrorCode(binary.BigEndian.Uint32(payload[4:8])))
}

func TestWindowUpdateNonZeroIncrementAccepted(t *testing.T) {
	processor, channel, socket := newTestProcessor()
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 100)
	processor.ProcessFrame(FrameHeader{Length: 4, Type: FrameTypeWindowUpdate, StreamID: 0}, payload)
	require.Empty(t, socket.recordedWrites())
	require.Equal(t, 1, channel.nextFrameReads)
}

func TestGoAwayReportsLastProcessedStreamID(t *testing.T) {
	processor, _, socket := newTestProcessor()
	processor.ProcessFrame(FrameHeader{Length: 0, Type: FrameTypeHeaders, Flags: FlagEndHeaders, StreamID: 7}, nil)
	processor.GoAway(ErrorCodeProtocolError)
	header, payload := lastFrame(t, socket)
	require.Equal(t, FrameHeader{Length: 8, Type: FrameTypeGoAway, Flags: 0, StreamID: 0}, header)
	require.EqualValues(t, 7, binary.BigEndian.Uint32(payload[:4]))
}
