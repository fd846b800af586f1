package reactor

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type readResult struct {
	data []byte
	err  error
}

func newPair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	first, second, err := Get().NewSocketPair()
	require.NoError(t, err)
	t.Cleanup(func() {
		first.Close()
		second.Close()
		first.Unref()
		second.Unref()
	})
	return first, second
}

func TestSocketPairReadWrite(t *testing.T) {
	first, second := newPair(t)
	written := make(chan error, 1)
	require.NoError(t, first.Write([]byte(`hello world!`), func(err error) { written <- err }))
	require.NoError(t, <-written)
	read := make(chan readResult, 1)
	require.NoError(t, second.Read(12, func(data []byte, err error) { read <- readResult{data, err} }))
	result := <-read
	require.NoError(t, result.err)
	require.Equal(t, []byte(`hello world!`), result.data)
}

func TestSocketSequentialReads(t *testing.T) {
	first, second := newPair(t)
	written := make(chan error, 1)
	require.NoError(t, first.Write([]byte(`abcdefghijkl`), func(err error) { written <- err }))
	require.NoError(t, <-written)
	read := make(chan readResult, 1)
	require.NoError(t, second.Read(4, func(data []byte, err error) { read <- readResult{data, err} }))
	result := <-read
	require.NoError(t, result.err)
	require.Equal(t, []byte(`abcd`), result.data)
	require.NoError(t, second.Read(8, func(data []byte, err error) { read <- readResult{data, err} }))
	result = <-read
	require.NoError(t, result.err)
	require.Equal(t, []byte(`efghijkl`), result.data)
}

func TestSocketReadArrivesLater(t *testing.T) {
	first, second := newPair(t)
	read := make(chan readResult, 1)
	require.NoError(t, second.Read(5, func(data []byte, err error) { read <- readResult{data, err} }))
	select {
	case <-read:
		t.Fatal("read completed before any data was written")
	case <-time.After(20 * time.Millisecond):
	}
	written := make(chan error, 1)
	require.NoError(t, first.Write([]byte(`hello`), func(err error) { written <- err }))
	require.NoError(t, <-written)
	result := <-read
	require.NoError(t, result.err)
	require.Equal(t, []byte(`hello`), result.data)
}

func TestSocketSkip(t *testing.T) {
	first, second := newPair(t)
	written := make(chan error, 1)
	require.NoError(t, first.Write([]byte(`0123456789`), func(err error) { written <- err }))
	require.NoError(t, <-written)
	skipped := make(chan error, 1)
	require.NoError(t, second.Skip(4, func(err error) { skipped <- err }))
	require.NoError(t, <-skipped)
	read := make(chan readResult, 1)
	require.NoError(t, second.Read(6, func(data []byte, err error) { read <- readResult{data, err} }))
	result := <-read
	require.NoError(t, result.err)
	require.Equal(t, []byte(`456789`), result.data)
}

func TestSocketLargeTransfer(t *testing.T) {
	first, second := newPair(t)
	payload := bytes.Repeat([]byte{0x42}, 1<<20)
	written := make(chan error, 1)
	require.NoError(t, first.Write(payload, func(err error) { written <- err }))
	read := make(chan readResult, 1)
	require.NoError(t, second.Read(len(payload), func(data []byte, err error) { read <- readResult{data, err} }))
	require.NoError(t, <-written)
	result := <-read
	require.NoError(t, result.err)
	require.Equal(t, payload, result.data)
}

func TestSocketInvalidArguments(t *testing.T) {
	first, _ := newPair(t)
	discard := func([]byte, error) {}
	require.Equal(t, codes.InvalidArgument, status.Code(first.Read(0, discard)))
	require.Equal(t, codes.InvalidArgument, status.Code(first.Read(10, nil)))
	require.Equal(t, codes.InvalidArgument, status.Code(first.ReadWithTimeout(10, discard, 0)))
	require.Equal(t, codes.InvalidArgument, status.Code(first.Skip(0, func(error) {})))
	require.Equal(t, codes.InvalidArgument, status.Code(first.Write(nil, func(error) {})))
	require.Equal(t, codes.InvalidArgument, status.Code(first.WriteWithTimeout([]byte(`x`), func(error) {}, -time.Second)))
}

func TestSocketOverlappingReadFails(t *testing.T) {
	_, second := newPair(t)
	read := make(chan readResult, 1)
	require.NoError(t, second.Read(5, func(data []byte, err error) { read <- readResult{data, err} }))
	err := second.Read(5, func([]byte, error) { t.Error("the second read callback must never run") })
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	err = second.Skip(5, func(error) { t.Error("the skip callback must never run") })
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	second.Close()
	result := <-read
	require.Equal(t, codes.Aborted, status.Code(result.err))
}

func TestSocketReadTimeout(t *testing.T) {
	_, second := newPair(t)
	read := make(chan readResult, 1)
	require.NoError(t, second.ReadWithTimeout(10, func(data []byte, err error) {
		read <- readResult{data, err}
	}, 50*time.Millisecond))
	select {
	case result := <-read:
		require.Equal(t, codes.DeadlineExceeded, status.Code(result.err))
	case <-time.After(5 * time.Second):
		t.Fatal("the read timeout did not fire")
	}
	require.False(t, second.IsOpen())
	err := second.Read(1, func([]byte, error) {})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestSocketTimeoutRearmedOnProgress(t *testing.T) {
	first, second := newPair(t)
	read := make(chan readResult, 1)
	require.NoError(t, second.ReadWithTimeout(4, func(data []byte, err error) {
		read <- readResult{data, err}
	}, 200*time.Millisecond))
	// Trickle one byte at a time, each within the timeout: the operation
	// must complete despite taking longer than the timeout overall.
	for _, b := range []byte(`data`) {
		time.Sleep(80 * time.Millisecond)
		written := make(chan error, 1)
		require.NoError(t, first.Write([]byte{b}, func(err error) { written <- err }))
		require.NoError(t, <-written)
	}
	select {
	case result := <-read:
		require.NoError(t, result.err)
		require.Equal(t, []byte(`data`), result.data)
	case <-time.After(5 * time.Second):
		t.Fatal("the read did not complete")
	}
}

func TestSocketCloseAbortsPending(t *testing.T) {
	_, second := newPair(t)
	read := make(chan readResult, 1)
	require.NoError(t, second.Read(5, func(data []byte, err error) { read <- readResult{data, err} }))
	require.True(t, second.Close())
	require.False(t, second.Close())
	result := <-read
	require.Equal(t, codes.Aborted, status.Code(result.err))
	require.False(t, second.IsOpen())
}

func TestSocketPeerHangup(t *testing.T) {
	first, second := newPair(t)
	read := make(chan readResult, 1)
	require.NoError(t, second.Read(5, func(data []byte, err error) { read <- readResult{data, err} }))
	first.Close()
	select {
	case result := <-read:
		require.Equal(t, codes.Aborted, status.Code(result.err))
	case <-time.After(5 * time.Second):
		t.Fatal("the pending read did not observe the hang-up")
	}
}

func TestSocketCallbackFiresExactlyOnce(t *testing.T) {
	first, second := newPair(t)
	var calls atomic.Int32
	done := make(chan struct{})
	require.NoError(t, second.Read(5, func(data []byte, err error) {
		calls.Add(1)
		close(done)
	}))
	written := make(chan error, 1)
	require.NoError(t, first.Write([]byte(`hello`), func(err error) { written <- err }))
	require.NoError(t, <-written)
	<-done
	second.Close()
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}
