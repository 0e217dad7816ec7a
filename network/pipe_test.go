package network

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/najoast/snipc/core"
)

func newTestPipePair(t *testing.T, opts Options) (*PipeTransport, *PipeTransport) {
	t.Helper()
	a, b, err := NewPipePair(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// exchange pumps a into b until b holds want messages.
func exchange(t *testing.T, a, b Transport, want int) []*core.Message {
	t.Helper()
	var got []*core.Message
	for i := 0; len(got) < want; i++ {
		require.Less(t, i, 100000, "transport made no progress")
		require.NoError(t, a.PumpSend())
		require.NoError(t, b.PumpReceive())
		for b.MessageAvailable() {
			msg, err := b.TakeMessage()
			require.NoError(t, err)
			got = append(got, msg)
		}
	}
	return got
}

func TestPipeRoundTrip(t *testing.T) {
	a, b := newTestPipePair(t, DefaultOptions())

	payload := bytes.Repeat([]byte{0x5a}, 37)
	msg := testMessage(payload)
	require.NoError(t, a.Send(msg))
	assert.True(t, a.WantsWrite())

	got := exchange(t, a, b, 1)
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0].Payload)
	assert.Equal(t, msg.Source, got[0].Source)
	assert.Equal(t, msg.Destination, got[0].Destination)
	assert.Equal(t, msg.Type, got[0].Type)

	assert.False(t, a.WantsWrite())
	assert.False(t, b.MessageAvailable())
	_, err := b.TakeMessage()
	assert.ErrorIs(t, err, ErrNoMessage)

	assert.Equal(t, int64(1), a.Stats().MessagesSent)
	assert.Equal(t, int64(1), b.Stats().MessagesReceived)
}

func TestPipeFIFOWithPartialWrites(t *testing.T) {
	a, b := newTestPipePair(t, DefaultOptions())

	// Frames larger than the pipe buffer force short writes and reads.
	var want []*core.Message
	for i := 0; i < 12; i++ {
		size := (i%4)*150*1024 + i
		msg := testMessage(bytes.Repeat([]byte{byte(i)}, size))
		msg.Type = core.MessageType(i)
		require.NoError(t, a.Send(msg))
		want = append(want, msg)
	}

	got := exchange(t, a, b, len(want))
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "message %d out of order or corrupted", i)
	}
}

func TestPipeBothDirections(t *testing.T) {
	a, b := newTestPipePair(t, Options{Codec: &MsgpackMessageCodec{}})

	require.NoError(t, a.Send(testMessage([]byte("ping"))))
	got := exchange(t, a, b, 1)
	assert.Equal(t, []byte("ping"), got[0].Payload)

	require.NoError(t, b.Send(testMessage([]byte("pong"))))
	got = exchange(t, b, a, 1)
	assert.Equal(t, []byte("pong"), got[0].Payload)
}

func TestPipePeerClosed(t *testing.T) {
	t.Run("Read", func(t *testing.T) {
		a, b := newTestPipePair(t, DefaultOptions())
		require.NoError(t, a.Close())

		err := b.PumpReceive()
		assert.ErrorIs(t, err, ErrPeerClosed)
		assert.Equal(t, TransportStateFailed, b.State())
	})

	t.Run("Write", func(t *testing.T) {
		a, b := newTestPipePair(t, DefaultOptions())
		require.NoError(t, b.Close())

		require.NoError(t, a.Send(testMessage([]byte("lost"))))
		err := a.PumpSend()
		assert.ErrorIs(t, err, ErrPeerClosed)
		assert.Equal(t, TransportStateFailed, a.State())
	})

	t.Run("ClosedTransport", func(t *testing.T) {
		a, _ := newTestPipePair(t, DefaultOptions())
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())

		assert.ErrorIs(t, a.Send(testMessage(nil)), ErrTransportClosed)
		assert.ErrorIs(t, a.PumpReceive(), ErrTransportClosed)
		assert.Equal(t, TransportStateClosed, a.State())
	})
}

func TestPipeRejectsOversizedFrame(t *testing.T) {
	a, b := newTestPipePair(t, Options{MaxFrameSize: 1024})

	assert.ErrorIs(t, a.Send(testMessage(make([]byte, 2048))), ErrFrameTooLarge)

	prefix := make([]byte, FramePrefixSize)
	binary.LittleEndian.PutUint32(prefix, 1<<20)
	_, err := unix.Write(a.WriteFD(), prefix)
	require.NoError(t, err)

	assert.ErrorIs(t, b.PumpReceive(), ErrFrameTooLarge)
	assert.Equal(t, TransportStateFailed, b.State())
}

func TestNewTransport(t *testing.T) {
	ends, err := NewPipeEndpoints()
	require.NoError(t, err)

	parent, err := NewTransport(PipeEndpoint(ends.ParentRead, ends.ParentWrite), RingOptions{})
	require.NoError(t, err)
	defer parent.Close()
	child, err := NewTransport(PipeEndpoint(ends.ChildRead, ends.ChildWrite), RingOptions{})
	require.NoError(t, err)
	defer child.Close()

	assert.Equal(t, TransportPipe, parent.Kind())
	require.NoError(t, parent.Send(testMessage([]byte("via factory"))))
	got := exchange(t, parent, child, 1)
	assert.Equal(t, []byte("via factory"), got[0].Payload)

	_, err = NewTransport(PipeEndpoint(-1, 3), RingOptions{})
	assert.Error(t, err)
	_, err = NewTransport(Endpoint{Kind: TransportRing}, RingOptions{})
	assert.Error(t, err)
	_, err = NewTransport(Endpoint{Kind: TransportKind(9)}, RingOptions{})
	assert.Error(t, err)
}

func TestParseTransportKind(t *testing.T) {
	for in, want := range map[string]TransportKind{"pipe": TransportPipe, "": TransportPipe, "RING": TransportRing, "shm": TransportRing} {
		got, err := ParseTransportKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTransportKind("tcp")
	assert.Error(t, err)
}
