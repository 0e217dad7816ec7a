package network

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/najoast/snipc/core"
	"github.com/najoast/snipc/shm"
)

// ringMemory returns 8-byte aligned memory for a ring.
func ringMemory(capacity int) []byte {
	words := make([]uint64, (RingSize(capacity)+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return mem[:RingSize(capacity)]
}

func newTestRing(t *testing.T, capacity int) *Ring {
	t.Helper()
	r, err := InitRing(ringMemory(capacity), capacity, nil)
	require.NoError(t, err)
	return r
}

func TestRingWritableCapacity(t *testing.T) {
	const capacity = 16
	r := newTestRing(t, capacity)
	rng := rand.New(rand.NewSource(1))

	var written, read []byte
	used := 0
	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			chunk := make([]byte, rng.Intn(capacity+4))
			rng.Read(chunk)
			n, err := r.TryWrite(chunk)
			require.NoError(t, err)
			require.LessOrEqual(t, n, capacity-used-1)
			written = append(written, chunk[:n]...)
			used += n
		} else {
			buf := make([]byte, rng.Intn(capacity+4))
			n, err := r.Read(buf)
			require.NoError(t, err)
			read = append(read, buf[:n]...)
			used -= n
		}

		st := r.State()
		require.Equal(t, capacity-((st.Write-st.Read+capacity)%capacity)-1, r.Writable())
		require.Equal(t, used, r.Readable())
		require.Equal(t, capacity-used-1, r.Writable())
	}

	rest := make([]byte, capacity)
	n, err := r.Read(rest)
	require.NoError(t, err)
	read = append(read, rest[:n]...)
	assert.Equal(t, written, read)
	assert.Positive(t, r.WrapSplits())
}

func TestRingBlockingWriteWraps(t *testing.T) {
	r := newTestRing(t, 64)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Write(data, NoTimeout)
	}()

	require.Eventually(t, func() bool { return r.Readable() == 63 }, 2*time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("write completed early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	first := make([]byte, 37)
	n, err := r.Read(first)
	require.NoError(t, err)
	require.Equal(t, 37, n)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked after space was freed")
	}
	assert.Equal(t, int64(1), r.WrapSplits())

	rest := make([]byte, 64)
	n, err = r.Read(rest)
	require.NoError(t, err)
	require.Equal(t, 63, n)

	assert.Equal(t, data, append(first, rest[:n]...))
}

func TestRingWriteTimeout(t *testing.T) {
	r := newTestRing(t, 8)
	require.NoError(t, r.Write(make([]byte, 7), NoTimeout))

	start := time.Now()
	err := r.Write([]byte{1}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRingTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRingCloseWakesWriter(t *testing.T) {
	r := newTestRing(t, 8)
	require.NoError(t, r.Write(make([]byte, 7), NoTimeout))

	done := make(chan error, 1)
	go func() {
		done <- r.Write([]byte{1, 2, 3}, NoTimeout)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRingClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the writer")
	}
	assert.True(t, r.Closed())

	_, err := r.TryWrite([]byte{1})
	assert.ErrorIs(t, err, ErrRingClosed)
}

func TestAttachRing(t *testing.T) {
	mem := ringMemory(32)
	created, err := InitRing(mem, 32, nil)
	require.NoError(t, err)

	attached, err := AttachRing(mem, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, attached.Capacity())

	n, err := created.TryWrite([]byte("shared"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	assert.True(t, attached.WaitReadable(time.Second))

	buf := make([]byte, 8)
	n, err = attached.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(buf[:n]))

	_, err = AttachRing(ringMemory(32), nil)
	assert.ErrorIs(t, err, ErrRingLayout)

	_, err = InitRing(ringMemory(4), 64, nil)
	assert.ErrorIs(t, err, ErrRingLayout)
}

func newTestShmManager(t *testing.T) *shm.Manager {
	t.Helper()
	mgr, err := shm.NewManager(shm.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	return mgr
}

func waitReadable(fd int, timeout time.Duration) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	unix.Poll(fds, int(timeout/time.Millisecond))
}

// collect polls tr until want messages arrived or the deadline passes.
func collect(t *testing.T, tr Transport, want int) []*core.Message {
	t.Helper()
	var got []*core.Message
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		waitReadable(tr.ReadFD(), 50*time.Millisecond)
		require.NoError(t, tr.PumpReceive())
		for tr.MessageAvailable() {
			msg, err := tr.TakeMessage()
			require.NoError(t, err)
			got = append(got, msg)
		}
	}
	require.Len(t, got, want)
	return got
}

func TestRingTransportExchange(t *testing.T) {
	mgr := newTestShmManager(t)
	opts := RingOptions{Capacity: 64, WriteTimeout: 5 * time.Second}

	seg, id, err := NewRingSegment(mgr, opts.Capacity)
	require.NoError(t, err)
	creator, err := NewRingTransport(seg, RingCreator, opts)
	require.NoError(t, err)

	peerSeg, err := mgr.Open(id)
	require.NoError(t, err)
	opener, err := NewTransport(RingEndpoint(peerSeg, RingOpener), opts)
	require.NoError(t, err)

	assert.Equal(t, TransportRing, opener.Kind())
	assert.Equal(t, -1, opener.WriteFD())
	assert.False(t, opener.WantsWrite())

	// Frames larger than the ring stream through it in pieces.
	var want []*core.Message
	for i := 0; i < 4; i++ {
		msg := testMessage(bytes.Repeat([]byte{byte('a' + i)}, i*100))
		require.NoError(t, creator.Send(msg))
		want = append(want, msg)
	}
	got := collect(t, opener, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "message %d differs", i)
	}

	require.NoError(t, opener.Send(testMessage([]byte("reply"))))
	back := collect(t, creator, 1)
	assert.Equal(t, []byte("reply"), back[0].Payload)

	require.NoError(t, creator.Close())
	deadline := time.Now().Add(5 * time.Second)
	var recvErr error
	for recvErr == nil && time.Now().Before(deadline) {
		waitReadable(opener.ReadFD(), 50*time.Millisecond)
		recvErr = opener.PumpReceive()
	}
	assert.ErrorIs(t, recvErr, ErrPeerClosed)

	require.NoError(t, opener.Close())
	matches, err := filepath.Glob(filepath.Join(mgr.Dir(), "*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "segment files should be removed with the last reference")
}

func TestRingTransportRejectsSmallSegment(t *testing.T) {
	mgr := newTestShmManager(t)
	seg, _, err := mgr.Create(RingSize(8))
	require.NoError(t, err)
	defer seg.Close()

	_, err = NewRingTransport(seg, RingCreator, RingOptions{Capacity: 64})
	assert.ErrorIs(t, err, ErrRingLayout)
}
