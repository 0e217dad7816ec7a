package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/snipc/core"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	return m
}

func TestIdentifierRoundTrip(t *testing.T) {
	id := Identifier{Prefix: "snipc", Tag: PlatformTag, Key: RandomKey()}

	parsed, err := ParseIdentifier(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.True(t, parsed.Compatible())
	assert.Len(t, id.Key, 32)
}

func TestParseIdentifierRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"snipc",
		"snipc.b64",
		"snipc.b64.key.extra",
		".b64.key",
		"snipc.x64.key",
		"snipc.b.key",
		"snipc.b64.",
		"snipc.b64.ke/y",
	} {
		t.Run(fmt.Sprintf("%q", s), func(t *testing.T) {
			_, err := ParseIdentifier(s)
			assert.ErrorIs(t, err, ErrInvalidIdentifier)
		})
	}
}

func TestCreateOpenClose(t *testing.T) {
	m := newTestManager(t, Options{})

	seg, id, err := m.Create(128)
	require.NoError(t, err)
	assert.Equal(t, int32(1), seg.RefCount())
	assert.Equal(t, 128, seg.Size())
	assert.Len(t, seg.Payload(), 128)

	copy(seg.Payload(), "shared bytes")

	other, err := m.Open(id)
	require.NoError(t, err)
	assert.Equal(t, "shared bytes", string(other.Payload()[:12]))
	assert.Equal(t, int32(2), seg.RefCount())

	require.NoError(t, seg.Close())
	require.NoError(t, other.Close())

	_, err = os.Stat(filepath.Join(m.Dir(), id.String()))
	assert.True(t, os.IsNotExist(err), "segment file should be removed")
	_, err = os.Stat(filepath.Join(m.Dir(), id.String()+".lock"))
	assert.True(t, os.IsNotExist(err), "lock file should be removed")

	_, err = m.Open(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

// An attachment that is never closed must not keep the files alive once
// the creator unlinks the segment.
func TestUnlinkWhileAttached(t *testing.T) {
	m := newTestManager(t, Options{})

	seg, id, err := m.Create(64)
	require.NoError(t, err)
	stale, err := m.Open(id)
	require.NoError(t, err)

	require.NoError(t, m.Unlink(id))
	matches, err := filepath.Glob(filepath.Join(m.Dir(), "*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	copy(seg.Payload(), "still mapped")
	assert.Equal(t, "still mapped", string(stale.Payload()[:12]))

	_, err = m.Open(id)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, m.Unlink(id))

	require.NoError(t, seg.Close())
	assert.Equal(t, int32(1), stale.RefCount())
	require.NoError(t, stale.Close())
}

// Scenario D: two attachments, the first close keeps the segment usable,
// the second runs the cleanup and removes it.
func TestTwoProcessesShareSegment(t *testing.T) {
	m := newTestManager(t, Options{})

	creator, id, err := m.Create(64)
	require.NoError(t, err)

	first, err := m.Open(id)
	require.NoError(t, err)
	require.NoError(t, creator.Close())

	second, err := m.Open(id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), first.RefCount())

	var cleanups int
	var seen string
	cleanup := func(payload []byte) {
		cleanups++
		seen = string(payload[:5])
	}
	first.SetCleanup(cleanup)
	second.SetCleanup(cleanup)

	require.NoError(t, first.Close())
	assert.Equal(t, 0, cleanups)
	assert.Equal(t, int32(1), second.RefCount())

	copy(second.Payload(), "alive")
	require.NoError(t, second.Close())
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, "alive", seen)
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("%d handles", n), func(t *testing.T) {
			m := newTestManager(t, Options{})

			creator, id, err := m.Create(32)
			require.NoError(t, err)

			handles := []*Segment{creator}
			for i := 1; i < n; i++ {
				h, err := m.Open(id)
				require.NoError(t, err)
				handles = append(handles, h)
			}

			fired := 0
			for _, h := range handles {
				h.SetCleanup(func([]byte) { fired++ })
			}

			for i, h := range handles {
				require.NoError(t, h.Close())
				if i < n-1 {
					assert.Equal(t, 0, fired, "cleanup ran before the last close")
				}
			}
			assert.Equal(t, 1, fired)
		})
	}
}

func TestDoubleCloseIsReported(t *testing.T) {
	m := newTestManager(t, Options{})

	seg, _, err := m.Create(16)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	err = seg.Close()
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	var segErr *SegmentError
	require.True(t, errors.As(err, &segErr))
	assert.Equal(t, "close", segErr.Op)
}

func TestCreateRetriesCollisions(t *testing.T) {
	dir := t.TempDir()
	keys := []string{"taken", "taken", "fresh"}
	next := 0
	m := newTestManager(t, Options{Dir: dir, NewKey: func() string {
		k := keys[next%len(keys)]
		next++
		return k
	}})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "snipc."+PlatformTag+".taken"), nil, 0o600))

	seg, id, err := m.Create(8)
	require.NoError(t, err)
	defer seg.Close()
	assert.Equal(t, "fresh", id.Key)
	assert.Equal(t, 3, next)
}

func TestCreateGivesUpAfterBound(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	m := newTestManager(t, Options{Dir: dir, MaxCreateAttempts: 4, NewKey: func() string {
		calls++
		return "always"
	}})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "snipc."+PlatformTag+".always"), nil, 0o600))

	_, _, err := m.Create(8)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, calls)
}

func TestCreateRejectsInvalidSize(t *testing.T) {
	m := newTestManager(t, Options{})
	_, _, err := m.Create(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestOpenRejectsForeignPlatform(t *testing.T) {
	m := newTestManager(t, Options{})

	seg, id, err := m.Create(8)
	require.NoError(t, err)
	defer seg.Close()

	foreign := id
	if PlatformTag == "b64" {
		foreign.Tag = "b32"
	} else {
		foreign.Tag = "b64"
	}

	_, err = m.Open(foreign)
	assert.ErrorIs(t, err, ErrNoAccess)
	assert.Equal(t, int32(1), seg.RefCount())
}

func TestOpenRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Options{Dir: dir})

	id := Identifier{Prefix: DefaultPrefix, Tag: PlatformTag, Key: "garbage"}
	require.NoError(t, os.WriteFile(filepath.Join(dir, id.String()), make([]byte, 200), 0o600))

	_, err := m.Open(id)
	assert.ErrorIs(t, err, ErrNoAccess)

	_, err = m.OpenString("not an identifier")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestCloseOwned(t *testing.T) {
	m := newTestManager(t, Options{})

	a, idA, err := m.Create(8)
	require.NoError(t, err)
	b, _, err := m.Create(8)
	require.NoError(t, err)

	peerView, err := m.Open(idA)
	require.NoError(t, err)

	m.Track(core.ManagerID(7), a)
	m.Track(core.ManagerID(7), b)

	require.NoError(t, m.CloseOwned(7))
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, int32(1), peerView.RefCount())

	require.NoError(t, m.CloseOwned(7))
	require.NoError(t, peerView.Close())
}

func TestNamedLockExcludesHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	first, err := OpenNamedLock(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenNamedLock(path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Lock())

	acquired := make(chan struct{})
	go func() {
		if err := second.Lock(); err == nil {
			close(acquired)
			second.Unlock()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second handle acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Unlock())
	<-acquired
}
