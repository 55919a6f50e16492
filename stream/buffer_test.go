package stream

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBufferAppendLookup(t *testing.T) {
	b := NewBuffer()
	id := uuid.New()
	for seq := uint64(1); seq <= 46; seq++ {
		b.Append(id, seq, []byte{byte(seq)})
	}

	frames, ok := b.Lookup(id, 42)
	require.True(t, ok)
	require.Len(t, frames, 4)
	for i, f := range frames {
		require.Equal(t, uint64(43+i), f.Sequence)
	}
}

func TestBufferCaughtUpClient(t *testing.T) {
	b := NewBuffer()
	id := uuid.New()
	b.Append(id, 1, []byte("a"))

	frames, ok := b.Lookup(id, 1)
	require.True(t, ok, "live buffer with no newer frames is still replayable")
	require.Empty(t, frames)
}

func TestBufferUnknownStream(t *testing.T) {
	b := NewBuffer()
	frames, ok := b.Lookup(uuid.New(), 0)
	require.False(t, ok)
	require.Nil(t, frames)
}

func TestBufferCapacityEvictsOldest(t *testing.T) {
	b := NewBuffer(WithBufferCapacity(3))
	id := uuid.New()
	for seq := uint64(1); seq <= 5; seq++ {
		b.Append(id, seq, nil)
	}
	frames, ok := b.Lookup(id, 0)
	require.True(t, ok)
	require.Len(t, frames, 3)
	require.Equal(t, uint64(3), frames[0].Sequence)
	require.Equal(t, uint64(5), frames[2].Sequence)
}

func TestBufferTTLExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := NewBuffer(WithBufferTTL(300*time.Second), WithBufferClock(clock))
	id := uuid.New()
	b.Append(id, 1, []byte("a"))

	now = now.Add(301 * time.Second)
	frames, ok := b.Lookup(id, 0)
	require.False(t, ok)
	require.Nil(t, frames)

	// The expired buffer was removed on lookup.
	require.Equal(t, 0, b.Len())
}

func TestBufferActivityRefreshesTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := NewBuffer(WithBufferTTL(300*time.Second), WithBufferClock(clock))
	id := uuid.New()
	b.Append(id, 1, []byte("a"))

	now = now.Add(200 * time.Second)
	b.Append(id, 2, []byte("b"))

	now = now.Add(200 * time.Second)
	frames, ok := b.Lookup(id, 0)
	require.True(t, ok, "activity 200s ago keeps the buffer alive")
	require.Len(t, frames, 2)
}

func TestBufferSweepEvictsIdle(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := NewBuffer(WithBufferTTL(300*time.Second), WithBufferClock(clock))
	idle := uuid.New()
	fresh := uuid.New()
	b.Append(idle, 1, nil)
	now = now.Add(301 * time.Second)
	b.Append(fresh, 1, nil)

	b.sweep()
	require.Equal(t, 1, b.Len())
	_, ok := b.Lookup(idle, 0)
	require.False(t, ok)
	_, ok = b.Lookup(fresh, 0)
	require.True(t, ok)
}

func TestBufferRemove(t *testing.T) {
	b := NewBuffer()
	id := uuid.New()
	b.Append(id, 1, nil)
	b.Remove(id)
	_, ok := b.Lookup(id, 0)
	require.False(t, ok)
}
