package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferEvictsOldest(t *testing.T) {
	buf, err := NewBuffer(3)
	require.NoError(t, err)

	assert.False(t, buf.Append(0, 90))
	assert.False(t, buf.Append(1, 85))
	assert.False(t, buf.Append(2, 80))
	assert.True(t, buf.Append(3, 75))

	assert.Equal(t, 3, buf.Count())
	entries, err := buf.Snapshot(3)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{1, 85}, {2, 80}, {3, 75}}, entries)
}

func TestBufferNeverExceedsCapacity(t *testing.T) {
	const capacity = 10
	buf, err := NewBuffer(capacity)
	require.NoError(t, err)

	for i := 0; i < 37; i++ {
		buf.Append(uint32(i), uint8(i%101))
		assert.LessOrEqual(t, buf.Count(), capacity)
	}
	assert.Equal(t, capacity, buf.Count())

	entries, err := buf.Snapshot(capacity)
	require.NoError(t, err)
	for i, e := range entries {
		assert.Equal(t, uint32(27+i), e.Timestamp)
	}
}

func TestSnapshot(t *testing.T) {
	buf, err := NewBuffer(3)
	require.NoError(t, err)

	_, err = buf.Snapshot(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = buf.Snapshot(-1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	entries, err := buf.Snapshot(5)
	require.NoError(t, err)
	assert.Empty(t, entries)

	for i, p := range []uint8{90, 85, 80, 75} {
		buf.Append(uint32(i), p)
	}
	entries, err = buf.Snapshot(5)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "snapshot should not be padded")

	entries, err = buf.Snapshot(2)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{1, 85}, {2, 80}}, entries)

	// Snapshots are copies.
	entries[0].Percentage = 1
	last, ok := buf.Last()
	require.True(t, ok)
	assert.Equal(t, Sample{3, 75}, last)
	again, err := buf.Snapshot(1)
	require.NoError(t, err)
	assert.Equal(t, uint8(85), again[0].Percentage)
}

func TestBufferClear(t *testing.T) {
	buf, err := NewBuffer(5)
	require.NoError(t, err)
	buf.Append(1, 50)
	buf.Append(2, 40)

	buf.Clear()
	assert.Equal(t, 0, buf.Count())
	_, ok := buf.Last()
	assert.False(t, ok)

	buf.Clear()
	assert.Equal(t, 0, buf.Count())
}

func TestNewBufferCapacity(t *testing.T) {
	_, err := NewBuffer(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewBuffer(MaxCapacity + 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	buf, err := NewBuffer(MaxCapacity)
	require.NoError(t, err)
	assert.Equal(t, MaxCapacity, buf.Capacity())
}
