package history

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidFormat   = errors.New("invalid format")
	ErrStorage         = errors.New("storage failure")
	ErrNotFound        = errors.New("not found")
)

const (
	// MaxCapacity is the largest buffer a device is allowed to keep.
	MaxCapacity = 500
)

// Sample is one battery observation. Timestamp is device uptime in seconds, not wall-clock.
type Sample struct {
	Timestamp  uint32 `json:"timestamp"`
	Percentage uint8  `json:"percentage"`
}

// Buffer holds the most recent samples in chronological order, index 0 being the oldest.
// It is not safe for concurrent use; the owning event loop serialises all access.
type Buffer struct {
	entries []Sample
	count   int
}

func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d outside 1..%d", ErrInvalidArgument, capacity, MaxCapacity)
	}
	return &Buffer{entries: make([]Sample, capacity)}, nil
}

// Append adds a sample at the end, shifting out the oldest one when full.
// It returns true if a sample was evicted.
func (b *Buffer) Append(timestamp uint32, percentage uint8) bool {
	evicted := false
	if b.count >= len(b.entries) {
		copy(b.entries, b.entries[1:])
		b.count = len(b.entries) - 1
		evicted = true
	}
	b.entries[b.count] = Sample{Timestamp: timestamp, Percentage: percentage}
	b.count++
	return evicted
}

// Snapshot returns a copy of up to max samples, oldest first.
func (b *Buffer) Snapshot(max int) ([]Sample, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: max entries %d", ErrInvalidArgument, max)
	}
	n := min(b.count, max)
	out := make([]Sample, n)
	copy(out, b.entries[:n])
	return out, nil
}

func (b *Buffer) Clear() {
	b.count = 0
}

func (b *Buffer) Count() int {
	return b.count
}

func (b *Buffer) Capacity() int {
	return len(b.entries)
}

// Last returns the newest sample, if any.
func (b *Buffer) Last() (Sample, bool) {
	if b.count == 0 {
		return Sample{}, false
	}
	return b.entries[b.count-1], true
}
