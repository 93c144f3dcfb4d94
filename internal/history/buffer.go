package history

import "github.com/crowdwatch/crowdwatch/pkg/types"

// DefaultCapacity is the number of samples retained when no size is configured.
const DefaultCapacity = 60

// Buffer is a fixed-capacity ring of samples. It is not safe for concurrent
// use; the pipeline serialises access to it.
type Buffer struct {
	buf  []types.Sample
	head int // index of the oldest sample
	size int
	sum  int
	peak int
}

// New returns an empty Buffer holding at most capacity samples.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{buf: make([]types.Sample, capacity)}
}

// Push appends s, evicting the oldest sample when the buffer is full.
func (b *Buffer) Push(s types.Sample) {
	if b.size == len(b.buf) {
		b.sum -= b.buf[b.head].Count
		b.buf[b.head] = s
		b.head = (b.head + 1) % len(b.buf)
	} else {
		b.buf[(b.head+b.size)%len(b.buf)] = s
		b.size++
	}
	b.sum += s.Count
	if s.Count > b.peak {
		b.peak = s.Count
	}
}

// Average returns the mean count of the retained samples, or 0 when the
// buffer is empty.
func (b *Buffer) Average() float64 {
	if b.size == 0 {
		return 0
	}
	return float64(b.sum) / float64(b.size)
}

// Peak returns the largest count pushed since the last Reset, including
// samples that have since been evicted.
func (b *Buffer) Peak() int {
	return b.peak
}

// Snapshot returns a copy of the retained samples, oldest first.
func (b *Buffer) Snapshot() []types.Sample {
	out := make([]types.Sample, b.size)
	for i := range out {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}

// Len returns the number of retained samples.
func (b *Buffer) Len() int { return b.size }

// Cap returns the maximum number of retained samples.
func (b *Buffer) Cap() int { return len(b.buf) }

// Reset discards every sample and clears the peak.
func (b *Buffer) Reset() {
	clear(b.buf)
	b.head, b.size, b.sum, b.peak = 0, 0, 0, 0
}
