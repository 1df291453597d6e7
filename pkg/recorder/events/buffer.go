package events

// DefaultBufferSize is the number of raw events kept for diagnostic replay.
const DefaultBufferSize = 50

// RingBuffer keeps the most recent events, evicting the oldest once full.
type RingBuffer struct {
	items []Event
	start int
	size  int
}

// NewRingBuffer creates a buffer holding at most capacity events. A
// non-positive capacity falls back to DefaultBufferSize.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{items: make([]Event, capacity)}
}

// Push appends ev, evicting the oldest event when the buffer is full.
func (b *RingBuffer) Push(ev Event) {
	idx := (b.start + b.size) % len(b.items)
	b.items[idx] = ev
	if b.size < len(b.items) {
		b.size++
		return
	}
	b.start = (b.start + 1) % len(b.items)
}

// Len returns the number of buffered events.
func (b *RingBuffer) Len() int {
	return b.size
}

// Cap returns the buffer capacity.
func (b *RingBuffer) Cap() int {
	return len(b.items)
}

// Snapshot returns the buffered events oldest first.
func (b *RingBuffer) Snapshot() []Event {
	out := make([]Event, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

// Reset empties the buffer.
func (b *RingBuffer) Reset() {
	clear(b.items)
	b.start = 0
	b.size = 0
}
