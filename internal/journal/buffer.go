package journal

import (
	"sync"
)

// Buffer is a thread-safe FIFO ring that doubles its capacity when it
// reaches 70% full, up to limit. At the limit, Send evicts the oldest item.
type Buffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int
	closed   bool
	ready    chan struct{}

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
	ResizeCount   int
}

// NewBuffer creates a buffer with the given initial capacity and limit.
func NewBuffer[T any](initialCapacity, limit int) *Buffer[T] {
	if limit < 1 {
		limit = 1
	}
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if initialCapacity > limit {
		initialCapacity = limit
	}
	return &Buffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
		ready:    make(chan struct{}, 1),
	}
}

// Send adds an item. Returns false if the buffer is closed.
func (b *Buffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold && b.capacity < b.limit {
		b.grow()
	}

	if b.count == b.capacity {
		var zero T
		b.buf[b.head] = zero
		b.head = (b.head + 1) % b.capacity
		b.count--
		b.dropped++
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after Send. One signal may cover many items.
func (b *Buffer[T]) Ready() <-chan struct{} {
	return b.ready
}

// DrainTo removes up to max items (all when max <= 0) in FIFO order.
func (b *Buffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = b.buf[b.head]
		b.buf[b.head] = zero
		b.head = (b.head + 1) % b.capacity
	}
	b.count -= n
	b.totalSent += int64(n)

	return result
}

// Close stops accepting items. Queued items can still be drained.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      b.capacity,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Dropped:       b.dropped,
		ResizeCount:   b.resizeCount,
	}
}

// grow doubles the capacity, capped at limit. Must be called with lock held.
func (b *Buffer[T]) grow() {
	newCapacity := b.capacity * 2
	if newCapacity > b.limit {
		newCapacity = b.limit
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count % newCapacity
	b.capacity = newCapacity
	b.resizeCount++
}
