// Package queue provides a bounded []byte queue for outbound connection messages.
package queue

import (
	"errors"
	"sync"
)

var (
	// ErrClosed returned by Add when queue is closed.
	ErrClosed = errors.New("queue closed")
	// ErrFull returned by Add when queue limits are exceeded.
	ErrFull = errors.New("queue full")
)

const initialCapacity = 2

// Queue is a goroutine safe FIFO of []byte bounded by total size in bytes and
// by number of items. Ring buffer grows and shrinks as needed.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	nodes    [][]byte
	head     int
	tail     int
	cnt      int
	size     int
	maxSize  int
	maxLen   int
	isClosed bool
}

// New queue. maxSize and maxLen <= 0 mean no limit.
func New(maxSize int, maxLen int) *Queue {
	q := &Queue{
		nodes:   make([][]byte, initialCapacity),
		maxSize: maxSize,
		maxLen:  maxLen,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Write mutex must be held when calling.
func (q *Queue) resize(n int) {
	nodes := make([][]byte, n)
	for i := 0; i < q.cnt; i++ {
		nodes[i] = q.nodes[(q.head+i)%len(q.nodes)]
	}
	q.tail = q.cnt % n
	q.head = 0
	q.nodes = nodes
}

// Add item to the back of the queue.
func (q *Queue) Add(item []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return ErrClosed
	}
	if q.maxLen > 0 && q.cnt >= q.maxLen {
		return ErrFull
	}
	if q.maxSize > 0 && q.size+len(item) > q.maxSize {
		return ErrFull
	}
	if q.cnt == len(q.nodes) {
		q.resize(q.cnt * 2)
	}
	q.nodes[q.tail] = item
	q.tail = (q.tail + 1) % len(q.nodes)
	q.cnt++
	q.size += len(item)
	q.cond.Signal()
	return nil
}

// Wait for an item. Returns false when queue is closed and drained of nothing.
func (q *Queue) Wait() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.cnt == 0 && !q.isClosed {
		q.cond.Wait()
	}
	if q.isClosed {
		return nil, false
	}
	return q.remove(), true
}

// Remove item from front without waiting.
func (q *Queue) Remove() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cnt == 0 || q.isClosed {
		return nil, false
	}
	return q.remove(), true
}

func (q *Queue) remove() []byte {
	item := q.nodes[q.head]
	q.nodes[q.head] = nil
	q.head = (q.head + 1) % len(q.nodes)
	q.cnt--
	q.size -= len(item)
	if n := len(q.nodes) / 2; n >= initialCapacity && q.cnt <= n {
		q.resize(n)
	}
	return item
}

// Close the queue discarding all items. All goroutines in Wait return.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.isClosed = true
	q.cnt = 0
	q.size = 0
	q.nodes = nil
	q.cond.Broadcast()
}

// CloseRemaining closes the queue and returns items which were not consumed yet.
func (q *Queue) CloseRemaining() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return nil
	}
	remaining := make([][]byte, 0, q.cnt)
	for q.cnt > 0 {
		remaining = append(remaining, q.remove())
	}
	q.isClosed = true
	q.nodes = nil
	q.cond.Broadcast()
	return remaining
}

// Closed reports whether queue is closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isClosed
}

// Len returns number of items in queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cnt
}

// Size returns total size of items in bytes.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
