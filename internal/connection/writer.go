package connection

import (
	"sync"

	"github.com/ruslanjabari/soketi/internal/queue"
)

type writerConfig struct {
	MaxQueueSize int
	MaxQueueLen  int
	WriteFn      func([]byte) error
	OnError      func(error)
}

// writer drains per-connection queue into transport in its own goroutine so that
// a slow socket never blocks the sender.
type writer struct {
	mu       sync.Mutex
	config   writerConfig
	messages *queue.Queue
	closed   bool
	done     chan struct{}
}

func newWriter(config writerConfig) *writer {
	w := &writer{
		config:   config,
		messages: queue.New(config.MaxQueueSize, config.MaxQueueLen),
		done:     make(chan struct{}),
	}
	go w.runWriteRoutine()
	return w
}

func (w *writer) runWriteRoutine() {
	defer close(w.done)
	for {
		msg, ok := w.messages.Wait()
		if !ok {
			return
		}
		w.mu.Lock()
		err := w.config.WriteFn(msg)
		w.mu.Unlock()
		if err != nil {
			// Transport is broken, owner must tear connection down.
			w.messages.Close()
			if w.config.OnError != nil {
				go w.config.OnError(err)
			}
			return
		}
	}
}

func (w *writer) enqueue(data []byte) error {
	return w.messages.Add(data)
}

// close stops writer, frames still in queue are written before returning.
func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	remaining := w.messages.CloseRemaining()
	<-w.done
	for _, msg := range remaining {
		if err := w.config.WriteFn(msg); err != nil {
			return
		}
	}
}
