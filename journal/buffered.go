package journal

import (
	"errors"
	"sync"
)

// ErrBufferExhausted reports that the buffered sink's queue is full. The
// engine treats this as entering degraded mode; events are never dropped
// on the floor.
var ErrBufferExhausted = errors.New("journal: buffer exhausted")

// Buffered decouples the engine loop from a slow sink: Emit enqueues and
// returns, a drain goroutine forwards in order. The queue is bounded; a
// full queue surfaces ErrBufferExhausted instead of blocking the loop.
type Buffered struct {
	inner Sink
	queue chan Event

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	drained uint64
	failed  error
}

func NewBuffered(inner Sink, size int) *Buffered {
	if size <= 0 {
		size = 1024
	}
	b := &Buffered{
		inner: inner,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
	go b.drain()
	return b
}

func (b *Buffered) drain() {
	defer close(b.done)
	for ev := range b.queue {
		err := b.inner.Emit(ev)
		b.mu.Lock()
		if err != nil && b.failed == nil {
			b.failed = err
		}
		b.drained++
		b.mu.Unlock()
	}
}

func (b *Buffered) Emit(ev Event) error {
	b.mu.Lock()
	failed := b.failed
	b.mu.Unlock()
	if failed != nil {
		return failed
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		return ErrBufferExhausted
	}
}

// Close stops accepting events, waits for the queue to drain, then closes
// the inner sink.
func (b *Buffered) Close() error {
	b.closeOnce.Do(func() { close(b.queue) })
	<-b.done
	return b.inner.Close()
}

// Drained reports how many events have reached the inner sink.
func (b *Buffered) Drained() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drained
}
