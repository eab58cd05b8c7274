package audio

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueDepth is about one second of 20ms frames.
const DefaultQueueDepth = 50

// ErrQueueClosed is returned by Push and Pop once the queue is closed.
var ErrQueueClosed = errors.New("audio: frame queue closed")

// FrameQueue is a bounded FIFO of outbound PCM frames. Push blocks while the
// queue is full; Clear discards every queued frame.
type FrameQueue struct {
	mu       sync.Mutex
	frames   [][]byte
	max      int
	notFull  chan struct{}
	notEmpty chan struct{}
	closed   bool
}

// NewFrameQueue returns a queue holding at most depth frames.
func NewFrameQueue(depth int) *FrameQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &FrameQueue{
		frames:   make([][]byte, 0, depth),
		max:      depth,
		notFull:  make(chan struct{}),
		notEmpty: make(chan struct{}),
	}
}

// Push appends frame, waiting for space. A cancelled ctx is checked under the
// lock before every append, so a producer cancelled before Clear never lands a
// frame after it.
func (q *FrameQueue) Push(ctx context.Context, frame []byte) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return err
		}
		if len(q.frames) < q.max {
			q.frames = append(q.frames, frame)
			wake(&q.notEmpty)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes the oldest frame, waiting until one is available.
func (q *FrameQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		frame, ok, err := q.tryPop()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}
		q.mu.Lock()
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryPop removes the oldest frame without waiting.
func (q *FrameQueue) TryPop() ([]byte, bool) {
	frame, ok, _ := q.tryPop()
	return frame, ok
}

func (q *FrameQueue) tryPop() ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		if q.closed {
			return nil, false, ErrQueueClosed
		}
		return nil, false, nil
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	wake(&q.notFull)
	return frame, true, nil
}

// Clear drops all queued frames and returns how many were discarded.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = make([][]byte, 0, q.max)
	if n > 0 {
		wake(&q.notFull)
	}
	return n
}

// Len reports the current depth.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Cap reports the maximum depth.
func (q *FrameQueue) Cap() int { return q.max }

// Close wakes all waiters; queued frames can still be popped.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	wake(&q.notFull)
	wake(&q.notEmpty)
}

// wake releases every goroutine parked on *ch. Callers hold q.mu.
func wake(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
