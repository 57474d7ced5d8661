package session

import (
	"context"
	"time"
)

// Queue is a bounded FIFO of PCM frames with drop-oldest overflow. The
// gateway receiver pushes, the pipeline consumer pops; dropping the oldest
// frame under pressure keeps latency bounded at the cost of a small audio
// gap, which the recognizer tolerates far better than seconds of lag.
type Queue struct {
	ch chan []int16
}

// NewQueue returns a Queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan []int16, capacity)}
}

// Push enqueues a frame, evicting oldest frames while the queue is full.
// Returns the number of frames dropped to make room.
func (q *Queue) Push(frame []int16) (dropped int) {
	for {
		select {
		case q.ch <- frame:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

// Pop dequeues the next frame, waiting up to poll for one to arrive.
// Returns ok=false when the wait timed out or ctx was cancelled.
func (q *Queue) Pop(ctx context.Context, poll time.Duration) (frame []int16, ok bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
	}

	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case f := <-q.ch:
		return f, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// TryPop dequeues without waiting.
func (q *Queue) TryPop() (frame []int16, ok bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return nil, false
	}
}

// DropTo discards oldest frames until at most target remain. Returns the
// number of frames discarded. Used by the consumer's proactive drain when
// occupancy crosses the high-water mark.
func (q *Queue) DropTo(target int) (dropped int) {
	for q.Len() > target {
		select {
		case <-q.ch:
			dropped++
		default:
			return dropped
		}
	}
	return dropped
}

// Drain discards everything currently queued.
func (q *Queue) Drain() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

// Len returns the current occupancy.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
