// Package framequeue is a single-slot mailbox for camera frames. Offering a
// frame replaces any frame the consumer has not picked up yet, so the
// consumer always sees the newest frame and never works through a backlog.
package framequeue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("frame queue closed")

// Frame is an encoded image plus the time the hub received it.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
	Seq        uint64
}

type Stats struct {
	Offered  uint64
	Dropped  uint64
	Consumed uint64
}

type Queue struct {
	mu     sync.Mutex
	frame  *Frame
	seq    uint64
	closed bool
	stats  Stats

	ready chan struct{}
	done  chan struct{}
}

func New() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Offer stores data as the pending frame. It never blocks; an unconsumed
// older frame is discarded and counted as dropped.
func (q *Queue) Offer(data []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.frame != nil {
		q.stats.Dropped++
	}
	q.seq++
	q.stats.Offered++
	q.frame = &Frame{Data: data, ReceivedAt: time.Now(), Seq: q.seq}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a frame is pending, the queue is closed or ctx is done.
func (q *Queue) Next(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if q.frame != nil {
			f := *q.frame
			q.frame = nil
			q.stats.Consumed++
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Len is 0 or 1.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frame != nil {
		return 1
	}
	return 0
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close wakes any blocked consumer. A pending frame is discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.frame = nil
	close(q.done)
}
