// Package capture pulls camera frames into a latest-frame buffer. Audio
// devices live in the audio subpackage.
package capture

import (
	"sync"
	"time"
)

// Frame is one encoded JPEG with its arrival time and a sequence number that
// grows by one per Put.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
	Seq        uint64
}

// FrameBuffer keeps only the newest frame. It is shared by the source relay,
// the hub camera, the MJPEG feed and the scene loop.
type FrameBuffer struct {
	mu    sync.RWMutex
	frame Frame
	now   func() time.Time
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{now: time.Now}
}

// Put stores a copy of data. Empty frames are ignored.
func (b *FrameBuffer) Put(data []byte) {
	if b == nil || len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	now := time.Now
	if b.now != nil {
		now = b.now
	}

	b.mu.Lock()
	b.frame = Frame{Data: cp, ReceivedAt: now(), Seq: b.frame.Seq + 1}
	b.mu.Unlock()
}

// Latest returns the newest frame. The data must not be modified.
func (b *FrameBuffer) Latest() (Frame, bool) {
	if b == nil {
		return Frame{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.frame.Seq == 0 {
		return Frame{}, false
	}
	return b.frame, true
}

// LatestSince returns the newest frame only if it is newer than seq.
func (b *FrameBuffer) LatestSince(seq uint64) (Frame, bool) {
	f, ok := b.Latest()
	if !ok || f.Seq <= seq {
		return Frame{}, false
	}
	return f, true
}
