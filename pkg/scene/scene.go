// Package scene runs the fallback obstacle loop: while no live AI session is
// active it analyzes the newest camera frame and fans the resulting record out
// to viewers, the haptic motor, speech, history and the broker.
package scene

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/demardefrozen10/SENSE/pkg/capture"
	"github.com/demardefrozen10/SENSE/pkg/detection"
	"github.com/demardefrozen10/SENSE/pkg/gateway/hub"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, jpeg []byte) (detection.Record, error)
}

// AnalyzerFunc adapts a plain function, such as MotionAnalyzer.AnalyzeJPEG.
type AnalyzerFunc struct {
	Label string
	Fn    func(ctx context.Context, jpeg []byte) (detection.Record, error)
}

func (f AnalyzerFunc) Name() string { return f.Label }

func (f AnalyzerFunc) Analyze(ctx context.Context, jpeg []byte) (detection.Record, error) {
	return f.Fn(ctx, jpeg)
}

type Broadcaster interface {
	State() hub.State
	Broadcast(v any) int
}

type Haptics interface {
	Send(intensity int) bool
}

type Speech interface {
	Enqueue(prompt string) bool
}

type Recorder interface {
	Save(ctx context.Context, rec detection.Record) error
}

type Publisher interface {
	Publish(rec detection.Record) error
}

// Loop wires one analyzer chain to its dispatch targets. Primary and
// Fallback may be nil; a nil Primary means Fallback handles every frame.
type Loop struct {
	Frames   *capture.FrameBuffer
	Hub      Broadcaster
	Primary  Analyzer
	Fallback Analyzer
	Reset    func()

	Haptics   Haptics
	Speech    Speech
	Recorder  Recorder
	Publisher Publisher

	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time

	mu       sync.RWMutex
	latest   detection.Record
	lastSeq  uint64
	paused   bool
	analyzed uint64
}

// Latest returns the most recent record, or the scanning record before the
// first tick.
func (l *Loop) Latest() detection.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.analyzed == 0 {
		return detection.Scanning()
	}
	return l.latest
}

func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger().Info("scene loop started", "interval", interval, "primary", analyzerName(l.Primary), "fallback", analyzerName(l.Fallback))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick analyzes the newest unseen frame and dispatches the result. It reports
// whether a record was produced.
func (l *Loop) Tick(ctx context.Context) bool {
	if l.Hub != nil && l.Hub.State().SessionActive {
		l.pause()
		return false
	}
	l.resume()

	l.mu.RLock()
	since := l.lastSeq
	l.mu.RUnlock()
	frame, ok := l.Frames.LatestSince(since)
	if !ok {
		return false
	}

	rec, ok := l.analyze(ctx, frame.Data)
	l.mu.Lock()
	l.lastSeq = frame.Seq
	l.mu.Unlock()
	if !ok {
		return false
	}
	if rec.TS == 0 {
		rec.TS = float64(l.now().UnixMilli()) / 1000
	}
	rec.HapticIntensity = detection.ClampIntensity(rec.HapticIntensity)

	l.mu.Lock()
	l.latest = rec
	l.analyzed++
	l.mu.Unlock()

	l.dispatch(ctx, rec)
	return true
}

func (l *Loop) analyze(ctx context.Context, jpeg []byte) (detection.Record, bool) {
	if l.Primary != nil {
		rec, err := l.Primary.Analyze(ctx, jpeg)
		if err == nil {
			return rec, true
		}
		if ctx.Err() != nil {
			return detection.Record{}, false
		}
		l.logger().Warn("analyzer failed; using fallback", "analyzer", l.Primary.Name(), "error", err)
	}
	if l.Fallback == nil {
		return detection.Record{}, false
	}
	rec, err := l.Fallback.Analyze(ctx, jpeg)
	if err != nil {
		l.logger().Debug("fallback analyzer failed", "analyzer", l.Fallback.Name(), "error", err)
		return detection.Record{}, false
	}
	return rec, true
}

func (l *Loop) dispatch(ctx context.Context, rec detection.Record) {
	if l.Hub != nil {
		l.Hub.Broadcast(protocol.NewDetection(rec))
	}
	if l.Haptics != nil {
		l.Haptics.Send(rec.HapticIntensity)
	}
	if l.Speech != nil {
		l.Speech.Enqueue(rec.VoicePrompt)
	}
	if l.Recorder != nil {
		if err := l.Recorder.Save(ctx, rec); err != nil {
			l.logger().Warn("detection not stored", "error", err)
		}
	}
	if l.Publisher != nil {
		if err := l.Publisher.Publish(rec); err != nil {
			l.logger().Debug("detection not published", "error", err)
		}
	}
}

// pause stops the motor once when a live session takes over; the session
// narrates on its own.
func (l *Loop) pause() {
	l.mu.Lock()
	was := l.paused
	l.paused = true
	l.mu.Unlock()
	if was {
		return
	}
	if l.Haptics != nil {
		l.Haptics.Send(0)
	}
	l.logger().Debug("scene loop paused for live session")
}

func (l *Loop) resume() {
	l.mu.Lock()
	was := l.paused
	l.paused = false
	l.mu.Unlock()
	if was && l.Reset != nil {
		l.Reset()
	}
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func analyzerName(a Analyzer) string {
	if a == nil {
		return "none"
	}
	return a.Name()
}
