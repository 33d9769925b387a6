// Package vision implements the frame-differencing obstacle detector used
// when no AI session is reachable.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/demardefrozen10/SENSE/pkg/detection"
)

const (
	diffThreshold    = 22
	dilateIterations = 2
	minMotionArea    = 1200
	minMotionRatio   = 0.003
)

// MotionAnalyzer compares each frame against the previous one and reports the
// largest moving region as an obstacle. It keeps only the previous blurred
// frame as state.
type MotionAnalyzer struct {
	mu   sync.Mutex
	prev *plane
}

func NewMotionAnalyzer() *MotionAnalyzer {
	return &MotionAnalyzer{}
}

func (a *MotionAnalyzer) Name() string { return "motion" }

// Reset forgets the previous frame; the next call reports scanning.
func (a *MotionAnalyzer) Reset() {
	a.mu.Lock()
	a.prev = nil
	a.mu.Unlock()
}

// AnalyzeJPEG decodes an encoded frame and analyzes it.
func (a *MotionAnalyzer) AnalyzeJPEG(_ context.Context, data []byte) (detection.Record, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return detection.Record{}, fmt.Errorf("decode frame: %w", err)
	}
	return a.Analyze(img), nil
}

// Analyze runs one detection step on img.
func (a *MotionAnalyzer) Analyze(img image.Image) detection.Record {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width == 0 || height == 0 {
		return detection.Clear()
	}

	cur := blurredGray(img)

	a.mu.Lock()
	prev := a.prev
	a.prev = cur
	a.mu.Unlock()

	if !cur.sameShape(prev) {
		return detection.Scanning()
	}

	mask := dilate(diffMask(cur, prev, diffThreshold), dilateIterations)

	frameArea := float64(width * height)
	minArea := math.Max(minMotionArea, frameArea*minMotionRatio)
	var best *region
	found := regions(mask)
	for i := range found {
		if float64(found[i].area) > minArea && (best == nil || found[i].area > best.area) {
			best = &found[i]
		}
	}
	if best == nil {
		return detection.Clear()
	}

	x, y, w, h := best.minX, best.minY, best.width(), best.height()
	box, ok := detection.ClampBox(detection.Box{
		int(float64(y) / float64(height) * 1000),
		int(float64(x) / float64(width) * 1000),
		int(float64(y+h) / float64(height) * 1000),
		int(float64(x+w) / float64(width) * 1000),
	})
	if !ok {
		return detection.Clear()
	}

	centerX := (float64(x) + float64(w)/2) / float64(width)
	areaRatio := float64(w*h) / frameArea
	bottomRatio := float64(y+h) / float64(height)
	proximity := clamp01(0.42*math.Min(1, areaRatio*8) + 0.58*bottomRatio)
	intensity := int(35 + proximity*220)
	intensity = max(35, min(detection.MaxIntensity, intensity))

	return detection.Record{
		VoicePrompt:     fmt.Sprintf("Obstacle at %d o'clock", ClockPosition(centerX)),
		Detections:      []detection.Detection{{Label: detection.DefaultLabel, Box: box}},
		HapticIntensity: intensity,
	}
}

// ClockPosition maps a horizontal center fraction in [0,1] to a clock-face
// direction relative to straight ahead.
func ClockPosition(c float64) int {
	switch {
	case c < 0.2:
		return 10
	case c < 0.4:
		return 11
	case c < 0.6:
		return 12
	case c < 0.8:
		return 1
	default:
		return 2
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
