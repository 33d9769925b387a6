package detection

import (
	"context"
	"fmt"
	"sync"
)

// Simulator produces a deterministic cycle of records for demos without a
// model key: three clear ticks, then an obstacle sweeping left to right.
type Simulator struct {
	mu   sync.Mutex
	tick int
}

func (s *Simulator) Name() string { return "simulated" }

func (s *Simulator) Analyze(_ context.Context, _ []byte) (Record, error) {
	s.mu.Lock()
	s.tick++
	tick := s.tick
	s.mu.Unlock()

	if phase := tick % 9; phase <= 2 {
		return Clear(), nil
	}

	centerX := 180 + (tick*95)%640
	box := Box{370, max(0, centerX-90), 980, min(BoxScale, centerX+90)}
	dets := []Detection{{Label: DefaultLabel, Box: box}}
	return Record{
		VoicePrompt:     fmt.Sprintf("Obstacle at %d o'clock", simulatedClock(centerX)),
		Detections:      dets,
		HapticIntensity: EstimateHaptic(dets),
	}, nil
}

func simulatedClock(centerX int) int {
	switch {
	case centerX < 250:
		return 10
	case centerX < 400:
		return 11
	case centerX < 600:
		return 12
	case centerX < 760:
		return 1
	default:
		return 2
	}
}
