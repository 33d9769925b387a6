// Package audio wraps the portaudio microphone and speaker used by the
// hardware source. It needs cgo and the portaudio library, so only the
// source binary imports it.
package audio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

type MicConfig struct {
	SampleRate      float64
	FramesPerBuffer int
}

// DefaultMicConfig matches the live session input format: 16 kHz mono.
func DefaultMicConfig() MicConfig {
	return MicConfig{SampleRate: 16000, FramesPerBuffer: 1024}
}

// Mic reads mono 16-bit PCM from the default input device.
type Mic struct {
	cfg    MicConfig
	stream *portaudio.Stream
	buf    []int16
	logger *slog.Logger
}

// OpenMic opens the default input. portaudio.Initialize must already have
// been called.
func OpenMic(cfg MicConfig, logger *slog.Logger) (*Mic, error) {
	if cfg.SampleRate <= 0 || cfg.FramesPerBuffer <= 0 {
		cfg = DefaultMicConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mic{cfg: cfg, buf: make([]int16, cfg.FramesPerBuffer), logger: logger}
	stream, err := portaudio.OpenDefaultStream(1, 0, cfg.SampleRate, cfg.FramesPerBuffer, m.buf)
	if err != nil {
		return nil, fmt.Errorf("open mic: %w", err)
	}
	m.stream = stream
	return m, nil
}

// Capture streams PCM chunks to out until ctx ends. Chunks are dropped when
// out is full so the device never stalls.
func (m *Mic) Capture(ctx context.Context, out chan<- []byte) error {
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("start mic: %w", err)
	}
	defer m.stream.Stop()

	for ctx.Err() == nil {
		if err := m.stream.Read(); err != nil {
			// Input overflow is recoverable; the next read continues.
			m.logger.Debug("mic read", "error", err)
			continue
		}
		chunk := SamplesToPCM16(m.buf)
		select {
		case out <- chunk:
		case <-ctx.Done():
		default:
		}
	}
	return ctx.Err()
}

func (m *Mic) Close() error {
	if m == nil || m.stream == nil {
		return nil
	}
	return m.stream.Close()
}
