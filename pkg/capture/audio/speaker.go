package audio

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/hajimehoshi/go-mp3"
)

// Speaker plays PCM and MP3 on the default output device. The stream is
// reopened when the sample rate or channel count changes.
type Speaker struct {
	mu              sync.Mutex
	framesPerBuffer int
	stream          *portaudio.Stream
	buf             []int16
	rate            float64
	channels        int
}

func NewSpeaker(framesPerBuffer int) *Speaker {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	return &Speaker{framesPerBuffer: framesPerBuffer}
}

// PlayPCM16 blocks until pcm has been written to the device.
func (s *Speaker) PlayPCM16(pcm []byte, rate float64, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStream(rate, channels); err != nil {
		return err
	}
	samples := PCM16ToSamples(pcm)
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		clear(s.buf[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("speaker write: %w", err)
		}
	}
	return nil
}

// PlayMP3 decodes data and plays it.
func (s *Speaker) PlayMP3(data []byte) error {
	pcm, rate, err := DecodeMP3(data)
	if err != nil {
		return err
	}
	return s.PlayPCM16(pcm, float64(rate), 2)
}

// DecodeMP3 returns interleaved stereo 16-bit PCM and its sample rate.
func DecodeMP3(data []byte) ([]byte, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}
	return pcm, dec.SampleRate(), nil
}

func (s *Speaker) ensureStream(rate float64, channels int) error {
	if channels <= 0 {
		channels = 1
	}
	if s.stream != nil && s.rate == rate && s.channels == channels {
		return nil
	}
	if s.stream != nil {
		_ = s.stream.Stop()
		_ = s.stream.Close()
		s.stream = nil
	}
	s.buf = make([]int16, s.framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, rate, s.framesPerBuffer, s.buf)
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start speaker: %w", err)
	}
	s.stream = stream
	s.rate = rate
	s.channels = channels
	return nil
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	_ = s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	return err
}
