package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxPendingBytes bounds the scan buffer when a stream never closes a frame.
const maxPendingBytes = 8 << 20

// JPEGScanner splits a byte stream into JPEG images by scanning for start and
// end markers. It works for multipart/x-mixed-replace bodies regardless of
// the boundary the camera uses.
type JPEGScanner struct {
	r       *bufio.Reader
	pending []byte
	chunk   []byte
}

func NewJPEGScanner(r io.Reader) *JPEGScanner {
	return &JPEGScanner{
		r:     bufio.NewReaderSize(r, 64<<10),
		chunk: make([]byte, 4096),
	}
}

// Next returns the next complete JPEG. It returns io.EOF once the stream ends.
func (s *JPEGScanner) Next() ([]byte, error) {
	for {
		if img, ok := s.cut(); ok {
			return img, nil
		}
		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.pending = append(s.pending, s.chunk[:n]...)
			if len(s.pending) > maxPendingBytes {
				s.pending = s.pending[len(s.pending)-len(jpegSOI):]
			}
		}
		if err != nil {
			if img, ok := s.cut(); ok {
				return img, nil
			}
			return nil, err
		}
	}
}

func (s *JPEGScanner) cut() ([]byte, bool) {
	start := bytes.Index(s.pending, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xFF that may begin a marker.
		if n := len(s.pending); n > 0 && s.pending[n-1] == 0xFF {
			s.pending = append(s.pending[:0], 0xFF)
		} else {
			s.pending = s.pending[:0]
		}
		return nil, false
	}
	end := bytes.Index(s.pending[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if start > 0 {
			s.pending = append(s.pending[:0], s.pending[start:]...)
		}
		return nil, false
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	img := make([]byte, end-start)
	copy(img, s.pending[start:end])
	s.pending = append(s.pending[:0], s.pending[end:]...)
	return img, true
}

type ReconnectConfig struct {
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func (c ReconnectConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := c.RetryDelay * time.Duration(1<<uint(attempt-1))
	if c.MaxRetryDelay > 0 && d > c.MaxRetryDelay {
		d = c.MaxRetryDelay
	}
	return d
}

// Camera pulls an MJPEG stream over HTTP into a FrameBuffer, reconnecting
// with exponential backoff until its context ends.
type Camera struct {
	URL       string
	Frames    *FrameBuffer
	Client    *http.Client
	Reconnect ReconnectConfig
	Logger    *slog.Logger
}

func (c *Camera) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Camera) Run(ctx context.Context) error {
	if c.URL == "" {
		return errors.New("camera: empty url")
	}
	if c.Frames == nil {
		return errors.New("camera: nil frame buffer")
	}
	reconnect := c.Reconnect
	if reconnect.RetryDelay <= 0 {
		reconnect = DefaultReconnectConfig()
	}

	attempt := 0
	for {
		frames, err := c.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if frames > 0 {
			attempt = 0
		}
		attempt++
		delay := reconnect.Backoff(attempt)
		c.logger().Warn("camera stream ended", "url", c.URL, "frames", frames, "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Camera) stream(ctx context.Context) (frames int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("camera request: %w", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("camera connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("camera connect: status %d", resp.StatusCode)
	}

	c.logger().Info("camera connected", "url", c.URL)
	sc := NewJPEGScanner(resp.Body)
	for {
		img, err := sc.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, io.ErrUnexpectedEOF
			}
			return frames, err
		}
		c.Frames.Put(img)
		frames++
	}
}
