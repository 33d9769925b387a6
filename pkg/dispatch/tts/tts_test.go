package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_SynthesizePostsStreamRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if r.URL.Path != "/v1/text-to-speech/voice-1/stream" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "mp3_22050_32" {
			t.Errorf("output_format=%q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "el-key" {
			t.Errorf("xi-api-key=%q", got)
		}
		var body synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Text != "Obstacle at 12 o'clock" || body.ModelID != "eleven_flash_v2_5" || body.VoiceSettings == nil {
			t.Errorf("body=%+v", body)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3mp3"))
	}))
	defer srv.Close()

	c := NewClient(Config{
		APIKey:  "el-key",
		VoiceID: "voice-1",
		Model:   "eleven_flash_v2_5",
		BaseURL: srv.URL,
	})
	audio, err := c.Synthesize(context.Background(), "  Obstacle at 12 o'clock ")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ID3mp3" {
		t.Fatalf("audio=%q", audio)
	}
}

func TestClient_RetriesWithoutVoiceSettings(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body synthesizeRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if calls.Add(1) == 1 {
			if body.VoiceSettings == nil {
				t.Errorf("first attempt lacked voice settings")
			}
			http.Error(w, `{"detail":"invalid voice_settings"}`, http.StatusUnprocessableEntity)
			return
		}
		if body.VoiceSettings != nil {
			t.Errorf("retry still sent voice settings")
		}
		_, _ = w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", VoiceID: "v", BaseURL: srv.URL})
	if _, err := c.Synthesize(context.Background(), "hello"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d, want 2", calls.Load())
	}
}

func TestClient_StatusErrorAndMissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", VoiceID: "v", BaseURL: srv.URL})
	_, err := c.Synthesize(context.Background(), "hello")
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("err=%v, want 401 StatusError", err)
	}

	if _, err := NewClient(Config{}).Synthesize(context.Background(), "hello"); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("err=%v, want ErrNoAPIKey", err)
	}
}

type countingSynth struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *countingSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, text)
	if s.err != nil {
		return nil, s.err
	}
	return []byte("mp3:" + text), nil
}

func (s *countingSynth) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestCached_HitsSkipUpstream(t *testing.T) {
	inner := &countingSynth{}
	c, err := NewCached(inner, 2)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	for _, text := range []string{"a", "a", "b", "a"} {
		if _, err := c.Synthesize(context.Background(), text); err != nil {
			t.Fatalf("Synthesize(%q): %v", text, err)
		}
	}
	if got := inner.Calls(); len(got) != 2 {
		t.Fatalf("upstream calls=%v, want [a b]", got)
	}

	inner.err = errors.New("quota")
	if _, err := c.Synthesize(context.Background(), "c"); err == nil {
		t.Fatalf("expected upstream error")
	}
	if c.Len() != 2 {
		t.Fatalf("failed synthesis was cached: len=%d", c.Len())
	}
}

func TestWorker_DedupesAndDropsOldest(t *testing.T) {
	w := NewWorker(&countingSynth{}, WorkerConfig{QueueSize: 2, Logger: testLogger()})

	if !w.Enqueue("one") {
		t.Fatalf("first enqueue rejected")
	}
	if w.Enqueue(" one ") {
		t.Fatalf("repeated prompt accepted")
	}
	if w.Enqueue("   ") {
		t.Fatalf("blank prompt accepted")
	}
	w.Enqueue("two")
	w.Enqueue("three")

	if w.Pending() != 2 {
		t.Fatalf("pending=%d, want 2", w.Pending())
	}
	if got := <-w.queue; got != "two" {
		t.Fatalf("oldest kept=%q, want two", got)
	}
	if got := <-w.queue; got != "three" {
		t.Fatalf("next=%q, want three", got)
	}
}

func TestWorker_RunStoresLatestAndNotifies(t *testing.T) {
	synth := &countingSynth{}
	got := make(chan Audio, 1)
	w := NewWorker(synth, WorkerConfig{
		Logger:  testLogger(),
		OnAudio: func(a Audio) { got <- a },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.Enqueue("Path is clear")
	select {
	case a := <-got:
		if a.Prompt != "Path is clear" || string(a.Data) != "mp3:Path is clear" {
			t.Fatalf("audio=%+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not synthesize")
	}
	latest, ok := w.Latest()
	if !ok || latest.Prompt != "Path is clear" {
		t.Fatalf("latest=%+v ok=%v", latest, ok)
	}
}

func TestWorker_SimulatedNeverSynthesizes(t *testing.T) {
	synth := &countingSynth{}
	w := NewWorker(synth, WorkerConfig{Simulated: true, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	w.Enqueue("Obstacle at 1 o'clock")
	deadline := time.Now().Add(time.Second)
	for w.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if calls := synth.Calls(); len(calls) != 0 {
		t.Fatalf("simulated worker synthesized %v", calls)
	}
	if _, ok := w.Latest(); ok {
		t.Fatalf("simulated worker stored audio")
	}
}
