package tts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const DefaultQueueSize = 8

// Audio is the most recent synthesized prompt.
type Audio struct {
	Prompt string
	Data   []byte
	At     time.Time
}

// Worker speaks detection prompts in the background. The queue keeps the
// newest prompts: when full the oldest is dropped, and a prompt equal to the
// previous one is ignored.
type Worker struct {
	synth   Synthesizer
	onAudio func(Audio)
	logger  *slog.Logger
	queue   chan string

	mu         sync.Mutex
	lastPrompt string
	latest     Audio
	simulated  bool
}

type WorkerConfig struct {
	QueueSize int
	// Simulated logs prompts without synthesizing them.
	Simulated bool
	// OnAudio is called from the worker goroutine after each synthesis.
	OnAudio func(Audio)
	Logger  *slog.Logger
}

func NewWorker(synth Synthesizer, cfg WorkerConfig) *Worker {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		synth:     synth,
		onAudio:   cfg.OnAudio,
		logger:    logger,
		queue:     make(chan string, size),
		simulated: cfg.Simulated || synth == nil,
	}
}

// Enqueue schedules prompt and reports whether it was accepted.
func (w *Worker) Enqueue(prompt string) bool {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if prompt == w.lastPrompt {
		return false
	}
	w.lastPrompt = prompt

	for {
		select {
		case w.queue <- prompt:
			return true
		default:
		}
		select {
		case <-w.queue:
		default:
		}
	}
}

func (w *Worker) Pending() int { return len(w.queue) }

func (w *Worker) Latest() (Audio, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest, len(w.latest.Data) > 0
}

// Run synthesizes queued prompts until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if w.simulated {
		w.logger.Info("tts running in simulation mode")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case prompt := <-w.queue:
			w.speak(ctx, prompt)
		}
	}
}

func (w *Worker) speak(ctx context.Context, prompt string) {
	if w.simulated {
		w.logger.Debug("tts simulated", "prompt", prompt)
		return
	}
	data, err := w.synth.Synthesize(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.logger.Warn("tts synthesis failed", "prompt", prompt, "error", err)
		return
	}
	a := Audio{Prompt: prompt, Data: data, At: time.Now()}
	w.mu.Lock()
	w.latest = a
	w.mu.Unlock()
	w.logger.Debug("tts generated", "prompt", prompt, "bytes", len(data))
	if w.onAudio != nil {
		w.onAudio(a)
	}
}
