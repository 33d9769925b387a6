package bridge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

// ResynthFailedMessage is the warning sent when the alternate voice could not
// render a finished turn.
const ResynthFailedMessage = "Alternate voice generation failed for this response."

// Synthesizer renders text as MP3 audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Responder turns model events into client messages. With the primary voice
// provider audio is passed through. With the alternate provider raw audio is
// suppressed and the turn transcript is re-voiced once the turn completes.
type Responder struct {
	voice  func() string
	synth  Synthesizer
	emit   func(v any)
	logger *slog.Logger

	transcript strings.Builder
}

func NewResponder(voice func() string, synth Synthesizer, emit func(v any), logger *slog.Logger) *Responder {
	if voice == nil {
		voice = func() string { return protocol.VoiceProviderPrimary }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{voice: voice, synth: synth, emit: emit, logger: logger}
}

func (r *Responder) alternate() bool {
	return r.voice() == protocol.VoiceProviderAlternate
}

func (r *Responder) Handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case AudioEvent:
		if r.alternate() {
			return
		}
		r.emit(protocol.NewData(protocol.TypeAudio, e.Data))
	case TextEvent:
		r.transcript.WriteString(e.Text)
		r.emit(protocol.NewText(strings.TrimSpace(e.Text)))
	case InterruptedEvent:
		r.transcript.Reset()
		r.emit(protocol.NewEvent(protocol.TypeInterrupted))
	case TurnCompleteEvent:
		text := strings.Join(strings.Fields(r.transcript.String()), " ")
		r.transcript.Reset()
		if r.alternate() && text != "" {
			r.resynthesize(ctx, text)
		}
		r.emit(protocol.NewEvent(protocol.TypeTurnComplete))
	}
}

func (r *Responder) resynthesize(ctx context.Context, text string) {
	if r.synth == nil {
		r.emit(protocol.NewWarning(ResynthFailedMessage))
		return
	}
	audio, err := r.synth.Synthesize(ctx, text)
	if err != nil || len(audio) == 0 {
		r.logger.Warn("alternate voice synthesis failed", "chars", len(text), slog.Any("error", err))
		r.emit(protocol.NewWarning(ResynthFailedMessage))
		return
	}
	r.emit(protocol.NewData(protocol.TypeAudioMP3, audio))
}
