// Package bridge connects a source to a streaming AI session. Media goes in
// through Session; replies come back as a closed set of Event values.
package bridge

import (
	"context"
	"errors"
	"iter"
)

var ErrNotConfigured = errors.New("bridge: AI credentials not configured")

// NotConfiguredMessage is sent to a source when no API key is set.
const NotConfiguredMessage = "GEMINI_API_KEY is not configured on the server."

// PriorityPrefix marks typed questions so the model answers them ahead of
// narrating the scene.
const PriorityPrefix = "User question (priority): "

// Event is one unit of model output: AudioEvent, TextEvent, InterruptedEvent
// or TurnCompleteEvent.
type Event interface {
	event()
}

// AudioEvent is raw PCM16 at the model's output rate.
type AudioEvent struct {
	Data []byte
}

// TextEvent is a transcript fragment of the spoken reply.
type TextEvent struct {
	Text string
}

type InterruptedEvent struct{}

type TurnCompleteEvent struct{}

func (AudioEvent) event()        {}
func (TextEvent) event()         {}
func (InterruptedEvent) event()  {}
func (TurnCompleteEvent) event() {}

// Session is one open AI conversation.
type Session interface {
	SendVideo(ctx context.Context, jpeg []byte) error
	SendAudio(ctx context.Context, pcm []byte) error
	EndAudio(ctx context.Context) error
	SendText(ctx context.Context, text string) error

	// Events yields model output until the session ends. Ranging again
	// resumes reading from the same session. A transport failure is yielded
	// as a non-nil error and ends the sequence.
	Events(ctx context.Context) iter.Seq2[Event, error]

	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
