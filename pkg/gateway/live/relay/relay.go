// Package relay runs one source connection against one AI session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/demardefrozen10/SENSE/pkg/gateway/hub"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/bridge"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/framequeue"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

const (
	FrameErrorSkip  = "skip"
	FrameErrorAbort = "abort"
)

// MessageSessionFailed is sent to the source when the AI side of a running
// session fails.
const MessageSessionFailed = "AI session ended unexpectedly"

var ErrBadFrame = errors.New("relay: undecodable video frame")

// Source is the source connection as seen by the relay.
type Source interface {
	ID() string
	Read() ([]byte, error)
	Send(payload []byte) error
	Close() error
}

// FrameSink keeps the most recent source frame for consumers outside the AI
// session, such as the MJPEG feed and the scene loop.
type FrameSink interface {
	Put(frame []byte)
}

type Config struct {
	FrameErrorPolicy string
	PreviewInterval  time.Duration
}

type Relay struct {
	Hub    *hub.Hub
	Dialer bridge.Dialer
	Synth  bridge.Synthesizer
	Frames FrameSink
	Logger *slog.Logger
	Config Config
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Serve opens an AI session for src and runs the four relay tasks until one
// of them ends. The claim must already be held; Serve does not release it.
func (r *Relay) Serve(ctx context.Context, src Source, claim *hub.Claim) error {
	sess, err := r.Dialer.Dial(ctx)
	if err != nil {
		r.reportFailure(src, err)
		return fmt.Errorf("open AI session: %w", err)
	}
	defer sess.Close()

	claim.MarkActive()
	emit := r.emitter(src)
	emit(protocol.NewEvent(protocol.TypeSessionStarted))

	queue := framequeue.New()
	defer queue.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = sess.Close()
		_ = src.Close()
	})
	defer stop()

	// The first task to return decides the outcome; the rest only unwind.
	var (
		firstOnce sync.Once
		firstErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	run := func(name string, task func(context.Context) error) {
		g.Go(func() error {
			err := task(gctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			firstOnce.Do(func() {
				firstErr = err
				r.logger().Debug("relay task finished first", "task", name, "source_id", src.ID())
				// The source is closed once cancel runs, so the error goes out
				// first. Clean endings and outside cancels send nothing.
				if err != nil && ctx.Err() == nil {
					r.reportFailure(src, err)
				}
			})
			cancel()
			return err
		})
	}

	run("source_receive", func(ctx context.Context) error {
		return r.receiveSource(ctx, src, claim, sess, queue)
	})
	run("frame_forward", func(ctx context.Context) error {
		return forwardFrames(ctx, sess, queue)
	})
	run("control_forward", func(ctx context.Context) error {
		return forwardControl(ctx, sess, r.Hub.Control())
	})
	run("ai_receive", func(ctx context.Context) error {
		responder := bridge.NewResponder(r.Hub.VoiceProvider, r.Synth, emit, r.logger())
		for ev, err := range sess.Events(ctx) {
			if err != nil {
				return err
			}
			responder.Handle(ctx, ev)
		}
		return nil
	})

	_ = g.Wait()
	err = firstErr
	st := queue.Stats()
	r.logger().Info("relay session ended",
		"source_id", src.ID(),
		"frames_offered", st.Offered,
		"frames_dropped", st.Dropped,
		"frames_sent", st.Consumed,
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) reportFailure(src Source, err error) {
	msg := MessageSessionFailed
	if errors.Is(err, bridge.ErrNotConfigured) {
		msg = bridge.NotConfiguredMessage
	}
	if payload, mErr := json.Marshal(protocol.NewError(msg)); mErr == nil {
		_ = src.Send(payload)
	}
}

// emitter sends v to the source and every viewer.
func (r *Relay) emitter(src Source) func(v any) {
	return func(v any) {
		if payload, err := json.Marshal(v); err == nil {
			_ = src.Send(payload)
			r.Hub.Broadcast(payload)
		}
	}
}

func (r *Relay) receiveSource(ctx context.Context, src Source, claim *hub.Claim, sess bridge.Session, queue *framequeue.Queue) error {
	log := r.logger()
	abortOnBadFrame := strings.EqualFold(r.Config.FrameErrorPolicy, FrameErrorAbort)
	var lastPreview time.Time

	for {
		data, err := src.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Info("source disconnected", "source_id", src.ID(), slog.Any("error", err))
			return nil
		}
		claim.Touch()

		msg, err := protocol.DecodeSource(data)
		if err != nil {
			switch {
			case protocol.IsBadMedia(err) && abortOnBadFrame:
				return fmt.Errorf("%w: %v", ErrBadFrame, err)
			case protocol.IsUnsupported(err):
				log.Warn("dropping unknown source message", "source_id", src.ID(), slog.Any("error", err))
			default:
				log.Debug("dropping malformed source message", "source_id", src.ID(), slog.Any("error", err))
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.Video:
			queue.Offer(m.Data)
			if r.Frames != nil {
				r.Frames.Put(m.Data)
			}
			if now := time.Now(); now.Sub(lastPreview) >= r.Config.PreviewInterval {
				lastPreview = now
				r.Hub.Broadcast(protocol.ServerData{Type: protocol.TypeVideoPreview, Data: m.Raw})
			}
		case protocol.Audio:
			if err := sess.SendAudio(ctx, m.Data); err != nil {
				return err
			}
		case protocol.Text:
			if err := sess.SendText(ctx, m.Text); err != nil {
				return err
			}
		case protocol.EndAudioStream:
			if err := sess.EndAudio(ctx); err != nil {
				return err
			}
		}
	}
}

func forwardFrames(ctx context.Context, sess bridge.Session, queue *framequeue.Queue) error {
	for {
		f, err := queue.Next(ctx)
		if err != nil {
			return err
		}
		if err := sess.SendVideo(ctx, f.Data); err != nil {
			return err
		}
	}
}

func forwardControl(ctx context.Context, sess bridge.Session, commands <-chan hub.ControlCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-commands:
			var err error
			switch c := cmd.(type) {
			case hub.TextCommand:
				err = sess.SendText(ctx, c.Text)
			case hub.AudioCommand:
				err = sess.SendAudio(ctx, c.Data)
			case hub.EndAudioCommand:
				err = sess.EndAudio(ctx)
			}
			if err != nil {
				return err
			}
		}
	}
}
