package bridge

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const (
	DefaultModel      = "gemini-2.5-flash-native-audio-latest"
	DefaultVoice      = "Puck"
	DefaultAPIVersion = "v1beta"

	videoMIMEType = "image/jpeg"
	audioMIMEType = "audio/pcm;rate=16000"
)

type GeminiConfig struct {
	APIKey            string
	Model             string
	Voice             string
	APIVersion        string
	SystemInstruction string
}

// GeminiDialer opens Gemini Live sessions. The client is created on first
// use and shared by later sessions.
type GeminiDialer struct {
	cfg GeminiConfig

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiDialer(cfg GeminiConfig) *GeminiDialer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	return &GeminiDialer{cfg: cfg}
}

func (d *GeminiDialer) Configured() bool {
	return d != nil && strings.TrimSpace(d.cfg.APIKey) != ""
}

func (d *GeminiDialer) Dial(ctx context.Context) (Session, error) {
	if !d.Configured() {
		return nil, ErrNotConfigured
	}
	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.Live.Connect(ctx, d.cfg.Model, d.connectConfig())
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return newGeminiSession(sess), nil
}

func (d *GeminiDialer) getClient(ctx context.Context) (*genai.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      d.cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: d.cfg.APIVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	d.client = client
	return client, nil
}

func (d *GeminiDialer) connectConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr[int32](0),
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: d.cfg.Voice},
			},
		},
	}
	if s := strings.TrimSpace(d.cfg.SystemInstruction); s != "" {
		cfg.SystemInstruction = genai.NewContentFromText(s, genai.RoleUser)
	}
	return cfg
}

// liveConn is the subset of *genai.Session used here.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type geminiSession struct {
	conn liveConn

	// genai sessions are not safe for concurrent writes.
	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newGeminiSession(conn liveConn) *geminiSession {
	return &geminiSession{conn: conn}
}

func (s *geminiSession) realtime(ctx context.Context, in genai.LiveRealtimeInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.SendRealtimeInput(in)
}

func (s *geminiSession) SendVideo(ctx context.Context, jpeg []byte) error {
	return s.realtime(ctx, genai.LiveRealtimeInput{Video: &genai.Blob{Data: jpeg, MIMEType: videoMIMEType}})
}

func (s *geminiSession) SendAudio(ctx context.Context, pcm []byte) error {
	return s.realtime(ctx, genai.LiveRealtimeInput{Audio: &genai.Blob{Data: pcm, MIMEType: audioMIMEType}})
}

func (s *geminiSession) EndAudio(ctx context.Context) error {
	return s.realtime(ctx, genai.LiveRealtimeInput{AudioStreamEnd: true})
}

func (s *geminiSession) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(PriorityPrefix+text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

func (s *geminiSession) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			msg, err := s.conn.Receive()
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(nil, fmt.Errorf("gemini receive: %w", err))
				return
			}
			for _, ev := range eventsFromMessage(msg) {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// eventsFromMessage flattens one server message in the order audio, text,
// interrupted, turn complete.
func eventsFromMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	var out []Event
	if sc.ModelTurn != nil {
		var audio []byte
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			audio = append(audio, part.InlineData.Data...)
		}
		if len(audio) > 0 {
			out = append(out, AudioEvent{Data: audio})
		}
	}
	if sc.OutputTranscription != nil && strings.TrimSpace(sc.OutputTranscription.Text) != "" {
		out = append(out, TextEvent{Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		out = append(out, InterruptedEvent{})
	}
	if sc.TurnComplete {
		out = append(out, TurnCompleteEvent{})
	}
	return out
}
