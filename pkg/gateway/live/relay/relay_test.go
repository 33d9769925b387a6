package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/demardefrozen10/SENSE/pkg/gateway/hub"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/bridge"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

type fakeSession struct {
	mu     sync.Mutex
	video  [][]byte
	audio  [][]byte
	texts  []string
	ends   int
	events chan bridge.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan bridge.Event, 8), closed: make(chan struct{})}
}

func (s *fakeSession) SendVideo(_ context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = append(s.video, b)
	return nil
}

func (s *fakeSession) SendAudio(_ context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, b)
	return nil
}

func (s *fakeSession) EndAudio(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
	return nil
}

func (s *fakeSession) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSession) Events(ctx context.Context) iter.Seq2[bridge.Event, error] {
	return func(yield func(bridge.Event, error) bool) {
		for {
			select {
			case ev, ok := <-s.events:
				if !ok {
					return
				}
				if !yield(ev, nil) {
					return
				}
			case <-s.closed:
				yield(nil, errors.New("session closed"))
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) snapshot() (video, audio int, texts []string, ends int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.video), len(s.audio), append([]string(nil), s.texts...), s.ends
}

type fakeDialer struct {
	sess *fakeSession
	err  error
}

func (d fakeDialer) Dial(context.Context) (bridge.Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

type fakeSource struct {
	id     string
	reads  chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []string
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Read() ([]byte, error) {
	select {
	case b, ok := <-s.reads:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-s.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSource) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, string(payload))
	return nil
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return typesOf(s.sent)
}

type fakeViewer struct {
	id   string
	mu   sync.Mutex
	sent []string
}

func (v *fakeViewer) ID() string { return v.id }
func (v *fakeViewer) Send(p []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sent = append(v.sent, string(p))
	return nil
}
func (v *fakeViewer) Close() error { return nil }

func (v *fakeViewer) types() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return typesOf(v.sent)
}

type frameSink struct {
	mu   sync.Mutex
	last []byte
}

func (f *frameSink) Put(b []byte) {
	f.mu.Lock()
	f.last = b
	f.mu.Unlock()
}

func typesOf(msgs []string) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(m), &env)
		out = append(out, env.Type)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRelay(h *hub.Hub, sess *fakeSession, sink FrameSink, policy string) *Relay {
	return &Relay{
		Hub:    h,
		Dialer: fakeDialer{sess: sess},
		Frames: sink,
		Logger: testLogger(),
		Config: Config{FrameErrorPolicy: policy},
	}
}

func serveAsync(t *testing.T, r *Relay, src *fakeSource) (*hub.Claim, <-chan error) {
	t.Helper()
	claim, err := r.Hub.ClaimSource(src, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), src, claim) }()
	return claim, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not finish")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSourceInputReachesSession(t *testing.T) {
	h := hub.New(hub.Config{Logger: testLogger()})
	viewer := &fakeViewer{id: "viewer"}
	h.AddViewer(viewer)
	sess := newFakeSession()
	sink := &frameSink{}
	r := newTestRelay(h, sess, sink, FrameErrorSkip)
	src := newFakeSource("src")

	claim, done := serveAsync(t, r, src)

	src.reads <- []byte(`{"type":"video","data":"/9j/AA=="}`)
	src.reads <- []byte(`{"type":"audio","data":"AQI="}`)
	src.reads <- []byte(`{"type":"text","text":"what is that?"}`)
	src.reads <- []byte(`{"type":"end_audio_stream"}`)
	src.reads <- []byte(`{"type":"teleport"}`)
	src.reads <- []byte(`garbage`)

	waitFor(t, func() bool {
		v, a, texts, ends := sess.snapshot()
		return v == 1 && a == 1 && len(texts) == 1 && ends == 1
	})
	if st := h.State(); !st.SessionActive {
		t.Fatalf("session not marked active: %+v", st)
	}
	close(src.reads)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	claim.Release()

	if _, _, texts, _ := sess.snapshot(); texts[0] != "what is that?" {
		t.Fatalf("texts=%v", texts)
	}
	sink.mu.Lock()
	if len(sink.last) != 4 {
		t.Fatalf("frame sink=%v", sink.last)
	}
	sink.mu.Unlock()

	if got := src.types(); len(got) == 0 || got[0] != protocol.TypeSessionStarted {
		t.Fatalf("source events=%v", got)
	}
	vt := viewer.types()
	for _, want := range []string{protocol.TypeSessionStarted, protocol.TypeVideoPreview, protocol.TypeSourceDisconnected} {
		if !contains(vt, want) {
			t.Fatalf("viewer events=%v missing %s", vt, want)
		}
	}
}

func TestModelEventsFanOut(t *testing.T) {
	h := hub.New(hub.Config{Logger: testLogger()})
	viewer := &fakeViewer{id: "viewer"}
	h.AddViewer(viewer)
	sess := newFakeSession()
	r := newTestRelay(h, sess, nil, FrameErrorSkip)
	src := newFakeSource("src")

	_, done := serveAsync(t, r, src)

	sess.events <- bridge.AudioEvent{Data: []byte{1, 2}}
	sess.events <- bridge.TextEvent{Text: "Chair ahead"}
	sess.events <- bridge.TurnCompleteEvent{}
	close(sess.events)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := []string{protocol.TypeSessionStarted, protocol.TypeAudio, protocol.TypeText, protocol.TypeTurnComplete}
	got := src.types()
	if len(got) != len(want) {
		t.Fatalf("source events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("source events=%v, want %v", got, want)
		}
	}
	for _, w := range want {
		if !contains(viewer.types(), w) {
			t.Fatalf("viewer events=%v missing %s", viewer.types(), w)
		}
	}

	// The AI side ending tears down the source connection too.
	if _, err := src.Read(); err == nil {
		t.Fatalf("source still open")
	}
}

func TestControlCommandsReachSession(t *testing.T) {
	h := hub.New(hub.Config{Logger: testLogger()})
	sess := newFakeSession()
	r := newTestRelay(h, sess, nil, FrameErrorSkip)
	src := newFakeSource("src")

	_, done := serveAsync(t, r, src)

	viewer := &fakeViewer{id: "viewer"}
	if err := h.SubmitControl(viewer, hub.TextCommand{Text: "hello"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.SubmitControl(viewer, hub.AudioCommand{Data: []byte{9}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool {
		_, a, texts, _ := sess.snapshot()
		return a == 1 && len(texts) == 1 && texts[0] == "hello"
	})

	_ = src.Close()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestBadFramePolicy(t *testing.T) {
	t.Run("skip", func(t *testing.T) {
		h := hub.New(hub.Config{Logger: testLogger()})
		sess := newFakeSession()
		r := newTestRelay(h, sess, nil, FrameErrorSkip)
		src := newFakeSource("src")
		_, done := serveAsync(t, r, src)

		src.reads <- []byte(`{"type":"video","data":"%%%"}`)
		src.reads <- []byte(`{"type":"video","data":"/9j/AA=="}`)
		waitFor(t, func() bool {
			v, _, _, _ := sess.snapshot()
			return v == 1
		})
		close(src.reads)
		if err := waitDone(t, done); err != nil {
			t.Fatalf("Serve: %v", err)
		}
	})

	t.Run("abort", func(t *testing.T) {
		h := hub.New(hub.Config{Logger: testLogger()})
		sess := newFakeSession()
		r := newTestRelay(h, sess, nil, FrameErrorAbort)
		src := newFakeSource("src")
		_, done := serveAsync(t, r, src)

		src.reads <- []byte(`{"type":"video","data":"%%%"}`)
		if err := waitDone(t, done); !errors.Is(err, ErrBadFrame) {
			t.Fatalf("err=%v, want ErrBadFrame", err)
		}
	})
}

func TestDialFailure(t *testing.T) {
	h := hub.New(hub.Config{Logger: testLogger()})
	r := &Relay{Hub: h, Dialer: fakeDialer{err: bridge.ErrNotConfigured}, Logger: testLogger()}
	src := newFakeSource("src")
	claim, err := h.ClaimSource(src, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer claim.Release()

	if err := r.Serve(context.Background(), src, claim); !errors.Is(err, bridge.ErrNotConfigured) {
		t.Fatalf("err=%v", err)
	}
	if h.State().SessionActive {
		t.Fatalf("session marked active after dial failure")
	}
	if got := src.types(); len(got) != 1 || got[0] != protocol.TypeError {
		t.Fatalf("source events=%v, want one error", got)
	}
	if !strings.Contains(src.sent[0], bridge.NotConfiguredMessage) {
		t.Fatalf("error message=%s", src.sent[0])
	}
}

func TestSessionFailureReportedBeforeSourceCloses(t *testing.T) {
	h := hub.New(hub.Config{Logger: testLogger()})
	sess := newFakeSession()
	r := newTestRelay(h, sess, nil, FrameErrorSkip)
	src := newFakeSource("src")
	_, done := serveAsync(t, r, src)

	waitFor(t, func() bool { return len(src.types()) == 1 })
	_ = sess.Close()

	if err := waitDone(t, done); err == nil {
		t.Fatalf("Serve returned nil after AI failure")
	}
	got := src.types()
	if len(got) != 2 || got[1] != protocol.TypeError {
		t.Fatalf("source events=%v, want session_started then error", got)
	}
	if !strings.Contains(src.sent[1], MessageSessionFailed) {
		t.Fatalf("error message=%s", src.sent[1])
	}
}

func TestOutsideCancelSendsNoError(t *testing.T) {
	h := hub.New(hub.Config{Logger: testLogger()})
	sess := newFakeSession()
	r := newTestRelay(h, sess, nil, FrameErrorSkip)
	src := newFakeSource("src")
	claim, err := h.ClaimSource(src, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, src, claim) }()

	waitFor(t, func() bool { return len(src.types()) == 1 })
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if got := src.types(); contains(got, protocol.TypeError) {
		t.Fatalf("source events=%v, want no error on cancel", got)
	}
}
