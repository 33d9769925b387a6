package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWS struct {
	mu       sync.Mutex
	writes   []recordedWrite
	deadline time.Time
	pong     func(string) error
	reads    chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{reads: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWS) WriteControl(messageType int, data []byte, _ time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeWS) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) SetPongHandler(h func(string) error) { f.pong = h }

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.reads:
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeWS) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestSendSerializesConcurrentWriters(t *testing.T) {
	ws := newFakeWS()
	p := New("p1", "viewer", ws, Config{PingInterval: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.SendJSON(map[string]string{"type": "turn_complete"}); err != nil {
				t.Errorf("SendJSON: %v", err)
			}
		}()
	}
	wg.Wait()

	writes := ws.snapshot()
	if len(writes) != 20 {
		t.Fatalf("writes=%d, want 20", len(writes))
	}
	for _, w := range writes {
		if w.messageType != websocket.TextMessage || w.data != `{"type":"turn_complete"}` {
			t.Fatalf("write=%+v", w)
		}
	}
}

func TestKeepAlivePingsUntilCanceled(t *testing.T) {
	ws := newFakeWS()
	p := New("p1", "source", ws, Config{PingInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if err := p.KeepAlive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}

	pings := 0
	for _, w := range ws.snapshot() {
		if w.messageType == websocket.PingMessage {
			pings++
		}
	}
	if pings == 0 {
		t.Fatalf("no pings written")
	}
}

func TestPongExtendsReadDeadline(t *testing.T) {
	ws := newFakeWS()
	_ = New("p1", "source", ws, Config{ReadTimeout: time.Minute})

	ws.mu.Lock()
	first := ws.deadline
	ws.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	if err := ws.pong("ping"); err != nil {
		t.Fatalf("pong: %v", err)
	}
	ws.mu.Lock()
	second := ws.deadline
	ws.mu.Unlock()
	if !second.After(first) {
		t.Fatalf("deadline not extended: %v -> %v", first, second)
	}
}

func TestCloseUnblocksReadAndRejectsSends(t *testing.T) {
	ws := newFakeWS()
	p := New("p1", "source", ws, Config{})
	ws.reads <- []byte(`{"type":"text","text":"hi"}`)

	data, err := p.Read()
	if err != nil || string(data) != `{"type":"text","text":"hi"}` {
		t.Fatalf("Read=%q,%v", data, err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Read()
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond)
	if err := p.CloseWith(websocket.ClosePolicyViolation, "bye"); err != nil {
		t.Fatalf("CloseWith: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("Read returned nil after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("Read still blocked after close")
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("Done not closed")
	}

	if err := p.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close err=%v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 1 || writes[0].messageType != websocket.CloseMessage {
		t.Fatalf("writes=%+v", writes)
	}
	_ = p.Close()
}
