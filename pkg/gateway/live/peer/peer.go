// Package peer wraps one websocket connection so that several goroutines can
// write to it safely and so that a silent client is detected.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("peer closed")

type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 45 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Peer serializes writes to a websocket and owns its keepalive.
type Peer struct {
	id   string
	role string
	ws   wsConn
	cfg  Config

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

func New(id, role string, ws wsConn, cfg Config) *Peer {
	p := &Peer{
		id:   id,
		role: role,
		ws:   ws,
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	})
	return p
}

func (p *Peer) ID() string   { return p.id }
func (p *Peer) Role() string { return p.role }

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Send writes one text frame.
func (p *Peer) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return err
	}
	return p.ws.WriteMessage(websocket.TextMessage, payload)
}

func (p *Peer) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Send(payload)
}

// Read returns the next text or binary payload. Any inbound frame extends the
// read deadline.
func (p *Peer) Read() ([]byte, error) {
	for {
		typ, data, err := p.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = p.ws.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// KeepAlive pings the client every PingInterval until ctx is done, the peer
// is closed or a ping fails.
func (p *Peer) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		case <-ticker.C:
			if err := p.ping(); err != nil {
				return err
			}
		}
	}
}

func (p *Peer) ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(p.cfg.WriteTimeout))
}

// CloseWith sends a close frame with code and reason before closing.
func (p *Peer) CloseWith(code int, reason string) error {
	p.mu.Lock()
	if !p.closed {
		_ = p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	}
	p.mu.Unlock()
	return p.Close()
}

// Close closes the underlying connection, unblocking any pending Read.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
		err = p.ws.Close()
	})
	return err
}
