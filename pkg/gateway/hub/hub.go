// Package hub owns the process-wide relay state: the single source claim, the
// viewer set, the control command queue and the active voice provider. One Hub
// is built at startup and handed to the HTTP handlers.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

var (
	ErrSourceActive         = errors.New("hub: source already active")
	ErrNoSource             = errors.New("hub: no active source")
	ErrControlQueueFull     = errors.New("hub: control queue full")
	ErrUnknownVoiceProvider = errors.New("hub: unknown voice provider")
)

// Client-facing messages for the errors above.
const (
	MessageSourceActive     = "A source is already active"
	MessageNoSource         = "No active source connected"
	MessageControlQueueFull = "Control queue is full, command dropped"
)

const (
	DefaultStaleThreshold   = 12 * time.Second
	DefaultControlQueueSize = 32
)

// Conn is the write side of a connected client.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

type Config struct {
	StaleThreshold   time.Duration
	ControlQueueSize int
	Logger           *slog.Logger
	Now              func() time.Time
}

type Hub struct {
	logger         *slog.Logger
	staleThreshold time.Duration
	now            func() time.Time

	srcMu sync.Mutex
	src   *claimState

	viewersMu sync.Mutex
	viewers   map[string]Conn

	control chan ControlCommand

	voiceMu sync.RWMutex
	voice   string
}

func New(cfg Config) *Hub {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.ControlQueueSize <= 0 {
		cfg.ControlQueueSize = DefaultControlQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		logger:         cfg.Logger,
		staleThreshold: cfg.StaleThreshold,
		now:            cfg.Now,
		viewers:        make(map[string]Conn),
		control:        make(chan ControlCommand, cfg.ControlQueueSize),
		voice:          protocol.VoiceProviderPrimary,
	}
}

// State is a point-in-time view of the source session.
type State struct {
	SourceConnected bool      `json:"source_connected"`
	SessionActive   bool      `json:"session_active"`
	LastSeen        time.Time `json:"last_seen,omitzero"`
	Viewers         int       `json:"viewers"`
}

func (h *Hub) State() State {
	h.srcMu.Lock()
	st := State{}
	if h.src != nil {
		st.SourceConnected = true
		st.SessionActive = h.src.active
		st.LastSeen = h.src.lastSeen
	}
	h.srcMu.Unlock()
	st.Viewers = h.ViewerCount()
	return st
}

func (h *Hub) VoiceProvider() string {
	h.voiceMu.RLock()
	defer h.voiceMu.RUnlock()
	return h.voice
}

// SetVoiceProvider switches the provider and announces it to every viewer and
// the source.
func (h *Hub) SetVoiceProvider(provider string) error {
	p, ok := protocol.NormalizeVoiceProvider(provider)
	if !ok {
		return ErrUnknownVoiceProvider
	}
	h.voiceMu.Lock()
	h.voice = p
	h.voiceMu.Unlock()

	ack := protocol.ServerSettingsAck{Type: protocol.TypeSettingsAck, VoiceProvider: p}
	h.Broadcast(ack)
	_ = h.SendToSource(ack)
	return nil
}

func marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return json.Marshal(v)
}
