package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

type claimState struct {
	conn     Conn
	cancel   func()
	lastSeen time.Time
	active   bool
}

// Claim is the exclusive right to act as the source. It is held from a
// successful ClaimSource until Release or until a newer source takes over a
// stale claim.
type Claim struct {
	hub   *Hub
	state *claimState
	once  sync.Once
}

// ClaimSource makes conn the source. If a source is already claimed and it was
// heard from within the stale threshold the call fails with ErrSourceActive
// and the existing session is left alone. A stale claim is evicted: its cancel
// func runs, its connection is closed and viewers see a disconnect followed by
// a connect notice.
//
// cancel is invoked if this claim is later taken over; it may be nil.
func (h *Hub) ClaimSource(conn Conn, cancel func()) (*Claim, error) {
	now := h.now()
	next := &claimState{conn: conn, cancel: cancel, lastSeen: now}

	h.srcMu.Lock()
	prev := h.src
	if prev != nil {
		age := now.Sub(prev.lastSeen)
		if age <= h.staleThreshold {
			h.srcMu.Unlock()
			return nil, ErrSourceActive
		}
		h.logger.Warn("stale source takeover",
			"previous_source", prev.conn.ID(),
			"new_source", conn.ID(),
			"age_ms", age.Milliseconds(),
		)
	}
	h.src = next
	h.srcMu.Unlock()

	if prev != nil {
		if prev.cancel != nil {
			prev.cancel()
		}
		_ = prev.conn.Close()
		h.Broadcast(protocol.NewEvent(protocol.TypeSourceDisconnected))
	}
	h.Broadcast(protocol.NewEvent(protocol.TypeSourceConnected))
	return &Claim{hub: h, state: next}, nil
}

// Touch records source activity.
func (c *Claim) Touch() {
	if c == nil {
		return
	}
	h := c.hub
	h.srcMu.Lock()
	if h.src == c.state {
		h.src.lastSeen = h.now()
	}
	h.srcMu.Unlock()
}

// MarkActive records that the AI session for this claim is open.
func (c *Claim) MarkActive() {
	if c == nil {
		return
	}
	h := c.hub
	h.srcMu.Lock()
	if h.src == c.state {
		h.src.active = true
	}
	h.srcMu.Unlock()
}

// Held reports whether this claim is still the current source.
func (c *Claim) Held() bool {
	if c == nil {
		return false
	}
	c.hub.srcMu.Lock()
	defer c.hub.srcMu.Unlock()
	return c.hub.src == c.state
}

// Release gives the claim up. It is safe to call more than once and does
// nothing to a newer source that took over this one.
func (c *Claim) Release() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		h := c.hub
		h.srcMu.Lock()
		owned := h.src == c.state
		if owned {
			h.src = nil
		}
		h.srcMu.Unlock()
		if !owned {
			return
		}
		if dropped := h.drainControl(); dropped > 0 {
			h.logger.Debug("dropped pending control commands", "count", dropped)
		}
		h.Broadcast(protocol.NewEvent(protocol.TypeSourceDisconnected))
	})
}

// SendToSource writes v to the current source, if any.
func (h *Hub) SendToSource(v any) error {
	h.srcMu.Lock()
	var conn Conn
	if h.src != nil {
		conn = h.src.conn
	}
	h.srcMu.Unlock()
	if conn == nil {
		return ErrNoSource
	}
	payload, err := marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Send(payload); err != nil {
		h.logger.Debug("send to source failed", "source", conn.ID(), slog.Any("error", err))
		return err
	}
	return nil
}

func (h *Hub) sourceConnected() bool {
	h.srcMu.Lock()
	defer h.srcMu.Unlock()
	return h.src != nil
}
