package hub

import (
	"log/slog"

	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
)

// AddViewer sends conn the current source state and voice provider, then adds
// it to the broadcast set. The returned func removes it again.
func (h *Hub) AddViewer(conn Conn) (remove func()) {
	st := h.State()
	_ = h.sendTo(conn, protocol.ServerViewerConnected{
		Type:            protocol.TypeViewerConnected,
		SourceConnected: st.SourceConnected,
		SessionActive:   st.SessionActive,
	})
	_ = h.sendTo(conn, protocol.ServerSettingsAck{
		Type:          protocol.TypeSettingsAck,
		VoiceProvider: h.VoiceProvider(),
	})

	h.viewersMu.Lock()
	h.viewers[conn.ID()] = conn
	h.viewersMu.Unlock()

	return func() { h.RemoveViewer(conn.ID()) }
}

func (h *Hub) RemoveViewer(id string) {
	h.viewersMu.Lock()
	delete(h.viewers, id)
	h.viewersMu.Unlock()
}

func (h *Hub) ViewerCount() int {
	h.viewersMu.Lock()
	defer h.viewersMu.Unlock()
	return len(h.viewers)
}

// ViewerIDs returns the ids currently in the broadcast set.
func (h *Hub) ViewerIDs() []string {
	h.viewersMu.Lock()
	defer h.viewersMu.Unlock()
	ids := make([]string, 0, len(h.viewers))
	for id := range h.viewers {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast marshals v once and writes it to every viewer. Sends happen
// outside the lock; viewers whose send failed are removed afterwards.
// It returns the number of successful sends.
func (h *Hub) Broadcast(v any) int {
	payload, err := marshal(v)
	if err != nil {
		h.logger.Error("broadcast marshal failed", slog.Any("error", err))
		return 0
	}

	h.viewersMu.Lock()
	if len(h.viewers) == 0 {
		h.viewersMu.Unlock()
		return 0
	}
	snapshot := make([]Conn, 0, len(h.viewers))
	for _, c := range h.viewers {
		snapshot = append(snapshot, c)
	}
	h.viewersMu.Unlock()

	var stale []Conn
	sent := 0
	for _, c := range snapshot {
		if err := c.Send(payload); err != nil {
			stale = append(stale, c)
			continue
		}
		sent++
	}

	if len(stale) > 0 {
		h.viewersMu.Lock()
		for _, c := range stale {
			if h.viewers[c.ID()] == c {
				delete(h.viewers, c.ID())
			}
		}
		h.viewersMu.Unlock()
		for _, c := range stale {
			h.logger.Debug("dropping stale viewer", "viewer_id", c.ID())
			_ = c.Close()
		}
	}
	return sent
}

func (h *Hub) sendTo(conn Conn, v any) error {
	payload, err := marshal(v)
	if err != nil {
		return err
	}
	return conn.Send(payload)
}
