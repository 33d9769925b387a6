package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/demardefrozen10/SENSE/pkg/gateway/apierror"
	"github.com/demardefrozen10/SENSE/pkg/gateway/config"
	"github.com/demardefrozen10/SENSE/pkg/gateway/hub"
	"github.com/demardefrozen10/SENSE/pkg/gateway/lifecycle"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/bridge"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/peer"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/protocol"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/relay"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/sessions"
	"github.com/demardefrozen10/SENSE/pkg/gateway/mw"
)

// LiveHandler serves /ws/live. The role query parameter picks between the
// single hardware source and any number of viewers.
type LiveHandler struct {
	Config       config.Config
	Hub          *hub.Hub
	Relay        *relay.Relay
	Logger       *slog.Logger
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeOverloaded, Message: "hub is draining", Code: "draining"}, 529)
		return
	}
	role, ok := protocol.ParseRole(r.URL.Query().Get("role"))
	if !ok {
		apierror.Write(w, reqID, apierror.InvalidRequest("role must be source or viewer", "role"), http.StatusBadRequest)
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	id := role[:1] + "_" + uuid.NewString()
	p := peer.New(id, role, conn, peer.Config{
		PingInterval: h.Config.WSPingInterval,
		ReadTimeout:  h.Config.WSReadTimeout,
		WriteTimeout: h.Config.WSWriteTimeout,
	})
	defer p.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	unregister := h.LiveSessions.Register(id, sessions.Handle{
		Role:   role,
		Cancel: cancel,
		Warn: func(message string) error {
			return p.SendJSON(protocol.NewWarning(message))
		},
	})
	defer unregister()

	go func() {
		if err := p.KeepAlive(ctx); err != nil && !errors.Is(err, peer.ErrClosed) && ctx.Err() == nil {
			h.logger().Debug("keepalive failed", "conn_id", id, "error", err)
			cancel()
		}
	}()

	log := h.logger().With("conn_id", id, "role", role, "request_id", reqID)
	log.Info("live connection opened")
	switch role {
	case protocol.RoleSource:
		h.serveSource(ctx, cancel, p, log)
	default:
		h.serveViewer(p, log)
	}
	log.Info("live connection closed")
}

func (h LiveHandler) serveSource(ctx context.Context, cancel context.CancelFunc, p *peer.Peer, log *slog.Logger) {
	if c, ok := h.Relay.Dialer.(interface{ Configured() bool }); ok && !c.Configured() {
		_ = p.SendJSON(protocol.NewError(bridge.NotConfiguredMessage))
		_ = p.CloseWith(websocket.CloseInternalServerErr, "not configured")
		return
	}

	claim, err := h.Hub.ClaimSource(p, cancel)
	if err != nil {
		log.Warn("source rejected", "error", err)
		_ = p.SendJSON(protocol.NewError(hub.MessageSourceActive))
		_ = p.CloseWith(websocket.ClosePolicyViolation, hub.MessageSourceActive)
		return
	}
	defer claim.Release()

	// Serve reports failures to the source itself before closing it.
	if err := h.Relay.Serve(ctx, p, claim); err != nil {
		log.Warn("relay ended with error", "error", err)
	}
}

func (h LiveHandler) serveViewer(p *peer.Peer, log *slog.Logger) {
	remove := h.Hub.AddViewer(p)
	defer remove()

	for {
		data, err := p.Read()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeViewer(data)
		if err != nil {
			if protocol.IsUnsupported(err) {
				log.Warn("dropping unknown viewer message", "error", err)
			} else {
				log.Debug("dropping malformed viewer message", "error", err)
			}
			continue
		}
		if s, ok := msg.(protocol.Settings); ok {
			if err := h.Hub.SetVoiceProvider(s.VoiceProvider); err != nil {
				log.Warn("voice provider not changed", "requested", s.VoiceProvider, "error", err)
				_ = p.SendJSON(protocol.ServerSettingsAck{
					Type:          protocol.TypeSettingsAck,
					VoiceProvider: h.Hub.VoiceProvider(),
				})
			}
			continue
		}
		cmd, ok := hub.ControlFromMessage(msg)
		if !ok {
			continue
		}
		if err := h.Hub.SubmitControl(p, cmd); err != nil {
			log.Debug("control command not queued", "error", err)
		}
	}
}

// originAllowed admits clients without an Origin header (hardware) and
// browsers on the CORS allowlist.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin)
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
