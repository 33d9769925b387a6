package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/demardefrozen10/SENSE/pkg/capture"
	"github.com/demardefrozen10/SENSE/pkg/detection"
	"github.com/demardefrozen10/SENSE/pkg/dispatch/tts"
	"github.com/demardefrozen10/SENSE/pkg/gateway/config"
	"github.com/demardefrozen10/SENSE/pkg/gateway/handlers"
	"github.com/demardefrozen10/SENSE/pkg/gateway/hub"
	"github.com/demardefrozen10/SENSE/pkg/gateway/lifecycle"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/bridge"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/relay"
	"github.com/demardefrozen10/SENSE/pkg/gateway/live/sessions"
	"github.com/demardefrozen10/SENSE/pkg/gateway/mw"
	"github.com/demardefrozen10/SENSE/pkg/gateway/ratelimit"
)

// DrainingMessage is sent to every open websocket when shutdown begins.
const DrainingMessage = "Server is shutting down"

// Deps are the long-lived components the HTTP surface exposes. Any of them
// may be nil; the matching endpoint then reports an empty or disabled state.
type Deps struct {
	Hub     *hub.Hub
	Dialer  bridge.Dialer
	Synth   bridge.Synthesizer
	Frames  *capture.FrameBuffer
	Haptic  handlers.HapticState
	History handlers.HistoryReader

	LatestDetection func() detection.Record
	LatestAudio     func() (tts.Audio, bool)
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	hub       *hub.Hub
	relay     *relay.Relay
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := deps.Hub
	if h == nil {
		h = hub.New(hub.Config{
			StaleThreshold:   cfg.StaleThreshold,
			ControlQueueSize: cfg.ControlQueueSize,
			Logger:           logger,
		})
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = bridge.NewGeminiDialer(bridge.GeminiConfig{
			APIKey:            cfg.GeminiAPIKey,
			Model:             cfg.GeminiModel,
			Voice:             cfg.GeminiVoice,
			APIVersion:        cfg.GeminiAPIVersion,
			SystemInstruction: cfg.SystemInstruction,
		})
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		hub:    h,
		relay: &relay.Relay{
			Hub:    h,
			Dialer: dialer,
			Synth:  deps.Synth,
			Frames: deps.Frames,
			Logger: logger,
			Config: relay.Config{
				FrameErrorPolicy: string(cfg.FrameErrorPolicy),
				PreviewInterval:  cfg.PreviewInterval,
			},
		},
		limiter: ratelimit.New(ratelimit.Config{
			RPS:           cfg.WSConnectRPS,
			Burst:         cfg.WSConnectBurst,
			MaxConcurrent: cfg.WSMaxConnsPerClient,
		}),
		lifecycle: lifecycle.New(time.Now()),
		tracker:   sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/health", handlers.StatusHandler{
		Config:    s.cfg,
		Hub:       s.hub,
		Haptic:    s.deps.Haptic,
		Lifecycle: s.lifecycle,
	})

	live := mw.ConnLimit(s.limiter, handlers.LiveHandler{
		Config:       s.cfg,
		Hub:          s.hub,
		Relay:        s.relay,
		Logger:       s.logger,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.tracker,
	})
	s.mux.Handle("/ws/live", live)
	s.mux.Handle("/ws", live)

	s.mux.Handle("/detections", handlers.DetectionsHandler{Latest: s.deps.LatestDetection})
	s.mux.Handle("/detections/history", handlers.HistoryHandler{Store: s.deps.History})
	s.mux.Handle("/audio/latest", handlers.AudioHandler{Latest: s.deps.LatestAudio})
	s.mux.Handle("/video_feed", handlers.VideoFeedHandler{Frames: s.deps.Frames})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Hub() *hub.Hub { return s.hub }

// SetDraining fails readiness and refuses new websocket connections.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.tracker.WarnAll(DrainingMessage)
}

// WaitLiveSessions blocks until every websocket has closed or ctx ends. It
// reports whether all of them closed.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.tracker.CancelAll()
}
