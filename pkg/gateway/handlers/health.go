package handlers

import (
	"net/http"
	"time"

	"github.com/demardefrozen10/SENSE/pkg/gateway/config"
	"github.com/demardefrozen10/SENSE/pkg/gateway/hub"
	"github.com/demardefrozen10/SENSE/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		GeminiEnabled bool     `json:"gemini_enabled"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	if h.Config.WSReadTimeout <= h.Config.WSPingInterval {
		issues = append(issues, "ws read timeout must exceed ping interval")
	}
	if h.Config.InferenceInterval < config.MinInferenceInterval {
		issues = append(issues, "inference interval below minimum")
	}
	if h.Config.ControlQueueSize <= 0 {
		issues = append(issues, "control queue size must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:            ok,
		Draining:      draining,
		GeminiEnabled: h.Config.GeminiConfigured(),
		Issues:        issues,
	})
}

// HapticState is the part of the haptic dispatcher shown on /health.
type HapticState interface {
	Connected() bool
	LastIntensity() int
}

// StatusHandler serves /health: a snapshot for dashboards.
type StatusHandler struct {
	Config    config.Config
	Hub       *hub.Hub
	Haptic    HapticState
	Lifecycle *lifecycle.Lifecycle
	Now       func() time.Time
}

type statusResp struct {
	Status          string  `json:"status"`
	SourceConnected bool    `json:"source_connected"`
	SessionActive   bool    `json:"session_active"`
	Viewers         int     `json:"viewers"`
	VoiceProvider   string  `json:"voice_provider"`
	SerialConnected bool    `json:"serial_connected"`
	LastIntensity   int     `json:"last_intensity"`
	GeminiEnabled   bool    `json:"gemini_enabled"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	resp := statusResp{
		Status:        "ok",
		GeminiEnabled: h.Config.GeminiConfigured(),
	}
	if h.Hub != nil {
		st := h.Hub.State()
		resp.SourceConnected = st.SourceConnected
		resp.SessionActive = st.SessionActive
		resp.Viewers = st.Viewers
		resp.VoiceProvider = h.Hub.VoiceProvider()
	}
	if h.Haptic != nil {
		resp.SerialConnected = h.Haptic.Connected()
		resp.LastIntensity = h.Haptic.LastIntensity()
	}
	if h.Lifecycle != nil {
		if h.Lifecycle.IsDraining() {
			resp.Status = "draining"
		}
		resp.UptimeSeconds = h.Lifecycle.Uptime(now()).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}
