// Package source is the hardware-side client: it streams camera frames (and
// optionally the microphone) to the hub as the single source connection and
// plays the spoken replies.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBackendPort = 8010
	DefaultWSPath      = "/ws/live"

	// MinRejectedBackoff is the wait after the hub refused this client
	// because another source holds the claim.
	MinRejectedBackoff = 5 * time.Second
)

type Config struct {
	// WSURL is the resolved hub endpoint, always carrying role=source.
	WSURL     string
	CameraURL string

	FrameFPS       float64
	JPEGQuality    int
	FrameWidth     int
	FrameHeight    int
	ReconnectDelay time.Duration

	MicEnabled     bool
	SpeakerEnabled bool

	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	LogLevel string
	LogFile  string
}

func LoadConfigFromEnv() (Config, error) {
	raw := ResolveURL(
		os.Getenv("BACKEND_WS_URL"),
		os.Getenv("BACKEND_HOST"),
		envIntOr("BACKEND_PORT", DefaultBackendPort),
		envOr("BACKEND_WS_PATH", DefaultWSPath),
		os.Getenv("PC_LAN_IP"),
	)
	wsURL, err := EnsureSourceRole(raw)
	if err != nil {
		return Config{}, fmt.Errorf("BACKEND_WS_URL: %w", err)
	}

	cfg := Config{
		WSURL:          wsURL,
		CameraURL:      strings.TrimSpace(os.Getenv("CAMERA_URL")),
		FrameFPS:       envFloatOr("FRAME_FPS", 12),
		JPEGQuality:    envIntOr("JPEG_QUALITY", 60),
		FrameWidth:     envIntOr("FRAME_WIDTH", 640),
		FrameHeight:    envIntOr("FRAME_HEIGHT", 360),
		ReconnectDelay: envDurationOr("RECONNECT_DELAY", 3*time.Second),
		MicEnabled:     envBoolOr("MIC_ENABLED", false),
		SpeakerEnabled: envBoolOr("SPEAKER_ENABLED", false),
		PingInterval:   20 * time.Second,
		ReadTimeout:    45 * time.Second,
		WriteTimeout:   5 * time.Second,
		LogLevel:       envOr("SENSE_LOG_LEVEL", "info"),
		LogFile:        os.Getenv("SENSE_LOG_FILE"),
	}

	var problems []string
	if cfg.CameraURL == "" {
		problems = append(problems, "CAMERA_URL is required")
	}
	if cfg.FrameFPS <= 0 {
		problems = append(problems, "FRAME_FPS must be > 0")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		problems = append(problems, "JPEG_QUALITY must be within 1-100")
	}
	if cfg.FrameWidth < 0 || cfg.FrameHeight < 0 {
		problems = append(problems, "FRAME_WIDTH and FRAME_HEIGHT must be >= 0")
	}
	if cfg.ReconnectDelay <= 0 {
		problems = append(problems, "RECONNECT_DELAY must be > 0")
	}
	if len(problems) > 0 {
		return Config{}, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

// ResolveURL picks the hub endpoint. An explicit URL wins; loopback hosts in
// it are swapped for lanIP so a device on the LAN can reuse a desktop .env.
func ResolveURL(wsURL, host string, port int, path, lanIP string) string {
	wsURL = strings.TrimSpace(wsURL)
	lanIP = strings.TrimSpace(lanIP)
	if wsURL != "" {
		if lanIP != "" {
			wsURL = strings.ReplaceAll(wsURL, "localhost", lanIP)
			wsURL = strings.ReplaceAll(wsURL, "127.0.0.1", lanIP)
		}
		return wsURL
	}

	host = strings.TrimSpace(host)
	if host == "" {
		host = lanIP
	}
	if host == "" {
		host = "127.0.0.1"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultWSPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("ws://%s:%d%s", host, port, path)
}

// EnsureSourceRole adds role=source unless the URL already names a role.
func EnsureSourceRole(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	if !q.Has("role") {
		q.Set("role", "source")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOr(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// envDurationOr accepts Go durations ("3s") or bare seconds ("3").
func envDurationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
