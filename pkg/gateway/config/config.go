package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type FrameErrorPolicy string

const (
	FrameErrorSkip  FrameErrorPolicy = "skip"
	FrameErrorAbort FrameErrorPolicy = "abort"
)

type MQTTEncoding string

const (
	MQTTEncodingJSON    MQTTEncoding = "json"
	MQTTEncodingMsgpack MQTTEncoding = "msgpack"
)

// MinInferenceInterval bounds how often the scene loop may run.
const MinInferenceInterval = 200 * time.Millisecond

type Config struct {
	Addr string

	// Gemini Live session.
	GeminiAPIKey      string
	GeminiModel       string
	GeminiVoice       string
	GeminiAPIVersion  string
	SystemInstruction string

	// One-shot scene grounding used by the scene loop when no live session runs.
	GroundingModel          string
	GroundingEnabled        bool
	AllowSimulatedInference bool

	// ElevenLabs speech.
	ElevenLabsAPIKey       string
	ElevenLabsVoiceID      string
	ElevenLabsModel        string
	ElevenLabsOutputFormat string
	ElevenLabsBaseURL      string
	TTSCacheSize           int

	// Haptic serial device.
	SerialPort    string
	SerialBaud    int
	HapticEnabled bool

	// Hub-side camera (MJPEG over HTTP). Empty disables it.
	CameraURL string

	InferenceInterval  time.Duration
	StaleThreshold     time.Duration
	FrameErrorPolicy   FrameErrorPolicy
	PreviewInterval    time.Duration
	ControlQueueSize   int
	WSPingInterval     time.Duration
	WSReadTimeout      time.Duration
	WSWriteTimeout     time.Duration
	WSMaxMessageBytes  int64
	CORSAllowedOrigins map[string]struct{} // empty => disabled, "*" => any

	// Per-client websocket admission. Zero disables each bound.
	WSConnectRPS        float64
	WSConnectBurst      int
	WSMaxConnsPerClient int

	// Detection history. Empty disables the store. HistoryRetain caps the
	// stored rows; 0 keeps every row.
	DatabaseURL   string
	HistoryRetain int

	// Detection publishing. Empty broker disables it.
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTEncoding MQTTEncoding

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	Log LogConfig
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("SENSE_ADDR", ":8010"),
		GeminiAPIKey:            envOr("GEMINI_API_KEY", ""),
		GeminiModel:             envOr("SENSE_GEMINI_MODEL", "gemini-2.5-flash-native-audio-latest"),
		GeminiVoice:             envOr("SENSE_GEMINI_VOICE", "Puck"),
		GeminiAPIVersion:        envOr("SENSE_GEMINI_API_VERSION", "v1beta"),
		SystemInstruction:       envOr("SENSE_SYSTEM_INSTRUCTION", ""),
		GroundingModel:          envOr("SENSE_GROUNDING_MODEL", "gemini-2.0-flash"),
		GroundingEnabled:        envBoolOr("SENSE_GROUNDING_ENABLED", false),
		AllowSimulatedInference: envBoolOr("SENSE_ALLOW_SIMULATED_INFERENCE", false),
		ElevenLabsAPIKey:        envOr("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:       envOr("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModel:         envOr("ELEVENLABS_MODEL", "eleven_flash_v2_5"),
		ElevenLabsOutputFormat:  envOr("ELEVENLABS_OUTPUT_FORMAT", "mp3_22050_32"),
		ElevenLabsBaseURL:       envOr("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		TTSCacheSize:            envIntOr("SENSE_TTS_CACHE_SIZE", 64),
		SerialPort:              envOr("SERIAL_PORT", "/dev/ttyUSB0"),
		SerialBaud:              envIntOr("SERIAL_BAUD", 115200),
		HapticEnabled:           envBoolOr("SENSE_HAPTIC_ENABLED", true),
		CameraURL:               envOr("SENSE_CAMERA_URL", ""),
		InferenceInterval:       envDurationOr("SENSE_INFERENCE_INTERVAL", time.Second),
		StaleThreshold:          envDurationOr("SENSE_SOURCE_STALE_THRESHOLD", 12*time.Second),
		FrameErrorPolicy:        FrameErrorPolicy(strings.ToLower(envOr("SENSE_FRAME_ERROR_POLICY", string(FrameErrorSkip)))),
		PreviewInterval:         envDurationOr("SENSE_PREVIEW_INTERVAL", 200*time.Millisecond),
		ControlQueueSize:        envIntOr("SENSE_CONTROL_QUEUE_SIZE", 32),
		WSPingInterval:          envDurationOr("SENSE_WS_PING_INTERVAL", 20*time.Second),
		WSReadTimeout:           envDurationOr("SENSE_WS_READ_TIMEOUT", 45*time.Second),
		WSWriteTimeout:          envDurationOr("SENSE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSMaxMessageBytes:       envInt64Or("SENSE_WS_MAX_MESSAGE_BYTES", 4<<20), // 4 MiB
		CORSAllowedOrigins:      make(map[string]struct{}),
		WSConnectRPS:            envFloat64Or("SENSE_WS_CONNECT_RPS", 2),
		WSConnectBurst:          envIntOr("SENSE_WS_CONNECT_BURST", 10),
		WSMaxConnsPerClient:     envIntOr("SENSE_WS_MAX_CONNS_PER_CLIENT", 8),
		DatabaseURL:             envOr("SENSE_DATABASE_URL", ""),
		HistoryRetain:           envIntOr("SENSE_HISTORY_RETAIN", 10000),
		MQTTBroker:              envOr("SENSE_MQTT_BROKER", ""),
		MQTTTopic:               envOr("SENSE_MQTT_TOPIC", "sense/detections"),
		MQTTClientID:            envOr("SENSE_MQTT_CLIENT_ID", "sense-hub"),
		MQTTEncoding:            MQTTEncoding(strings.ToLower(envOr("SENSE_MQTT_ENCODING", string(MQTTEncodingJSON)))),
		ReadHeaderTimeout:       envDurationOr("SENSE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("SENSE_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		Log: LogConfig{
			Level:      strings.ToLower(envOr("SENSE_LOG_LEVEL", "info")),
			File:       envOr("SENSE_LOG_FILE", ""),
			MaxSizeMB:  envIntOr("SENSE_LOG_MAX_SIZE_MB", 50),
			MaxBackups: envIntOr("SENSE_LOG_MAX_BACKUPS", 5),
			MaxAgeDays: envIntOr("SENSE_LOG_MAX_AGE_DAYS", 14),
		},
	}

	for _, origin := range splitCSV(os.Getenv("SENSE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.FrameErrorPolicy {
	case FrameErrorSkip, FrameErrorAbort:
	default:
		return Config{}, fmt.Errorf("SENSE_FRAME_ERROR_POLICY must be one of skip|abort")
	}
	switch cfg.MQTTEncoding {
	case MQTTEncodingJSON, MQTTEncodingMsgpack:
	default:
		return Config{}, fmt.Errorf("SENSE_MQTT_ENCODING must be one of json|msgpack")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("SENSE_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if cfg.InferenceInterval < MinInferenceInterval {
		return Config{}, fmt.Errorf("SENSE_INFERENCE_INTERVAL must be >= %s", MinInferenceInterval)
	}
	if cfg.StaleThreshold <= 0 {
		return Config{}, fmt.Errorf("SENSE_SOURCE_STALE_THRESHOLD must be > 0")
	}
	if cfg.PreviewInterval < 0 {
		return Config{}, fmt.Errorf("SENSE_PREVIEW_INTERVAL must be >= 0")
	}
	if cfg.ControlQueueSize <= 0 {
		return Config{}, fmt.Errorf("SENSE_CONTROL_QUEUE_SIZE must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SENSE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSReadTimeout <= cfg.WSPingInterval {
		return Config{}, fmt.Errorf("SENSE_WS_READ_TIMEOUT must be > SENSE_WS_PING_INTERVAL")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SENSE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SENSE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSConnectRPS < 0 || cfg.WSConnectBurst < 0 || cfg.WSMaxConnsPerClient < 0 {
		return Config{}, fmt.Errorf("SENSE_WS_CONNECT_RPS, SENSE_WS_CONNECT_BURST and SENSE_WS_MAX_CONNS_PER_CLIENT must be >= 0")
	}
	if cfg.SerialBaud <= 0 {
		return Config{}, fmt.Errorf("SERIAL_BAUD must be > 0")
	}
	if cfg.HistoryRetain < 0 {
		return Config{}, fmt.Errorf("SENSE_HISTORY_RETAIN must be >= 0")
	}
	if cfg.TTSCacheSize <= 0 {
		return Config{}, fmt.Errorf("SENSE_TTS_CACHE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SENSE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SENSE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return Config{}, fmt.Errorf("SENSE_LOG_MAX_SIZE_MB must be > 0")
	}
	if cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return Config{}, fmt.Errorf("SENSE_LOG_MAX_BACKUPS and SENSE_LOG_MAX_AGE_DAYS must be >= 0")
	}
	if cfg.MQTTBroker != "" && strings.TrimSpace(cfg.MQTTTopic) == "" {
		return Config{}, fmt.Errorf("SENSE_MQTT_TOPIC must not be empty when SENSE_MQTT_BROKER is set")
	}

	return cfg, nil
}

// GeminiConfigured reports whether live sessions can be opened.
func (c Config) GeminiConfigured() bool {
	return strings.TrimSpace(c.GeminiAPIKey) != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envDurationOr accepts Go durations ("1.5s") and bare numbers of seconds.
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
